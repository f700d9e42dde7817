// Package guard decides whether a navigation action may proceed while
// a call is active. It is pure decision logic: the app layer feeds it
// navigation attempts and owns the confirmation dialog, the hangup and
// the deferred resume of the original action.
package guard

import "strings"

// Kind classifies a navigation attempt.
type Kind int

const (
	// Unload is the window/page being closed or navigated away natively.
	Unload Kind = iota
	// FormSubmit is a form submission.
	FormSubmit
	// LinkClick is a click on a hyperlink.
	LinkClick
)

// Request describes one navigation attempt.
type Request struct {
	Kind Kind
	// Target is the link destination. Empty for Unload and FormSubmit.
	Target string
	// Page is the current page location.
	Page string
	// NewTab is set when the link opens in a new tab or window.
	NewTab bool
	// InsideWidget is set when the originating element lives inside the
	// phone widget's own subtree.
	InsideWidget bool
}

// Intercept reports whether the attempt must be held for confirmation.
// Nothing is ever intercepted while no call is active. The phone's own
// forms and links are never intercepted, and link clicks that cannot
// drop the call (new tab, javascript: pseudo-links, same-page fragment
// jumps) pass through untouched.
func Intercept(callActive bool, req Request) bool {
	if !callActive {
		return false
	}
	switch req.Kind {
	case Unload:
		return true
	case FormSubmit:
		return !req.InsideWidget
	case LinkClick:
		if req.InsideWidget || req.NewTab {
			return false
		}
		if req.Target == "" || strings.HasPrefix(req.Target, "javascript:") {
			return false
		}
		if stripFragment(req.Target) == stripFragment(req.Page) {
			return false
		}
		return true
	}
	return false
}

func stripFragment(u string) string {
	if i := strings.IndexByte(u, '#'); i >= 0 {
		return u[:i]
	}
	return u
}
