package main

import "sync"

// Event names pushed to the presentation layer.
const (
	eventState      = "phone:state"
	eventAlert      = "phone:alert"
	eventAlertClear = "phone:alert_clear"
)

// alertPayload is what the UI needs to raise the badge and, when the
// host has granted permission, the desktop notification. Clicking the
// notification focuses the window and answers.
type alertPayload struct {
	Caller    string `json:"caller"`
	Extension string `json:"extension"`
}

// ringer is the slice of the audio engine the notifier drives.
type ringer interface {
	StartRing()
	StopRing()
}

// Notifier owns the coupled incoming-call effects. Ringtone, badge and
// desktop notification start together in CallAlert and clear together
// in ClearAlert; nothing else touches them, so a stuck ringtone or
// stale notification cannot happen.
type Notifier struct {
	ring ringer
	emit func(name string, data ...interface{})

	mu     sync.Mutex
	active bool
}

var _ Alerter = (*Notifier)(nil)

func NewNotifier(ring ringer, emit func(name string, data ...interface{})) *Notifier {
	return &Notifier{ring: ring, emit: emit}
}

func (n *Notifier) CallAlert(caller CallerInfo) {
	n.mu.Lock()
	n.active = true
	n.mu.Unlock()

	n.ring.StartRing()
	n.emit(eventAlert, alertPayload{
		Caller:    caller.Display(),
		Extension: caller.Extension,
	})
}

// ClearAlert is idempotent: teardown and answer paths may both reach
// it for the same alert.
func (n *Notifier) ClearAlert() {
	n.mu.Lock()
	wasActive := n.active
	n.active = false
	n.mu.Unlock()

	n.ring.StopRing()
	if wasActive {
		n.emit(eventAlertClear)
	}
}
