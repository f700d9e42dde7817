package main

import "github.com/pion/webrtc/v4"

// RegState is the registration state of the selected extension.
type RegState string

const (
	RegUnregistered RegState = "unregistered"
	RegConnecting   RegState = "connecting"
	RegRegistered   RegState = "registered"
	RegError        RegState = "error"
)

// CallState is the state of the (at most one) call.
type CallState string

const (
	StateIdle       CallState = "idle"
	StateRingingIn  CallState = "ringing_in"
	StateRingingOut CallState = "ringing_out"
	StateInCall     CallState = "in_call"
)

// Active reports whether a call exists in any form.
func (s CallState) Active() bool { return s != StateIdle }

// Originator says which side created a session.
type Originator string

const (
	OriginatorLocal  Originator = "local"
	OriginatorRemote Originator = "remote"
)

// ToneTransport selects how a DTMF digit is signaled.
type ToneTransport string

const (
	// ToneRFC2833 is the out-of-band RTP telephone-event method.
	ToneRFC2833 ToneTransport = "rfc2833"
	// ToneInfo is the in-band SIP INFO fallback.
	ToneInfo ToneTransport = "info"
)

// Identity is the credential set one extension registers with.
type Identity struct {
	URI         string // sip:ext@domain
	AuthUser    string
	Password    string
	DisplayName string
}

// MediaOptions carries the media constraints handed to the engine on
// call and answer: which microphone to capture from and which ICE
// servers the engine may use for connectivity.
type MediaOptions struct {
	MicDeviceID string
	ICEServers  []webrtc.ICEServer
}

// Signaler is the interface wrapping the signaling engine used by the
// Controller. The engine performs all SIP and media negotiation; the
// controller only issues commands and reacts to callbacks. Defining it
// here lets the controller be tested with a fake engine.
type Signaler interface {
	Register(id Identity) error
	Unregister() error
	Call(target string, opts MediaOptions) (Session, error)
	Close()

	// Callback setters, satisfied by both the real bridge and test
	// doubles.
	SetOnRegistered(fn func())
	SetOnUnregistered(fn func())
	SetOnRegistrationFailed(fn func(cause string))
	SetOnDisconnected(fn func())
	SetOnNewSession(fn func(origin Originator, s Session))
}

// SignalerFactory builds a connected Signaler for the given wss URL.
// Injected into the Controller so tests can supply fakes and the app
// supplies the WebSocket bridge.
type SignalerFactory func(wssURL string) (Signaler, error)

// Session is one logical call from creation to termination.
type Session interface {
	ID() string
	RemoteDisplayName() string
	RemoteNumber() string

	Answer(opts MediaOptions) error
	Terminate() error
	// RejectBusy declines the session with 486 Busy Here.
	RejectBusy() error
	SetMuted(muted bool) error
	Hold() error
	Unhold() error
	SendTone(digit string, transport ToneTransport) error
	Refer(target string) error

	// Media path. Frames are Opus packets; seq increments per frame so
	// the playback side can reorder.
	SendMedia(opus []byte) error
	SetOnMedia(fn func(seq uint16, opus []byte))

	// Per-session event callbacks.
	SetOnProgress(fn func())
	SetOnAccepted(fn func())
	SetOnConfirmed(fn func())
	SetOnEnded(fn func(cause string))
	SetOnFailed(fn func(cause string))
	SetOnMediaFailure(fn func(cause string))
}

// CallerInfo identifies the remote party of an incoming call plus the
// local extension it is ringing.
type CallerInfo struct {
	Name      string
	Number    string
	Extension string
}

// Display renders the caller as "Name <number>", falling back to
// whichever part is available and then to "Unknown".
func (ci CallerInfo) Display() string {
	switch {
	case ci.Name != "" && ci.Number != "":
		return ci.Name + " <" + ci.Number + ">"
	case ci.Number != "":
		return ci.Number
	case ci.Name != "":
		return ci.Name
	default:
		return "Unknown"
	}
}

// Alerter owns the coupled incoming-call effects: ringtone playback, a
// visual badge and the desktop notification. The three always start
// together via CallAlert and always clear together via ClearAlert,
// never individually.
type Alerter interface {
	CallAlert(caller CallerInfo)
	ClearAlert()
}

// MediaSink wires a session's media to the local audio devices. Attach
// happens at confirmed, not accepted: media is only guaranteed to be
// negotiated once the dialog confirms. Detach runs on teardown.
type MediaSink interface {
	Attach(s Session, opts MediaOptions)
	Detach()
}
