package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"webphone/internal/config"
	"webphone/internal/provision"
)

// Snapshot is the controller state handed to the presentation layer on
// every change. It carries everything the UI renders and nothing else.
type Snapshot struct {
	Registration RegState  `json:"registration"`
	RegCause     string    `json:"regCause,omitempty"`
	CallState    CallState `json:"callState"`
	Muted        bool      `json:"muted"`
	Held         bool      `json:"held"`
	Duration     int       `json:"duration"`
	Remote       string    `json:"remote,omitempty"`
	Extension    string    `json:"extension,omitempty"`
}

// Controller owns the signaling engine handle, the single active call
// session and all call state. Commands come from the UI goroutines and
// events from the engine's read loop, so every mutation is guarded by
// mu; side effects (alerter, media sink, snapshot emission) run after
// the lock is released so a callback may safely re-enter.
type Controller struct {
	mu sync.Mutex

	dial      SignalerFactory
	alerter   Alerter
	media     MediaSink
	onChange  func(Snapshot)
	micDevice func() string

	cfg      *provision.Config
	selected provision.Extension

	engine    Signaler
	reg       RegState
	regErr    string
	call      CallState
	session   Session
	muted     bool
	held      bool
	remote    CallerInfo
	duration  int
	timerStop chan struct{}
}

func NewController(dial SignalerFactory, alerter Alerter, media MediaSink) *Controller {
	if alerter == nil {
		alerter = nopAlerter{}
	}
	if media == nil {
		media = nopMediaSink{}
	}
	return &Controller{
		dial:    dial,
		alerter: alerter,
		media:   media,
		reg:     RegUnregistered,
		call:    StateIdle,
	}
}

// SetOnChange installs the snapshot subscriber. Must be set before
// Register is first called.
func (c *Controller) SetOnChange(fn func(Snapshot)) { c.onChange = fn }

// SetMicDevice installs the microphone preference source consulted at
// call and answer time.
func (c *Controller) SetMicDevice(fn func() string) { c.micDevice = fn }

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// CallActive reports whether any call exists, for the navigation guard.
func (c *Controller) CallActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call.Active()
}

// Selected returns the currently selected extension.
func (c *Controller) Selected() provision.Extension {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Registration: c.reg,
		RegCause:     c.regErr,
		CallState:    c.call,
		Muted:        c.muted,
		Held:         c.held,
		Duration:     c.duration,
		Remote:       c.remote.Display(),
		Extension:    c.selected.Extension,
	}
}

func (c *Controller) notify(snap Snapshot) {
	if c.onChange != nil {
		c.onChange(snap)
	}
}

// Register connects a fresh engine and starts registration for ext.
// A malformed URL or transport failure lands in RegError with no
// automatic retry.
func (c *Controller) Register(cfg *provision.Config, ext provision.Extension) {
	c.mu.Lock()
	if c.engine != nil || c.reg == RegConnecting {
		c.mu.Unlock()
		return
	}
	c.cfg = cfg
	c.selected = ext
	c.reg = RegConnecting
	c.regErr = ""
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)

	eng, err := c.dial(cfg.WSSURL())
	if err != nil {
		phoneLog.WithError(err).Error("signaling connect failed")
		c.mu.Lock()
		c.reg = RegError
		c.regErr = err.Error()
		snap = c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)
		return
	}

	c.mu.Lock()
	c.engine = eng
	c.wireEngineLocked(eng)
	id := Identity{
		URI:         "sip:" + ext.Extension + "@" + cfg.Domain,
		AuthUser:    ext.Extension,
		Password:    ext.Password,
		DisplayName: ext.CallerIDName,
	}
	c.mu.Unlock()

	if err := callEngine(func() error { return eng.Register(id) }); err != nil {
		phoneLog.WithError(err).Error("registration request failed")
		c.mu.Lock()
		if c.engine == eng {
			c.engine = nil
			c.reg = RegError
			c.regErr = err.Error()
		}
		snap = c.snapshotLocked()
		c.mu.Unlock()
		eng.Close()
		c.notify(snap)
	}
}

// Unregister tears down the engine handle. Idempotent; any active call
// is terminated first.
func (c *Controller) Unregister() {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s != nil {
		c.teardown(s, true)
	}

	c.mu.Lock()
	eng := c.engine
	c.engine = nil
	c.reg = RegUnregistered
	c.regErr = ""
	snap := c.snapshotLocked()
	c.mu.Unlock()
	if eng != nil {
		_ = callEngine(eng.Unregister)
		eng.Close()
	}
	c.notify(snap)
}

// SwitchExtension hangs up, drops the current registration and
// registers again under the new identity, reusing the fetched
// configuration.
func (c *Controller) SwitchExtension(ext provision.Extension) {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()
	if cfg == nil {
		return
	}
	phoneLog.Infof("switching to extension %s", ext.Extension)
	c.Unregister()
	c.Register(cfg, ext)
}

// PlaceCall dials target through the engine. No-op unless registered
// and idle. A synchronous engine failure is treated like an immediate
// ended event: nothing is stored and state stays idle.
func (c *Controller) PlaceCall(target string) {
	target = strings.TrimSpace(target)
	if target == "" {
		return
	}
	c.mu.Lock()
	if c.reg != RegRegistered || c.call != StateIdle || c.engine == nil {
		c.mu.Unlock()
		return
	}
	eng := c.engine
	addr := "sip:" + target + "@" + c.cfg.Domain
	opts := c.mediaOptionsLocked()

	s, err := callEngineSession(func() (Session, error) { return eng.Call(addr, opts) })
	if err != nil {
		c.mu.Unlock()
		phoneLog.WithError(err).Error("call initiation failed")
		return
	}
	c.session = s
	c.call = StateRingingOut
	c.muted = false
	c.held = false
	c.remote = CallerInfo{Number: target, Extension: c.selected.Extension}
	c.wireSessionLocked(s)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	phoneLog.Infof("calling %s", addr)
	c.notify(snap)
}

// Answer accepts the ringing inbound call. Valid only in ringing_in; a
// local failure terminates the session.
func (c *Controller) Answer() {
	c.mu.Lock()
	if c.call != StateRingingIn || c.session == nil {
		c.mu.Unlock()
		return
	}
	s := c.session
	opts := c.mediaOptionsLocked()
	c.mu.Unlock()

	if err := callEngine(func() error { return s.Answer(opts) }); err != nil {
		phoneLog.WithError(err).Error("answer failed")
		c.teardown(s, true)
	}
}

// Reject declines the ringing inbound call with busy and tears down
// regardless of what the engine says.
func (c *Controller) Reject() {
	c.mu.Lock()
	if c.call != StateRingingIn || c.session == nil {
		c.mu.Unlock()
		return
	}
	s := c.session
	c.mu.Unlock()
	_ = callEngine(s.RejectBusy)
	c.teardown(s, false)
}

// Hangup terminates whatever call exists, in any state.
func (c *Controller) Hangup() {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return
	}
	c.teardown(s, true)
}

// ToggleMute flips the mute flag optimistically and reverts if the
// engine rejects the change.
func (c *Controller) ToggleMute() {
	c.mu.Lock()
	if c.call != StateInCall || c.session == nil {
		c.mu.Unlock()
		return
	}
	s := c.session
	c.muted = !c.muted
	want := c.muted
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)

	if err := callEngine(func() error { return s.SetMuted(want) }); err != nil {
		phoneLog.WithError(err).Warn("mute change failed, reverting")
		c.revertFlag(s, func(c *Controller) { c.muted = !want })
	}
}

// ToggleHold flips the hold flag optimistically and reverts if the
// engine rejects the change.
func (c *Controller) ToggleHold() {
	c.mu.Lock()
	if c.call != StateInCall || c.session == nil {
		c.mu.Unlock()
		return
	}
	s := c.session
	c.held = !c.held
	want := c.held
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)

	op := s.Unhold
	if want {
		op = s.Hold
	}
	if err := callEngine(op); err != nil {
		phoneLog.WithError(err).Warn("hold change failed, reverting")
		c.revertFlag(s, func(c *Controller) { c.held = !want })
	}
}

func (c *Controller) revertFlag(s Session, undo func(*Controller)) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	undo(c)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// SendTone sends a DTMF digit, preferring the RTP telephone-event
// method and falling back to SIP INFO. Both failing is ignored.
func (c *Controller) SendTone(digit string) {
	c.mu.Lock()
	if c.call != StateInCall || c.session == nil {
		c.mu.Unlock()
		return
	}
	s := c.session
	c.mu.Unlock()

	if err := callEngine(func() error { return s.SendTone(digit, ToneRFC2833) }); err != nil {
		if err := callEngine(func() error { return s.SendTone(digit, ToneInfo) }); err != nil {
			phoneLog.WithError(err).Debugf("tone %q dropped", digit)
		}
	}
}

// Transfer asks the engine to refer the call to target. Failure is
// logged, never surfaced as a state change.
func (c *Controller) Transfer(target string) {
	target = strings.TrimSpace(target)
	c.mu.Lock()
	if c.call != StateInCall || c.session == nil || target == "" {
		c.mu.Unlock()
		return
	}
	s := c.session
	addr := "sip:" + target + "@" + c.cfg.Domain
	c.mu.Unlock()

	if err := callEngine(func() error { return s.Refer(addr) }); err != nil {
		phoneLog.WithError(err).Warn("transfer failed")
	}
}

func (c *Controller) mediaOptionsLocked() MediaOptions {
	opts := MediaOptions{MicDeviceID: config.DefaultDeviceID}
	if c.micDevice != nil {
		opts.MicDeviceID = c.micDevice()
	}
	if c.cfg != nil && c.cfg.STUNServer != "" {
		opts.ICEServers = []webrtc.ICEServer{{URLs: []string{c.cfg.STUNServer}}}
	}
	return opts
}

func (c *Controller) wireEngineLocked(eng Signaler) {
	eng.SetOnRegistered(func() {
		c.mu.Lock()
		if c.engine != eng {
			c.mu.Unlock()
			return
		}
		c.reg = RegRegistered
		c.regErr = ""
		snap := c.snapshotLocked()
		c.mu.Unlock()
		phoneLog.Info("registered")
		c.notify(snap)
	})
	eng.SetOnUnregistered(func() {
		c.mu.Lock()
		if c.engine != eng {
			c.mu.Unlock()
			return
		}
		c.reg = RegUnregistered
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)
	})
	eng.SetOnRegistrationFailed(func(cause string) {
		c.mu.Lock()
		if c.engine != eng {
			c.mu.Unlock()
			return
		}
		c.reg = RegError
		c.regErr = cause
		snap := c.snapshotLocked()
		c.mu.Unlock()
		phoneLog.Errorf("registration failed: %s", cause)
		c.notify(snap)
	})
	eng.SetOnDisconnected(func() {
		c.mu.Lock()
		if c.engine != eng {
			c.mu.Unlock()
			return
		}
		s := c.session
		c.mu.Unlock()
		if s != nil {
			c.teardown(s, false)
		}
		c.mu.Lock()
		if c.engine == eng {
			c.engine = nil
			c.reg = RegUnregistered
		}
		snap := c.snapshotLocked()
		c.mu.Unlock()
		phoneLog.Warn("signaling transport disconnected")
		eng.Close()
		c.notify(snap)
	})
	eng.SetOnNewSession(func(origin Originator, s Session) {
		c.handleNewSession(eng, origin, s)
	})
}

func (c *Controller) handleNewSession(eng Signaler, origin Originator, s Session) {
	if origin == OriginatorLocal {
		// already tracked by PlaceCall
		return
	}
	c.mu.Lock()
	if c.engine != eng {
		c.mu.Unlock()
		_ = callEngine(s.RejectBusy)
		return
	}
	if c.session != nil {
		c.mu.Unlock()
		phoneLog.Infof("busy, rejecting session %s", s.ID())
		_ = callEngine(s.RejectBusy)
		return
	}
	c.session = s
	c.call = StateRingingIn
	c.muted = false
	c.held = false
	c.remote = CallerInfo{
		Name:      s.RemoteDisplayName(),
		Number:    s.RemoteNumber(),
		Extension: c.selected.Extension,
	}
	caller := c.remote
	c.wireSessionLocked(s)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	phoneLog.Infof("incoming call from %s", caller.Display())
	c.alerter.CallAlert(caller)
	c.notify(snap)
}

func (c *Controller) wireSessionLocked(s Session) {
	s.SetOnProgress(func() {
		c.mu.Lock()
		if c.session != s {
			c.mu.Unlock()
			return
		}
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)
	})
	s.SetOnAccepted(func() {
		c.enterInCall(s, false)
	})
	s.SetOnConfirmed(func() {
		c.enterInCall(s, true)
	})
	s.SetOnEnded(func(cause string) {
		phoneLog.Infof("call ended: %s", cause)
		c.teardown(s, false)
	})
	s.SetOnFailed(func(cause string) {
		phoneLog.Warnf("call failed: %s", cause)
		c.teardown(s, false)
	})
	s.SetOnMediaFailure(func(cause string) {
		phoneLog.Errorf("media negotiation failed: %s", cause)
		c.teardown(s, true)
	})
}

// enterInCall handles both accepted and confirmed. Only confirmed is
// guaranteed to have negotiated media, so the audio sink attaches on
// confirmed alone; the timer starts once, on the first of the two.
func (c *Controller) enterInCall(s Session, confirmed bool) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	wasRinging := c.call == StateRingingIn
	if c.call != StateInCall {
		c.call = StateInCall
		c.startTimerLocked()
	}
	var opts MediaOptions
	if confirmed {
		opts = c.mediaOptionsLocked()
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if wasRinging {
		c.alerter.ClearAlert()
	}
	if confirmed {
		c.media.Attach(s, opts)
	}
	c.notify(snap)
}

// teardown is the single exit path for every call, whatever ended it.
// Safe to run concurrently with itself and with stale session events:
// only the currently tracked session can tear down, and only once.
func (c *Controller) teardown(s Session, terminate bool) {
	c.mu.Lock()
	if c.session == nil || (s != nil && c.session != s) {
		c.mu.Unlock()
		return
	}
	cur := c.session
	c.session = nil
	c.call = StateIdle
	c.muted = false
	c.held = false
	c.remote = CallerInfo{}
	c.stopTimerLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if terminate {
		_ = callEngine(cur.Terminate)
	}
	c.alerter.ClearAlert()
	c.media.Detach()
	c.notify(snap)
}

func (c *Controller) startTimerLocked() {
	c.stopTimerLocked()
	stop := make(chan struct{})
	c.timerStop = stop
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				c.mu.Lock()
				if c.timerStop != stop || c.call != StateInCall {
					c.mu.Unlock()
					return
				}
				c.duration++
				snap := c.snapshotLocked()
				c.mu.Unlock()
				c.notify(snap)
			}
		}
	}()
}

func (c *Controller) stopTimerLocked() {
	if c.timerStop != nil {
		close(c.timerStop)
		c.timerStop = nil
	}
	c.duration = 0
}

// callEngine runs an engine operation so that a panic inside the
// engine can never escape into the host; it is converted to an error.
func callEngine(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return fn()
}

func callEngineSession(fn func() (Session, error)) (s Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			s = nil
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return fn()
}

type nopAlerter struct{}

func (nopAlerter) CallAlert(CallerInfo) {}
func (nopAlerter) ClearAlert()          {}

type nopMediaSink struct{}

func (nopMediaSink) Attach(Session, MediaOptions) {}
func (nopMediaSink) Detach()                      {}
