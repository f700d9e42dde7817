package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"webphone/internal/guard"
	"webphone/internal/provision"
	"webphone/internal/ringtone"
)

const (
	// navResumeDelay gives the engine a moment to push the BYE out
	// before the suppressed navigation is replayed.
	navResumeDelay = 250 * time.Millisecond

	previewDuration = 4 * time.Second

	defaultProvisionURL = "http://localhost:8080"
)

// App bridges the Go backend with the Wails frontend. Bound methods
// are callable from JS. Keep this struct thin and delegate to the
// Controller, AudioEngine and Notifier.
type App struct {
	ctx        context.Context
	audio      *AudioEngine
	notifier   *Notifier
	controller *Controller

	mu           sync.Mutex
	cfg          *provision.Config
	provErr      *provision.Error
	fetchErr     error
	previewStop  *time.Timer
}

func NewApp() *App { return newApp(DialBridge) }

func newApp(dial SignalerFactory) *App {
	app := &App{audio: NewAudioEngine()}
	app.notifier = NewNotifier(app.audio, app.emitEvent)
	app.controller = NewController(dial, app.notifier, app.audio)
	app.controller.SetMicDevice(app.audio.MicDeviceID)
	app.controller.SetOnChange(func(snap Snapshot) {
		app.emitEvent(eventState, snap)
	})
	return app
}

func (a *App) emitEvent(name string, data ...interface{}) {
	a.mu.Lock()
	ctx := a.ctx
	a.mu.Unlock()
	if ctx != nil {
		runtime.EventsEmit(ctx, name, data...)
	}
}

// startup is called when the Wails app starts.
func (a *App) startup(ctx context.Context) {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	if dir, err := os.UserConfigDir(); err == nil {
		if err := initFileLogging(filepath.Join(dir, "webphone"), os.Getenv("WEBPHONE_DEBUG") != ""); err != nil {
			appLog.WithError(err).Warn("file logging unavailable")
		}
	}
	a.audio.Init()
	a.fetchProvisioning(ctx)
}

// shutdown is called when the Wails app is closing.
func (a *App) shutdown(_ context.Context) {
	a.controller.Hangup()
	a.controller.Unregister()
	a.audio.Shutdown()
	closeLogging()
}

// beforeClose guards window close while a call is active. Returning
// true keeps the window open.
func (a *App) beforeClose(ctx context.Context) bool {
	if !a.controller.CallActive() {
		return false
	}
	choice, err := runtime.MessageDialog(ctx, runtime.MessageDialogOptions{
		Type:          runtime.QuestionDialog,
		Title:         "Call in progress",
		Message:       "A call is in progress. Hang up and quit?",
		Buttons:       []string{"Stay", "Hang up and quit"},
		DefaultButton: "Stay",
	})
	if err != nil || choice == "Stay" {
		return true
	}
	a.controller.Hangup()
	return false
}

func (a *App) fetchProvisioning(ctx context.Context) {
	raw := os.Getenv("WEBPHONE_PROVISION_URL")
	if raw == "" {
		raw = defaultProvisionURL
	}
	url, err := provision.NormalizeEndpoint(raw)
	if err != nil {
		appLog.WithError(err).Error("bad provisioning endpoint")
		a.mu.Lock()
		a.fetchErr = err
		a.mu.Unlock()
		return
	}
	cfg, err := provision.NewClient(url, nil).Fetch(ctx)

	a.mu.Lock()
	a.cfg = cfg
	a.provErr = nil
	a.fetchErr = nil
	if err != nil {
		var perr *provision.Error
		if errors.As(err, &perr) {
			a.provErr = perr
		} else {
			a.fetchErr = err
		}
		appLog.WithError(err).Error("provisioning fetch failed")
	}
	single := err == nil && len(cfg.Extensions) == 1
	a.mu.Unlock()

	if single {
		// one extension: skip the picker and register right away
		a.controller.Register(cfg, cfg.Extensions[0])
	}
}

// ExtensionView is one picker entry.
type ExtensionView struct {
	Extension string `json:"extension"`
	Label     string `json:"label"`
}

// ProvisionView tells the UI whether to render the phone, the picker
// or a terminal error message.
type ProvisionView struct {
	Error       string          `json:"error,omitempty"`
	Message     string          `json:"message,omitempty"`
	Domain      string          `json:"domain,omitempty"`
	Extensions  []ExtensionView `json:"extensions"`
	NeedsPicker bool            `json:"needsPicker"`
}

// GetProvisioning returns the provisioning outcome for the UI.
func (a *App) GetProvisioning() ProvisionView {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.provErr != nil {
		return ProvisionView{
			Error:   string(a.provErr.Reason),
			Message: a.provErr.Message(),
		}
	}
	if a.fetchErr != nil {
		return ProvisionView{Error: "unreachable", Message: "The phone service could not be reached."}
	}
	if a.cfg == nil {
		return ProvisionView{Error: "pending", Message: "Loading..."}
	}

	view := ProvisionView{
		Domain:      a.cfg.Domain,
		NeedsPicker: len(a.cfg.Extensions) > 1,
	}
	for _, ext := range a.cfg.Extensions {
		view.Extensions = append(view.Extensions, ExtensionView{
			Extension: ext.Extension,
			Label:     ext.DisplayLabel(),
		})
	}
	return view
}

// SelectExtension registers the extension at index, from the picker.
func (a *App) SelectExtension(index int) {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()
	if cfg == nil || index < 0 || index >= len(cfg.Extensions) {
		return
	}
	a.controller.Register(cfg, cfg.Extensions[index])
}

// SwitchExtension hangs up, drops registration and re-registers under
// the extension at index.
func (a *App) SwitchExtension(index int) {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()
	if cfg == nil || index < 0 || index >= len(cfg.Extensions) {
		return
	}
	a.controller.SwitchExtension(cfg.Extensions[index])
}

// GetState returns the current controller snapshot.
func (a *App) GetState() Snapshot { return a.controller.Snapshot() }

// Call dials the target number or URI user part.
func (a *App) Call(target string) { a.controller.PlaceCall(target) }

// Answer accepts the ringing call. Also reachable from the desktop
// notification click in the frontend.
func (a *App) Answer() { a.controller.Answer() }

// Reject declines the ringing call with busy.
func (a *App) Reject() { a.controller.Reject() }

// Hangup ends the active call in any state.
func (a *App) Hangup() { a.controller.Hangup() }

func (a *App) ToggleMute() { a.controller.ToggleMute() }

func (a *App) ToggleHold() { a.controller.ToggleHold() }

// SendDTMF sends one digit during a call.
func (a *App) SendDTMF(digit string) { a.controller.SendTone(digit) }

// Transfer refers the active call to target.
func (a *App) Transfer(target string) { a.controller.Transfer(target) }

// AudioDeviceLists carries both enumeration results.
type AudioDeviceLists struct {
	Inputs  []AudioDevice `json:"inputs"`
	Outputs []AudioDevice `json:"outputs"`
}

func (a *App) GetAudioDevices() AudioDeviceLists {
	inputs, outputs := a.audio.ListDevices()
	return AudioDeviceLists{Inputs: inputs, Outputs: outputs}
}

func (a *App) GetAudioSettings() map[string]interface{} {
	s := a.audio.Settings()
	return map[string]interface{}{
		"ringtoneIndex":   s.RingtoneIndex,
		"ringVolume":      s.RingVolume,
		"speakerVolume":   s.SpeakerVolume,
		"ringDeviceId":    s.RingDeviceID,
		"speakerDeviceId": s.SpeakerDeviceID,
		"micDeviceId":     s.MicDeviceID,
	}
}

func (a *App) SetRingtone(index int)      { a.audio.SetRingtone(index) }
func (a *App) SetRingVolume(vol float64)  { a.audio.SetRingVolume(vol) }
func (a *App) SetSpeakerVolume(v float64) { a.audio.SetSpeakerVolume(v) }
func (a *App) SetRingDevice(id string)    { a.audio.SetRingDevice(id) }
func (a *App) SetSpeakerDevice(id string) { a.audio.SetSpeakerDevice(id) }
func (a *App) SetMicDevice(id string)     { a.audio.SetMicDevice(id) }

// GetRingtoneNames lists the preset names for the settings panel.
func (a *App) GetRingtoneNames() []string { return ringtone.Names() }

// PreviewRingtone plays the preset for a few seconds so the user can
// pick one. Blocked while any call exists; the ring device is in use.
func (a *App) PreviewRingtone(index int) {
	if a.controller.CallActive() {
		return
	}
	a.audio.SetRingtone(index)

	a.mu.Lock()
	if a.previewStop != nil {
		a.previewStop.Stop()
	}
	a.mu.Unlock()

	a.audio.StartRing()
	t := time.AfterFunc(previewDuration, a.audio.StopRing)
	a.mu.Lock()
	a.previewStop = t
	a.mu.Unlock()
}

// StopPreview cancels a running ringtone preview.
func (a *App) StopPreview() {
	a.mu.Lock()
	if a.previewStop != nil {
		a.previewStop.Stop()
		a.previewStop = nil
	}
	a.mu.Unlock()
	if !a.controller.CallActive() {
		a.audio.StopRing()
	}
}

// ShouldInterceptNavigation is consulted by the frontend before it
// lets an unload, form submit or link click proceed.
func (a *App) ShouldInterceptNavigation(kind string, target, page string, newTab, insideWidget bool) bool {
	req := guard.Request{
		Target:       target,
		Page:         page,
		NewTab:       newTab,
		InsideWidget: insideWidget,
	}
	switch kind {
	case "unload":
		req.Kind = guard.Unload
	case "submit":
		req.Kind = guard.FormSubmit
	default:
		req.Kind = guard.LinkClick
	}
	return guard.Intercept(a.controller.CallActive(), req)
}

// ConfirmNavigation is called after the user confirms leaving during a
// call: hang up, give the engine a moment, then let the frontend
// replay the suppressed action.
func (a *App) ConfirmNavigation() {
	a.controller.Hangup()
	time.Sleep(navResumeDelay)
}
