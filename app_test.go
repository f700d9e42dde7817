package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveProvisioning(t *testing.T, body interface{}) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	t.Setenv("WEBPHONE_PROVISION_URL", srv.URL)
}

func provisionBody(extensions ...map[string]string) map[string]interface{} {
	return map[string]interface{}{
		"domain":      "pbx.example.com",
		"wss_port":    "7443",
		"stun_server": "stun:stun.example.com:3478",
		"extensions":  extensions,
	}
}

func newTestApp(t *testing.T) (*App, *fakeEngine) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	eng := &fakeEngine{}
	return newApp(func(string) (Signaler, error) { return eng, nil }), eng
}

func TestTwoExtensionsShowPicker(t *testing.T) {
	app, eng := newTestApp(t)
	serveProvisioning(t, provisionBody(
		map[string]string{"extension": "100", "password": "a"},
		map[string]string{"extension": "101", "password": "b"},
	))
	app.fetchProvisioning(context.Background())

	view := app.GetProvisioning()
	if !view.NeedsPicker || len(view.Extensions) != 2 {
		t.Fatalf("view = %+v", view)
	}
	if len(eng.identities) != 0 {
		t.Fatal("registered before an extension was picked")
	}

	app.SelectExtension(1)
	if len(eng.identities) != 1 || eng.identities[0].AuthUser != "101" {
		t.Fatalf("identities = %+v", eng.identities)
	}
	if got := app.GetState().Extension; got != "101" {
		t.Errorf("selected extension = %q", got)
	}
}

func TestSingleExtensionAutoRegisters(t *testing.T) {
	app, eng := newTestApp(t)
	serveProvisioning(t, provisionBody(
		map[string]string{"extension": "100", "password": "a"},
	))
	app.fetchProvisioning(context.Background())

	view := app.GetProvisioning()
	if view.NeedsPicker {
		t.Error("picker shown for a single extension")
	}
	if len(eng.identities) != 1 || eng.identities[0].AuthUser != "100" {
		t.Fatalf("identities = %+v", eng.identities)
	}
}

func TestProvisioningErrorRendersMessage(t *testing.T) {
	app, _ := newTestApp(t)
	serveProvisioning(t, map[string]string{"error": "feature_disabled"})
	app.fetchProvisioning(context.Background())

	view := app.GetProvisioning()
	if view.Error != "feature_disabled" || view.Message == "" {
		t.Fatalf("view = %+v", view)
	}
}

func TestSelectExtensionOutOfRange(t *testing.T) {
	app, eng := newTestApp(t)
	serveProvisioning(t, provisionBody(
		map[string]string{"extension": "100", "password": "a"},
		map[string]string{"extension": "101", "password": "b"},
	))
	app.fetchProvisioning(context.Background())

	app.SelectExtension(5)
	app.SelectExtension(-1)
	if len(eng.identities) != 0 {
		t.Fatalf("identities = %+v", eng.identities)
	}
}

func TestNavigationInterceptionDuringCall(t *testing.T) {
	app, eng := newTestApp(t)
	serveProvisioning(t, provisionBody(
		map[string]string{"extension": "100", "password": "a"},
	))
	app.fetchProvisioning(context.Background())
	eng.onRegistered()

	// idle: nothing is intercepted
	if app.ShouldInterceptNavigation("link", "https://elsewhere.example/", "https://here.example/", false, false) {
		t.Error("intercepted while idle")
	}

	eng.onNewSession(OriginatorRemote, &fakeSession{id: "in-1"})

	if !app.ShouldInterceptNavigation("unload", "", "", false, false) {
		t.Error("unload not intercepted during call")
	}
	if !app.ShouldInterceptNavigation("link", "https://elsewhere.example/", "https://here.example/", false, false) {
		t.Error("off-page link not intercepted during call")
	}
	if app.ShouldInterceptNavigation("link", "https://here.example/page#section", "https://here.example/page", false, false) {
		t.Error("same-page anchor intercepted")
	}
	if app.ShouldInterceptNavigation("link", "https://elsewhere.example/", "https://here.example/", true, false) {
		t.Error("new-tab link intercepted")
	}
	if app.ShouldInterceptNavigation("submit", "", "", false, true) {
		t.Error("widget-internal form submit intercepted")
	}
}

func TestConfirmNavigationHangsUp(t *testing.T) {
	app, eng := newTestApp(t)
	serveProvisioning(t, provisionBody(
		map[string]string{"extension": "100", "password": "a"},
	))
	app.fetchProvisioning(context.Background())
	eng.onRegistered()

	s := &fakeSession{id: "in-1"}
	eng.onNewSession(OriginatorRemote, s)
	app.ConfirmNavigation()

	if _, terminated, _ := s.counts(); terminated != 1 {
		t.Errorf("terminate count = %d, want 1", terminated)
	}
	if app.controller.CallActive() {
		t.Error("call still active after confirmed navigation")
	}
}

func TestPreviewBlockedDuringCall(t *testing.T) {
	app, eng := newTestApp(t)
	serveProvisioning(t, provisionBody(
		map[string]string{"extension": "100", "password": "a"},
	))
	app.fetchProvisioning(context.Background())
	eng.onRegistered()
	eng.onNewSession(OriginatorRemote, &fakeSession{id: "in-1"})

	app.PreviewRingtone(2)
	if got := app.audio.Settings().RingtoneIndex; got != 0 {
		t.Errorf("ringtone index = %d, preview ran during call", got)
	}
}

func TestPreviewSelectsPreset(t *testing.T) {
	app, _ := newTestApp(t)
	app.PreviewRingtone(3)
	if got := app.audio.Settings().RingtoneIndex; got != 3 {
		t.Errorf("ringtone index = %d, want 3", got)
	}
	app.StopPreview()
}

func TestRingtoneNamesExposed(t *testing.T) {
	names := (&App{}).GetRingtoneNames()
	if len(names) != 5 {
		t.Fatalf("preset count = %d, want 5", len(names))
	}
}
