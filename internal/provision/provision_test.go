package provision_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"webphone/internal/provision"
)

func serve(t *testing.T, body string) *provision.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return provision.NewClient(srv.URL, srv.Client())
}

func TestFetchTwoExtensions(t *testing.T) {
	c := serve(t, `{
		"domain": "pbx.example.com",
		"wss_port": "7443",
		"stun_server": "stun:stun.l.google.com:19302",
		"extensions": [
			{"extension_uuid": "u1", "extension": "101", "password": "s1", "caller_id_name": "Front Desk", "description": "lobby"},
			{"extension_uuid": "u2", "extension": "102", "password": "s2", "caller_id_name": "102"}
		]
	}`)

	cfg, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if cfg.Domain != "pbx.example.com" || cfg.WSSPort != "7443" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if got := cfg.WSSURL(); got != "wss://pbx.example.com:7443" {
		t.Errorf("WSSURL: got %q", got)
	}
	if len(cfg.Extensions) != 2 {
		t.Fatalf("got %d extensions, want 2", len(cfg.Extensions))
	}
	if got := cfg.Extensions[0].DisplayLabel(); got != "101 - lobby (Front Desk)" {
		t.Errorf("label: got %q", got)
	}
	// Caller ID equal to the extension number is not repeated.
	if got := cfg.Extensions[1].DisplayLabel(); got != "102" {
		t.Errorf("label: got %q", got)
	}
}

func TestFetchErrorCodes(t *testing.T) {
	for _, reason := range []provision.Reason{
		provision.ReasonAccessDenied,
		provision.ReasonSessionInvalid,
		provision.ReasonDisabled,
	} {
		c := serve(t, `{"error": "`+string(reason)+`"}`)
		_, err := c.Fetch(context.Background())
		var perr *provision.Error
		if !errors.As(err, &perr) {
			t.Fatalf("%s: expected *provision.Error, got %v", reason, err)
		}
		if perr.Reason != reason {
			t.Errorf("reason: got %q, want %q", perr.Reason, reason)
		}
		if perr.Message() == "" {
			t.Errorf("%s: empty user message", reason)
		}
	}
}

func TestFetchNoExtensions(t *testing.T) {
	c := serve(t, `{"domain": "pbx.example.com", "wss_port": "7443", "extensions": []}`)
	_, err := c.Fetch(context.Background())
	var perr *provision.Error
	if !errors.As(err, &perr) || perr.Reason != provision.ReasonNoExtensions {
		t.Fatalf("expected no_extensions error, got %v", err)
	}
}

func TestFetchMalformedBody(t *testing.T) {
	c := serve(t, `this is not json`)
	if _, err := c.Fetch(context.Background()); err == nil {
		t.Fatal("expected error for malformed body")
	}
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := provision.NewClient(srv.URL, srv.Client())
	if _, err := c.Fetch(context.Background()); err == nil {
		t.Fatal("expected error for HTTP 500")
	}
}

func TestFetchContextCancel(t *testing.T) {
	c := serve(t, `{}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Fetch(ctx); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"pbx.example.com", "http://pbx.example.com/api/webrtc_phone"},
		{"pbx.example.com:8080", "http://pbx.example.com:8080/api/webrtc_phone"},
		{"https://pbx.example.com", "https://pbx.example.com/api/webrtc_phone"},
		{"https://pbx.example.com/", "https://pbx.example.com/api/webrtc_phone"},
		{"http://pbx.example.com/app/phone.php", "http://pbx.example.com/app/phone.php"},
		{"http://pbx.example.com/app/phone/", "http://pbx.example.com/app/phone"},
		{" pbx.example.com ", "http://pbx.example.com/api/webrtc_phone"},
	}
	for _, tc := range cases {
		got, err := provision.NormalizeEndpoint(tc.in)
		if err != nil {
			t.Errorf("%q: unexpected error %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeEndpointRejects(t *testing.T) {
	for _, in := range []string{"", "   ", "ftp://pbx.example.com", "http://"} {
		if _, err := provision.NormalizeEndpoint(in); err == nil {
			t.Errorf("%q: expected error", in)
		}
	}
}
