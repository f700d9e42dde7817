// Package provision fetches the phone configuration from the host
// platform: the SIP domain, the WSS signaling port, the STUN server
// and the list of extensions assigned to the current user. The fetch
// happens once per session; the result is read-only and reused across
// extension switches.
package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Reason is a terminal configuration-fetch failure code.
type Reason string

const (
	ReasonAccessDenied   Reason = "access_denied"
	ReasonSessionInvalid Reason = "session_invalid"
	ReasonDisabled       Reason = "feature_disabled"
	ReasonNoExtensions   Reason = "no_extensions"
)

// Error is a configuration error reported by the host platform. It is
// terminal for the widget instance: no retry, the reason is rendered
// as a static message.
type Error struct {
	Reason Reason
}

func (e *Error) Error() string { return "provision: " + string(e.Reason) }

// Message returns the user-facing text for the error.
func (e *Error) Message() string {
	switch e.Reason {
	case ReasonAccessDenied:
		return "You do not have permission to use the phone."
	case ReasonSessionInvalid:
		return "Your session has expired. Sign in again."
	case ReasonDisabled:
		return "The phone is disabled on this system."
	case ReasonNoExtensions:
		return "No extensions assigned to your account."
	default:
		return "Failed to load phone configuration."
	}
}

// Extension is one line identity assigned to the user. Immutable once
// fetched.
type Extension struct {
	ID           string `json:"extension_uuid"`
	Extension    string `json:"extension"`
	Password     string `json:"password"`
	CallerIDName string `json:"caller_id_name"`
	Description  string `json:"description"`
}

// DisplayLabel returns the picker label for the extension.
func (e Extension) DisplayLabel() string {
	label := e.Extension
	if e.Description != "" {
		label += " - " + e.Description
	}
	if e.CallerIDName != "" && e.CallerIDName != e.Extension {
		label += " (" + e.CallerIDName + ")"
	}
	return label
}

// Config is the phone configuration for one session.
type Config struct {
	Domain     string      `json:"domain"`
	WSSPort    string      `json:"wss_port"`
	STUNServer string      `json:"stun_server"`
	Extensions []Extension `json:"extensions"`
}

// WSSURL returns the signaling WebSocket URL for the configured domain.
func (c *Config) WSSURL() string {
	return fmt.Sprintf("wss://%s:%s", c.Domain, c.WSSPort)
}

// NormalizeEndpoint accepts a full URL, host, or host:port and returns
// the configuration endpoint URL. A bare host gets the http scheme and
// the default API path; a URL without a path gets the path appended.
func NormalizeEndpoint(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("provision: empty endpoint")
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("provision: bad endpoint %q: %w", s, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("provision: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("provision: endpoint %q has no host", s)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = defaultAPIPath
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}

const defaultAPIPath = "/api/webrtc_phone"

// apiResponse is the raw wire shape: either a config or an error code.
type apiResponse struct {
	Error Reason `json:"error,omitempty"`
	Config
}

// Client fetches the phone configuration over HTTP.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a provisioning client for the given endpoint URL.
// A nil httpClient gets a default with a 30 s timeout.
func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{url: url, httpClient: httpClient}
}

// Fetch performs the configuration request. A platform-reported error
// code, an empty extension list, or a malformed response all surface
// as errors; an empty extension list maps to ReasonNoExtensions.
func (c *Client) Fetch(ctx context.Context) (*Config, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("provision: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provision: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("provision: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provision: unexpected status %d", resp.StatusCode)
	}

	var raw apiResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("provision: parse response: %w", err)
	}
	if raw.Error != "" {
		return nil, &Error{Reason: raw.Error}
	}
	if raw.Domain == "" {
		return nil, fmt.Errorf("provision: response missing domain")
	}
	if len(raw.Extensions) == 0 {
		return nil, &Error{Reason: ReasonNoExtensions}
	}
	cfg := raw.Config
	return &cfg, nil
}
