package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second

	// StatusBusyHere is the SIP response code used to decline a call
	// while another one is active.
	StatusBusyHere = 486
)

// bridgeMsg mirrors the signaling server's control message format. One
// struct covers commands and events; unused fields are omitted on the
// wire.
type bridgeMsg struct {
	Type        string   `json:"type"`
	SessionID   string   `json:"session_id,omitempty"`
	URI         string   `json:"uri,omitempty"`
	AuthUser    string   `json:"auth_user,omitempty"`
	Password    string   `json:"password,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	Target      string   `json:"target,omitempty"`
	MicDevice   string   `json:"mic_device,omitempty"`
	ICEServers  []string `json:"ice_servers,omitempty"`
	StatusCode  int      `json:"status_code,omitempty"`
	Digit       string   `json:"digit,omitempty"`
	Transport   string   `json:"transport,omitempty"`
	Originator  string   `json:"originator,omitempty"`
	Number      string   `json:"number,omitempty"`
	Cause       string   `json:"cause,omitempty"`
}

// Media frames travel as binary WebSocket messages:
// 16-byte session UUID, 2-byte big-endian sequence, Opus payload.
const mediaHeaderLen = 18

// SIPBridge speaks the JSON control protocol to the signaling engine
// over a WebSocket and multiplexes per-session Opus media over the
// same connection. It implements the Signaler interface.
type SIPBridge struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	sessions map[string]*bridgeSession
	closed   bool

	// Write serialisation; gorilla connections allow one writer.
	writeMu sync.Mutex

	// Callbacks are set via setters before Register is called.
	cbMu           sync.RWMutex
	onRegistered   func()
	onUnregistered func()
	onRegFailed    func(cause string)
	onDisconnected func()
	onNewSession   func(origin Originator, s Session)
}

var _ Signaler = (*SIPBridge)(nil)

// DialBridge connects to the signaling engine at wssURL and starts the
// read loop. It is the SignalerFactory used by the app.
func DialBridge(wssURL string) (Signaler, error) {
	u, err := url.Parse(wssURL)
	if err != nil {
		return nil, fmt.Errorf("parse signaling url: %w", err)
	}
	if u.Scheme != "wss" && u.Scheme != "ws" {
		return nil, fmt.Errorf("unsupported signaling scheme %q", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(wssURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling engine: %w", err)
	}
	sipLog.Infof("connected to %s", wssURL)

	b := &SIPBridge{
		conn:     conn,
		sessions: make(map[string]*bridgeSession),
	}
	go b.readLoop()
	return b, nil
}

func (b *SIPBridge) SetOnRegistered(fn func()) {
	b.cbMu.Lock()
	b.onRegistered = fn
	b.cbMu.Unlock()
}

func (b *SIPBridge) SetOnUnregistered(fn func()) {
	b.cbMu.Lock()
	b.onUnregistered = fn
	b.cbMu.Unlock()
}

func (b *SIPBridge) SetOnRegistrationFailed(fn func(cause string)) {
	b.cbMu.Lock()
	b.onRegFailed = fn
	b.cbMu.Unlock()
}

func (b *SIPBridge) SetOnDisconnected(fn func()) {
	b.cbMu.Lock()
	b.onDisconnected = fn
	b.cbMu.Unlock()
}

func (b *SIPBridge) SetOnNewSession(fn func(origin Originator, s Session)) {
	b.cbMu.Lock()
	b.onNewSession = fn
	b.cbMu.Unlock()
}

func (b *SIPBridge) Register(id Identity) error {
	return b.writeMsg(bridgeMsg{
		Type:        "register",
		URI:         id.URI,
		AuthUser:    id.AuthUser,
		Password:    id.Password,
		DisplayName: id.DisplayName,
	})
}

func (b *SIPBridge) Unregister() error {
	return b.writeMsg(bridgeMsg{Type: "unregister"})
}

// Call creates the session handle first and sends the command second,
// so events referencing the new session ID always find it in the map.
func (b *SIPBridge) Call(target string, opts MediaOptions) (Session, error) {
	id := uuid.New()
	s := newBridgeSession(b, id, "", target)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bridge closed")
	}
	b.sessions[s.id] = s
	b.mu.Unlock()

	err := b.writeMsg(bridgeMsg{
		Type:       "call",
		SessionID:  s.id,
		Target:     target,
		MicDevice:  opts.MicDeviceID,
		ICEServers: iceURLs(opts),
	})
	if err != nil {
		b.dropSession(s.id)
		return nil, err
	}
	return s, nil
}

// Close shuts the connection down. Idempotent; suppresses the
// disconnect callback since the closure is deliberate.
func (b *SIPBridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	conn := b.conn
	b.mu.Unlock()

	b.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	b.writeMu.Unlock()
	_ = conn.Close()
}

func (b *SIPBridge) writeMsg(msg bridgeMsg) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bridge closed")
	}
	conn := b.conn
	b.mu.Unlock()

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

func (b *SIPBridge) writeMedia(frame []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bridge closed")
	}
	conn := b.conn
	b.mu.Unlock()

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (b *SIPBridge) dropSession(id string) {
	b.mu.Lock()
	delete(b.sessions, id)
	b.mu.Unlock()
}

func (b *SIPBridge) lookup(id string) *bridgeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[id]
}

// readLoop pumps control and media messages until the connection dies.
// A read error on a live bridge means the transport dropped; a read
// error after Close is expected and silent.
func (b *SIPBridge) readLoop() {
	for {
		kind, data, err := b.conn.ReadMessage()
		if err != nil {
			b.mu.Lock()
			wasClosed := b.closed
			b.closed = true
			b.mu.Unlock()
			if !wasClosed {
				sipLog.WithError(err).Warn("signaling read failed")
				b.cbMu.RLock()
				fn := b.onDisconnected
				b.cbMu.RUnlock()
				if fn != nil {
					fn()
				}
			}
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			b.handleMedia(data)
		case websocket.TextMessage:
			var msg bridgeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				sipLog.WithError(err).Warn("bad control message")
				continue
			}
			b.handleEvent(msg)
		}
	}
}

func (b *SIPBridge) handleMedia(frame []byte) {
	if len(frame) <= mediaHeaderLen {
		return
	}
	var raw [16]byte
	copy(raw[:], frame[:16])
	id := uuid.UUID(raw).String()
	seq := binary.BigEndian.Uint16(frame[16:18])

	s := b.lookup(id)
	if s == nil {
		return
	}
	s.cbMu.RLock()
	fn := s.onMedia
	s.cbMu.RUnlock()
	if fn != nil {
		payload := make([]byte, len(frame)-mediaHeaderLen)
		copy(payload, frame[mediaHeaderLen:])
		fn(seq, payload)
	}
}

func (b *SIPBridge) handleEvent(msg bridgeMsg) {
	switch msg.Type {
	case "registered":
		b.callRegistered()
	case "unregistered":
		b.callUnregistered()
	case "registration_failed":
		b.callRegFailed(msg.Cause)
	case "new_session":
		b.handleNewSession(msg)
	case "progress", "accepted", "confirmed":
		if s := b.lookup(msg.SessionID); s != nil {
			s.fireLifecycle(msg.Type)
		}
	case "ended", "failed", "media_failure":
		s := b.lookup(msg.SessionID)
		b.dropSession(msg.SessionID)
		if s != nil {
			s.fireTerminal(msg.Type, msg.Cause)
		}
	default:
		sipLog.Debugf("ignoring event %q", msg.Type)
	}
}

func (b *SIPBridge) handleNewSession(msg bridgeMsg) {
	if msg.Originator != string(OriginatorRemote) {
		// local sessions were created in Call
		return
	}
	id, err := uuid.Parse(msg.SessionID)
	if err != nil {
		sipLog.Warnf("new_session with bad id %q", msg.SessionID)
		return
	}
	s := newBridgeSession(b, id, msg.DisplayName, msg.Number)
	b.mu.Lock()
	b.sessions[s.id] = s
	b.mu.Unlock()

	b.cbMu.RLock()
	fn := b.onNewSession
	b.cbMu.RUnlock()
	if fn != nil {
		fn(OriginatorRemote, s)
	}
}

func (b *SIPBridge) callRegistered() {
	b.cbMu.RLock()
	fn := b.onRegistered
	b.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (b *SIPBridge) callUnregistered() {
	b.cbMu.RLock()
	fn := b.onUnregistered
	b.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (b *SIPBridge) callRegFailed(cause string) {
	b.cbMu.RLock()
	fn := b.onRegFailed
	b.cbMu.RUnlock()
	if fn != nil {
		fn(cause)
	}
}

func iceURLs(opts MediaOptions) []string {
	var urls []string
	for _, srv := range opts.ICEServers {
		urls = append(urls, srv.URLs...)
	}
	return urls
}

// bridgeSession is one call multiplexed over the bridge connection.
type bridgeSession struct {
	b      *SIPBridge
	id     string
	rawID  uuid.UUID
	name   string
	number string
	seq    atomic.Uint32

	cbMu           sync.RWMutex
	onProgress     func()
	onAccepted     func()
	onConfirmed    func()
	onEnded        func(cause string)
	onFailed       func(cause string)
	onMediaFailure func(cause string)
	onMedia        func(seq uint16, opus []byte)
}

var _ Session = (*bridgeSession)(nil)

func newBridgeSession(b *SIPBridge, id uuid.UUID, name, number string) *bridgeSession {
	return &bridgeSession{
		b:      b,
		id:     id.String(),
		rawID:  id,
		name:   name,
		number: number,
	}
}

func (s *bridgeSession) ID() string                { return s.id }
func (s *bridgeSession) RemoteDisplayName() string { return s.name }
func (s *bridgeSession) RemoteNumber() string      { return s.number }

func (s *bridgeSession) Answer(opts MediaOptions) error {
	return s.b.writeMsg(bridgeMsg{
		Type:       "answer",
		SessionID:  s.id,
		MicDevice:  opts.MicDeviceID,
		ICEServers: iceURLs(opts),
	})
}

func (s *bridgeSession) Terminate() error {
	return s.b.writeMsg(bridgeMsg{Type: "terminate", SessionID: s.id})
}

func (s *bridgeSession) RejectBusy() error {
	return s.b.writeMsg(bridgeMsg{Type: "reject", SessionID: s.id, StatusCode: StatusBusyHere})
}

func (s *bridgeSession) SetMuted(muted bool) error {
	t := "unmute"
	if muted {
		t = "mute"
	}
	return s.b.writeMsg(bridgeMsg{Type: t, SessionID: s.id})
}

func (s *bridgeSession) Hold() error {
	return s.b.writeMsg(bridgeMsg{Type: "hold", SessionID: s.id})
}

func (s *bridgeSession) Unhold() error {
	return s.b.writeMsg(bridgeMsg{Type: "unhold", SessionID: s.id})
}

func (s *bridgeSession) SendTone(digit string, tr ToneTransport) error {
	return s.b.writeMsg(bridgeMsg{
		Type:      "dtmf",
		SessionID: s.id,
		Digit:     digit,
		Transport: string(tr),
	})
}

func (s *bridgeSession) Refer(target string) error {
	return s.b.writeMsg(bridgeMsg{Type: "refer", SessionID: s.id, Target: target})
}

func (s *bridgeSession) SendMedia(opus []byte) error {
	frame := make([]byte, mediaHeaderLen+len(opus))
	copy(frame[:16], s.rawID[:])
	binary.BigEndian.PutUint16(frame[16:18], uint16(s.seq.Add(1)))
	copy(frame[mediaHeaderLen:], opus)
	return s.b.writeMedia(frame)
}

func (s *bridgeSession) SetOnMedia(fn func(seq uint16, opus []byte)) {
	s.cbMu.Lock()
	s.onMedia = fn
	s.cbMu.Unlock()
}

func (s *bridgeSession) SetOnProgress(fn func()) {
	s.cbMu.Lock()
	s.onProgress = fn
	s.cbMu.Unlock()
}

func (s *bridgeSession) SetOnAccepted(fn func()) {
	s.cbMu.Lock()
	s.onAccepted = fn
	s.cbMu.Unlock()
}

func (s *bridgeSession) SetOnConfirmed(fn func()) {
	s.cbMu.Lock()
	s.onConfirmed = fn
	s.cbMu.Unlock()
}

func (s *bridgeSession) SetOnEnded(fn func(cause string)) {
	s.cbMu.Lock()
	s.onEnded = fn
	s.cbMu.Unlock()
}

func (s *bridgeSession) SetOnFailed(fn func(cause string)) {
	s.cbMu.Lock()
	s.onFailed = fn
	s.cbMu.Unlock()
}

func (s *bridgeSession) SetOnMediaFailure(fn func(cause string)) {
	s.cbMu.Lock()
	s.onMediaFailure = fn
	s.cbMu.Unlock()
}

func (s *bridgeSession) fireLifecycle(event string) {
	s.cbMu.RLock()
	var fn func()
	switch event {
	case "progress":
		fn = s.onProgress
	case "accepted":
		fn = s.onAccepted
	case "confirmed":
		fn = s.onConfirmed
	}
	s.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (s *bridgeSession) fireTerminal(event, cause string) {
	s.cbMu.RLock()
	var fn func(string)
	switch event {
	case "ended":
		fn = s.onEnded
	case "failed":
		fn = s.onFailed
	case "media_failure":
		fn = s.onMediaFailure
	}
	s.cbMu.RUnlock()
	if fn != nil {
		fn(cause)
	}
}
