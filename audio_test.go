package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"webphone/internal/config"
	"webphone/internal/ringtone"
)

// mockStream implements paStream. Reads and writes succeed until the
// configured budget runs out, then block until Stop unblocks them, the
// way a real PortAudio blocking call behaves.
type mockStream struct {
	unblockOnce sync.Once
	unblock     chan struct{}
	reads       atomic.Int32
	writes      atomic.Int32
	stopped     atomic.Bool
	closed      atomic.Bool

	blockReadsAfter  int32 // 0 = block immediately, <0 = never
	blockWritesAfter int32
}

func newMockStream(readBudget, writeBudget int32) *mockStream {
	return &mockStream{
		unblock:          make(chan struct{}),
		blockReadsAfter:  readBudget,
		blockWritesAfter: writeBudget,
	}
}

func (m *mockStream) Start() error { return nil }

func (m *mockStream) Stop() error {
	m.stopped.Store(true)
	m.unblockOnce.Do(func() { close(m.unblock) })
	return nil
}

func (m *mockStream) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *mockStream) Read() error {
	if n := m.reads.Add(1); m.blockReadsAfter >= 0 && n > m.blockReadsAfter {
		<-m.unblock
		return fmt.Errorf("stream stopped")
	}
	return nil
}

func (m *mockStream) Write() error {
	if n := m.writes.Add(1); m.blockWritesAfter >= 0 && n > m.blockWritesAfter {
		<-m.unblock
		return fmt.Errorf("stream stopped")
	}
	return nil
}

type countingEncoder struct{ calls atomic.Int32 }

func (e *countingEncoder) Encode(pcm []int16, data []byte) (int, error) {
	e.calls.Add(1)
	data[0] = byte(e.calls.Load())
	return 1, nil
}

func (e *countingEncoder) SetBitrate(int) error { return nil }

type recordingDecoder struct {
	mu     sync.Mutex
	inputs [][]byte
}

func (d *recordingDecoder) Decode(data []byte, pcm []int16) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inputs = append(d.inputs, data)
	return len(pcm), nil
}

func (s *fakeSession) mediaCallback() func(uint16, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onMedia
}

func (s *fakeSession) sentMedia() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.media)
}

func newTestEngine(t *testing.T) *AudioEngine {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	return NewAudioEngine()
}

func TestSettingSettersClampAndPersist(t *testing.T) {
	ae := newTestEngine(t)
	ae.SetRingVolume(1.8)
	ae.SetSpeakerVolume(-0.2)
	ae.SetRingtone(99)

	s := ae.Settings()
	if s.RingVolume != 1.0 || s.SpeakerVolume != 0.0 {
		t.Errorf("volumes = %v/%v", s.RingVolume, s.SpeakerVolume)
	}
	if s.RingtoneIndex != 0 {
		t.Errorf("ringtone index = %d, want 0", s.RingtoneIndex)
	}

	loaded := config.Load()
	if loaded != s {
		t.Errorf("persisted settings = %+v, want %+v", loaded, s)
	}
}

func TestMicDeviceRoundTrip(t *testing.T) {
	ae := newTestEngine(t)
	ae.SetMicDevice("USB Headset")
	if got := ae.MicDeviceID(); got != "USB Headset" {
		t.Errorf("mic = %q", got)
	}
	ae.SetMicDevice("")
	if got := ae.MicDeviceID(); got != config.DefaultDeviceID {
		t.Errorf("mic = %q, want default", got)
	}
}

func TestListDevicesWithoutAudioBackend(t *testing.T) {
	ae := newTestEngine(t)
	inputs, outputs := ae.ListDevices()
	if len(inputs) != 1 || inputs[0].ID != config.DefaultDeviceID {
		t.Errorf("inputs = %v", inputs)
	}
	if len(outputs) != 1 || outputs[0].ID != config.DefaultDeviceID {
		t.Errorf("outputs = %v", outputs)
	}
}

func TestRingLoopStops(t *testing.T) {
	ae := newTestEngine(t)
	stream := newMockStream(-1, 10)
	clip := ringtone.Synthesize(ringtone.ClassicUS)
	ae.startRingLoop(clip.Frames(ringFrameSize), stream, make([]float32, ringFrameSize))

	// wait for the loop to exhaust the write budget and block
	deadline := time.After(5 * time.Second)
	for stream.writes.Load() <= 10 {
		select {
		case <-deadline:
			t.Fatal("ring loop never wrote")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	ae.StopRing()
	if !stream.stopped.Load() || !stream.closed.Load() {
		t.Error("ring stream not stopped and closed")
	}
	ae.mu.Lock()
	ring := ae.ring
	ae.mu.Unlock()
	if ring != nil {
		t.Error("ring loop still tracked after stop")
	}
}

func TestStopRingIdempotent(t *testing.T) {
	ae := newTestEngine(t)
	ae.StopRing()
	ae.StopRing()
}

func TestRingRestartReplacesLoop(t *testing.T) {
	ae := newTestEngine(t)
	first := newMockStream(-1, 5)
	clip := ringtone.Synthesize(ringtone.DigitalBeep)
	frames := clip.Frames(ringFrameSize)
	ae.startRingLoop(frames, first, make([]float32, ringFrameSize))

	second := newMockStream(-1, 5)
	// replacing must halt the previous loop before the new one starts
	ae.mu.Lock()
	old := ae.ring
	ae.mu.Unlock()
	old.halt()
	ae.startRingLoop(frames, second, make([]float32, ringFrameSize))

	if !first.stopped.Load() {
		t.Error("first stream not stopped on replacement")
	}
	ae.StopRing()
	if !second.stopped.Load() {
		t.Error("second stream not stopped")
	}
}

func TestCallMediaCaptureSends(t *testing.T) {
	ae := newTestEngine(t)
	s := &fakeSession{id: "m-1"}
	capture := newMockStream(4, -1)
	playback := newMockStream(-1, 2000)
	enc := &countingEncoder{}
	dec := &recordingDecoder{}

	ae.startCallLoops(s, capture, playback, enc, dec,
		make([]float32, frameSize), make([]float32, frameSize))

	deadline := time.After(5 * time.Second)
	for s.sentMedia() < 4 {
		select {
		case <-deadline:
			t.Fatalf("sent %d frames, want 4", s.sentMedia())
		default:
			time.Sleep(time.Millisecond)
		}
	}

	ae.Detach()
	if !capture.stopped.Load() || !capture.closed.Load() {
		t.Error("capture stream not released")
	}
	if !playback.stopped.Load() || !playback.closed.Load() {
		t.Error("playback stream not released")
	}
	if s.mediaCallback() != nil {
		t.Error("media callback not cleared on detach")
	}
}

func TestCallMediaPlaybackDecodes(t *testing.T) {
	ae := newTestEngine(t)
	s := &fakeSession{id: "m-2"}
	capture := newMockStream(0, -1) // capture blocks immediately
	playback := newMockStream(-1, -1)
	dec := &recordingDecoder{}

	ae.startCallLoops(s, capture, playback, &countingEncoder{}, dec,
		make([]float32, frameSize), make([]float32, frameSize))

	push := s.mediaCallback()
	if push == nil {
		t.Fatal("media callback not installed")
	}
	for seq := uint16(0); seq < uint16(jitterDepth)+2; seq++ {
		push(seq, []byte{byte(seq + 1)})
	}

	deadline := time.After(5 * time.Second)
	for {
		dec.mu.Lock()
		n := len(dec.inputs)
		dec.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("decoded %d frames, want at least 2", n)
		default:
			time.Sleep(time.Millisecond)
		}
	}

	dec.mu.Lock()
	first := dec.inputs[0][0]
	second := dec.inputs[1][0]
	dec.mu.Unlock()
	if first != 1 || second != 2 {
		t.Errorf("decode order = %d,%d want 1,2", first, second)
	}
	ae.Detach()
}

func TestDetachIdempotent(t *testing.T) {
	ae := newTestEngine(t)
	ae.Detach()
	ae.Detach()
}
