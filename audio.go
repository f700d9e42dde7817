package main

import (
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"gopkg.in/hraban/opus.v2"

	"webphone/internal/config"
	"webphone/internal/jitter"
	"webphone/internal/ringtone"
)

const (
	callSampleRate = 48000
	channels       = 1
	frameSize      = 960 // 20ms @ 48kHz
	opusBitrate    = 32000

	ringFrameSize = 160 // 20ms at the synthesizer's 8kHz rate

	opusMaxPacketBytes = 1275 // RFC 6716 max Opus packet size
	jitterDepth        = 3
	playbackChannelBuf = 30
)

// AudioDevice describes an available audio device. ID is the device
// name, or "default" for the system default.
type AudioDevice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// paStream abstracts a PortAudio stream for testing.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Write() error
}

// opusEncoder abstracts Opus encoding for testing.
type opusEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
	SetBitrate(bitrate int) error
}

// opusDecoder abstracts Opus decoding for testing.
type opusDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

type mediaPacket struct {
	seq  uint16
	opus []byte
}

// ringLoop is one active ringtone playback run. A new run replaces the
// previous one wholesale so the old clip is always released.
type ringLoop struct {
	stream paStream
	stop   chan struct{}
	wg     sync.WaitGroup
}

func (rl *ringLoop) halt() {
	close(rl.stop)
	_ = rl.stream.Stop()
	rl.wg.Wait()
	_ = rl.stream.Close()
}

// callMedia is the media plumbing of one attached call.
type callMedia struct {
	session  Session
	capture  paStream
	playback paStream
	stop     chan struct{}
	wg       sync.WaitGroup
	running  atomic.Bool
}

// AudioEngine owns the persisted audio settings and the three local
// audio routes: ring device, speaker and microphone. Every
// device-selecting operation degrades to a silent no-op when PortAudio
// is unavailable; the phone keeps signaling even with no sound card.
type AudioEngine struct {
	mu        sync.Mutex
	settings  config.AudioSettings
	available bool

	ring *ringLoop
	call *callMedia
}

var _ MediaSink = (*AudioEngine)(nil)

// NewAudioEngine loads the persisted settings. Init must be called
// before any playback.
func NewAudioEngine() *AudioEngine {
	return &AudioEngine{settings: config.Load()}
}

// Init brings PortAudio up. Failure is not fatal: the engine logs it
// and runs with audio disabled.
func (ae *AudioEngine) Init() {
	if err := portaudio.Initialize(); err != nil {
		audioLog.WithError(err).Warn("audio unavailable, running silent")
		return
	}
	ae.mu.Lock()
	ae.available = true
	ae.mu.Unlock()
}

// Shutdown stops all playback and releases PortAudio.
func (ae *AudioEngine) Shutdown() {
	ae.StopRing()
	ae.Detach()
	ae.mu.Lock()
	avail := ae.available
	ae.available = false
	ae.mu.Unlock()
	if avail {
		_ = portaudio.Terminate()
	}
}

// Settings returns a copy of the current audio settings.
func (ae *AudioEngine) Settings() config.AudioSettings {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	return ae.settings
}

// MicDeviceID returns the configured microphone, for media options.
func (ae *AudioEngine) MicDeviceID() string {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	return ae.settings.MicDeviceID
}

// SetRingtone selects the ringtone preset. If the phone is currently
// ringing the loop restarts with the new clip.
func (ae *AudioEngine) SetRingtone(index int) {
	ae.updateSettings(func(s *config.AudioSettings) { s.RingtoneIndex = index })
	ae.mu.Lock()
	ringing := ae.ring != nil
	ae.mu.Unlock()
	if ringing {
		ae.StartRing()
	}
}

// SetRingVolume sets ringtone loudness in [0,1]; picked up by the live
// ring loop on its next frame.
func (ae *AudioEngine) SetRingVolume(vol float64) {
	ae.updateSettings(func(s *config.AudioSettings) { s.RingVolume = vol })
}

// SetSpeakerVolume sets call playback loudness in [0,1]; picked up by
// the live playback loop on its next frame.
func (ae *AudioEngine) SetSpeakerVolume(vol float64) {
	ae.updateSettings(func(s *config.AudioSettings) { s.SpeakerVolume = vol })
}

// SetRingDevice routes ringtone playback to the named output device.
func (ae *AudioEngine) SetRingDevice(id string) {
	ae.updateSettings(func(s *config.AudioSettings) { s.RingDeviceID = id })
	ae.mu.Lock()
	ringing := ae.ring != nil
	ae.mu.Unlock()
	if ringing {
		ae.StartRing()
	}
}

// SetSpeakerDevice routes call audio to the named output device. An
// attached call is re-plumbed immediately.
func (ae *AudioEngine) SetSpeakerDevice(id string) {
	ae.updateSettings(func(s *config.AudioSettings) { s.SpeakerDeviceID = id })
	ae.reattach()
}

// SetMicDevice selects the capture device. An attached call is
// re-plumbed immediately; the next call picks it up via media options.
func (ae *AudioEngine) SetMicDevice(id string) {
	ae.updateSettings(func(s *config.AudioSettings) { s.MicDeviceID = id })
	ae.reattach()
}

func (ae *AudioEngine) updateSettings(mutate func(*config.AudioSettings)) {
	ae.mu.Lock()
	mutate(&ae.settings)
	ae.settings.Normalize()
	snapshot := ae.settings
	ae.mu.Unlock()
	if err := config.Save(snapshot); err != nil {
		audioLog.WithError(err).Warn("persisting audio settings failed")
	}
}

func (ae *AudioEngine) reattach() {
	ae.mu.Lock()
	var s Session
	if ae.call != nil {
		s = ae.call.session
	}
	ae.mu.Unlock()
	if s != nil {
		ae.Attach(s, MediaOptions{MicDeviceID: ae.MicDeviceID()})
	}
}

// ListDevices enumerates input and output devices. Both lists always
// lead with the system default entry and tolerate an empty device set.
func (ae *AudioEngine) ListDevices() (inputs, outputs []AudioDevice) {
	def := AudioDevice{ID: config.DefaultDeviceID, Name: "System default"}
	inputs = []AudioDevice{def}
	outputs = []AudioDevice{def}

	ae.mu.Lock()
	avail := ae.available
	ae.mu.Unlock()
	if !avail {
		return inputs, outputs
	}

	devices, err := portaudio.Devices()
	if err != nil {
		audioLog.WithError(err).Warn("device enumeration failed")
		return inputs, outputs
	}
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			inputs = append(inputs, AudioDevice{ID: d.Name, Name: d.Name})
		}
		if d.MaxOutputChannels > 0 {
			outputs = append(outputs, AudioDevice{ID: d.Name, Name: d.Name})
		}
	}
	return inputs, outputs
}

// resolveOutput finds the named output device, falling back to the
// system default for "default" or anything unrecognized.
func resolveOutput(id string) (*portaudio.DeviceInfo, error) {
	if id != config.DefaultDeviceID {
		if devices, err := portaudio.Devices(); err == nil {
			for _, d := range devices {
				if d.Name == id && d.MaxOutputChannels > 0 {
					return d, nil
				}
			}
		}
	}
	return portaudio.DefaultOutputDevice()
}

func resolveInput(id string) (*portaudio.DeviceInfo, error) {
	if id != config.DefaultDeviceID {
		if devices, err := portaudio.Devices(); err == nil {
			for _, d := range devices {
				if d.Name == id && d.MaxInputChannels > 0 {
					return d, nil
				}
			}
		}
	}
	return portaudio.DefaultInputDevice()
}

// StartRing begins looping the configured ringtone on the ring device.
// Restarting replaces the previous loop and releases its clip.
func (ae *AudioEngine) StartRing() {
	ae.mu.Lock()
	preset := ringtone.Preset(ae.settings.RingtoneIndex)
	device := ae.settings.RingDeviceID
	avail := ae.available
	ae.mu.Unlock()

	ae.StopRing()
	if !avail {
		return
	}

	dev, err := resolveOutput(device)
	if err != nil {
		audioLog.WithError(err).Warn("no ring output device")
		return
	}

	buf := make([]float32, ringFrameSize)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(ringtone.SampleRate),
		FramesPerBuffer: ringFrameSize,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		audioLog.WithError(err).Warn("open ring stream failed")
		return
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		audioLog.WithError(err).Warn("start ring stream failed")
		return
	}

	clip := ringtone.Synthesize(preset)
	ae.startRingLoop(clip.Frames(ringFrameSize), stream, buf)
	audioLog.Infof("ringing with %s on %s", preset, dev.Name)
}

// startRingLoop wires the playback goroutine; split out so tests can
// drive it with a mock stream.
func (ae *AudioEngine) startRingLoop(frames [][]float32, stream paStream, buf []float32) {
	rl := &ringLoop{stream: stream, stop: make(chan struct{})}
	ae.mu.Lock()
	ae.ring = rl
	ae.mu.Unlock()

	rl.wg.Add(1)
	go func() {
		defer rl.wg.Done()
		for {
			for _, frame := range frames {
				select {
				case <-rl.stop:
					return
				default:
				}
				ae.mu.Lock()
				vol := float32(ae.settings.RingVolume)
				ae.mu.Unlock()
				for i := range buf {
					buf[i] = frame[i] * vol
				}
				if err := stream.Write(); err != nil {
					select {
					case <-rl.stop:
					default:
						audioLog.WithError(err).Warn("ring write failed")
					}
					return
				}
			}
		}
	}()
}

// StopRing halts ringtone playback. Idempotent.
func (ae *AudioEngine) StopRing() {
	ae.mu.Lock()
	rl := ae.ring
	ae.ring = nil
	ae.mu.Unlock()
	if rl != nil {
		rl.halt()
	}
}

// Attach wires the session's media to the local devices: microphone
// capture encoded to Opus frames, and received frames reordered,
// decoded and played on the speaker device. Replaces any previous
// attachment.
func (ae *AudioEngine) Attach(s Session, opts MediaOptions) {
	ae.Detach()

	ae.mu.Lock()
	avail := ae.available
	speakerID := ae.settings.SpeakerDeviceID
	ae.mu.Unlock()
	if !avail {
		return
	}

	enc, err := opus.NewEncoder(callSampleRate, channels, opus.AppVoIP)
	if err != nil {
		audioLog.WithError(err).Error("opus encoder init failed")
		return
	}
	_ = enc.SetBitrate(opusBitrate)
	dec, err := opus.NewDecoder(callSampleRate, channels)
	if err != nil {
		audioLog.WithError(err).Error("opus decoder init failed")
		return
	}

	inDev, err := resolveInput(opts.MicDeviceID)
	if err != nil {
		audioLog.WithError(err).Warn("no capture device, call is listen-only")
	}
	outDev, err := resolveOutput(speakerID)
	if err != nil {
		audioLog.WithError(err).Warn("no playback device")
		return
	}

	captureBuf := make([]float32, frameSize)
	var capture paStream
	if inDev != nil {
		stream, err := portaudio.OpenStream(portaudio.StreamParameters{
			Input: portaudio.StreamDeviceParameters{
				Device:   inDev,
				Channels: channels,
				Latency:  inDev.DefaultLowInputLatency,
			},
			SampleRate:      callSampleRate,
			FramesPerBuffer: frameSize,
		}, captureBuf)
		if err != nil {
			audioLog.WithError(err).Warn("open capture failed, call is listen-only")
		} else {
			capture = stream
		}
	}

	playbackBuf := make([]float32, frameSize)
	playback, err := portaudio.OpenStream(portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outDev,
			Channels: channels,
			Latency:  outDev.DefaultLowOutputLatency,
		},
		SampleRate:      callSampleRate,
		FramesPerBuffer: frameSize,
	}, playbackBuf)
	if err != nil {
		if capture != nil {
			_ = capture.Close()
		}
		audioLog.WithError(err).Error("open playback failed")
		return
	}

	if capture != nil {
		if err := capture.Start(); err != nil {
			_ = capture.Close()
			capture = nil
			audioLog.WithError(err).Warn("start capture failed")
		}
	}
	if err := playback.Start(); err != nil {
		if capture != nil {
			_ = capture.Stop()
			_ = capture.Close()
		}
		_ = playback.Close()
		audioLog.WithError(err).Error("start playback failed")
		return
	}

	ae.startCallLoops(s, capture, playback, enc, dec, captureBuf, playbackBuf)
	audioLog.Infof("media attached, speaker=%s", outDev.Name)
}

// startCallLoops spawns the capture and playback goroutines; split out
// so tests can drive them with mock streams and codecs.
func (ae *AudioEngine) startCallLoops(s Session, capture, playback paStream, enc opusEncoder, dec opusDecoder, captureBuf, playbackBuf []float32) {
	cm := &callMedia{
		session:  s,
		capture:  capture,
		playback: playback,
		stop:     make(chan struct{}),
	}
	cm.running.Store(true)

	packets := make(chan mediaPacket, playbackChannelBuf)
	s.SetOnMedia(func(seq uint16, data []byte) {
		select {
		case packets <- mediaPacket{seq, data}:
		default:
			// consumer stalled; dropping is better than backing up the
			// read loop
		}
	})

	ae.mu.Lock()
	ae.call = cm
	ae.mu.Unlock()

	if capture != nil {
		cm.wg.Add(1)
		go func() {
			defer cm.wg.Done()
			ae.captureLoop(cm, enc, captureBuf)
		}()
	}
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		ae.playbackLoop(cm, dec, packets, playbackBuf)
	}()
}

func (ae *AudioEngine) captureLoop(cm *callMedia, enc opusEncoder, buf []float32) {
	pcm := make([]int16, frameSize)
	opusBuf := make([]byte, opusMaxPacketBytes)

	for cm.running.Load() {
		if err := cm.capture.Read(); err != nil {
			if cm.running.Load() {
				audioLog.WithError(err).Warn("capture read failed")
			}
			return
		}
		for i, v := range buf {
			pcm[i] = int16(clampFloat32(v) * 32767)
		}
		n, err := enc.Encode(pcm, opusBuf)
		if err != nil {
			audioLog.WithError(err).Warn("encode failed")
			continue
		}
		encoded := make([]byte, n)
		copy(encoded, opusBuf[:n])
		if err := cm.session.SendMedia(encoded); err != nil {
			if cm.running.Load() {
				audioLog.WithError(err).Warn("send media failed")
			}
			return
		}
	}
}

// playbackLoop feeds the speaker. The blocking stream Write naturally
// paces the loop at one frame per 20ms; gaps play silence.
func (ae *AudioEngine) playbackLoop(cm *callMedia, dec opusDecoder, packets <-chan mediaPacket, buf []float32) {
	pcm := make([]int16, frameSize)
	jb := jitter.New(jitterDepth)

	for {
		select {
		case <-cm.stop:
			return
		default:
		}

		// Drain everything that arrived since the last tick.
	drain:
		for {
			select {
			case p := <-packets:
				jb.Push(p.seq, p.opus)
			default:
				break drain
			}
		}

		zeroFloat32(buf)
		if data, ok := jb.Pop(); ok && data != nil {
			n, err := dec.Decode(data, pcm)
			if err != nil {
				audioLog.WithError(err).Warn("decode failed")
			} else {
				ae.mu.Lock()
				vol := ae.settings.SpeakerVolume
				ae.mu.Unlock()
				scale := float32(vol)
				for i := 0; i < n && i < len(buf); i++ {
					buf[i] = clampFloat32(float32(pcm[i]) / 32768.0 * scale)
				}
			}
		}

		if err := cm.playback.Write(); err != nil {
			if cm.running.Load() {
				audioLog.WithError(err).Warn("playback write failed")
			}
			return
		}
	}
}

// Detach tears the call media down. Idempotent.
//
// Sequence matters: stopping the PortAudio streams unblocks any
// Read/Write in the loops, and the loops must have exited before the
// native stream objects are freed.
func (ae *AudioEngine) Detach() {
	ae.mu.Lock()
	cm := ae.call
	ae.call = nil
	ae.mu.Unlock()
	if cm == nil {
		return
	}

	cm.running.Store(false)
	close(cm.stop)
	if cm.capture != nil {
		_ = cm.capture.Stop()
	}
	_ = cm.playback.Stop()
	cm.wg.Wait()
	if cm.capture != nil {
		_ = cm.capture.Close()
	}
	_ = cm.playback.Close()
	cm.session.SetOnMedia(nil)
	audioLog.Info("media detached")
}

func zeroFloat32(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

func clampFloat32(v float32) float32 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}
