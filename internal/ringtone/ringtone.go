// Package ringtone synthesises the built-in ring sounds as raw PCM.
// No audio assets ship with the app; every preset is generated from a
// small set of sine/envelope parameters at 8 kHz and packaged as a
// 2-second loop, either as float32 frames for the playback engine or
// as a 16-bit PCM WAV blob.
package ringtone

import (
	"bytes"
	"encoding/binary"
	"math"
)

// SampleRate is the synthesis rate in Hz. Ring cadences carry no
// content above ~3 kHz, so a telephony-grade rate keeps clips small.
const SampleRate = 8000

// clipSeconds is the loop length of every preset.
const clipSeconds = 2.0

// Preset identifies a built-in ringtone.
type Preset int

const (
	ClassicUS Preset = iota
	ClassicBell
	DigitalBeep
	SoftRing
	UKRing
)

var presetNames = []string{
	"Classic US",
	"Classic Bell",
	"Digital Beep",
	"Soft Ring",
	"UK Ring",
}

// Count returns the number of built-in presets.
func Count() int { return len(presetNames) }

// Names returns the display names of all presets in preset order.
func Names() []string {
	out := make([]string, len(presetNames))
	copy(out, presetNames)
	return out
}

func (p Preset) String() string {
	if p < 0 || int(p) >= len(presetNames) {
		return "Classic US"
	}
	return presetNames[p]
}

// Valid reports whether p maps to a built-in preset.
func (p Preset) Valid() bool { return p >= 0 && int(p) < len(presetNames) }

// Clip is one synthesised ringtone loop.
type Clip struct {
	Preset  Preset
	Samples []float32
}

// Synthesize generates the clip for the given preset. An out-of-range
// preset falls back to ClassicUS rather than failing, so a stale saved
// index can never leave the phone without a ringtone.
func Synthesize(p Preset) *Clip {
	if !p.Valid() {
		p = ClassicUS
	}
	n := int(SampleRate * clipSeconds)
	samples := make([]float32, n)
	switch p {
	case ClassicBell:
		renderBell(samples)
	case DigitalBeep:
		renderDigital(samples)
	case SoftRing:
		renderSoft(samples)
	case UKRing:
		renderDualBurst(samples, 400, 450, [][2]float64{{0, 0.4}, {0.6, 1.0}})
	default:
		renderDualBurst(samples, 440, 480, [][2]float64{{0, 0.5}, {0.8, 1.3}})
	}
	return &Clip{Preset: p, Samples: samples}
}

// renderDualBurst writes two superposed sines during each burst window
// and silence elsewhere. Used by the US (440+480) and UK (400+450)
// cadences.
func renderDualBurst(s []float32, f1, f2 float64, bursts [][2]float64) {
	for i := range s {
		t := float64(i) / SampleRate
		for _, b := range bursts {
			if t >= b[0] && t < b[1] {
				s[i] = float32((math.Sin(2*math.Pi*f1*t) + math.Sin(2*math.Pi*f2*t)) * 0.25)
				break
			}
		}
	}
}

// renderBell writes two exponentially decaying bell strikes, each a
// fundamental at 880 Hz with two overtones.
func renderBell(s []float32) {
	strikes := []float64{0.0, 1.0}
	const decay = 0.85
	for i := range s {
		t := float64(i) / SampleRate
		var val float64
		for _, t0 := range strikes {
			if t >= t0 && t < t0+decay {
				env := math.Exp(-4.5 * (t - t0))
				val += env * (math.Sin(2*math.Pi*880*t)*0.30 +
					math.Sin(2*math.Pi*1760*t)*0.15 +
					math.Sin(2*math.Pi*2640*t)*0.05)
			}
		}
		s[i] = clampSample(val)
	}
}

// renderDigital writes three short 900 Hz beeps with hard edges.
func renderDigital(s []float32) {
	beeps := [][2]float64{{0.0, 0.08}, {0.15, 0.23}, {0.30, 0.38}}
	for i := range s {
		t := float64(i) / SampleRate
		for _, b := range beeps {
			if t >= b[0] && t < b[1] {
				s[i] = float32(math.Sin(2*math.Pi*900*t) * 0.40)
				break
			}
		}
	}
}

// renderSoft writes two 350+440 Hz rings with 50 ms linear fades at
// both ends of each ring so the loop has no clicks.
func renderSoft(s []float32) {
	rings := [][2]float64{{0.0, 0.55}, {0.85, 1.4}}
	const fade = 0.05
	for i := range s {
		t := float64(i) / SampleRate
		for _, r := range rings {
			t0, t1 := r[0], r[1]
			if t >= t0 && t < t1 {
				dt := t - t0
				rd := t1 - t0
				env := 1.0
				if dt < fade {
					env = dt / fade
				} else if dt > rd-fade {
					env = (rd - dt) / fade
				}
				s[i] = float32(env * (math.Sin(2*math.Pi*350*t) + math.Sin(2*math.Pi*440*t)) * 0.20)
				break
			}
		}
	}
}

func clampSample(v float64) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return float32(v)
}

// WAV encodes the clip as a mono 16-bit PCM RIFF/WAVE blob.
func (c *Clip) WAV() []byte {
	n := len(c.Samples)
	buf := bytes.NewBuffer(make([]byte, 0, 44+n*2))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+n*2))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16)) // fmt chunk size
	binary.Write(buf, binary.LittleEndian, uint16(1))  // PCM
	binary.Write(buf, binary.LittleEndian, uint16(1))  // mono
	binary.Write(buf, binary.LittleEndian, uint32(SampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(SampleRate*2)) // byte rate
	binary.Write(buf, binary.LittleEndian, uint16(2))            // block align
	binary.Write(buf, binary.LittleEndian, uint16(16))           // bits per sample
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(n*2))
	for _, s := range c.Samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.Write(buf, binary.LittleEndian, int16(math.Round(float64(s)*32767)))
	}
	return buf.Bytes()
}

// Frames chunks the clip into frameSize slices ready for the playback
// engine. The final partial frame is padded with silence so every
// frame has the same length.
func (c *Clip) Frames(frameSize int) [][]float32 {
	if frameSize <= 0 {
		return nil
	}
	var frames [][]float32
	for off := 0; off < len(c.Samples); off += frameSize {
		frame := make([]float32, frameSize)
		copy(frame, c.Samples[off:])
		frames = append(frames, frame)
	}
	return frames
}
