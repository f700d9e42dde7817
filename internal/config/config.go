// Package config manages the persisted audio settings for the phone.
// Settings are stored as JSON at os.UserConfigDir()/webphone/audio_settings.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// AudioSettings holds the user's ringtone and audio routing preferences.
// Device IDs are opaque strings; an ID that no longer matches a present
// device is kept as-is and simply falls back to the default device at
// playback time.
type AudioSettings struct {
	RingtoneIndex   int     `json:"ringtoneIndex"`
	RingVolume      float64 `json:"ringVolume"`
	SpeakerVolume   float64 `json:"speakerVolume"`
	RingDeviceID    string  `json:"ringDeviceId"`
	SpeakerDeviceID string  `json:"speakerDeviceId"`
	MicDeviceID     string  `json:"micDeviceId"`
}

// DefaultDeviceID selects the OS default device for any route.
const DefaultDeviceID = "default"

// ringtoneCount mirrors the number of built-in presets. Kept here so
// clamping does not pull the synth package into the settings package.
const ringtoneCount = 5

// Default returns the out-of-the-box audio settings.
func Default() AudioSettings {
	return AudioSettings{
		RingtoneIndex:   0,
		RingVolume:      0.7,
		SpeakerVolume:   1.0,
		RingDeviceID:    DefaultDeviceID,
		SpeakerDeviceID: DefaultDeviceID,
		MicDeviceID:     DefaultDeviceID,
	}
}

// Path returns the absolute path to the settings file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "webphone", "audio_settings.json"), nil
}

// Normalize clamps every field into its valid domain. Volumes are
// clamped to [0,1], a ringtone index outside the preset range resets
// to the first preset, and empty device IDs become the default device.
// Unrecognised device IDs are left untouched.
func (s *AudioSettings) Normalize() {
	if s.RingtoneIndex < 0 || s.RingtoneIndex >= ringtoneCount {
		s.RingtoneIndex = 0
	}
	s.RingVolume = clamp01(s.RingVolume)
	s.SpeakerVolume = clamp01(s.SpeakerVolume)
	if s.RingDeviceID == "" {
		s.RingDeviceID = DefaultDeviceID
	}
	if s.SpeakerDeviceID == "" {
		s.SpeakerDeviceID = DefaultDeviceID
	}
	if s.MicDeviceID == "" {
		s.MicDeviceID = DefaultDeviceID
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Load reads the settings file, normalizes it and returns it. If the
// file is missing or unreadable the defaults are returned, never an
// error.
func Load() AudioSettings {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	s := Default()
	if err := json.Unmarshal(data, &s); err != nil {
		return Default()
	}
	s.Normalize()
	return s
}

// Save writes s to disk, creating the directory if needed.
func Save(s AudioSettings) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
