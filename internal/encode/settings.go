package encode

import (
	"fmt"
	"time"

	"framecast/internal/types"
)

// VideoSettings configures the video side of a session.
type VideoSettings struct {
	Codec     string // "h264" or "h265"
	Width     int
	Height    int
	Bitrate   int // bits per second
	FrameRate int
	GOP       int // keyframe interval in frames, 0 = 2x FrameRate
	Input     types.PixelFormat
}

// DefaultVideo returns broadcast-quality defaults for the given dimensions.
func DefaultVideo(width, height int) VideoSettings {
	return VideoSettings{
		Codec:     "h264",
		Width:     width,
		Height:    height,
		Bitrate:   15_000_000,
		FrameRate: 60,
		Input:     types.RGBA8,
	}
}

func (v VideoSettings) validate() error {
	if v.Width <= 0 || v.Height <= 0 {
		return fmt.Errorf("video settings: bad dimensions %dx%d", v.Width, v.Height)
	}
	if v.Codec != "h264" && v.Codec != "h265" {
		return fmt.Errorf("video settings: codec must be h264 or h265, got %q", v.Codec)
	}
	if v.FrameRate <= 0 {
		return fmt.Errorf("video settings: frame rate must be positive")
	}
	return nil
}

func (v VideoSettings) gop() int {
	if v.GOP > 0 {
		return v.GOP
	}
	return v.FrameRate * 2
}

// AudioSettings configures the Opus audio path. Disabled audio leaves the
// encoder video-only.
type AudioSettings struct {
	Enabled    bool
	Bitrate    int // bits per second
	Channels   int
	SampleRate int
}

// DefaultAudio matches the usual desktop audio chain: 48 kHz stereo.
func DefaultAudio() AudioSettings {
	return AudioSettings{
		Enabled:    true,
		Bitrate:    192_000,
		Channels:   2,
		SampleRate: 48_000,
	}
}

func (a AudioSettings) validate() error {
	if !a.Enabled {
		return nil
	}
	if a.Channels != 1 && a.Channels != 2 {
		return fmt.Errorf("audio settings: channels must be 1 or 2")
	}
	switch a.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("audio settings: sample rate %d not valid for opus", a.SampleRate)
	}
	return nil
}

// Config assembles a full encoder configuration.
type Config struct {
	Video VideoSettings
	Audio AudioSettings

	// QueueCap bounds the submission queue; Submit reports busy when it is
	// full. Default 8.
	QueueCap int

	// AVSyncThreshold is the audio-behind-video skew at which one audio
	// unit is dropped to resynchronize. Default 80ms.
	AVSyncThreshold time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueCap <= 0 {
		c.QueueCap = 8
	}
	if c.AVSyncThreshold <= 0 {
		c.AVSyncThreshold = 80 * time.Millisecond
	}
}
