//go:build linux

package main

import (
	"framecast/internal/audio"
	"framecast/internal/capture"
	"framecast/internal/encode"
)

func nativeBackendFactory() capture.Factory {
	return func() (capture.Backend, error) { return capture.NewXShm(), nil }
}

func newSession(codec string) encode.Session {
	if codec == "null" {
		return encode.NewNullSession()
	}
	return encode.NewFFmpegSession()
}

func newAudioSource(sampleRate, channels int) (audio.Source, error) {
	if src, err := audio.NewPulse(sampleRate, channels); err == nil {
		return src, nil
	}
	return audio.NewMiniaudio(sampleRate, channels)
}
