//go:build !linux && !darwin && !windows

package main

import (
	"framecast/internal/audio"
	"framecast/internal/capture"
	"framecast/internal/encode"
)

func nativeBackendFactory() capture.Factory { return nil }

func newSession(codec string) encode.Session {
	return encode.NewNullSession()
}

func newAudioSource(sampleRate, channels int) (audio.Source, error) {
	return audio.NewMiniaudio(sampleRate, channels)
}
