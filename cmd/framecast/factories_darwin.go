//go:build darwin

package main

import (
	"framecast/internal/audio"
	"framecast/internal/capture"
	"framecast/internal/encode"
)

func nativeBackendFactory() capture.Factory {
	return func() (capture.Backend, error) { return capture.NewCompositor(), nil }
}

func newSession(codec string) encode.Session {
	if codec == "null" {
		return encode.NewNullSession()
	}
	return encode.NewVTBSession()
}

func newAudioSource(sampleRate, channels int) (audio.Source, error) {
	return audio.NewMiniaudio(sampleRate, channels)
}
