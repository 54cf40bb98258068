//go:build windows

package main

import (
	"framecast/internal/audio"
	"framecast/internal/capture"
	"framecast/internal/encode"
)

func nativeBackendFactory() capture.Factory {
	return func() (capture.Backend, error) { return capture.NewDuplication(), nil }
}

// No codec session is wired on windows yet; the raw packetizer still lets
// the file/tcp/udp sinks run.
func newSession(codec string) encode.Session {
	return encode.NewNullSession()
}

func newAudioSource(sampleRate, channels int) (audio.Source, error) {
	return audio.NewMiniaudio(sampleRate, channels)
}
