// Package device connects the tutor to the host's default microphone and
// speaker through PortAudio.
//
// PortAudio must be installed on the host:
//
//	macos:  brew install portaudio
//	debian: sudo apt-get install portaudio19-dev
package device

import (
	"context"
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// Initialize prepares PortAudio for the process. The returned function
// releases it and must be called once on shutdown.
func Initialize() (func() error, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return portaudio.Terminate, nil
}

// Check reports whether the host has a default input and output device.
// It serves as a readiness probe.
func Check(ctx context.Context) (bool, error) {
	if _, err := portaudio.DefaultInputDevice(); err != nil {
		return false, fmt.Errorf("no input device: %w", err)
	}
	if _, err := portaudio.DefaultOutputDevice(); err != nil {
		return false, fmt.Errorf("no output device: %w", err)
	}
	return true, nil
}
