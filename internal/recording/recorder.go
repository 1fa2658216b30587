// Package recording writes each session's microphone audio to a WAV file.
package recording

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-tutor/internal/audio"
	"github.com/lexiqai/live-tutor/internal/capture"
	"github.com/lexiqai/live-tutor/internal/tutor"
)

const (
	bitDepth  = 16
	pcmFormat = 1
)

// Recorder implements tutor.Observer
type Recorder struct {
	dir        string
	sampleRate int
	logger     zerolog.Logger
}

// NewRecorder creates a recorder writing 16-bit mono files into dir
func NewRecorder(dir string, sampleRate int, logger zerolog.Logger) *Recorder {
	return &Recorder{
		dir:        dir,
		sampleRate: sampleRate,
		logger:     logger.With().Str("component", "recording").Logger(),
	}
}

// Name implements tutor.Observer
func (r *Recorder) Name() string { return "recording" }

// Path returns the file a session is recorded to
func (r *Recorder) Path(sessionID string) string {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	return filepath.Join(r.dir, sessionID+".wav")
}

// Attach implements tutor.Observer
func (r *Recorder) Attach(ctx context.Context, sessionID string, publish func(tutor.Event)) (capture.Tap, func(), error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create record dir: %w", err)
	}

	path := r.Path(sessionID)
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create recording: %w", err)
	}

	enc := wav.NewEncoder(f, r.sampleRate, bitDepth, 1, pcmFormat)
	format := &goaudio.Format{NumChannels: 1, SampleRate: r.sampleRate}
	logger := r.logger.With().Str("session_id", sessionID).Str("path", path).Logger()

	var (
		mu      sync.Mutex
		closed  bool
		samples int
	)

	tap := func(frame audio.Frame) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}

		data := make([]int, len(frame.Samples))
		for i, s := range frame.Samples {
			data[i] = int(s)
		}
		buf := &goaudio.IntBuffer{Format: format, Data: data, SourceBitDepth: bitDepth}
		if err := enc.Write(buf); err != nil {
			logger.Warn().Err(err).Msg("Failed to write recording")
			return
		}
		samples += len(data)
	}

	cleanup := func() {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		closed = true

		if err := enc.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to finalize recording")
		}
		if err := f.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close recording")
		}
		logger.Info().Int("samples", samples).Msg("Recording saved")
	}

	logger.Debug().Msg("Recording started")
	return tap, cleanup, nil
}
