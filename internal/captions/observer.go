package captions

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/live-tutor/internal/audio"
	"github.com/lexiqai/live-tutor/internal/capture"
	"github.com/lexiqai/live-tutor/internal/tutor"
)

const audioQueue = 32

// Observer streams each session's microphone frames to a Recognizer and
// publishes what it hears as transcript events
type Observer struct {
	newRecognizer func() Recognizer
	logger        zerolog.Logger
}

// NewObserver creates a captions observer. newRecognizer is called once per
// session.
func NewObserver(newRecognizer func() Recognizer, logger zerolog.Logger) *Observer {
	return &Observer{
		newRecognizer: newRecognizer,
		logger:        logger.With().Str("component", "captions").Logger(),
	}
}

// Name implements tutor.Observer
func (o *Observer) Name() string { return "captions" }

// Attach implements tutor.Observer. Frames are handed to a sender goroutine
// so the capture loop never waits on the network; when it falls behind,
// frames are dropped.
func (o *Observer) Attach(ctx context.Context, sessionID string, publish func(tutor.Event)) (capture.Tap, func(), error) {
	rec := o.newRecognizer()
	if err := rec.Start(); err != nil {
		return nil, nil, fmt.Errorf("start captions: %w", err)
	}

	logger := o.logger.With().Str("session_id", sessionID).Logger()
	frames := make(chan []byte, audioQueue)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for pcm := range frames {
			if err := rec.SendAudio(pcm); err != nil {
				logger.Debug().Err(err).Msg("Caption audio not sent")
			}
		}
	}()
	go func() {
		defer wg.Done()
		for result := range rec.Results() {
			publish(tutor.Event{
				Type:      tutor.EventTranscript,
				SessionID: sessionID,
				Transcript: &tutor.Transcript{
					Speaker: "child",
					Source:  "deepgram",
					Text:    result.Text,
					Final:   result.IsFinal,
				},
			})
		}
	}()

	var mu sync.Mutex
	closed := false

	tap := func(f audio.Frame) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case frames <- audio.SamplesToBytes(f.Samples):
		default:
			logger.Debug().Msg("Caption queue full, dropping frame")
		}
	}

	cleanup := func() {
		mu.Lock()
		closed = true
		close(frames)
		mu.Unlock()

		if err := rec.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close captions")
		}
		wg.Wait()
	}

	return tap, cleanup, nil
}
