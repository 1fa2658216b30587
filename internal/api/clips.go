package api

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/live-tutor/internal/audio"
	"github.com/lexiqai/live-tutor/internal/playback"
	"github.com/lexiqai/live-tutor/internal/tutor"
)

// ErrPlaybackUnavailable is returned when no local speaker is configured
var ErrPlaybackUnavailable = errors.New("local playback unavailable")

// ClipPlayer plays lesson clips on the local speaker, one at a time
type ClipPlayer struct {
	speaker    tutor.Speaker
	sampleRate int
	channels   int
	logger     zerolog.Logger

	mu sync.Mutex
}

// NewClipPlayer creates a player that opens speaker at the given format for
// each clip
func NewClipPlayer(speaker tutor.Speaker, sampleRate, channels int, logger zerolog.Logger) *ClipPlayer {
	return &ClipPlayer{
		speaker:    speaker,
		sampleRate: sampleRate,
		channels:   channels,
		logger:     logger.With().Str("component", "clips").Logger(),
	}
}

// Play blocks until the clip has finished or ctx is done
func (p *ClipPlayer) Play(ctx context.Context, clip audio.Clip) error {
	if p == nil || p.speaker == nil {
		return ErrPlaybackUnavailable
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out, err := p.speaker.Open(p.sampleRate, p.channels)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPlaybackUnavailable, err)
	}
	defer func() {
		if err := out.Close(); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to close clip output")
		}
	}()

	if err := playback.PlayClip(ctx, out, clip); err != nil {
		return err
	}
	p.logger.Debug().Str("mime_type", clip.MIMEType).Int("bytes", len(clip.Data)).Msg("Clip played")
	return nil
}
