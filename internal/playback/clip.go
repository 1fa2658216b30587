package playback

import (
	"context"
	"fmt"

	"github.com/lexiqai/live-tutor/internal/audio"
)

// PlayClip decodes a complete clip and plays it on out right away, blocking
// until it finishes or ctx is done. Cancelling ctx stops the clip.
func PlayClip(ctx context.Context, out Output, clip audio.Clip) error {
	buf, err := audio.DecodeClip(clip)
	if err != nil {
		return fmt.Errorf("decode clip: %w", err)
	}
	buf = buf.Convert(out.SampleRate(), out.Channels())

	done := make(chan struct{})
	voice, err := out.Play(buf, out.Now(), func() { close(done) })
	if err != nil {
		return fmt.Errorf("play clip: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		voice.Stop()
		return ctx.Err()
	}
}
