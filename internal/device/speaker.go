package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-tutor/internal/audio"
	"github.com/lexiqai/live-tutor/internal/playback"
	"github.com/lexiqai/live-tutor/internal/tutor"
)

// Speaker opens output streams on the default output device
type Speaker struct {
	framesPerBuffer int
	logger          zerolog.Logger
}

// NewSpeaker creates a speaker that renders framesPerBuffer frames per write
func NewSpeaker(framesPerBuffer int, logger zerolog.Logger) *Speaker {
	if framesPerBuffer <= 0 {
		framesPerBuffer = 480
	}
	return &Speaker{
		framesPerBuffer: framesPerBuffer,
		logger:          logger.With().Str("component", "speaker").Logger(),
	}
}

// Open starts a clocked output stream. Silence is rendered while no voice
// is scheduled, so the clock keeps running.
func (s *Speaker) Open(sampleRate, channels int) (tutor.Output, error) {
	info, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil, fmt.Errorf("no output device: %w", err)
	}

	buf := make([]float32, s.framesPerBuffer*channels)
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(sampleRate), s.framesPerBuffer, buf)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", info.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start %s: %w", info.Name, err)
	}

	out := &speakerOutput{
		mixer:  newMixer(sampleRate, channels),
		stream: stream,
		buf:    buf,
		logger: s.logger,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go out.renderLoop()

	s.logger.Info().Str("device", info.Name).Int("sample_rate", sampleRate).Int("channels", channels).Msg("Speaker opened")
	return out, nil
}

type speakerOutput struct {
	*mixer
	stream *portaudio.Stream
	buf    []float32
	logger zerolog.Logger

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ playback.Output = (*speakerOutput)(nil)

func (o *speakerOutput) Now() time.Duration { return o.now() }
func (o *speakerOutput) SampleRate() int    { return o.rate }
func (o *speakerOutput) Channels() int      { return o.channels }

func (o *speakerOutput) Play(buf audio.Buffer, at time.Duration, onEnded func()) (playback.Voice, error) {
	return o.play(buf, at, onEnded)
}

func (o *speakerOutput) renderLoop() {
	defer close(o.done)

	for {
		select {
		case <-o.quit:
			return
		default:
		}

		for _, cb := range o.render(o.buf) {
			cb()
		}

		// Write blocks until the device has room, which paces the loop
		if err := o.stream.Write(); err != nil {
			select {
			case <-o.quit:
				return
			default:
			}
			if !errors.Is(err, portaudio.OutputUnderflowed) {
				o.logger.Error().Err(err).Msg("Speaker write failed")
				return
			}
		}
	}
}

// Close stops rendering, ends every voice and releases the device
func (o *speakerOutput) Close() error {
	var err error
	o.closeOnce.Do(func() {
		close(o.quit)
		for _, cb := range o.close() {
			cb()
		}
		if abortErr := o.stream.Abort(); abortErr != nil {
			o.logger.Debug().Err(abortErr).Msg("Abort speaker stream")
		}
		<-o.done
		err = o.stream.Close()
		o.logger.Info().Msg("Speaker closed")
	})
	return err
}
