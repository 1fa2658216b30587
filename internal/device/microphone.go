package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-tutor/internal/capture"
)

// Microphone opens the default input device
type Microphone struct {
	sampleRate      int
	framesPerBuffer int
	logger          zerolog.Logger
}

// NewMicrophone creates a microphone that captures mono audio at sampleRate
func NewMicrophone(sampleRate, framesPerBuffer int, logger zerolog.Logger) *Microphone {
	return &Microphone{
		sampleRate:      sampleRate,
		framesPerBuffer: framesPerBuffer,
		logger:          logger.With().Str("component", "microphone").Logger(),
	}
}

// Acquire opens and starts an input stream. A missing device or a refused
// stream is reported as capture.ErrPermissionDenied.
func (m *Microphone) Acquire(ctx context.Context) (capture.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrPermissionDenied, err)
	}

	buf := make([]float32, m.framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.sampleRate), m.framesPerBuffer, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", capture.ErrPermissionDenied, info.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: start %s: %v", capture.ErrPermissionDenied, info.Name, err)
	}

	m.logger.Info().Str("device", info.Name).Int("sample_rate", m.sampleRate).Msg("Microphone acquired")

	return &micStream{
		stream: stream,
		buf:    buf,
		rate:   m.sampleRate,
		logger: m.logger,
	}, nil
}

type micStream struct {
	stream *portaudio.Stream
	buf    []float32
	rate   int
	logger zerolog.Logger

	readMu    sync.Mutex // held while the stream is being read
	pending   []float32
	closed    atomic.Bool
	closeOnce sync.Once
}

func (s *micStream) SampleRate() int { return s.rate }
func (s *micStream) Channels() int   { return 1 }

// Read fills dst from the device, one PortAudio buffer at a time
func (s *micStream) Read(dst []float32) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	n := 0
	for n < len(dst) {
		if s.closed.Load() {
			return n, io.EOF
		}
		if len(s.pending) == 0 {
			if err := s.stream.Read(); err != nil {
				if s.closed.Load() {
					return n, io.EOF
				}
				if !errors.Is(err, portaudio.InputOverflowed) {
					return n, err
				}
				s.logger.Debug().Msg("Microphone input overflowed")
			}
			s.pending = s.buf
		}
		c := copy(dst[n:], s.pending)
		s.pending = s.pending[c:]
		n += c
	}
	return n, nil
}

// Close aborts the stream, waits for a pending Read and releases the device
func (s *micStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if abortErr := s.stream.Abort(); abortErr != nil {
			s.logger.Debug().Err(abortErr).Msg("Abort microphone stream")
		}

		s.readMu.Lock()
		err = s.stream.Close()
		s.readMu.Unlock()

		s.logger.Info().Msg("Microphone released")
	})
	return err
}
