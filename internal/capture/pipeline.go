// Package capture turns a live microphone stream into fixed-size PCM frames
// and pushes them, encoded, to an outbound sink.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/live-tutor/internal/audio"
)

// ErrPermissionDenied means no microphone could be opened, either because
// access was refused or because no input device exists
var ErrPermissionDenied = errors.New("microphone permission denied")

const stopGrace = 2 * time.Second

// Source is a live microphone stream of float samples in [-1.0, 1.0]
type Source interface {
	// Read blocks until buf is filled or the stream fails. It returns the
	// number of samples read.
	Read(buf []float32) (int, error)
	SampleRate() int
	Channels() int
	// Close stops the stream and releases the device
	Close() error
}

// Device hands out microphone streams
type Device interface {
	Acquire(ctx context.Context) (Source, error)
}

// Sink receives encoded frames. Send must not block.
type Sink interface {
	Send(blob audio.Blob)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(audio.Blob)

// Send implements Sink
func (f SinkFunc) Send(b audio.Blob) { f(b) }

// Tap observes every frame before it is encoded
type Tap func(audio.Frame)

// Config describes the frames the pipeline produces
type Config struct {
	SampleRate int // target rate, 16000 for the live endpoint
	BlockSize  int // samples per frame, 4096 by default
	ReadSize   int // samples per device read
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.BlockSize <= 0 {
		c.BlockSize = 4096
	}
	if c.ReadSize <= 0 {
		c.ReadSize = 1024
	}
	return c
}

// Pipeline reads a Source, re-blocks it and sends each block to a Sink
type Pipeline struct {
	src    Source
	sink   Sink
	cfg    Config
	taps   []Tap
	logger zerolog.Logger
	ring   *audio.SampleRing

	mu      sync.Mutex
	stopped bool
	started bool
	frames  int
	done    chan struct{}
}

// New creates a pipeline. Nothing is read until Run or Start.
func New(src Source, sink Sink, cfg Config, logger zerolog.Logger, taps ...Tap) *Pipeline {
	cfg = cfg.withDefaults()

	// Room for one partial block plus one resampled device read
	ringSize := cfg.BlockSize*2 + cfg.ReadSize*8 + 1

	return &Pipeline{
		src:    src,
		sink:   sink,
		cfg:    cfg,
		taps:   taps,
		logger: logger.With().Str("component", "capture").Logger(),
		ring:   audio.NewSampleRing(ringSize),
		done:   make(chan struct{}),
	}
}

// Start runs the pipeline in a goroutine. onError is called once if the
// source fails before Stop.
func (p *Pipeline) Start(ctx context.Context, onError func(error)) {
	go func() {
		if err := p.Run(ctx); err != nil && onError != nil {
			onError(err)
		}
	}()
}

// Run reads until Stop, ctx cancellation or a source failure
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("capture pipeline already running")
	}
	p.started = true
	p.mu.Unlock()
	defer close(p.done)

	channels := p.src.Channels()
	if channels < 1 {
		channels = 1
	}
	rate := p.src.SampleRate()
	buf := make([]float32, p.cfg.ReadSize*channels)
	resampler := audio.NewResampler(rate, p.cfg.SampleRate)

	p.logger.Debug().
		Int("device_rate", rate).
		Int("device_channels", channels).
		Int("rate", p.cfg.SampleRate).
		Int("block_size", p.cfg.BlockSize).
		Msg("Capture started")

	for {
		if p.isStopped() || ctx.Err() != nil {
			return nil
		}

		n, err := p.src.Read(buf)
		if n > 0 {
			samples := audio.Remix(buf[:n], channels, 1)
			samples = resampler.Process(samples)
			if written := p.ring.Write(samples); written < len(samples) {
				p.logger.Warn().Int("dropped", len(samples)-written).Msg("Capture ring overflow")
			}
			p.drain()
		}

		if err != nil {
			if p.isStopped() || ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read microphone: %w", err)
		}
	}
}

// drain emits every complete block in the ring
func (p *Pipeline) drain() {
	for {
		block, ok := p.ring.ReadBlock(p.cfg.BlockSize)
		if !ok {
			return
		}
		p.emit(block)
	}
}

func (p *Pipeline) emit(block []float32) {
	if p.isStopped() {
		return
	}

	frame := audio.Frame{
		Samples:    audio.FloatToPCM16(block),
		SampleRate: p.cfg.SampleRate,
		Channels:   1,
	}
	for _, tap := range p.taps {
		tap(frame)
	}
	blob := audio.EncodeBlob(frame)

	// Holding the lock across Send keeps Stop from returning mid-emit
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.sink.Send(blob)
	p.frames++
}

// Stop halts the pipeline and closes the source. No frame reaches the sink
// after Stop returns. Safe to call more than once.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	if err := p.src.Close(); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to close microphone")
	}

	if !started {
		return
	}
	select {
	case <-p.done:
	case <-time.After(stopGrace):
		p.logger.Warn().Msg("Capture loop did not exit in time")
	}
	p.logger.Debug().Int("frames", p.Frames()).Msg("Capture stopped")
}

// Frames returns how many frames reached the sink
func (p *Pipeline) Frames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

func (p *Pipeline) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}
