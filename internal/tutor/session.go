package tutor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-tutor/internal/audio"
	"github.com/lexiqai/live-tutor/internal/capture"
	"github.com/lexiqai/live-tutor/internal/observability"
	"github.com/lexiqai/live-tutor/internal/playback"
	"github.com/lexiqai/live-tutor/internal/transport"
)

var errStartTimeout = errors.New("live connection did not open in time")

type eventKind int

const (
	evOpened eventKind = iota
	evMessage
	evRemoteClosed
	evTransportError
	evVoiceEnded
	evCaptureError
	evStop
)

type loopEvent struct {
	kind   eventKind
	msg    *transport.Message
	voice  uint64
	reason string
	err    error
}

// mailbox is the session loop's inbox. Posting never blocks, so callbacks
// from the transport, capture and speaker goroutines (and from the loop
// itself, when stopping voices) cannot stall.
type mailbox struct {
	mu     sync.Mutex
	items  []loopEvent
	closed bool
	wake   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) post(ev loopEvent) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.items = append(m.items, ev)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []loopEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.items = nil
}

// liveSession is one tutor activation. Everything it owns is created in run
// and released in teardown; the scheduler is only touched by the loop.
type liveSession struct {
	id            string
	correlationID string

	opts      Options
	mic       capture.Device
	speaker   Speaker
	connector transport.Connector
	observers []Observer

	publish func(Event)
	onOpen  func(*liveSession)
	onEnd   func(*liveSession, Code, error) Status

	logger  zerolog.Logger
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	box    *mailbox
	opened chan struct{}
	done   chan struct{}

	// acquire bounds device acquisition only
	acquire       context.Context
	cancelAcquire context.CancelFunc

	lastActivity atomic.Int64

	endMu     sync.Mutex
	requested Code
	final     Status

	// loop-owned
	out       Output
	src       capture.Source
	pipeline  *capture.Pipeline
	conn      *transport.Session
	scheduler *playback.Scheduler
	cleanups  []func()
	isOpen    bool
}

func newLiveSession(opts Options, mic capture.Device, speaker Speaker, connector transport.Connector, observers []Observer,
	publish func(Event), onOpen func(*liveSession), onEnd func(*liveSession, Code, error) Status) *liveSession {

	id := uuid.New().String()
	correlationID := observability.NewCorrelationID()
	ctx, cancel := context.WithCancel(context.Background())
	acquire, cancelAcquire := context.WithCancel(ctx)

	return &liveSession{
		id:            id,
		correlationID: correlationID,
		opts:          opts,
		mic:           mic,
		speaker:       speaker,
		connector:     connector,
		observers:     observers,
		publish:       publish,
		onOpen:        onOpen,
		onEnd:         onEnd,
		logger:        observability.WithSession(id, correlationID),
		metrics:       observability.NewSessionMetrics(id),
		ctx:           ctx,
		cancel:        cancel,
		acquire:       acquire,
		cancelAcquire: cancelAcquire,
		box:           newMailbox(),
		opened:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (s *liveSession) run() {
	defer close(s.done)
	s.metrics.RecordSessionStart()

	code, err := s.setup()
	if code == "" {
		code, err = s.loop()
	}

	s.teardown(code)
	st := s.onEnd(s, code, err)

	s.endMu.Lock()
	s.final = st
	s.endMu.Unlock()
}

// stop asks the loop to end with code and waits for teardown. If the session
// has already ended, its own outcome is returned.
func (s *liveSession) stop(code Code) Status {
	s.endMu.Lock()
	if s.requested == "" {
		s.requested = code
	}
	s.endMu.Unlock()

	s.cancelAcquire()
	s.box.post(loopEvent{kind: evStop})
	<-s.done
	return s.result()
}

func (s *liveSession) result() Status {
	s.endMu.Lock()
	defer s.endMu.Unlock()
	return s.final
}

func (s *liveSession) requestedStop() Code {
	s.endMu.Lock()
	defer s.endMu.Unlock()
	return s.requested
}

// setup acquires the devices and starts both directions. A non-empty code
// means the session ended before the loop started.
func (s *liveSession) setup() (Code, error) {
	out, err := s.speaker.Open(s.opts.PlaybackRate, s.opts.PlaybackChannels)
	if err != nil {
		if code := s.requestedStop(); code != "" {
			return code, nil
		}
		s.metrics.RecordError("speaker_unavailable", "playback")
		return CodeSpeakerFailed, fmt.Errorf("open speaker: %w", err)
	}
	s.out = out

	src, err := s.mic.Acquire(s.acquire)
	if err != nil {
		if code := s.requestedStop(); code != "" {
			return code, nil
		}
		s.metrics.RecordError("permission_denied", "capture")
		return CodeMicDenied, fmt.Errorf("acquire microphone: %w", err)
	}
	s.src = src

	if code := s.requestedStop(); code != "" {
		return code, nil
	}

	s.scheduler = playback.NewScheduler(out, func(id uint64) {
		s.box.post(loopEvent{kind: evVoiceEnded, voice: id})
	}, s.logger)

	s.conn = transport.Open(s.ctx, s.connector, s.opts.Transport, transport.Handlers{
		OnOpen: func() {
			s.box.post(loopEvent{kind: evOpened})
		},
		OnMessage: func(msg *transport.Message) {
			s.box.post(loopEvent{kind: evMessage, msg: msg})
		},
		OnActivity: s.touch,
		OnClose: func(reason string) {
			s.box.post(loopEvent{kind: evRemoteClosed, reason: reason})
		},
		OnError: func(err error) {
			s.box.post(loopEvent{kind: evTransportError, err: err})
		},
	}, s.logger)

	taps := []capture.Tap{s.vadTap()}
	for _, o := range s.observers {
		tap, cleanup, err := o.Attach(s.ctx, s.id, s.publish)
		if err != nil {
			s.logger.Warn().Err(err).Str("observer", o.Name()).Msg("Observer unavailable, continuing without it")
			s.metrics.RecordError("observer_unavailable", o.Name())
			continue
		}
		if tap != nil {
			taps = append(taps, tap)
		}
		if cleanup != nil {
			s.cleanups = append(s.cleanups, cleanup)
		}
	}

	// Capture starts right away; frames queue on the transport until it opens
	s.pipeline = capture.New(src, capture.SinkFunc(s.sendFrame), s.opts.Capture, s.logger, taps...)
	s.pipeline.Start(s.ctx, func(err error) {
		s.box.post(loopEvent{kind: evCaptureError, err: err})
	})

	return "", nil
}

func (s *liveSession) loop() (Code, error) {
	start := time.NewTimer(s.opts.StartTimeout)
	defer start.Stop()

	var idle <-chan time.Time
	if s.opts.IdleTimeout > 0 {
		ticker := time.NewTicker(watchdogInterval(s.opts.IdleTimeout))
		defer ticker.Stop()
		idle = ticker.C
	}

	for {
		if code := s.requestedStop(); code != "" {
			return code, nil
		}

		select {
		case <-s.box.wake:
			for _, ev := range s.box.drain() {
				if code := s.requestedStop(); code != "" {
					return code, nil
				}
				if code, err := s.handle(ev); code != "" {
					return code, err
				}
			}

		case <-start.C:
			if !s.isOpen {
				s.metrics.RecordError("start_timeout", "transport")
				return CodeConnectionFailed, errStartTimeout
			}

		case now := <-idle:
			if !s.isOpen {
				continue
			}
			quiet := now.Sub(time.Unix(0, s.lastActivity.Load()))
			if quiet > s.opts.IdleTimeout {
				s.metrics.RecordError("stalled", "transport")
				return CodeStalled, fmt.Errorf("no activity from the tutor for %s", quiet.Round(time.Second))
			}
		}
	}
}

func watchdogInterval(timeout time.Duration) time.Duration {
	interval := timeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	return interval
}

// handle applies one event. A non-empty code ends the session.
func (s *liveSession) handle(ev loopEvent) (Code, error) {
	switch ev.kind {
	case evOpened:
		s.isOpen = true
		s.touch()
		s.metrics.RecordConnected()
		s.onOpen(s)
		close(s.opened)

	case evMessage:
		s.handleMessage(ev.msg)

	case evVoiceEnded:
		s.scheduler.Finished(ev.voice)
		s.metrics.SetPlaybackDepth(s.scheduler.Live())

	case evRemoteClosed:
		return CodeTutorEnded, nil

	case evTransportError:
		if transport.IsAuthorization(ev.err) {
			s.metrics.RecordError("unauthorized", "transport")
			return CodeUnauthorized, ev.err
		}
		s.metrics.RecordError("connection_failed", "transport")
		return CodeConnectionFailed, ev.err

	case evCaptureError:
		s.metrics.RecordError("capture_failed", "capture")
		return CodeMicDenied, ev.err
	}
	return "", nil
}

func (s *liveSession) handleMessage(msg *transport.Message) {
	if msg.Interrupted {
		stopped := s.scheduler.Interrupt()
		s.metrics.RecordInterruption()
		s.logger.Debug().Int("stopped", stopped).Msg("Tutor interrupted, playback cleared")
	}

	for _, blob := range msg.Audio {
		buf, err := audio.DecodeBlob(blob, s.opts.PlaybackChannels)
		if err != nil {
			s.logger.Warn().Err(err).Str("mime_type", blob.MIMEType).Msg("Dropping undecodable audio payload")
			s.metrics.RecordDecodeError()
			continue
		}
		if _, err := s.scheduler.Schedule(buf); err != nil {
			s.logger.Error().Err(err).Msg("Failed to schedule tutor audio")
			s.metrics.RecordError("schedule_failed", "playback")
			continue
		}
		s.metrics.RecordFrame("out", len(buf.Samples)*2)
	}
	s.metrics.SetPlaybackDepth(s.scheduler.Live())

	if msg.InputTranscript != "" {
		s.transcript("child", msg.InputTranscript)
	}
	if msg.OutputTranscript != "" {
		s.transcript("tutor", msg.OutputTranscript)
	}
	if msg.TurnComplete {
		s.logger.Debug().Int("live", s.scheduler.Live()).Msg("Tutor turn complete")
	}
}

func (s *liveSession) transcript(speaker, text string) {
	observability.RecordCaption("gemini", false)
	s.publish(Event{
		Type:      EventTranscript,
		SessionID: s.id,
		Transcript: &Transcript{
			Speaker: speaker,
			Source:  "gemini",
			Text:    text,
		},
	})
}

// sendFrame runs on the capture goroutine
func (s *liveSession) sendFrame(blob audio.Blob) {
	s.conn.Send(blob)
	s.metrics.RecordFrame("in", base64.StdEncoding.DecodedLen(len(blob.Data)))
}

// vadTap publishes speech start and end of the child. It runs on the capture
// goroutine, which owns the detector.
func (s *liveSession) vadTap() capture.Tap {
	detector := audio.NewVADDetector(s.opts.VAD)
	return func(f audio.Frame) {
		_, started, ended := detector.ProcessFrame(f.Samples)
		switch {
		case started:
			s.publish(Event{Type: EventSpeechStart, SessionID: s.id})
		case ended:
			s.publish(Event{Type: EventSpeechEnd, SessionID: s.id})
		}
	}
}

func (s *liveSession) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// teardown releases the microphone, halts playback and closes the transport.
// Every step tolerates a partial setup.
func (s *liveSession) teardown(code Code) {
	s.box.close()

	if s.pipeline != nil {
		s.pipeline.Stop()
	} else if s.src != nil {
		if err := s.src.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to release microphone")
		}
	}

	if s.scheduler != nil {
		if n := s.scheduler.Interrupt(); n > 0 {
			s.logger.Debug().Int("stopped", n).Msg("Playback halted")
		}
		s.metrics.SetPlaybackDepth(0)
	}

	if s.conn != nil {
		s.conn.Close()
	}
	s.cancel()

	if s.out != nil {
		if err := s.out.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close speaker")
		}
	}

	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}

	s.metrics.RecordSessionEnd(string(code))
	s.logger.Debug().Str("code", string(code)).Msg("Session torn down")
}
