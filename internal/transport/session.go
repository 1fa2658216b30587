// Package transport streams audio to and from the live tutoring endpoint.
//
// A Session wraps one bidirectional connection. Open returns immediately with
// a pending handle; audio sent before the connection is established is queued
// and flushed in order once it is. Inbound traffic and lifecycle changes are
// delivered through Handlers, with exactly one terminal callback for a
// remote-initiated end. The transport never retries on its own.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-tutor/internal/audio"
)

// State is the connection state of a Session
type State int

const (
	StateIdle State = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Message is one inbound message. Audio payloads are still encoded.
type Message struct {
	Audio            []audio.Blob
	Interrupted      bool
	TurnComplete     bool
	InputTranscript  string
	OutputTranscript string
}

// CloseError is returned by Conn.Receive when the endpoint closed the
// connection normally
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return "connection closed by remote"
	}
	return "connection closed by remote: " + e.Reason
}

// Config is passed to the connector on every open
type Config struct {
	Model               string
	Voice               string
	SystemInstruction   string
	InputTranscription  bool
	OutputTranscription bool
	Keepalive           time.Duration
}

// Conn is an established connection
type Conn interface {
	Send(ctx context.Context, blob audio.Blob) error
	// Receive blocks for the next message. It returns a *CloseError on a
	// normal remote close and a classified error otherwise.
	Receive(ctx context.Context) (*Message, error)
	Close() error
}

// Connector dials the endpoint. activity is called on liveness signals that
// are not messages, such as keepalive pongs.
type Connector interface {
	Connect(ctx context.Context, cfg Config, activity func()) (Conn, error)
}

// Handlers receive session events. Any of them may be nil. They are called
// from the session's goroutines and must not block for long.
type Handlers struct {
	OnOpen     func()
	OnMessage  func(*Message)
	OnActivity func()
	OnClose    func(reason string)
	OnError    func(err error)
}

// Session is one logical connection to the endpoint
type Session struct {
	id        string
	connector Connector
	cfg       Config
	handlers  Handlers
	logger    zerolog.Logger

	mu    sync.Mutex
	state State
	queue []audio.Blob
	conn  Conn
	sent  int

	wake     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	terminal sync.Once
}

// Open starts negotiating a connection and returns the pending session
// immediately. ctx bounds the whole session, not just the handshake.
func Open(ctx context.Context, connector Connector, cfg Config, handlers Handlers, logger zerolog.Logger) *Session {
	sessCtx, cancel := context.WithCancel(ctx)

	s := &Session{
		id:        uuid.New().String(),
		connector: connector,
		cfg:       cfg,
		handlers:  handlers,
		state:     StateOpening,
		wake:      make(chan struct{}, 1),
		ctx:       sessCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.logger = logger.With().Str("component", "transport").Str("transport_id", s.id).Logger()

	go s.run()
	return s
}

// ID returns the session's identifier
func (s *Session) ID() string {
	return s.id
}

// State returns the current connection state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of queued outbound blobs
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Done is closed once the session's goroutines have exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send queues a blob for delivery. It never blocks and never fails; blobs
// sent after Close or after a failure are dropped.
func (s *Session) Send(blob audio.Blob) {
	s.mu.Lock()
	switch s.state {
	case StateClosing, StateClosed, StateErrored:
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, blob)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close shuts the session down and waits for its goroutines. No handler is
// called as a result of Close. Calling Close more than once is safe.
func (s *Session) Close() {
	s.mu.Lock()
	switch s.state {
	case StateClosing, StateClosed:
		s.mu.Unlock()
		<-s.done
		return
	case StateErrored:
		s.mu.Unlock()
		s.cancel()
		<-s.done
		return
	}
	s.state = StateClosing
	s.queue = nil
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	<-s.done

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.logger.Debug().Int("sent", s.sentCount()).Msg("Transport closed locally")
}

func (s *Session) run() {
	defer close(s.done)

	conn, err := s.connector.Connect(s.ctx, s.cfg, s.activity)
	if err != nil {
		if s.closing() {
			return
		}
		s.fail(Classify(err))
		return
	}

	s.mu.Lock()
	if s.state != StateOpening {
		// Closed while negotiating
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.state = StateOpen
	queued := len(s.queue)
	s.mu.Unlock()

	s.logger.Info().Int("queued", queued).Msg("Transport open")
	if s.handlers.OnOpen != nil {
		s.handlers.OnOpen()
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn)
	}()

	s.readLoop(conn)
	s.cancel()
	<-writerDone
}

func (s *Session) writeLoop(conn Conn) {
	for {
		for {
			blob, ok := s.dequeue()
			if !ok {
				break
			}
			if err := conn.Send(s.ctx, blob); err != nil {
				if s.closing() || s.ctx.Err() != nil {
					return
				}
				s.fail(Classify(err))
				return
			}
			s.mu.Lock()
			s.sent++
			s.mu.Unlock()
		}

		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
	}
}

func (s *Session) readLoop(conn Conn) {
	for {
		msg, err := conn.Receive(s.ctx)
		if err != nil {
			if s.closing() {
				return
			}

			var ce *CloseError
			if errors.As(err, &ce) {
				s.remoteClosed(ce.Reason)
				return
			}
			if s.ctx.Err() != nil && !errors.Is(err, ErrAuthorization) && !errors.Is(err, ErrTransport) {
				// Parent context cancelled without a local Close
				s.fail(&Error{Kind: ErrTransport, Message: "session context done", Err: s.ctx.Err()})
				return
			}
			s.fail(Classify(err))
			return
		}

		s.activity()
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(msg)
		}
	}
}

func (s *Session) dequeue() (audio.Blob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen || len(s.queue) == 0 {
		return audio.Blob{}, false
	}
	blob := s.queue[0]
	s.queue[0] = audio.Blob{}
	s.queue = s.queue[1:]
	return blob, true
}

func (s *Session) activity() {
	if s.handlers.OnActivity != nil {
		s.handlers.OnActivity()
	}
}

func (s *Session) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosing || s.state == StateClosed
}

func (s *Session) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// fail moves the session to errored and reports err once
func (s *Session) fail(err error) {
	s.finish(StateErrored, func() {
		s.logger.Warn().Err(err).Bool("authorization", IsAuthorization(err)).Msg("Transport failed")
		if s.handlers.OnError != nil {
			s.handlers.OnError(err)
		}
	})
}

// remoteClosed moves the session to closed and reports the close once
func (s *Session) remoteClosed(reason string) {
	s.finish(StateClosed, func() {
		s.logger.Info().Str("reason", reason).Msg("Transport closed by remote")
		if s.handlers.OnClose != nil {
			s.handlers.OnClose(reason)
		}
	})
}

func (s *Session) finish(state State, report func()) {
	s.mu.Lock()
	switch s.state {
	case StateClosing, StateClosed, StateErrored:
		s.mu.Unlock()
		return
	}
	s.state = state
	s.queue = nil
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	s.terminal.Do(report)
}
