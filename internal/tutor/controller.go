// Package tutor supervises live tutoring sessions: it wires the microphone
// pipeline to the live transport and the transport to the speaker, and turns
// every failure into a Status for the caller.
package tutor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/live-tutor/internal/audio"
	"github.com/lexiqai/live-tutor/internal/capture"
	"github.com/lexiqai/live-tutor/internal/config"
	"github.com/lexiqai/live-tutor/internal/playback"
	"github.com/lexiqai/live-tutor/internal/resilience"
	"github.com/lexiqai/live-tutor/internal/transport"
)

// Output is a speaker stream opened for one session
type Output interface {
	playback.Output
	Close() error
}

// Speaker opens output streams
type Speaker interface {
	Open(sampleRate, channels int) (Output, error)
}

// Observer attaches an optional per-session feature to the microphone stream
// (captions, recording). The returned cleanup runs after capture has stopped.
type Observer interface {
	Name() string
	Attach(ctx context.Context, sessionID string, publish func(Event)) (capture.Tap, func(), error)
}

// Options configures every session the controller starts
type Options struct {
	Transport        transport.Config
	Capture          capture.Config
	PlaybackRate     int
	PlaybackChannels int
	VAD              *audio.VADConfig
	IdleTimeout      time.Duration // zero disables the watchdog
	StartTimeout     time.Duration
	Connect          *resilience.RetryConfig
}

// OptionsFromConfig maps service configuration to controller options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Transport: transport.Config{
			Model:               cfg.TutorModel,
			Voice:               cfg.TutorVoice,
			SystemInstruction:   cfg.TutorSystemInstruction,
			InputTranscription:  cfg.TutorTranscription,
			OutputTranscription: cfg.TutorTranscription,
			Keepalive:           cfg.Keepalive(),
		},
		Capture: capture.Config{
			SampleRate: cfg.CaptureSampleRate,
			BlockSize:  cfg.CaptureBlockSize,
			ReadSize:   cfg.MicBufferFrames,
		},
		PlaybackRate:     cfg.PlaybackSampleRate,
		PlaybackChannels: cfg.PlaybackChannels,
		VAD: &audio.VADConfig{
			EnergyThreshold: cfg.VADEnergyThreshold,
			SilenceFrames:   cfg.VADSilenceFrames,
		},
		IdleTimeout:  cfg.IdleTimeout(),
		StartTimeout: time.Duration(cfg.StartTimeout) * time.Second,
		Connect: &resilience.RetryConfig{
			MaxAttempts:       cfg.ConnectMaxAttempts,
			InitialBackoff:    time.Duration(cfg.ConnectBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	}
}

func (o Options) withDefaults() Options {
	if o.PlaybackRate <= 0 {
		o.PlaybackRate = audio.DefaultPlaybackRate
	}
	if o.PlaybackChannels <= 0 {
		o.PlaybackChannels = 1
	}
	if o.VAD == nil {
		o.VAD = audio.DefaultVADConfig()
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 15 * time.Second
	}
	if o.Connect == nil {
		o.Connect = &resilience.RetryConfig{MaxAttempts: 1}
	}
	return o
}

// Controller runs at most one live session at a time
type Controller struct {
	opts      Options
	mic       capture.Device
	speaker   Speaker
	connector transport.Connector
	observers []Observer
	logger    zerolog.Logger
	hub       *hub

	mu      sync.Mutex
	state   State
	status  Status
	session *liveSession
}

// New creates an idle controller
func New(opts Options, mic capture.Device, speaker Speaker, connector transport.Connector, logger zerolog.Logger, observers ...Observer) *Controller {
	opts = opts.withDefaults()
	if opts.Connect.MaxAttempts > 1 {
		connector = &retryConnector{inner: connector, retry: opts.Connect}
	}

	return &Controller{
		opts:      opts,
		mic:       mic,
		speaker:   speaker,
		connector: connector,
		observers: observers,
		logger:    logger.With().Str("component", "tutor").Logger(),
		hub:       newHub(),
		state:     StateIdle,
		status:    newStatus(CodeReady, StateIdle, "", nil),
	}
}

// Start begins a session and waits until the tutor is listening or the
// attempt has failed. ctx bounds the wait; cancelling it abandons the start.
// A Start while a session exists reports busy without touching it.
func (c *Controller) Start(ctx context.Context) Status {
	c.mu.Lock()
	if c.state != StateIdle {
		st := newStatus(CodeBusy, c.state, c.status.SessionID, nil)
		c.mu.Unlock()
		return st
	}

	sess := newLiveSession(c.opts, c.mic, c.speaker, c.connector, c.observers, c.publish, c.sessionOpened, c.sessionEnded)
	c.session = sess
	c.state = StateStarting
	c.setStatusLocked(newStatus(CodeConnecting, StateStarting, sess.id, nil))
	c.mu.Unlock()

	c.logger.Info().Str("session_id", sess.id).Msg("Starting tutor session")
	go sess.run()

	select {
	case <-sess.opened:
		return c.Status()
	case <-sess.done:
		return sess.result()
	case <-ctx.Done():
		c.logger.Warn().Str("session_id", sess.id).Err(ctx.Err()).Msg("Start abandoned by caller")
		return sess.stop(CodeUserEnded)
	}
}

// Stop ends the current session and waits until playback has halted and the
// microphone is released. With no session it returns the current status.
func (c *Controller) Stop() Status {
	c.mu.Lock()
	sess := c.session
	if sess == nil {
		st := c.status
		c.mu.Unlock()
		return st
	}
	if c.state == StateStarting || c.state == StateActive {
		c.state = StateStopping
	}
	c.mu.Unlock()

	c.logger.Info().Str("session_id", sess.id).Msg("Stopping tutor session")
	return sess.stop(CodeUserEnded)
}

// Status returns the latest status
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// State returns the lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a stream of status and transcript events. The cancel
// function closes the channel.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	return c.hub.subscribe()
}

// Check is a readiness probe. Only a rejected API key makes the service
// unready; session outcomes such as a denied microphone do not.
func (c *Controller) Check(ctx context.Context) (bool, error) {
	if st := c.Status(); st.Code == CodeUnauthorized {
		return false, fmt.Errorf("live endpoint rejected the API key: %s", st.Error)
	}
	return true, nil
}

// Close stops any running session
func (c *Controller) Close() {
	c.Stop()
}

func (c *Controller) sessionOpened(sess *liveSession) {
	c.mu.Lock()
	if c.session != sess || c.state != StateStarting {
		c.mu.Unlock()
		return
	}
	c.state = StateActive
	c.setStatusLocked(newStatus(CodeListening, StateActive, sess.id, nil))
	c.mu.Unlock()

	c.logger.Info().Str("session_id", sess.id).Msg("Tutor session active")
}

// sessionEnded runs on the session's loop after teardown has finished
func (c *Controller) sessionEnded(sess *liveSession, code Code, cause error) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != sess {
		return newStatus(code, c.state, sess.id, cause)
	}

	if code.Failure() {
		c.state = StateError
		c.setStatusLocked(newStatus(code, StateError, sess.id, cause))
	}
	c.state = StateIdle
	c.session = nil
	st := newStatus(code, StateIdle, sess.id, cause)
	c.setStatusLocked(st)

	ev := c.logger.Info()
	if cause != nil {
		ev = c.logger.Warn().Err(cause)
	}
	ev.Str("session_id", sess.id).Str("code", string(code)).Msg("Tutor session ended")

	return st
}

func (c *Controller) setStatusLocked(st Status) {
	c.status = st
	c.publish(Event{Type: EventStatus, SessionID: st.SessionID, Status: &st})
}

func (c *Controller) publish(ev Event) {
	if dropped := c.hub.publish(ev); dropped > 0 {
		c.logger.Debug().Int("dropped", dropped).Str("type", string(ev.Type)).Msg("Slow event subscribers")
	}
}

// retryConnector retries failed dials while a session is opening.
// Authorization failures are final.
type retryConnector struct {
	inner transport.Connector
	retry *resilience.RetryConfig
}

func (r *retryConnector) Connect(ctx context.Context, cfg transport.Config, activity func()) (transport.Conn, error) {
	var conn transport.Conn
	err := resilience.RetryContext(ctx, func(ctx context.Context) error {
		c, err := r.inner.Connect(ctx, cfg, activity)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, r.retry, func(err error) bool {
		return !transport.IsAuthorization(transport.Classify(err))
	})
	return conn, err
}
