package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-tutor/internal/audio"
)

const (
	DefaultGeminiURL = "wss://generativelanguage.googleapis.com/ws"
	bidiPath         = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultKeepalive = 20 * time.Second
	writeTimeout     = 10 * time.Second
	setupTimeout     = 15 * time.Second
)

// GeminiConnector dials the Gemini Live BidiGenerateContent endpoint
type GeminiConnector struct {
	apiKey  string
	baseURL string
	dialer  *websocket.Dialer
	logger  zerolog.Logger
}

// GeminiOption configures a GeminiConnector
type GeminiOption func(*GeminiConnector)

// WithBaseURL overrides the websocket base URL, mostly for tests
func WithBaseURL(u string) GeminiOption {
	return func(c *GeminiConnector) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithDialer overrides the websocket dialer
func WithDialer(d *websocket.Dialer) GeminiOption {
	return func(c *GeminiConnector) { c.dialer = d }
}

// WithLogger sets the connector's logger
func WithLogger(l zerolog.Logger) GeminiOption {
	return func(c *GeminiConnector) { c.logger = l }
}

// NewGeminiConnector creates a connector authenticated with apiKey
func NewGeminiConnector(apiKey string, opts ...GeminiOption) *GeminiConnector {
	c := &GeminiConnector{
		apiKey:  apiKey,
		baseURL: DefaultGeminiURL,
		dialer:  websocket.DefaultDialer,
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Outgoing protocol messages

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *audio.Blob `json:"inlineData,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []audio.Blob `json:"mediaChunks"`
}

// Incoming protocol messages

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *serverError     `json:"error,omitempty"`
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

func newSetup(cfg Config) setupMessage {
	model := cfg.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model: model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice}},
		}
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// Connect dials, sends the setup message and waits for setupComplete.
// The connection lives until Close is called or ctx is done.
func (c *GeminiConnector) Connect(ctx context.Context, cfg Config, activity func()) (Conn, error) {
	u := c.baseURL + bidiPath + "?key=" + url.QueryEscape(c.apiKey)

	ws, resp, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		code := 0
		if resp != nil {
			code = resp.StatusCode
			resp.Body.Close()
		}
		return nil, classifyHandshake(code, err)
	}

	if activity == nil {
		activity = func() {}
	}

	gc := &geminiConn{
		ws:     ws,
		done:   make(chan struct{}),
		logger: c.logger.With().Str("component", "gemini").Logger(),
	}
	ws.SetPongHandler(func(string) error {
		activity()
		return nil
	})
	stop := context.AfterFunc(ctx, func() { gc.Close() })

	if err := gc.handshake(ctx, cfg); err != nil {
		stop()
		gc.Close()
		return nil, err
	}

	keepalive := cfg.Keepalive
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}
	go gc.keepaliveLoop(keepalive)

	return gc, nil
}

type geminiConn struct {
	ws     *websocket.Conn
	logger zerolog.Logger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (g *geminiConn) handshake(ctx context.Context, cfg Config) error {
	deadline := time.Now().Add(setupTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := g.writeJSON(newSetup(cfg)); err != nil {
		return &Error{Kind: ErrTransport, Message: "send setup", Err: err}
	}

	g.ws.SetReadDeadline(deadline)
	defer g.ws.SetReadDeadline(time.Time{})

	for {
		_, data, err := g.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return &Error{Kind: ErrTransport, Message: "setup cancelled", Err: ctx.Err()}
			}
			return g.readError(err)
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			g.logger.Debug().Err(err).Msg("Skipping malformed frame during setup")
			continue
		}
		if msg.Error != nil {
			return classifyServerError(msg.Error.Code, msg.Error.Status, msg.Error.Message)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// Send writes one audio chunk as a realtimeInput message
func (g *geminiConn) Send(ctx context.Context, blob audio.Blob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{MediaChunks: []audio.Blob{blob}},
	})
}

// Receive returns the next message that carries something for the caller
func (g *geminiConn) Receive(ctx context.Context) (*Message, error) {
	for {
		_, data, err := g.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, &Error{Kind: ErrTransport, Message: "receive cancelled", Err: ctx.Err()}
			}
			return nil, g.readError(err)
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			g.logger.Debug().Err(err).Int("bytes", len(data)).Msg("Skipping malformed frame")
			continue
		}

		if msg.Error != nil {
			return nil, classifyServerError(msg.Error.Code, msg.Error.Status, msg.Error.Message)
		}
		if msg.GoAway != nil {
			g.logger.Warn().Str("time_left", msg.GoAway.TimeLeft).Msg("Endpoint will close the connection soon")
		}
		if msg.ServerContent == nil {
			continue
		}

		return toMessage(msg.ServerContent), nil
	}
}

func toMessage(sc *serverContent) *Message {
	m := &Message{
		Interrupted:  sc.Interrupted,
		TurnComplete: sc.TurnComplete,
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				m.Audio = append(m.Audio, *p.InlineData)
			}
		}
	}
	if sc.InputTranscription != nil {
		m.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		m.OutputTranscript = sc.OutputTranscription.Text
	}
	return m
}

func (g *geminiConn) readError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		var ce *websocket.CloseError
		errors.As(err, &ce)
		return &CloseError{Code: ce.Code, Reason: ce.Text}
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return classifyCloseReason(ce.Code, ce.Text)
	}
	return &Error{Kind: ErrTransport, Message: "read", Err: err}
}

func (g *geminiConn) writeJSON(v any) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	g.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := g.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("gemini write: %w", err)
	}
	return nil
}

func (g *geminiConn) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			if err := g.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				g.logger.Debug().Err(err).Msg("Keepalive ping failed")
			}
		}
	}
}

// Close sends a normal close frame and releases the socket. Idempotent.
func (g *geminiConn) Close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
		g.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = g.ws.Close()
	})
	return err
}
