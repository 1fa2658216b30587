// Package lessons wraps the unary generative calls behind the lesson screens:
// read-aloud speech, practice exercises, stories, chat and grounded search.
package lessons

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/lexiqai/live-tutor/internal/audio"
	"github.com/lexiqai/live-tutor/internal/config"
	"github.com/lexiqai/live-tutor/internal/observability"
	"github.com/lexiqai/live-tutor/internal/resilience"
)

var (
	// ErrEmptyInput is returned when the request text is blank
	ErrEmptyInput = errors.New("empty input")

	// ErrNoContent is returned when the model answered without usable content
	ErrNoContent = errors.New("model returned no content")
)

// Generator is the part of the genai client the lessons use
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client makes lesson requests with retry and a circuit breaker
type Client struct {
	gen      Generator
	model    string
	ttsModel string
	voice    string

	circuitBreaker *resilience.CircuitBreaker
	retry          *resilience.RetryConfig
	logger         zerolog.Logger
}

// New creates a client on the Gemini API
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Client, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return NewWithGenerator(gc.Models, cfg, logger), nil
}

// NewWithGenerator creates a client on any Generator
func NewWithGenerator(gen Generator, cfg *config.Config, logger zerolog.Logger) *Client {
	return &Client{
		gen:      gen,
		model:    cfg.LessonsModel,
		ttsModel: cfg.LessonsTTSModel,
		voice:    cfg.TutorVoice,
		circuitBreaker: resilience.NewCircuitBreaker(
			"gemini-lessons",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		logger: logger.With().Str("component", "lessons").Logger(),
	}
}

// Speech reads text aloud in the tutor's voice
func (c *Client) Speech(ctx context.Context, text string) (*audio.Clip, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: c.voice},
			},
		},
	}

	var clip *audio.Clip
	err := c.do(ctx, "speech", c.ttsModel, genai.Text(speechPrompt(text)), cfg, func(resp *genai.GenerateContentResponse) error {
		blob := firstInlineData(resp)
		if blob == nil || len(blob.Data) == 0 {
			return ErrNoContent
		}
		clip = &audio.Clip{Data: blob.Data, MIMEType: blob.MIMEType}
		return nil
	})
	return clip, err
}

// Exercises generates five practice items on a category
func (c *Client) Exercises(ctx context.Context, category string) ([]Exercise, error) {
	if strings.TrimSpace(category) == "" {
		return nil, ErrEmptyInput
	}

	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   exercisesSchema,
	}

	var items []Exercise
	err := c.do(ctx, "exercises", c.model, genai.Text(exercisesPrompt(category)), cfg, func(resp *genai.GenerateContentResponse) error {
		return decodeJSON(resp, &items)
	})
	return items, err
}

// Story writes a three-part story on a topic
func (c *Client) Story(ctx context.Context, topic string) (*Story, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, ErrEmptyInput
	}

	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   storySchema,
	}

	var story Story
	err := c.do(ctx, "story", c.model, genai.Text(storyPrompt(topic)), cfg, func(resp *genai.GenerateContentResponse) error {
		return decodeJSON(resp, &story)
	})
	if err != nil {
		return nil, err
	}
	return &story, nil
}

// Chat answers a child's message, continuing the given history
func (c *Client) Chat(ctx context.Context, message string, history []Turn) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", ErrEmptyInput
	}

	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		role := genai.Role(genai.RoleUser)
		if turn.Role == string(genai.RoleModel) {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, role))
	}
	contents = append(contents, genai.NewContentFromText(message, genai.RoleUser))

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(chatInstruction, genai.RoleUser),
	}

	var answer string
	err := c.do(ctx, "chat", c.model, contents, cfg, func(resp *genai.GenerateContentResponse) error {
		answer = strings.TrimSpace(resp.Text())
		if answer == "" {
			return ErrNoContent
		}
		return nil
	})
	return answer, err
}

// Search answers a query with Google Search grounding
func (c *Client) Search(ctx context.Context, query string) (*SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyInput
	}

	cfg := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	}

	var result *SearchResult
	err := c.do(ctx, "search", c.model, genai.Text(query), cfg, func(resp *genai.GenerateContentResponse) error {
		result = &SearchResult{Text: resp.Text(), Sources: groundingSources(resp)}
		if result.Text == "" {
			return ErrNoContent
		}
		return nil
	})
	return result, err
}

// do runs one request through the breaker with retries, then parses the
// response. Only the call itself counts toward the breaker; unusable content
// is neither retried nor recorded as an upstream failure.
func (c *Client) do(ctx context.Context, kind, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig, parse func(*genai.GenerateContentResponse) error) error {
	start := time.Now()
	logger := c.logger.With().Str("kind", kind).Str("model", model).Logger()

	var resp *genai.GenerateContentResponse
	err := resilience.RetryContext(ctx, func(ctx context.Context) error {
		return c.circuitBreaker.CallContext(ctx, func(ctx context.Context) error {
			r, err := c.gen.GenerateContent(ctx, model, contents, cfg)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
	}, c.retry, isRetryable)
	if err == nil {
		err = parse(resp)
	}

	observability.RecordLessonRequest(kind, err == nil, time.Since(start))
	if err != nil {
		logger.Warn().Err(err).Dur("latency", time.Since(start)).Msg("Lesson request failed")
		return fmt.Errorf("%s request failed: %w", kind, err)
	}
	logger.Debug().Dur("latency", time.Since(start)).Msg("Lesson request completed")
	return nil
}

// Check reports whether the lessons breaker is accepting requests
func (c *Client) Check(ctx context.Context) (bool, error) {
	if c.circuitBreaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

func isRetryable(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "internal") || strings.Contains(msg, "503") || strings.Contains(msg, "500") {
		return true
	}
	return resilience.IsRetryableNetworkError(err)
}

func firstInlineData(resp *genai.GenerateContentResponse) *genai.Blob {
	if resp == nil {
		return nil
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.InlineData != nil {
				return part.InlineData
			}
		}
	}
	return nil
}

func decodeJSON(resp *genai.GenerateContentResponse, v any) error {
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return ErrNoContent
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("invalid JSON from model: %w", err)
	}
	return nil
}

func groundingSources(resp *genai.GenerateContentResponse) []Source {
	var sources []Source
	if len(resp.Candidates) == 0 || resp.Candidates[0].GroundingMetadata == nil {
		return sources
	}
	for _, chunk := range resp.Candidates[0].GroundingMetadata.GroundingChunks {
		if chunk == nil || chunk.Web == nil {
			continue
		}
		sources = append(sources, Source{Title: chunk.Web.Title, URI: chunk.Web.URI})
	}
	return sources
}
