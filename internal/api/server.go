// Package api exposes the tutor and the lesson calls over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/lexiqai/live-tutor/internal/audio"
	"github.com/lexiqai/live-tutor/internal/lessons"
	"github.com/lexiqai/live-tutor/internal/resilience"
	"github.com/lexiqai/live-tutor/internal/tutor"
)

// maxBodyBytes caps lesson request bodies
const maxBodyBytes = 1 << 20

// Tutor is the session controller as seen by the API
type Tutor interface {
	Start(ctx context.Context) tutor.Status
	Stop() tutor.Status
	Status() tutor.Status
	Subscribe() (<-chan tutor.Event, func())
}

// Lessons is the lesson client as seen by the API
type Lessons interface {
	Speech(ctx context.Context, text string) (*audio.Clip, error)
	Exercises(ctx context.Context, category string) ([]lessons.Exercise, error)
	Story(ctx context.Context, topic string) (*lessons.Story, error)
	Chat(ctx context.Context, message string, history []lessons.Turn) (string, error)
	Search(ctx context.Context, query string) (*lessons.SearchResult, error)
}

// Server holds the HTTP handlers
type Server struct {
	tutor   Tutor
	lessons Lessons
	clips   *ClipPlayer // nil when local playback is unavailable
	logger  zerolog.Logger
}

// NewServer creates the API. lessons and clips may be nil.
func NewServer(t Tutor, l Lessons, clips *ClipPlayer, logger zerolog.Logger) *Server {
	return &Server{
		tutor:   t,
		lessons: l,
		clips:   clips,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// Register adds every route to mux
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /tutor/start", s.handleStart)
	mux.HandleFunc("POST /tutor/stop", s.handleStop)
	mux.HandleFunc("GET /tutor/status", s.handleStatus)
	mux.HandleFunc("GET /tutor/events", s.handleEvents)

	if s.lessons != nil {
		mux.HandleFunc("POST /lessons/speech", s.handleSpeech)
		mux.HandleFunc("POST /lessons/exercises", s.handleExercises)
		mux.HandleFunc("POST /lessons/story", s.handleStory)
		mux.HandleFunc("POST /lessons/chat", s.handleChat)
		mux.HandleFunc("POST /lessons/search", s.handleSearch)
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	st := s.tutor.Start(r.Context())
	writeJSON(w, statusCode(st), st)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tutor.Stop())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tutor.Status())
}

// statusCode maps a tutor status to an HTTP status
func statusCode(st tutor.Status) int {
	switch {
	case st.Code == tutor.CodeBusy:
		return http.StatusConflict
	case st.Code == tutor.CodeMicDenied || st.Code == tutor.CodeSpeakerFailed:
		return http.StatusServiceUnavailable
	case st.Code.Failure():
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, lessons.ErrEmptyInput), errors.Is(err, errBadRequest):
		code = http.StatusBadRequest
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, ErrPlaybackUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if code >= http.StatusInternalServerError {
		s.logger.Warn().Err(err).Int("code", code).Msg("Request failed")
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

var errBadRequest = errors.New("invalid request body")

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}
