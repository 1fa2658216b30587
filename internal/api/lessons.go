package api

import (
	"net/http"

	"github.com/lexiqai/live-tutor/internal/lessons"
)

type speechRequest struct {
	Text string `json:"text"`
	Play bool   `json:"play"` // play on the local speaker instead of returning audio
}

type speechResponse struct {
	MIMEType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Played   bool   `json:"played,omitempty"`
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req speechRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	clip, err := s.lessons.Speech(r.Context(), req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if !req.Play {
		writeJSON(w, http.StatusOK, speechResponse{MIMEType: clip.MIMEType, Data: clip.Data})
		return
	}
	if err := s.clips.Play(r.Context(), *clip); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, speechResponse{Played: true})
}

type topicRequest struct {
	Category string `json:"category,omitempty"`
	Topic    string `json:"topic,omitempty"`
	Query    string `json:"query,omitempty"`
}

func (s *Server) handleExercises(w http.ResponseWriter, r *http.Request) {
	var req topicRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	items, err := s.lessons.Exercises(r.Context(), req.Category)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleStory(w http.ResponseWriter, r *http.Request) {
	var req topicRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	story, err := s.lessons.Story(r.Context(), req.Topic)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, story)
}

type chatRequest struct {
	Message string         `json:"message"`
	History []lessons.Turn `json:"history,omitempty"`
}

type chatResponse struct {
	Text string `json:"text"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	answer, err := s.lessons.Chat(r.Context(), req.Message, req.History)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Text: answer})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req topicRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.lessons.Search(r.Context(), req.Query)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
