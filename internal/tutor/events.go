package tutor

import (
	"sync"
	"time"
)

// EventType names what an Event carries
type EventType string

const (
	EventStatus      EventType = "status"
	EventTranscript  EventType = "transcript"
	EventSpeechStart EventType = "speech_start"
	EventSpeechEnd   EventType = "speech_end"
)

// Transcript is a piece of recognized speech
type Transcript struct {
	Speaker string `json:"speaker"` // "child" or "tutor"
	Source  string `json:"source"`  // "gemini" or "deepgram"
	Text    string `json:"text"`
	Final   bool   `json:"final"`
}

// Event is pushed to subscribers
type Event struct {
	Type       EventType   `json:"type"`
	SessionID  string      `json:"session_id,omitempty"`
	Status     *Status     `json:"status,omitempty"`
	Transcript *Transcript `json:"transcript,omitempty"`
	At         time.Time   `json:"at"`
}

const subscriberBuffer = 64

// hub fans events out to subscribers. Slow subscribers lose events rather
// than holding up the session.
type hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Event)}
}

func (h *hub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

func (h *hub) publish(ev Event) int {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	dropped := 0
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}
