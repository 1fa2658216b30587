package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/live-tutor/internal/tutor"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The API is served to the local lesson UI
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleEvents streams tutor events to a websocket client, starting with the
// current status
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade event stream")
		return
	}
	defer conn.Close()

	events, cancel := s.tutor.Subscribe()
	defer cancel()

	logger := s.logger.With().Str("remote_addr", r.RemoteAddr).Logger()
	logger.Debug().Msg("Event subscriber connected")

	// Reader: handles pongs and notices when the client goes away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	st := s.tutor.Status()
	if err := writeEvent(conn, tutor.Event{Type: tutor.EventStatus, SessionID: st.SessionID, Status: &st, At: st.At}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				logger.Debug().Err(err).Msg("Event subscriber write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			logger.Debug().Msg("Event subscriber disconnected")
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev tutor.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}
