package tutor

import "time"

// State is the controller's lifecycle state
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// Code identifies a user-visible status
type Code string

const (
	CodeReady            Code = "ready"
	CodeConnecting       Code = "connecting"
	CodeListening        Code = "listening"
	CodeUserEnded        Code = "user_ended"
	CodeTutorEnded       Code = "tutor_ended"
	CodeMicDenied        Code = "mic_denied"
	CodeSpeakerFailed    Code = "speaker_failed"
	CodeUnauthorized     Code = "unauthorized"
	CodeConnectionFailed Code = "connection_failed"
	CodeStalled          Code = "stalled"
	CodeBusy             Code = "busy"
)

var messages = map[Code]string{
	CodeReady:            "Sẵn sàng học bài cùng bé!",
	CodeConnecting:       "Đang gọi cô giáo...",
	CodeListening:        "Đang lắng nghe bé...",
	CodeUserEnded:        "Nghỉ ngơi một lát nhé!",
	CodeTutorEnded:       "Tạm biệt bé!",
	CodeMicDenied:        "Lỗi kết nối micro",
	CodeSpeakerFailed:    "Không mở được loa",
	CodeUnauthorized:     "Cần cấp lại khóa API",
	CodeConnectionFailed: "Mất kết nối với cô giáo",
	CodeStalled:          "Kết nối bị gián đoạn",
	CodeBusy:             "Cô giáo đang bận với bé rồi",
}

// Message returns the Vietnamese text shown for the code
func (c Code) Message() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return string(c)
}

// Failure reports whether the code ends a session through the error state
func (c Code) Failure() bool {
	switch c {
	case CodeMicDenied, CodeSpeakerFailed, CodeUnauthorized, CodeConnectionFailed, CodeStalled:
		return true
	}
	return false
}

// Status is what the controller reports to its caller
type Status struct {
	Code      Code      `json:"code"`
	Message   string    `json:"message"`
	State     State     `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

func newStatus(code Code, state State, sessionID string, err error) Status {
	st := Status{
		Code:      code,
		Message:   code.Message(),
		State:     state,
		SessionID: sessionID,
		At:        time.Now(),
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}
