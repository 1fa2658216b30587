package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrAuthorization means the endpoint rejected the credentials or quota.
	// It is never worth retrying without operator action.
	ErrAuthorization = errors.New("authorization rejected")

	// ErrTransport is any other connection failure
	ErrTransport = errors.New("transport failure")
)

// Error is a classified connection failure. errors.Is matches it against
// ErrAuthorization or ErrTransport, and against the underlying cause.
type Error struct {
	Kind    error
	Code    int    // HTTP status or websocket close code, when known
	Status  string // endpoint status string such as PERMISSION_DENIED
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Status != "" {
		fmt.Fprintf(&b, " %s", e.Status)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsAuthorization reports whether err is an authorization failure
func IsAuthorization(err error) bool {
	return errors.Is(err, ErrAuthorization)
}

// Classify wraps an unclassified error as a transport failure. Already
// classified errors are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAuthorization) || errors.Is(err, ErrTransport) {
		return err
	}
	return &Error{Kind: ErrTransport, Err: err}
}

// authStatuses are endpoint status strings that mean the key or project is not allowed
var authStatuses = map[string]bool{
	"PERMISSION_DENIED":  true,
	"UNAUTHENTICATED":    true,
	"RESOURCE_EXHAUSTED": true,
}

// authHints are close-reason fragments the endpoint uses for key and quota problems
var authHints = []string{
	"api key",
	"api_key",
	"permission",
	"unauthenticated",
	"quota",
	"billing",
}

// classifyHandshake classifies a failed websocket upgrade
func classifyHandshake(statusCode int, err error) error {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return &Error{Kind: ErrAuthorization, Code: statusCode, Message: "handshake rejected", Err: err}
	case 0:
		return &Error{Kind: ErrTransport, Message: "dial failed", Err: err}
	default:
		return &Error{Kind: ErrTransport, Code: statusCode, Message: "handshake rejected", Err: err}
	}
}

// classifyServerError classifies an error message sent by the endpoint
func classifyServerError(code int, status, message string) error {
	kind := ErrTransport
	if authStatuses[strings.ToUpper(status)] || code == http.StatusUnauthorized || code == http.StatusForbidden {
		kind = ErrAuthorization
	}
	return &Error{Kind: kind, Code: code, Status: status, Message: message}
}

// classifyCloseReason classifies a close frame that is not a normal closure
func classifyCloseReason(code int, reason string) error {
	lower := strings.ToLower(reason)
	for _, hint := range authHints {
		if strings.Contains(lower, hint) {
			return &Error{Kind: ErrAuthorization, Code: code, Message: reason}
		}
	}
	return &Error{Kind: ErrTransport, Code: code, Message: reason}
}
