package chat

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrorCategory classifies terminal stream failures: a transport problem
// reaching the backend versus an error the backend reported itself.
type ErrorCategory string

const (
	ErrorCategoryNetwork ErrorCategory = "network"
	ErrorCategoryServer  ErrorCategory = "server"
)

// StreamError terminates a single session. Framing errors never become one;
// they are logged and skipped inside the session.
type StreamError struct {
	Category ErrorCategory
	Message  string
	// RetryAfter is an optional server hint; zero means none was given.
	RetryAfter time.Duration
}

func (e *StreamError) Error() string {
	if e == nil {
		return "stream error"
	}
	return fmt.Sprintf("stream error (%s): %s", e.Category, e.Message)
}

// UserMessage is the text shown inline in the transcript when a placeholder
// is converted into a visible error message.
func (e *StreamError) UserMessage() string {
	if e == nil || e.Message == "" {
		return "Something went wrong while generating a reply."
	}
	return e.Message
}

// ErrNotConfigured marks side-call services (rename, summarize) that report
// they are not set up. Callers downgrade it to a warning; it must never block
// the primary chat flow.
var ErrNotConfigured = errors.New("service not configured")
