package voice

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/duologue/pkg/types"
)

var (
	// ErrUnavailable classifies failures where the backend could not be
	// reached or answered with a server error.
	ErrUnavailable = errors.New("voice: provider unavailable")

	// ErrRejected classifies failures where the backend refused the request,
	// for example invalid credentials or an exhausted quota.
	ErrRejected = errors.New("voice: request rejected")
)

// logTextLimit is the number of runes of the input text kept in errors.
const logTextLimit = 60

// ProviderError describes a failed single-line synthesis.
type ProviderError struct {
	// Provider is the backend's ID.
	Provider ID

	// Speaker is the host whose line failed.
	Speaker types.Speaker

	// Text is the failing line, shortened for diagnostics.
	Text string

	// StatusCode is the HTTP status returned by the backend, or zero when the
	// request never got a response.
	StatusCode int

	// Err is the underlying cause.
	Err error
}

// NewProviderError builds a [ProviderError], shortening text for logs.
func NewProviderError(provider ID, speaker types.Speaker, text string, status int, err error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Speaker:    speaker,
		Text:       TruncateForLog(text),
		StatusCode: status,
		Err:        err,
	}
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: synthesize %s %q: status %d: %v", e.Provider, e.Speaker, e.Text, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: synthesize %s %q: %v", e.Provider, e.Speaker, e.Text, e.Err)
}

// Unwrap exposes both the cause and the classification sentinel
// ([ErrUnavailable] or [ErrRejected]) to [errors.Is].
func (e *ProviderError) Unwrap() []error {
	return []error{e.kind(), e.Err}
}

func (e *ProviderError) kind() error {
	switch {
	case e.StatusCode == 0, e.StatusCode >= http.StatusInternalServerError:
		return ErrUnavailable
	default:
		return ErrRejected
	}
}

// SynthesisError reports which turn of a discussion failed to synthesize. It
// aborts the whole batch.
type SynthesisError struct {
	// Index is the zero-based position of the failing turn.
	Index int

	Speaker types.Speaker

	// Text is the turn's text, shortened for diagnostics.
	Text string

	Err error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("voice: segment %d (%s %q): %v", e.Index, e.Speaker, e.Text, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// TruncateForLog shortens s to a fixed number of runes, appending an ellipsis
// when anything was cut.
func TruncateForLog(s string) string {
	r := []rune(s)
	if len(r) <= logTextLimit {
		return s
	}
	return string(r[:logTextLimit]) + "…"
}
