package textgen

import (
	"context"
	"errors"
	"net"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MrWong99/duologue/pkg/provider/llm"
)

// transientMarkers are matched against lower-cased error text when a backend
// gives no structured status.
var transientMarkers = []string{
	"overloaded",
	"rate limit",
	"rate_limit",
	"too many requests",
	"resource exhausted",
	"temporarily unavailable",
	"service unavailable",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"unexpected eof",
	"status 500",
	"status 502",
	"status 503",
	"status 504",
	"status 429",
	"code 429",
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrEmptyResponse) {
		return true
	}
	if errors.Is(err, ErrFatal) || errors.Is(err, context.Canceled) {
		return false
	}
	// A deadline that is not the caller's own is a slow backend.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *llm.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		return transientStatus(apiErr.StatusCode)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return transientStatus(gerr.Code)
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
			return true
		default:
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func transientStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}
