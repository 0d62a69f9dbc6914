package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/HerbHall/azurechat/pkg/chat"
)

// Problem types for RFC 7807 Problem Details responses.
const (
	ProblemTypeNotFound       = "https://azurechat.dev/problems/not-found"
	ProblemTypeBadRequest     = "https://azurechat.dev/problems/bad-request"
	ProblemTypeInternal       = "https://azurechat.dev/problems/internal-error"
	ProblemTypeRateLimited    = "https://azurechat.dev/problems/rate-limited"
	ProblemTypeUpstream       = "https://azurechat.dev/problems/upstream-error"
	ProblemTypeGatewayTimeout = "https://azurechat.dev/problems/gateway-timeout"
	ProblemTypeCanceled       = "https://azurechat.dev/problems/canceled"
)

// StatusClientClosedRequest reports a chat call abandoned by its caller.
// Non-standard, borrowed from nginx; nobody is left to read it, but it keeps
// cancellations out of the 5xx counts.
const StatusClientClosedRequest = 499

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// WriteProblem writes an RFC 7807 Problem Details JSON response.
func WriteProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// NotFound writes a 404 problem response.
func NotFound(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeNotFound,
		Title:    "Not Found",
		Status:   http.StatusNotFound,
		Detail:   detail,
		Instance: instance,
	})
}

// BadRequest writes a 400 problem response.
func BadRequest(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeBadRequest,
		Title:    "Bad Request",
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: instance,
	})
}

// InternalError writes a 500 problem response.
func InternalError(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeInternal,
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: instance,
	})
}

// RateLimited writes a 429 problem response.
func RateLimited(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeRateLimited,
		Title:    "Too Many Requests",
		Status:   http.StatusTooManyRequests,
		Detail:   detail,
		Instance: instance,
	})
}

// ChatError writes the problem response matching a conversation failure.
func ChatError(w http.ResponseWriter, err error, instance string) {
	var ce *chat.Error
	if !errors.As(err, &ce) {
		InternalError(w, err.Error(), instance)
		return
	}
	switch ce.Code {
	case chat.ErrCodeCanceled:
		WriteProblem(w, Problem{
			Type:     ProblemTypeCanceled,
			Title:    "Client Closed Request",
			Status:   StatusClientClosedRequest,
			Detail:   ce.Error(),
			Instance: instance,
		})
	case chat.ErrCodeTimeout:
		WriteProblem(w, Problem{
			Type:     ProblemTypeGatewayTimeout,
			Title:    "Gateway Timeout",
			Status:   http.StatusGatewayTimeout,
			Detail:   ce.Error(),
			Instance: instance,
		})
	case chat.ErrCodeTransport:
		if ce.StatusCode == http.StatusTooManyRequests {
			RateLimited(w, "upstream rate limit exceeded", instance)
			return
		}
		fallthrough
	case chat.ErrCodeProtocol:
		WriteProblem(w, Problem{
			Type:     ProblemTypeUpstream,
			Title:    "Bad Gateway",
			Status:   http.StatusBadGateway,
			Detail:   ce.Error(),
			Instance: instance,
		})
	default:
		InternalError(w, ce.Error(), instance)
	}
}
