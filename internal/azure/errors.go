package azure

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/HerbHall/azurechat/pkg/chat"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 1 << 16

// mapError translates network and context errors into typed chat.Error values.
// ctx is consulted first so that an aborted read reports the cancellation
// rather than the resulting I/O error.
func mapError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	var ce *chat.Error
	if errors.As(err, &ce) {
		return err
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return chat.NewError(chat.ErrCodeTimeout, "timed out waiting for response", err)
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		return chat.NewError(chat.ErrCodeCanceled, "request canceled", err)
	}

	// The response header timeout surfaces as a net.Error, not a context error.
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return chat.NewError(chat.ErrCodeTimeout, "timed out waiting for response", err)
	}

	return chat.NewError(chat.ErrCodeTransport, "connection failed", err)
}

// parseStatusError reads a non-success response into a transport error
// carrying the status code, status text and raw body.
func parseStatusError(resp *http.Response) *chat.Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusText := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	return chat.NewTransportError(resp.StatusCode, statusText, string(raw))
}

// detailMessage extracts a best-effort message from a vendor error "detail"
// field, which is either an object with a message or a bare string.
func detailMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unknown"
	}

	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	return "unknown"
}
