package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aixgo-dev/assistant/internal/dispatcher"
	"github.com/aixgo-dev/assistant/pkg/security"
)

// SuccessBody is the wire response for a produced reply.
type SuccessBody struct {
	Response string `json:"response"`
}

// FailureBody is the wire response for every failure. Clients show
// ErrorMessage; Details is only meant for debug rendering.
type FailureBody struct {
	ErrorMessage string         `json:"errorMessage"`
	ErrorType    string         `json:"errorType"`
	Details      map[string]any `json:"details,omitempty"`
	RequestID    string         `json:"requestId,omitempty"`
}

// StatusFor maps a failure kind to its HTTP status.
func StatusFor(kind dispatcher.Kind) int {
	switch kind {
	case dispatcher.KindUnauthorized:
		return http.StatusUnauthorized
	case dispatcher.KindBadRequest, dispatcher.KindInvalidMode:
		return http.StatusBadRequest
	case dispatcher.KindUpstreamTimeout:
		return http.StatusBadGateway
	case dispatcher.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case dispatcher.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// failureBody builds the wire failure for err. Internal errors never expose
// their message.
func failureBody(err error, requestID string) (int, FailureBody) {
	var derr *dispatcher.Error
	if !errors.As(err, &derr) {
		derr = dispatcher.NewError(dispatcher.KindInternal, "internal server error", err)
	}

	body := FailureBody{
		ErrorMessage: derr.Message,
		ErrorType:    string(derr.Kind),
		Details:      security.SanitizeDetails(derr.Details),
		RequestID:    requestID,
	}
	if derr.Kind == dispatcher.KindInternal {
		body.ErrorMessage = "internal server error"
		body.Details = nil
	}
	if derr.Kind.Transient() {
		if body.Details == nil {
			body.Details = map[string]any{}
		}
		body.Details["retryable"] = true
	}
	return StatusFor(derr.Kind), body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, body := failureBody(err, requestIDFrom(r.Context()))
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", body.RequestID,
			"kind", body.ErrorType,
			"error", err)
	}
	writeJSON(w, status, body)
}
