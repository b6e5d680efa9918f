package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/assistant/internal/dispatcher"
	"github.com/aixgo-dev/assistant/pkg/observability"
)

// RequestIDHeader carries the request id on responses.
const RequestIDHeader = "X-Request-Id"

type ctxKey struct{}

// requestState is filled in as the request progresses so the access log
// can report what the handler resolved.
type requestState struct {
	id        string
	sessionID string
	mode      dispatcher.Mode
}

func stateFrom(ctx context.Context) *requestState {
	st, _ := ctx.Value(ctxKey{}).(*requestState)
	return st
}

func requestIDFrom(ctx context.Context) string {
	if st := stateFrom(ctx); st != nil {
		return st.id
	}
	return ""
}

func setLogSession(ctx context.Context, id string) {
	if st := stateFrom(ctx); st != nil {
		st.sessionID = id
	}
}

func setLogMode(ctx context.Context, m dispatcher.Mode) {
	if st := stateFrom(ctx); st != nil {
		st.mode = m
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// withRequestContext assigns a request id, applies CORS headers to every
// response and writes one access log line per request.
func (s *Server) withRequestContext(next http.Handler) http.Handler {
	cors := s.cfg.Server.CORS
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		st := &requestState{id: uuid.NewString()}
		r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, st))

		h := w.Header()
		h.Set(RequestIDHeader, st.id)
		h.Set("Access-Control-Allow-Origin", cors.AllowOrigin)
		h.Set("Access-Control-Allow-Methods", cors.AllowMethods)
		h.Set("Access-Control-Allow-Headers", cors.AllowHeaders)

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		duration := time.Since(start)
		observability.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), duration)

		// Health probes are too chatty for info.
		level := s.logger.Info
		if r.Method == http.MethodGet {
			level = s.logger.Debug
		}
		level("request",
			"request_id", st.id,
			"method", r.Method,
			"route", route,
			"session_id", st.sessionID,
			"mode", st.mode,
			"status", rec.status,
			"duration", duration)
	})
}
