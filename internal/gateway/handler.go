package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/aixgo-dev/assistant/internal/dispatcher"
	"github.com/aixgo-dev/assistant/pkg/security"
)

// MessageRequest is the wire request envelope.
type MessageRequest struct {
	UserInput    string `json:"user_input"`
	SessionID    string `json:"session_id"`
	CleanHistory bool   `json:"clean_history"`
	ChatbotType  string `json:"chatbot_type"`
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authenticate(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	r = r.WithContext(security.WithAuthContext(r.Context(), &security.AuthContext{
		Principal:   principal,
		RequestID:   requestIDFrom(r.Context()),
		IPAddress:   remoteHost(r),
		UserAgent:   r.UserAgent(),
		RequestTime: time.Now(),
	}))

	if s.limiter != nil && !s.limiter.Allow(rateKey(r.Context())) {
		s.writeFailure(w, r, dispatcher.NewError(dispatcher.KindRateLimited, "too many requests", nil))
		return
	}

	req, err := s.parseRequest(w, r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	sessionID, err := s.deriveSessionID(r.Context(), req.SessionID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	setLogSession(r.Context(), sessionID)

	mode := dispatcher.Mode(req.ChatbotType)
	if mode == "" {
		mode = dispatcher.ModeBasic
	}
	setLogMode(r.Context(), mode)

	// A client disconnect must not abort a dispatch that may already have
	// cleared the transcript; the dispatcher bounds its own work.
	ctx := context.WithoutCancel(r.Context())

	resp, err := s.dispatcher.Handle(ctx, dispatcher.Request{
		UserInput:    req.UserInput,
		SessionID:    sessionID,
		CleanHistory: req.CleanHistory,
		Mode:         mode,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SuccessBody{Response: resp.Reply})
}

func (s *Server) authenticate(r *http.Request) (*security.Principal, error) {
	token := security.ExtractToken(r.Header.Get("Authorization"))
	principal, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		msg := "invalid authentication token"
		switch {
		case errors.Is(err, security.ErrMissingToken):
			msg = "missing authentication token"
		case errors.Is(err, security.ErrExpiredToken):
			msg = "authentication token expired"
		}
		s.logger.Info("authentication failed", "request_id", requestIDFrom(r.Context()), "error", err)
		return nil, dispatcher.NewError(dispatcher.KindUnauthorized, msg, err)
	}
	if principal == nil {
		return nil, dispatcher.NewError(dispatcher.KindUnauthorized, "invalid authentication token", nil)
	}
	return principal, nil
}

// parseRequest decodes the envelope. A missing clean_history is false and
// a missing chatbot_type is basic.
func (s *Server) parseRequest(w http.ResponseWriter, r *http.Request) (*MessageRequest, error) {
	body := http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)

	var req MessageRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return nil, dispatcher.NewError(dispatcher.KindBadRequest, "request body too large", err).
				WithDetail("limit_bytes", maxErr.Limit)
		case errors.Is(err, io.EOF):
			return nil, dispatcher.NewError(dispatcher.KindBadRequest, "request body is empty", err)
		default:
			return nil, dispatcher.NewError(dispatcher.KindBadRequest, "malformed JSON body", err)
		}
	}
	return &req, nil
}

// deriveSessionID prefers the authenticated identity over the body. A body
// value that disagrees with the identity is rejected. Anonymous callers are
// trusted with their own session id, which is logged as a weak boundary.
func (s *Server) deriveSessionID(ctx context.Context, supplied string) (string, error) {
	authCtx, err := security.GetAuthContext(ctx)
	if err != nil || authCtx.Principal == nil {
		return "", dispatcher.NewError(dispatcher.KindInternal, "request identity missing", err)
	}
	p := authCtx.Principal

	if p.Anonymous {
		if supplied != "" {
			s.logger.Warn("using client-supplied session id without an authenticated identity",
				"request_id", authCtx.RequestID,
				"remote", authCtx.IPAddress,
				"session_id", supplied)
		}
		return supplied, nil
	}

	if supplied != "" && supplied != p.ID {
		s.logger.Warn("session id does not match authenticated identity",
			"request_id", authCtx.RequestID,
			"principal", p.ID)
		return "", dispatcher.NewError(dispatcher.KindUnauthorized, "session_id does not match the authenticated identity", nil)
	}
	return p.ID, nil
}

// rateKey buckets authenticated callers by identity and anonymous callers
// by remote address.
func rateKey(ctx context.Context) string {
	p, err := security.GetPrincipal(ctx)
	if err == nil && !p.Anonymous {
		return "id:" + p.ID
	}
	if authCtx, err := security.GetAuthContext(ctx); err == nil {
		return "ip:" + authCtx.IPAddress
	}
	return "ip:unknown"
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
