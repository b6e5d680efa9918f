// Package client is the terminal-side view of a conversation. It keeps the
// local transcript, the persisted mode and debug preferences, and the
// one-shot "clear history" intent, and renders gateway failures.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aixgo-dev/assistant/pkg/security"
)

// FallbackErrorText is shown for any failure when debug mode is off.
const FallbackErrorText = "Error while preparing your answer. Check your connectivity to the backend."

// maxResponseBytes bounds how much of a gateway response is read.
const maxResponseBytes = 1 << 20

// Role of a displayed message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the local view.
type Message struct {
	Role    Role
	Content string
	// Failed marks assistant entries that render an error.
	Failed bool
}

// State of the session's send cycle.
type State int

const (
	StateIdle State = iota
	StateSending
)

func (s State) String() string {
	if s == StateSending {
		return "sending"
	}
	return "idle"
}

// Options configures a Session.
type Options struct {
	// Endpoint is the gateway message URL.
	Endpoint string
	// Token is sent as the bearer credential. May be empty against a
	// gateway running without auth.
	Token string
	// SessionID defaults to the token's "sub" claim.
	SessionID string
	// Preferences default to in-memory basic mode without debug.
	Preferences *Preferences
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Session talks to the gateway on behalf of one user.
type Session struct {
	endpoint   string
	token      string
	sessionID  string
	prefs      *Preferences
	httpClient *http.Client
	logger     *slog.Logger

	mu           sync.Mutex
	messages     []Message
	cleanPending bool

	inflight atomic.Int32
}

// NewSession validates opts and derives the session id.
func NewSession(opts Options) (*Session, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}

	sessionID := opts.SessionID
	if sessionID == "" && opts.Token != "" {
		sub, err := security.SubjectFromToken(opts.Token)
		if err != nil {
			return nil, fmt.Errorf("deriving session id from token: %w", err)
		}
		sessionID = sub
	}
	if sessionID == "" {
		return nil, errors.New("session id is required when no token is given")
	}

	prefs := opts.Preferences
	if prefs == nil {
		prefs = &Preferences{Mode: ModeBasic}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 6 * time.Minute}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		endpoint:   opts.Endpoint,
		token:      opts.Token,
		sessionID:  sessionID,
		prefs:      prefs,
		httpClient: httpClient,
		logger:     logger.With("component", "client"),
	}, nil
}

type wireRequest struct {
	UserInput    string `json:"user_input"`
	SessionID    string `json:"session_id"`
	CleanHistory bool   `json:"clean_history"`
	ChatbotType  string `json:"chatbot_type"`
}

type wireResponse struct {
	Response     *string `json:"response"`
	ErrorMessage string  `json:"errorMessage"`
}

// Send posts text and appends both the user entry and the rendered outcome
// to the local view. Blank input is ignored and yields a zero Message.
// A pending clear is consumed by this call whatever its outcome.
func (s *Session) Send(ctx context.Context, text string) Message {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}
	}

	s.mu.Lock()
	s.messages = append(s.messages, Message{Role: RoleUser, Content: text})
	clean := s.cleanPending
	s.cleanPending = false
	mode := s.prefs.Mode
	debug := s.prefs.Debug
	s.mu.Unlock()

	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	reply := s.exchange(ctx, wireRequest{
		UserInput:    text,
		SessionID:    s.sessionID,
		CleanHistory: clean,
		ChatbotType:  mode,
	}, debug)

	s.mu.Lock()
	s.messages = append(s.messages, reply)
	s.mu.Unlock()

	return reply
}

func (s *Session) exchange(ctx context.Context, wr wireRequest, debug bool) Message {
	failed := Message{Role: RoleAssistant, Content: FallbackErrorText, Failed: true}

	payload, err := json.Marshal(wr)
	if err != nil {
		return failed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		s.logger.Warn("building request failed", "error", err)
		return failed
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("request failed", "error", err)
		return failed
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		s.logger.Warn("reading response failed", "error", err)
		return failed
	}

	var body wireResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		s.logger.Warn("undecodable response", "status", resp.StatusCode, "error", err)
		return failed
	}

	if body.ErrorMessage != "" {
		if debug {
			failed.Content = RenderDebugError(body.ErrorMessage, raw)
		}
		return failed
	}
	if body.Response == nil {
		return failed
	}
	return Message{Role: RoleAssistant, Content: *body.Response}
}

// RenderDebugError renders a failure with the whole response body as
// indented JSON, the way the debug view shows it.
func RenderDebugError(message string, rawBody []byte) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, rawBody, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(rawBody)
	}
	return fmt.Sprintf("Error: %s\n\nDetails: \n\n```\n\n%s\n\n```", message, strings.TrimSpace(pretty.String()))
}

// ClearHistory empties the local view and asks the gateway to drop the
// stored transcript on the next send.
func (s *Session) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.cleanPending = true
}

// CleanPending reports whether the next send will reset the transcript.
func (s *Session) CleanPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanPending
}

// SetMode switches between basic and agentic and persists the choice.
func (s *Session) SetMode(mode string) error {
	if mode != ModeBasic && mode != ModeAgentic {
		return fmt.Errorf("unknown mode %q (want %s or %s)", mode, ModeBasic, ModeAgentic)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs.Mode = mode
	return s.prefs.Save()
}

// SetDebug toggles debug rendering and persists the choice.
func (s *Session) SetDebug(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs.Debug = on
	return s.prefs.Save()
}

// Mode returns the current mode.
func (s *Session) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs.Mode
}

// Debug reports whether failures are rendered in full.
func (s *Session) Debug() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs.Debug
}

// SessionID returns the id sent with every request.
func (s *Session) SessionID() string { return s.sessionID }

// Messages returns a copy of the local view.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// State is Sending while any send is in flight.
func (s *Session) State() State {
	if s.inflight.Load() > 0 {
		return StateSending
	}
	return StateIdle
}
