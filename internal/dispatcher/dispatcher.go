// Package dispatcher orchestrates one conversational request: it resets and
// loads the session transcript, runs the pipeline for the requested mode,
// and appends the resulting exchange atomically.
//
// The dispatcher holds no per-session state. Concurrent requests for the
// same session are not serialized; each one appends its exchange as a single
// atomic write, so the transcript reflects arrival order at the store.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/aixgo-dev/assistant/internal/observability"
	"github.com/aixgo-dev/assistant/pkg/executor"
	metrics "github.com/aixgo-dev/assistant/pkg/observability"
	"github.com/aixgo-dev/assistant/pkg/session"
)

// Request is a parsed message envelope.
type Request struct {
	UserInput    string
	SessionID    string
	CleanHistory bool
	Mode         Mode
}

// Response is a successful reply.
type Response struct {
	Reply      string
	ExchangeID string
	Model      string
	ToolCalls  int
	Usage      executor.Usage
}

// Options tune timeouts and retries.
type Options struct {
	// ExecutorTimeout bounds one pipeline run. Default 5m.
	ExecutorTimeout time.Duration
	// StoreTimeout bounds each store attempt. Default 2s.
	StoreTimeout time.Duration
	// RetryAttempts is the total number of tries per store operation. Default 3.
	RetryAttempts int
	// RetryBaseDelay is the first backoff interval. Default 100ms.
	RetryBaseDelay time.Duration
	// Pipelines replaces the default basic and agentic pipelines.
	Pipelines []Pipeline
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Store retry schedule. Each request makes at most three store calls:
// clear, get and append.
const (
	storeOpsPerRequest = 3
	retryMultiplier    = 2
	retryMaxInterval   = 2 * time.Second
)

// Budget is the longest one Handle call can take: the executor timeout
// plus every store call exhausting its retries, with full backoff jitter.
func (o Options) Budget() time.Duration {
	o.withDefaults()

	var perOp time.Duration
	interval := min(o.RetryBaseDelay, retryMaxInterval)
	for i := 0; i < o.RetryAttempts; i++ {
		perOp += o.StoreTimeout
		if i < o.RetryAttempts-1 {
			// backoff randomizes each interval by up to 50%.
			perOp += interval * 3 / 2
			interval = min(interval*retryMultiplier, retryMaxInterval)
		}
	}
	return o.ExecutorTimeout + storeOpsPerRequest*perOp
}

func (o *Options) withDefaults() {
	if o.ExecutorTimeout <= 0 {
		o.ExecutorTimeout = 5 * time.Minute
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 2 * time.Second
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 100 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Dispatcher handles message requests against a history store and executor.
type Dispatcher struct {
	store     session.HistoryStore
	pipelines map[Mode]Pipeline
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a dispatcher. exec backs the default pipelines and may be nil
// when opts.Pipelines is set.
func New(store session.HistoryStore, exec executor.Executor, opts Options) *Dispatcher {
	opts.withDefaults()

	pipelines := opts.Pipelines
	if len(pipelines) == 0 {
		pipelines = DefaultPipelines(exec)
	}

	d := &Dispatcher{
		store:     store,
		pipelines: make(map[Mode]Pipeline, len(pipelines)),
		opts:      opts,
		logger:    opts.Logger.With("component", "dispatcher"),
		now:       time.Now,
	}
	for _, p := range pipelines {
		d.pipelines[p.Mode()] = p
	}
	return d
}

// Modes lists the registered pipeline modes in sorted order.
func (d *Dispatcher) Modes() []Mode {
	modes := make([]Mode, 0, len(d.pipelines))
	for m := range d.pipelines {
		modes = append(modes, m)
	}
	slices.Sort(modes)
	return modes
}

func (d *Dispatcher) modeNames() []string {
	modes := d.Modes()
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = string(m)
	}
	return names
}

// Handle processes one request. Failures are returned as *Error.
// No transcript mutation other than the requested clear happens unless the
// executor produced a non-empty reply.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (*Response, error) {
	if req.Mode == "" {
		req.Mode = ModeBasic
	}

	ctx, span := observability.StartSpan(ctx, "dispatcher.handle", map[string]any{
		"mode":          string(req.Mode),
		"clean_history": req.CleanHistory,
	})
	defer span.End()

	start := time.Now()
	resp, err := d.handle(ctx, req)

	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		span.SetError(err)
		d.logger.Warn("dispatch failed",
			"session_id", req.SessionID,
			"mode", req.Mode,
			"kind", outcome,
			"error", err,
			"duration", time.Since(start))
	} else {
		d.logger.Debug("dispatch complete",
			"session_id", req.SessionID,
			"mode", req.Mode,
			"reply_len", len(resp.Reply),
			"tool_calls", resp.ToolCalls,
			"duration", time.Since(start))
	}
	metrics.RecordDispatch(string(req.Mode), outcome)

	return resp, err
}

func (d *Dispatcher) handle(ctx context.Context, req Request) (*Response, error) {
	if err := session.ValidateSessionID(req.SessionID); err != nil {
		return nil, NewError(KindBadRequest, "session_id is missing or invalid", err)
	}
	if strings.TrimSpace(req.UserInput) == "" {
		return nil, NewError(KindBadRequest, "user_input is empty", nil)
	}
	pipeline, ok := d.pipelines[req.Mode]
	if !ok {
		return nil, NewError(KindInvalidMode, fmt.Sprintf("unknown chatbot_type %q", req.Mode), nil).
			WithDetail("chatbot_type", string(req.Mode)).
			WithDetail("supported", d.modeNames())
	}

	if req.CleanHistory {
		if err := d.storeOp(ctx, "clear", func(ctx context.Context) error {
			return d.store.Clear(ctx, req.SessionID)
		}); err != nil {
			return nil, err
		}
	}

	var transcript session.Transcript
	if err := d.storeOp(ctx, "get", func(ctx context.Context) error {
		t, err := d.store.Get(ctx, req.SessionID)
		if err != nil {
			return err
		}
		transcript = t
		return nil
	}); err != nil {
		return nil, err
	}

	reply, err := d.run(ctx, pipeline, req.UserInput, transcript)
	if err != nil {
		return nil, err
	}

	exchangeID := uuid.NewString()
	now := d.now().UTC()
	turns := []session.Turn{
		{Role: session.RoleUser, Content: req.UserInput, ExchangeID: exchangeID, CreatedAt: now},
		{Role: session.RoleAssistant, Content: reply.Text, ExchangeID: exchangeID, CreatedAt: now},
	}
	if err := d.storeOp(ctx, "append", func(ctx context.Context) error {
		return d.store.AppendAtomic(ctx, req.SessionID, turns)
	}); err != nil {
		return nil, err
	}

	return &Response{
		Reply:      reply.Text,
		ExchangeID: exchangeID,
		Model:      reply.Model,
		ToolCalls:  reply.ToolCalls,
		Usage:      reply.Usage,
	}, nil
}

// run invokes the pipeline under the executor timeout and classifies failures.
func (d *Dispatcher) run(ctx context.Context, p Pipeline, input string, transcript session.Transcript) (*executor.Reply, error) {
	ctx, span := observability.StartSpan(ctx, "dispatcher.executor", map[string]any{
		"mode":             string(p.Mode()),
		"transcript_turns": transcript.Len(),
	})
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, d.opts.ExecutorTimeout)
	defer cancel()

	start := time.Now()
	reply, err := p.Run(runCtx, input, transcript)
	metrics.RecordExecutorCall(string(p.Mode()), time.Since(start))

	if err != nil {
		span.SetError(err)
		return nil, d.classifyExecutorError(runCtx, err)
	}
	if reply == nil || strings.TrimSpace(reply.Text) == "" {
		return nil, NewError(KindUnknownUpstream, "executor returned an empty reply", nil)
	}
	span.SetAttribute("tool_calls", reply.ToolCalls)
	return reply, nil
}

func (d *Dispatcher) classifyExecutorError(runCtx context.Context, err error) *Error {
	var execErr *executor.ExecutorError
	hasExecErr := errors.As(err, &execErr)

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) ||
		(hasExecErr && execErr.Timeout()) {
		return NewError(KindUpstreamTimeout, "the assistant did not answer in time", err).
			WithDetail("timeout", d.opts.ExecutorTimeout.String())
	}

	e := NewError(KindUnknownUpstream, "the assistant failed to answer", err)
	if hasExecErr {
		e.WithDetail("provider", execErr.Provider).
			WithDetail("code", execErr.Code).
			WithDetail("message", execErr.Message).
			WithDetail("retryable", execErr.Retryable)
		if execErr.StatusCode != 0 {
			e.WithDetail("status_code", execErr.StatusCode)
		}
		return e
	}
	return e.WithDetail("message", err.Error())
}

// storeOp runs fn with a per-attempt timeout, retrying transient failures
// with exponential backoff. Exhausted retries surface as StoreUnavailable.
func (d *Dispatcher) storeOp(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := observability.StartSpan(ctx, "store."+op, nil)
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.RetryBaseDelay
	b.Multiplier = retryMultiplier
	b.MaxInterval = retryMaxInterval

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if attempts > 1 {
			metrics.RecordStoreRetry(op)
		}

		opCtx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
		defer cancel()

		err := fn(opCtx)
		if err != nil && permanentStoreError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.opts.RetryAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.logger.Debug("retrying store operation", "op", op, "error", err, "backoff", next)
		}),
	)
	span.SetAttribute("attempts", attempts)
	if err == nil {
		return nil
	}

	span.SetError(err)
	if errors.Is(err, session.ErrInvalidSessionID) || errors.Is(err, session.ErrInvalidTurn) {
		return NewError(KindBadRequest, "request rejected by history store", err)
	}

	metrics.RecordStoreError(op)
	return NewError(KindStoreUnavailable, "conversation history is unavailable", err).
		WithDetail("operation", op).
		WithDetail("attempts", attempts)
}

func permanentStoreError(err error) bool {
	return errors.Is(err, session.ErrInvalidSessionID) ||
		errors.Is(err, session.ErrInvalidTurn) ||
		errors.Is(err, session.ErrStorageClosed) ||
		errors.Is(err, context.Canceled)
}
