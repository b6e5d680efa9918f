package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/assistant/pkg/executor"
	"github.com/aixgo-dev/assistant/pkg/session"
)

// flakyStore fails selected operations a fixed number of times.
type flakyStore struct {
	session.HistoryStore

	appendFailures atomic.Int32
	getFailures    atomic.Int32
	clearFailures  atomic.Int32

	appendCalls atomic.Int32
	clearCalls  atomic.Int32
}

var errBackendDown = errors.New("connection refused")

func (f *flakyStore) Get(ctx context.Context, id string) (session.Transcript, error) {
	if f.getFailures.Add(-1) >= 0 {
		return nil, errBackendDown
	}
	return f.HistoryStore.Get(ctx, id)
}

func (f *flakyStore) AppendAtomic(ctx context.Context, id string, turns []session.Turn) error {
	f.appendCalls.Add(1)
	if f.appendFailures.Add(-1) >= 0 {
		return errBackendDown
	}
	return f.HistoryStore.AppendAtomic(ctx, id, turns)
}

func (f *flakyStore) Clear(ctx context.Context, id string) error {
	f.clearCalls.Add(1)
	if f.clearFailures.Add(-1) >= 0 {
		return errBackendDown
	}
	return f.HistoryStore.Clear(ctx, id)
}

func testOptions() Options {
	return Options{
		ExecutorTimeout: time.Second,
		StoreTimeout:    time.Second,
		RetryAttempts:   3,
		RetryBaseDelay:  time.Millisecond,
	}
}

func setup(t *testing.T) (*Dispatcher, *session.MemoryBackend, *executor.MockExecutor) {
	t.Helper()
	store := session.NewMemoryBackend()
	mock := executor.NewMockExecutor()
	return New(store, mock, testOptions()), store, mock
}

func transcriptOf(t *testing.T, store session.HistoryStore, id string) session.Transcript {
	t.Helper()
	tr, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return tr
}

func seed(t *testing.T, store session.HistoryStore, id string, pairs ...string) {
	t.Helper()
	for i := 0; i+1 < len(pairs); i += 2 {
		require.NoError(t, store.AppendAtomic(context.Background(), id, []session.Turn{
			{Role: session.RoleUser, Content: pairs[i]},
			{Role: session.RoleAssistant, Content: pairs[i+1]},
		}))
	}
}

func TestHandle_FirstMessage(t *testing.T) {
	d, store, mock := setup(t)
	mock.AddReply("hello")

	resp, err := d.Handle(context.Background(), Request{
		UserInput: "hi",
		SessionID: "S1",
		Mode:      ModeBasic,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Reply)
	assert.NotEmpty(t, resp.ExchangeID)

	tr := transcriptOf(t, store, "S1")
	require.Len(t, tr, 2)
	assert.Equal(t, session.RoleUser, tr[0].Role)
	assert.Equal(t, "hi", tr[0].Content)
	assert.Equal(t, session.RoleAssistant, tr[1].Role)
	assert.Equal(t, "hello", tr[1].Content)
	assert.Equal(t, resp.ExchangeID, tr[0].ExchangeID)
	assert.Equal(t, resp.ExchangeID, tr[1].ExchangeID)
}

func TestHandle_CleanHistoryResetsBeforeRead(t *testing.T) {
	d, store, mock := setup(t)
	seed(t, store, "S1", "hi", "hello")

	_, err := d.Handle(context.Background(), Request{
		UserInput:    "new topic",
		SessionID:    "S1",
		CleanHistory: true,
		Mode:         ModeAgentic,
	})
	require.NoError(t, err)

	call, ok := mock.LastCall()
	require.True(t, ok)
	assert.Empty(t, call.Transcript, "context must be empty after reset")

	tr := transcriptOf(t, store, "S1")
	require.Len(t, tr, 2)
	assert.Equal(t, "new topic", tr[0].Content)
}

func TestHandle_ExecutorTimeout(t *testing.T) {
	store := session.NewMemoryBackend()
	seed(t, store, "S1", "hi", "hello")

	mock := executor.NewMockExecutor()
	mock.Delay = time.Second
	opts := testOptions()
	opts.ExecutorTimeout = 20 * time.Millisecond
	d := New(store, mock, opts)

	_, err := d.Handle(context.Background(), Request{UserInput: "slow", SessionID: "S1", Mode: ModeAgentic})
	require.Error(t, err)
	assert.Equal(t, KindUpstreamTimeout, KindOf(err))
	assert.True(t, KindOf(err).Transient())

	assert.Len(t, transcriptOf(t, store, "S1"), 2, "transcript must be unchanged")
}

func TestHandle_TimeoutFromExecutorError(t *testing.T) {
	d, store, mock := setup(t)
	mock.AddError(executor.NewExecutorError("bedrock", executor.ErrorCodeTimeout, "model timed out", nil))

	_, err := d.Handle(context.Background(), Request{UserInput: "x", SessionID: "S1"})
	assert.Equal(t, KindUpstreamTimeout, KindOf(err))
	assert.Empty(t, transcriptOf(t, store, "S1"))
}

func TestHandle_NoPoisoningOnFailure(t *testing.T) {
	d, store, mock := setup(t)
	seed(t, store, "S1", "a", "b")
	mock.AddError(executor.NewExecutorError("bedrock", executor.ErrorCodeRateLimit, "throttled", nil))

	_, err := d.Handle(context.Background(), Request{UserInput: "c", SessionID: "S1", Mode: ModeBasic})
	require.Error(t, err)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindUnknownUpstream, e.Kind)
	assert.Equal(t, "bedrock", e.Details["provider"])
	assert.Equal(t, executor.ErrorCodeRateLimit, e.Details["code"])
	assert.Equal(t, true, e.Details["retryable"])

	assert.Len(t, transcriptOf(t, store, "S1"), 2)
}

func TestHandle_PlainExecutorError(t *testing.T) {
	d, store, mock := setup(t)
	mock.AddError(errors.New("socket closed"))

	_, err := d.Handle(context.Background(), Request{UserInput: "c", SessionID: "S1"})
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindUnknownUpstream, e.Kind)
	assert.Equal(t, "socket closed", e.Details["message"])
	assert.Empty(t, transcriptOf(t, store, "S1"))
}

func TestHandle_EmptyReplyIsUpstreamError(t *testing.T) {
	d, store, mock := setup(t)
	mock.AddReply("   ")

	_, err := d.Handle(context.Background(), Request{UserInput: "hi", SessionID: "S1"})
	assert.Equal(t, KindUnknownUpstream, KindOf(err))
	assert.Empty(t, transcriptOf(t, store, "S1"))
}

func TestHandle_ModeIsolation(t *testing.T) {
	d, store, mock := setup(t)
	seed(t, store, "S1", "q1", "a1", "q2", "a2")

	_, err := d.Handle(context.Background(), Request{UserInput: "same", SessionID: "S1", Mode: ModeBasic})
	require.NoError(t, err)
	basic, _ := mock.LastCall()
	assert.False(t, basic.ToolsEnabled)
	assert.Empty(t, basic.Transcript)

	_, err = d.Handle(context.Background(), Request{UserInput: "same", SessionID: "S1", Mode: ModeAgentic})
	require.NoError(t, err)
	agentic, _ := mock.LastCall()
	assert.True(t, agentic.ToolsEnabled)
	require.Len(t, agentic.Transcript, 6, "agentic sees every prior turn")
	assert.Equal(t, "q1", agentic.Transcript[0].Content)
	assert.Equal(t, "same", agentic.Transcript[4].Content)
}

func TestHandle_DefaultModeIsBasic(t *testing.T) {
	d, _, mock := setup(t)

	_, err := d.Handle(context.Background(), Request{UserInput: "hi", SessionID: "S1"})
	require.NoError(t, err)
	call, _ := mock.LastCall()
	assert.False(t, call.ToolsEnabled)
}

func TestHandle_InvalidModeHasNoSideEffects(t *testing.T) {
	d, store, mock := setup(t)
	seed(t, store, "S1", "a", "b")

	_, err := d.Handle(context.Background(), Request{
		UserInput:    "hi",
		SessionID:    "S1",
		CleanHistory: true,
		Mode:         "creative",
	})
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindInvalidMode, e.Kind)
	assert.Equal(t, "creative", e.Details["chatbot_type"])
	assert.Equal(t, []string{"agentic", "basic"}, e.Details["supported"])

	assert.Len(t, transcriptOf(t, store, "S1"), 2)
	assert.Equal(t, 0, mock.CallCount())
}

func TestHandle_BadRequests(t *testing.T) {
	d, _, mock := setup(t)

	tests := []struct {
		name string
		req  Request
	}{
		{"missing session", Request{UserInput: "hi"}},
		{"unsafe session", Request{UserInput: "hi", SessionID: "../etc"}},
		{"empty input", Request{UserInput: "  ", SessionID: "S1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Handle(context.Background(), tt.req)
			assert.Equal(t, KindBadRequest, KindOf(err))
		})
	}
	assert.Equal(t, 0, mock.CallCount())
}

func TestHandle_IdempotentReset(t *testing.T) {
	d, store, _ := setup(t)

	for i := 0; i < 2; i++ {
		_, err := d.Handle(context.Background(), Request{
			UserInput:    fmt.Sprintf("msg %d", i),
			SessionID:    "fresh",
			CleanHistory: true,
		})
		require.NoError(t, err)
	}
	assert.Len(t, transcriptOf(t, store, "fresh"), 2)
	require.NoError(t, store.Clear(context.Background(), "never-used"))
}

func TestHandle_ConcurrentAppendsStayPaired(t *testing.T) {
	d, store, mock := setup(t)
	mock.Respond = func(inv executor.Invocation) (*executor.Reply, error) {
		return &executor.Reply{Text: "re: " + inv.Prompt}, nil
	}

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Handle(context.Background(), Request{
				UserInput: fmt.Sprintf("q%d", i),
				SessionID: "shared",
				Mode:      ModeAgentic,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	tr := transcriptOf(t, store, "shared")
	require.Len(t, tr, 2*n)
	for i := 0; i < len(tr); i += 2 {
		assert.Equal(t, session.RoleUser, tr[i].Role)
		assert.Equal(t, session.RoleAssistant, tr[i+1].Role)
		assert.Equal(t, tr[i].ExchangeID, tr[i+1].ExchangeID)
		assert.Equal(t, "re: "+tr[i].Content, tr[i+1].Content)
	}
}

func TestHandle_DifferentSessionsIndependent(t *testing.T) {
	d, store, _ := setup(t)

	_, err := d.Handle(context.Background(), Request{UserInput: "a", SessionID: "A"})
	require.NoError(t, err)
	_, err = d.Handle(context.Background(), Request{UserInput: "b", SessionID: "B", CleanHistory: true})
	require.NoError(t, err)

	assert.Len(t, transcriptOf(t, store, "A"), 2)
	assert.Len(t, transcriptOf(t, store, "B"), 2)
}

func TestHandle_StoreRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{HistoryStore: session.NewMemoryBackend()}
	store.appendFailures.Store(2)
	store.getFailures.Store(1)
	d := New(store, executor.NewMockExecutor(), testOptions())

	resp, err := d.Handle(context.Background(), Request{UserInput: "hi", SessionID: "S1"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Reply)
	assert.Equal(t, int32(3), store.appendCalls.Load())
	assert.Len(t, transcriptOf(t, store.HistoryStore, "S1"), 2)
}

func TestHandle_StoreUnavailableAfterRetries(t *testing.T) {
	store := &flakyStore{HistoryStore: session.NewMemoryBackend()}
	store.appendFailures.Store(100)
	d := New(store, executor.NewMockExecutor(), testOptions())

	_, err := d.Handle(context.Background(), Request{UserInput: "hi", SessionID: "S1"})
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindStoreUnavailable, e.Kind)
	assert.Equal(t, "append", e.Details["operation"])
	assert.Equal(t, 3, e.Details["attempts"])
	assert.ErrorIs(t, err, errBackendDown)
	assert.Equal(t, int32(3), store.appendCalls.Load())
	assert.Empty(t, transcriptOf(t, store.HistoryStore, "S1"))
}

func TestHandle_ClearFailureStopsRequest(t *testing.T) {
	store := &flakyStore{HistoryStore: session.NewMemoryBackend()}
	store.clearFailures.Store(100)
	mock := executor.NewMockExecutor()
	d := New(store, mock, testOptions())

	_, err := d.Handle(context.Background(), Request{UserInput: "hi", SessionID: "S1", CleanHistory: true})
	assert.Equal(t, KindStoreUnavailable, KindOf(err))
	assert.Equal(t, int32(3), store.clearCalls.Load())
	assert.Equal(t, 0, mock.CallCount())
}

func TestHandle_ClosedStoreIsNotRetried(t *testing.T) {
	mem := session.NewMemoryBackend()
	store := &flakyStore{HistoryStore: mem}
	require.NoError(t, mem.Close())
	d := New(store, executor.NewMockExecutor(), testOptions())

	_, err := d.Handle(context.Background(), Request{UserInput: "hi", SessionID: "S1", CleanHistory: true})
	assert.Equal(t, KindStoreUnavailable, KindOf(err))
	assert.ErrorIs(t, err, session.ErrStorageClosed)
	assert.Equal(t, int32(1), store.clearCalls.Load())
}

type echoPipeline struct{}

func (echoPipeline) Mode() Mode { return "echo" }

func (echoPipeline) Run(_ context.Context, input string, transcript session.Transcript) (*executor.Reply, error) {
	return &executor.Reply{Text: fmt.Sprintf("%s (%d prior)", input, transcript.Len())}, nil
}

func TestHandle_CustomPipeline(t *testing.T) {
	store := session.NewMemoryBackend()
	d := New(store, nil, Options{Pipelines: []Pipeline{echoPipeline{}}})

	resp, err := d.Handle(context.Background(), Request{UserInput: "ping", SessionID: "S1", Mode: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "ping (0 prior)", resp.Reply)
	assert.Equal(t, []Mode{"echo"}, d.Modes())

	_, err = d.Handle(context.Background(), Request{UserInput: "ping", SessionID: "S1", Mode: ModeBasic})
	assert.Equal(t, KindInvalidMode, KindOf(err))
}

func TestHandle_WithRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := session.NewRedisBackendFromClient(client, "test:", time.Hour)
	t.Cleanup(func() { _ = store.Close() })

	mock := executor.NewMockExecutor().AddReply("hello").AddReply("again")
	d := New(store, mock, testOptions())

	_, err := d.Handle(context.Background(), Request{UserInput: "hi", SessionID: "S1"})
	require.NoError(t, err)
	_, err = d.Handle(context.Background(), Request{UserInput: "more", SessionID: "S1", Mode: ModeAgentic})
	require.NoError(t, err)

	call, _ := mock.LastCall()
	require.Len(t, call.Transcript, 2)
	assert.Equal(t, "hello", call.Transcript[1].Content)
	assert.Len(t, transcriptOf(t, store, "S1"), 4)

	mr.SetError("LOADING")
	_, err = d.Handle(context.Background(), Request{UserInput: "down", SessionID: "S1"})
	assert.Equal(t, KindStoreUnavailable, KindOf(err))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("x")))
	wrapped := fmt.Errorf("outer: %w", NewError(KindRateLimited, "slow down", nil))
	assert.Equal(t, KindRateLimited, KindOf(wrapped))

	assert.False(t, KindBadRequest.Transient())
	assert.True(t, KindStoreUnavailable.Transient())
}

func TestError_Format(t *testing.T) {
	e := NewError(KindStoreUnavailable, "history unavailable", errBackendDown).WithDetail("operation", "get")
	assert.Equal(t, "StoreUnavailable: history unavailable: connection refused", e.Error())
	assert.ErrorIs(t, e, errBackendDown)
	assert.Equal(t, "get", e.Details["operation"])

	assert.Equal(t, "BadRequest: nope", NewError(KindBadRequest, "nope", nil).Error())
}

// scriptedConverse answers every Converse call with the same text.
type scriptedConverse struct{ text string }

func (c scriptedConverse) Converse(ctx context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role:    brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: c.text}},
		}},
		StopReason: brtypes.StopReasonEndTurn,
	}, nil
}

func TestHandle_UntaggedModelReplyLeavesTranscript(t *testing.T) {
	store := session.NewMemoryBackend()
	seed(t, store, "S1", "q1", "a1")

	cfg := executor.DefaultConfig()
	cfg.Model = "test-model"
	exec := executor.NewBedrockExecutorWithClient(scriptedConverse{text: "I ignored the format instruction"}, cfg, nil)
	d := New(store, exec, testOptions())

	_, err := d.Handle(context.Background(), Request{UserInput: "hi", SessionID: "S1", Mode: ModeAgentic})
	assert.Equal(t, KindUnknownUpstream, KindOf(err))
	assert.Len(t, transcriptOf(t, store, "S1"), 2)

	tagged := executor.NewBedrockExecutorWithClient(scriptedConverse{text: "<markdown>hello</markdown>"}, cfg, nil)
	d = New(store, tagged, testOptions())
	resp, err := d.Handle(context.Background(), Request{UserInput: "hi", SessionID: "S1", Mode: ModeAgentic})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Reply)
	assert.Len(t, transcriptOf(t, store, "S1"), 4)
}

func TestOptions_Budget(t *testing.T) {
	// 3 store calls, each 3 attempts of 2s plus jittered waits of 150ms and 300ms.
	assert.Equal(t, 5*time.Minute+19350*time.Millisecond, Options{}.Budget())

	single := Options{ExecutorTimeout: time.Minute, StoreTimeout: time.Second, RetryAttempts: 1}
	assert.Equal(t, time.Minute+3*time.Second, single.Budget())
}
