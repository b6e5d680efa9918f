package executor

import (
	"context"
	"sync"
	"time"
)

// MockExecutor is a scripted executor for tests and local runs.
// It is safe for concurrent use.
type MockExecutor struct {
	mu sync.Mutex

	// Replies to return for each call, in order
	Replies []*Reply
	// Errors to return for each call; a nil entry falls through to Replies
	Errors []error
	// Delay is waited before answering; the call fails if ctx ends first
	Delay time.Duration
	// Respond, when set, computes the reply instead of the scripted lists
	Respond func(inv Invocation) (*Reply, error)

	// Track calls
	Calls []Invocation

	currentIndex int
}

// NewMockExecutor creates a new mock executor
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{}
}

// Name implements Executor
func (m *MockExecutor) Name() string { return ProviderMock }

// Run implements Executor
func (m *MockExecutor) Run(ctx context.Context, inv Invocation) (*Reply, error) {
	m.mu.Lock()
	inv.Transcript = inv.Transcript.Clone()
	m.Calls = append(m.Calls, inv)
	idx := m.currentIndex
	m.currentIndex++
	delay := m.Delay
	respond := m.Respond
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, NewExecutorError(ProviderMock, ErrorCodeTimeout, "model call timed out", ctx.Err())
			}
			return nil, ctx.Err()
		}
	}

	if respond != nil {
		return respond(inv)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Check for errors first
	if idx < len(m.Errors) && m.Errors[idx] != nil {
		return nil, m.Errors[idx]
	}
	if idx < len(m.Replies) {
		r := *m.Replies[idx]
		return &r, nil
	}

	// Default reply echoes the prompt
	return &Reply{
		Text:       "Mock response: " + inv.Prompt,
		Model:      "mock",
		StopReason: "end_turn",
		Usage:      Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}

// AddReply appends a reply with the given text
func (m *MockExecutor) AddReply(text string) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Replies = append(m.Replies, &Reply{Text: text, Model: "mock", StopReason: "end_turn"})
	return m
}

// AddError appends an error to return
func (m *MockExecutor) AddError(err error) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.Errors) < len(m.Replies) {
		m.Errors = append(m.Errors, nil)
	}
	m.Errors = append(m.Errors, err)
	m.Replies = append(m.Replies, nil)
	return m
}

// CallCount returns how many times Run was called
func (m *MockExecutor) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastCall returns the most recent invocation
func (m *MockExecutor) LastCall() (Invocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return Invocation{}, false
	}
	return m.Calls[len(m.Calls)-1], true
}

// Reset clears recorded calls and scripted results
func (m *MockExecutor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Replies = nil
	m.Errors = nil
	m.Calls = nil
	m.currentIndex = 0
}
