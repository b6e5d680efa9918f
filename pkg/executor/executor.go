// Package executor is the client side of the agent executor: the external
// reasoning capability that turns a prompt plus prior transcript into a
// reply. Implementations talk to Amazon Bedrock, OpenAI-compatible
// endpoints, or a scripted mock.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/aixgo-dev/assistant/pkg/session"
)

// Executor produces a reply for a prompt.
type Executor interface {
	// Run invokes the model. A returned error is either an
	// *ExecutorError or a context error.
	Run(ctx context.Context, inv Invocation) (*Reply, error)

	// Name returns the provider name (e.g., "bedrock", "openai").
	Name() string
}

// Invocation is one request to the executor.
type Invocation struct {
	// Prompt is the user's current input.
	Prompt string
	// Transcript is prior conversation context, oldest first. It may be empty.
	Transcript session.Transcript
	// ToolsEnabled allows the model to call registered tools.
	ToolsEnabled bool
}

// Reply is a successful executor result.
type Reply struct {
	// Text is the reply shown to the user, already stripped of any
	// <markdown> wrapper. It may be empty; callers decide what that means.
	Text string `json:"text"`
	// Model is the model that produced the reply.
	Model string `json:"model,omitempty"`
	// StopReason explains why generation stopped.
	StopReason string `json:"stop_reason,omitempty"`
	// ToolCalls counts tool invocations made while producing the reply.
	ToolCalls int `json:"tool_calls,omitempty"`
	// Usage contains token usage information.
	Usage Usage `json:"usage"`
}

// Usage represents token usage information.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (u *Usage) add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// Common error codes
const (
	ErrorCodeInvalidRequest   = "invalid_request"
	ErrorCodeAuthentication   = "authentication_error"
	ErrorCodeRateLimit        = "rate_limit_exceeded"
	ErrorCodeServerError      = "server_error"
	ErrorCodeTimeout          = "timeout"
	ErrorCodeModelNotFound    = "model_not_found"
	ErrorCodeContentFiltered  = "content_filtered"
	ErrorCodeToolLoopExceeded = "tool_loop_exceeded"
	ErrorCodeUnknown          = "unknown_error"
)

// ExecutorError represents a provider-specific failure.
type ExecutorError struct {
	Provider   string `json:"provider"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
	Retryable  bool   `json:"retryable"`
	Err        error  `json:"-"`
}

// Error implements the error interface
func (e *ExecutorError) Error() string {
	return e.Provider + " error: " + e.Message
}

// Unwrap returns the original error
func (e *ExecutorError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was the model running out of time.
func (e *ExecutorError) Timeout() bool {
	return e.Code == ErrorCodeTimeout
}

// NewExecutorError creates a new executor error
func NewExecutorError(provider, code, message string, original error) *ExecutorError {
	return &ExecutorError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       original,
		Retryable: isRetryableCode(code),
	}
}

func isRetryableCode(code string) bool {
	switch code {
	case ErrorCodeRateLimit, ErrorCodeServerError, ErrorCodeTimeout:
		return true
	default:
		return false
	}
}

// Supported values for Config.Provider.
const (
	ProviderBedrock = "bedrock"
	ProviderOpenAI  = "openai"
	ProviderMock    = "mock"
)

// Config holds executor configuration from YAML.
type Config struct {
	// Provider selects the backend: "bedrock", "openai" or "mock".
	Provider string `yaml:"provider"`
	// Model is the model id (Bedrock model id or OpenAI model name).
	Model string `yaml:"model"`
	// Region is the AWS region for Bedrock.
	Region string `yaml:"region"`
	// BaseURL overrides the OpenAI endpoint for compatible servers.
	BaseURL string `yaml:"base_url"`
	// APIKey authenticates against OpenAI-compatible endpoints.
	APIKey string `yaml:"api_key"`
	// MaxTokens caps the generated tokens per model call.
	MaxTokens int `yaml:"max_tokens"`
	// Temperature controls randomness.
	Temperature float64 `yaml:"temperature"`
	// TopP is nucleus sampling.
	TopP float64 `yaml:"top_p"`
	// Timeout bounds one Run call, tool loop included.
	Timeout time.Duration `yaml:"timeout"`
	// MaxToolIterations caps model round trips in agentic mode.
	MaxToolIterations int `yaml:"max_tool_iterations"`
	// SystemPrompt replaces the default conversation prompt.
	SystemPrompt string `yaml:"system_prompt"`
}

// DefaultConfig mirrors the inference settings of the hosted assistant.
func DefaultConfig() Config {
	return Config{
		Provider:          ProviderBedrock,
		Model:             "anthropic.claude-3-haiku-20240307-v1:0",
		Region:            "us-east-1",
		MaxTokens:         1000,
		Temperature:       0.0,
		TopP:              0.99,
		Timeout:           5 * time.Minute,
		MaxToolIterations: 5,
	}
}

// New creates the executor selected by cfg.Provider. The tool registry is
// offered to the model only when an invocation enables tools.
func New(ctx context.Context, cfg Config, tools *ToolRegistry) (Executor, error) {
	switch cfg.Provider {
	case ProviderBedrock:
		return NewBedrockExecutor(ctx, cfg, tools)
	case ProviderOpenAI:
		return NewOpenAIExecutor(cfg, tools)
	case ProviderMock:
		return NewMockExecutor(), nil
	default:
		return nil, fmt.Errorf("unknown executor provider %q", cfg.Provider)
	}
}
