package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/aixgo-dev/assistant/pkg/session"
)

// OpenAIClient interface for testability
type OpenAIClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIExecutor runs conversations against OpenAI-compatible chat endpoints.
type OpenAIExecutor struct {
	client OpenAIClient
	cfg    Config
	tools  *ToolRegistry
	now    func() time.Time
}

// NewOpenAIExecutor creates an executor with the default OpenAI client.
func NewOpenAIExecutor(cfg Config, tools *ToolRegistry) (*OpenAIExecutor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return NewOpenAIExecutorWithClient(openai.NewClientWithConfig(clientCfg), cfg, tools), nil
}

// NewOpenAIExecutorWithClient creates an executor with a custom client (useful for testing)
func NewOpenAIExecutorWithClient(client OpenAIClient, cfg Config, tools *ToolRegistry) *OpenAIExecutor {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultConfig().MaxToolIterations
	}
	return &OpenAIExecutor{
		client: client,
		cfg:    cfg,
		tools:  tools,
		now:    time.Now,
	}
}

// Name returns the provider name.
func (o *OpenAIExecutor) Name() string { return ProviderOpenAI }

// Run sends the transcript and prompt, looping over tool calls when enabled.
func (o *OpenAIExecutor) Run(ctx context.Context, inv Invocation) (*Reply, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(inv.Transcript)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt(o.cfg.SystemPrompt, o.now()),
	})
	for _, t := range inv.Transcript {
		role := openai.ChatMessageRoleUser
		if t.Role == session.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: inv.Prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:       o.cfg.Model,
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: float32(o.cfg.Temperature),
		TopP:        float32(o.cfg.TopP),
	}
	if inv.ToolsEnabled && o.tools.Len() > 0 {
		req.Tools = o.toolDefinitions()
	}

	reply := &Reply{Model: o.cfg.Model}
	for iteration := 0; ; iteration++ {
		req.Messages = messages

		resp, err := o.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return nil, o.wrapError(ctx, err)
		}
		reply.Usage.add(Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		})
		if len(resp.Choices) == 0 {
			return nil, NewExecutorError(ProviderOpenAI, ErrorCodeUnknown, "no choices in response", nil)
		}

		choice := resp.Choices[0]
		reply.StopReason = string(choice.FinishReason)

		if len(choice.Message.ToolCalls) == 0 || req.Tools == nil {
			if choice.FinishReason == openai.FinishReasonContentFilter {
				return nil, NewExecutorError(ProviderOpenAI, ErrorCodeContentFiltered, "response blocked by content filter", nil)
			}
			reply.Text = ExtractMarkdown(choice.Message.Content)
			return reply, nil
		}

		if iteration+1 >= o.cfg.MaxToolIterations {
			return nil, NewExecutorError(ProviderOpenAI, ErrorCodeToolLoopExceeded,
				fmt.Sprintf("model requested tools for more than %d rounds", o.cfg.MaxToolIterations), nil)
		}

		messages = append(messages, choice.Message)
		for _, call := range choice.Message.ToolCalls {
			reply.ToolCalls++
			args := map[string]any{}
			result := ""
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				result = fmt.Sprintf("invalid tool arguments: %v", err)
			} else {
				result, _ = o.tools.callTool(ctx, call.Function.Name, args)
			}
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}
}

func (o *OpenAIExecutor) toolDefinitions() []openai.Tool {
	list := o.tools.List()
	tools := make([]openai.Tool, 0, len(list))
	for _, t := range list {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Schema(),
			},
		})
	}
	return tools
}

func (o *OpenAIExecutor) wrapError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewExecutorError(ProviderOpenAI, ErrorCodeTimeout, "model call timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	code := ErrorCodeUnknown
	switch {
	case status == http.StatusTooManyRequests:
		code = ErrorCodeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = ErrorCodeAuthentication
	case status == http.StatusNotFound:
		code = ErrorCodeModelNotFound
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		code = ErrorCodeTimeout
	case status >= 500:
		code = ErrorCodeServerError
	case status >= 400:
		code = ErrorCodeInvalidRequest
	}

	e := NewExecutorError(ProviderOpenAI, code, err.Error(), err)
	e.StatusCode = status
	return e
}
