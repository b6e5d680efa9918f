package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/aixgo-dev/assistant/pkg/session"
)

// ConverseAPI is the subset of the Bedrock runtime client used here.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockExecutor runs conversations through the Bedrock Converse API.
type BedrockExecutor struct {
	client ConverseAPI
	cfg    Config
	tools  *ToolRegistry
	now    func() time.Time
}

// NewBedrockExecutor loads AWS credentials from the default chain.
func NewBedrockExecutor(ctx context.Context, cfg Config, tools *ToolRegistry) (*BedrockExecutor, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewBedrockExecutorWithClient(bedrockruntime.NewFromConfig(awsCfg), cfg, tools), nil
}

// NewBedrockExecutorWithClient creates an executor with a custom client (useful for testing)
func NewBedrockExecutorWithClient(client ConverseAPI, cfg Config, tools *ToolRegistry) *BedrockExecutor {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultConfig().MaxToolIterations
	}
	return &BedrockExecutor{
		client: client,
		cfg:    cfg,
		tools:  tools,
		now:    time.Now,
	}
}

// Name returns the provider name.
func (b *BedrockExecutor) Name() string { return ProviderBedrock }

// Run sends the transcript and prompt, looping over tool calls when enabled.
func (b *BedrockExecutor) Run(ctx context.Context, inv Invocation) (*Reply, error) {
	messages := make([]types.Message, 0, len(inv.Transcript)+1)
	for _, t := range inv.Transcript {
		messages = append(messages, types.Message{
			Role:    bedrockRole(t.Role),
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: t.Content}},
		})
	}
	messages = append(messages, types.Message{
		Role:    types.ConversationRoleUser,
		Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: inv.Prompt}},
	})

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(b.cfg.Model),
		System: []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: systemPrompt(b.cfg.SystemPrompt, b.now())},
		},
		InferenceConfig: b.inferenceConfig(),
	}
	if inv.ToolsEnabled && b.tools.Len() > 0 {
		input.ToolConfig = b.toolConfig()
	}

	reply := &Reply{Model: b.cfg.Model}
	for iteration := 0; ; iteration++ {
		input.Messages = messages

		out, err := b.client.Converse(ctx, input)
		if err != nil {
			return nil, b.wrapError(ctx, err)
		}
		if out.Usage != nil {
			reply.Usage.add(Usage{
				InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
				OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
				TotalTokens:  int(aws.ToInt32(out.Usage.TotalTokens)),
			})
		}

		msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
		if !ok {
			return nil, NewExecutorError(ProviderBedrock, ErrorCodeUnknown, "response contained no message", nil)
		}
		reply.StopReason = string(out.StopReason)

		if out.StopReason != types.StopReasonToolUse || input.ToolConfig == nil {
			if out.StopReason == types.StopReasonContentFiltered || out.StopReason == types.StopReasonGuardrailIntervened {
				return nil, NewExecutorError(ProviderBedrock, ErrorCodeContentFiltered, "response blocked: "+reply.StopReason, nil)
			}
			reply.Text = ExtractMarkdown(messageText(msg.Value))
			return reply, nil
		}

		if iteration+1 >= b.cfg.MaxToolIterations {
			return nil, NewExecutorError(ProviderBedrock, ErrorCodeToolLoopExceeded,
				fmt.Sprintf("model requested tools for more than %d rounds", b.cfg.MaxToolIterations), nil)
		}

		results := b.runTools(ctx, msg.Value, reply)
		messages = append(messages, msg.Value, types.Message{
			Role:    types.ConversationRoleUser,
			Content: results,
		})
	}
}

func (b *BedrockExecutor) inferenceConfig() *types.InferenceConfiguration {
	ic := &types.InferenceConfiguration{
		Temperature: aws.Float32(float32(b.cfg.Temperature)),
	}
	if b.cfg.MaxTokens > 0 {
		ic.MaxTokens = aws.Int32(int32(b.cfg.MaxTokens))
	}
	if b.cfg.TopP > 0 {
		ic.TopP = aws.Float32(float32(b.cfg.TopP))
	}
	return ic
}

func (b *BedrockExecutor) toolConfig() *types.ToolConfiguration {
	list := b.tools.List()
	specs := make([]types.Tool, 0, len(list))
	for _, t := range list {
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name()),
				Description: aws.String(t.Description()),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(t.Schema())},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}
}

// runTools executes every tool-use block of an assistant message and
// returns the matching tool-result blocks.
func (b *BedrockExecutor) runTools(ctx context.Context, msg types.Message, reply *Reply) []types.ContentBlock {
	var results []types.ContentBlock
	for _, block := range msg.Content {
		use, ok := block.(*types.ContentBlockMemberToolUse)
		if !ok {
			continue
		}
		reply.ToolCalls++

		args := map[string]any{}
		var (
			text    string
			isError bool
		)
		if use.Value.Input != nil {
			if err := use.Value.Input.UnmarshalSmithyDocument(&args); err != nil {
				text, isError = fmt.Sprintf("invalid tool input: %v", err), true
			}
		}
		if !isError {
			text, isError = b.tools.callTool(ctx, aws.ToString(use.Value.Name), args)
		}

		status := types.ToolResultStatusSuccess
		if isError {
			status = types.ToolResultStatusError
		}
		results = append(results, &types.ContentBlockMemberToolResult{
			Value: types.ToolResultBlock{
				ToolUseId: use.Value.ToolUseId,
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: text}},
				Status:    status,
			},
		})
	}
	return results
}

func (b *BedrockExecutor) wrapError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewExecutorError(ProviderBedrock, ErrorCodeTimeout, "model call timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var (
		throttling   *types.ThrottlingException
		modelTimeout *types.ModelTimeoutException
		unavailable  *types.ServiceUnavailableException
		internal     *types.InternalServerException
		notReady     *types.ModelNotReadyException
		validation   *types.ValidationException
		denied       *types.AccessDeniedException
		notFound     *types.ResourceNotFoundException
	)

	code := ErrorCodeUnknown
	switch {
	case errors.As(err, &modelTimeout):
		code = ErrorCodeTimeout
	case errors.As(err, &throttling):
		code = ErrorCodeRateLimit
	case errors.As(err, &unavailable), errors.As(err, &internal), errors.As(err, &notReady):
		code = ErrorCodeServerError
	case errors.As(err, &validation):
		code = ErrorCodeInvalidRequest
	case errors.As(err, &denied):
		code = ErrorCodeAuthentication
	case errors.As(err, &notFound):
		code = ErrorCodeModelNotFound
	}
	return NewExecutorError(ProviderBedrock, code, err.Error(), err)
}

func bedrockRole(r session.Role) types.ConversationRole {
	if r == session.RoleAssistant {
		return types.ConversationRoleAssistant
	}
	return types.ConversationRoleUser
}

func messageText(msg types.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(text.Value)
		}
	}
	return sb.String()
}
