package dispatcher

import (
	"context"

	"github.com/aixgo-dev/assistant/pkg/executor"
	"github.com/aixgo-dev/assistant/pkg/session"
)

// Mode selects the pipeline that answers a message.
type Mode string

const (
	// ModeBasic answers from the current input alone, without tools.
	ModeBasic Mode = "basic"
	// ModeAgentic answers with the session transcript as context and tools enabled.
	ModeAgentic Mode = "agentic"
)

// Pipeline is a mode-specific strategy for producing a reply.
type Pipeline interface {
	Mode() Mode
	Run(ctx context.Context, input string, transcript session.Transcript) (*executor.Reply, error)
}

// BasicPipeline sends only the current input to the executor.
type BasicPipeline struct {
	Executor executor.Executor
}

func (BasicPipeline) Mode() Mode { return ModeBasic }

// Run ignores the transcript and never enables tools.
func (p BasicPipeline) Run(ctx context.Context, input string, _ session.Transcript) (*executor.Reply, error) {
	return p.Executor.Run(ctx, executor.Invocation{Prompt: input})
}

// AgenticPipeline sends the full transcript and lets the model call tools.
type AgenticPipeline struct {
	Executor executor.Executor
}

func (AgenticPipeline) Mode() Mode { return ModeAgentic }

func (p AgenticPipeline) Run(ctx context.Context, input string, transcript session.Transcript) (*executor.Reply, error) {
	return p.Executor.Run(ctx, executor.Invocation{
		Prompt:       input,
		Transcript:   transcript,
		ToolsEnabled: true,
	})
}

// DefaultPipelines returns the basic and agentic pipelines over exec.
func DefaultPipelines(exec executor.Executor) []Pipeline {
	return []Pipeline{
		BasicPipeline{Executor: exec},
		AgenticPipeline{Executor: exec},
	}
}
