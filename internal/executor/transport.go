// Package executor runs the per-task workflow state machine: it drives a
// task through its workflow's stages, invokes the external agent
// transport, aggregates usage, classifies and retries errors, detects
// context-window pressure, and writes resumable checkpoints.
package executor

import "context"

// MessageKind tags the variant carried by an AgentMessage.
type MessageKind string

const (
	MessageText       MessageKind = "text"
	MessageToolUse    MessageKind = "tool_use"
	MessageToolResult MessageKind = "tool_result"
	MessageUsage      MessageKind = "usage"
)

// AgentMessage is the tagged union streamed by the external agent
// transport. Exactly the fields relevant to Kind are populated.
type AgentMessage struct {
	Kind MessageKind

	// MessageText
	Content string

	// MessageToolUse
	ToolName  string
	ToolInput any

	// MessageToolResult
	ToolResult any

	// MessageUsage
	InputTokens  int
	OutputTokens int
}

// StageRequest carries everything the transport needs to run one stage.
type StageRequest struct {
	TaskID       string
	ProjectPath  string
	WorkspaceDir string
	ContainerID  string
	SystemPrompt string
	Stage        string
	Agent        string
	Conversation []string // rendered prior turns, transport-specific format
	Env          map[string]string
}

// Transport is the external agent invocation boundary. The core treats it
// as an opaque asynchronous message source: it accepts a stage request and
// yields a stream of typed messages terminated by a closed channel, or an
// error if the invocation itself could not start.
type Transport interface {
	Run(ctx context.Context, req StageRequest) (<-chan AgentMessage, <-chan error, error)
}
