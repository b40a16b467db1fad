package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JoshuaAFerguson/apex/internal/common/logger"
	"github.com/JoshuaAFerguson/apex/internal/executor"
	"github.com/JoshuaAFerguson/apex/pkg/claudecode"
)

// claudeCodeBackend runs a stage through the Claude Code CLI's stream-json
// protocol via pkg/claudecode.
type claudeCodeBackend struct{}

func (b *claudeCodeBackend) run(ctx context.Context, req executor.StageRequest, log *logger.Logger) (<-chan executor.AgentMessage, <-chan error, error) {
	args := []string{"--input-format", "stream-json", "--output-format", "stream-json", "--print"}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}

	proc, err := spawn(ctx, req.WorkspaceDir, "claude", args, req.Env)
	if err != nil {
		return nil, nil, fmt.Errorf("claude-code: %w", err)
	}

	client := claudecode.NewClient(proc.stdin, proc.stdout, log)
	client.SetRequestHandler(func(requestID string, creq *claudecode.ControlRequest) {
		// Tool-use approval lives at the workflow gate layer, not the CLI's own
		// permission protocol; auto-allow so a stage never blocks on it here.
		_ = client.SendControlResponse(&claudecode.ControlResponseMessage{
			Type:      claudecode.MessageTypeControlResponse,
			RequestID: requestID,
			Response:  &claudecode.ControlResponse{Subtype: "success", Result: &claudecode.PermissionResult{Behavior: claudecode.BehaviorAllow}},
		})
	})

	msgCh := make(chan executor.AgentMessage, 16)
	errCh := make(chan error, 1)

	client.SetMessageHandler(func(msg *claudecode.CLIMessage) {
		switch msg.Type {
		case claudecode.MessageTypeAssistant:
			if msg.Message == nil {
				return
			}
			for _, block := range msg.Message.GetContentBlocks() {
				switch block.Type {
				case "text":
					sendText(msgCh, block.Text)
				case "thinking":
					sendText(msgCh, block.Thinking)
				case "tool_use":
					msgCh <- executor.AgentMessage{Kind: executor.MessageToolUse, ToolName: block.Name, ToolInput: block.Input}
				case "tool_result":
					msgCh <- executor.AgentMessage{Kind: executor.MessageToolResult, ToolResult: block.Content}
				}
			}
			if msg.Message.Usage != nil {
				msgCh <- executor.AgentMessage{
					Kind:         executor.MessageUsage,
					InputTokens:  int(msg.Message.Usage.InputTokens),
					OutputTokens: int(msg.Message.Usage.OutputTokens),
				}
			}
		case claudecode.MessageTypeResult:
			if msg.IsError {
				errCh <- fmt.Errorf("claude-code: %s", resultErrorText(msg))
			}
			msgCh <- executor.AgentMessage{
				Kind:         executor.MessageUsage,
				InputTokens:  int(msg.TotalInputTokens),
				OutputTokens: int(msg.TotalOutputTokens),
			}
		}
	})

	ready := client.Start(ctx)
	select {
	case <-ready:
	case <-ctx.Done():
		proc.close()
		return nil, nil, ctx.Err()
	}

	if _, err := client.Initialize(ctx, 30*time.Second); err != nil {
		proc.close()
		return nil, nil, fmt.Errorf("claude-code: initialize: %w", err)
	}
	if err := client.SendUserMessage(renderPrompt(req)); err != nil {
		proc.close()
		return nil, nil, fmt.Errorf("claude-code: send prompt: %w", err)
	}

	go func() {
		defer close(msgCh)
		defer close(errCh)
		err := proc.wait()
		client.Stop()
		if err != nil && ctx.Err() == nil {
			select {
			case errCh <- fmt.Errorf("claude-code: %w: %s", err, proc.stderr.String()):
			default:
			}
		}
	}()

	return msgCh, errCh, nil
}

func resultErrorText(msg *claudecode.CLIMessage) string {
	if s := msg.GetResultString(); s != "" {
		return s
	}
	if len(msg.Errors) > 0 {
		return strings.Join(msg.Errors, "; ")
	}
	return msg.Subtype
}

// renderPrompt joins the stage's rendered conversation turns into a single
// prompt; Claude Code's own session holds prior turns once a conversation is
// resumed, so only the new turns need sending here.
func renderPrompt(req executor.StageRequest) string {
	if len(req.Conversation) == 0 {
		return req.SystemPrompt
	}
	return strings.Join(req.Conversation, "\n\n")
}
