package transport

import (
	"context"
	"fmt"

	"github.com/JoshuaAFerguson/apex/internal/common/logger"
	"github.com/JoshuaAFerguson/apex/internal/executor"
	"github.com/JoshuaAFerguson/apex/pkg/copilot"
)

// copilotBackend runs a stage through the GitHub Copilot SDK via pkg/copilot,
// spawning the CLI the SDK manages internally (no CLIUrl configured).
type copilotBackend struct{}

func (b *copilotBackend) run(ctx context.Context, req executor.StageRequest, log *logger.Logger) (<-chan executor.AgentMessage, <-chan error, error) {
	client := copilot.NewClient(copilot.ClientConfig{Model: req.Env["COPILOT_MODEL"]}, log)
	if err := client.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("copilot: start: %w", err)
	}

	msgCh := make(chan executor.AgentMessage, 16)
	errCh := make(chan error, 1)
	done := make(chan struct{})

	client.SetPermissionHandler(func(_ copilot.PermissionRequest, _ copilot.PermissionInvocation) (copilot.PermissionRequestResult, error) {
		// Tool-use approval lives at the workflow gate layer; auto-allow here.
		return copilot.PermissionRequestResult{Kind: "approved"}, nil
	})

	client.SetEventHandler(func(evt copilot.SessionEvent) {
		emitCopilotEvent(msgCh, errCh, done, evt)
	})

	if _, err := client.CreateSession(ctx, nil); err != nil {
		_ = client.Stop()
		return nil, nil, fmt.Errorf("copilot: create session: %w", err)
	}

	if _, err := client.Send(ctx, renderPrompt(req)); err != nil {
		_ = client.Stop()
		return nil, nil, fmt.Errorf("copilot: send: %w", err)
	}

	go func() {
		defer close(msgCh)
		defer close(errCh)
		select {
		case <-done:
		case <-ctx.Done():
		}
		_ = client.Stop()
	}()

	return msgCh, errCh, nil
}

// emitCopilotEvent translates one SDK session event into zero or more
// AgentMessages, closing done once the turn finishes or aborts.
func emitCopilotEvent(ch chan<- executor.AgentMessage, errCh chan<- error, done chan struct{}, evt copilot.SessionEvent) {
	switch evt.Type {
	case copilot.EventTypeAssistantMessage:
		if evt.Data.Content != nil {
			sendText(ch, *evt.Data.Content)
		}
	case copilot.EventTypeAssistantMessageDelta, copilot.EventTypeAssistantReasoningDelta:
		if evt.Data.DeltaContent != nil {
			sendText(ch, *evt.Data.DeltaContent)
		}
	case copilot.EventTypeAssistantReasoning:
		if evt.Data.Content != nil {
			sendText(ch, *evt.Data.Content)
		}
	case copilot.EventTypeToolStart:
		toolName := ""
		if evt.Data.ToolName != nil {
			toolName = *evt.Data.ToolName
		}
		ch <- executor.AgentMessage{Kind: executor.MessageToolUse, ToolName: toolName, ToolInput: evt.Data.Arguments}
	case copilot.EventTypeToolComplete:
		ch <- executor.AgentMessage{Kind: executor.MessageToolResult, ToolResult: evt.Data.Result}
	case copilot.EventTypeAssistantUsage, copilot.EventTypeSessionUsageInfo:
		usage := executor.AgentMessage{Kind: executor.MessageUsage}
		if evt.Data.InputTokens != nil {
			usage.InputTokens = int(*evt.Data.InputTokens)
		}
		if evt.Data.OutputTokens != nil {
			usage.OutputTokens = int(*evt.Data.OutputTokens)
		}
		ch <- usage
	case copilot.EventTypeSessionError:
		msg := "session error"
		if evt.Data.Message != nil {
			msg = *evt.Data.Message
		}
		select {
		case errCh <- fmt.Errorf("copilot: %s", msg):
		default:
		}
		closeOnce(done)
	case copilot.EventTypeSessionIdle, copilot.EventTypeAbort:
		closeOnce(done)
	}
}

func closeOnce(done chan struct{}) {
	select {
	case <-done:
	default:
		close(done)
	}
}
