package transport

import (
	"fmt"
	"strings"

	"context"

	"github.com/JoshuaAFerguson/apex/internal/common/logger"
	"github.com/JoshuaAFerguson/apex/internal/executor"
	"github.com/JoshuaAFerguson/apex/pkg/amp"
)

// ampBackend runs a stage through the Sourcegraph Amp CLI's stream-json
// protocol via pkg/amp, which is Claude Code-wire-compatible but without a
// control-request permission handshake.
type ampBackend struct{}

func (b *ampBackend) run(ctx context.Context, req executor.StageRequest, log *logger.Logger) (<-chan executor.AgentMessage, <-chan error, error) {
	args := []string{"--stream-json", "-x"}
	proc, err := spawn(ctx, req.WorkspaceDir, "amp", args, req.Env)
	if err != nil {
		return nil, nil, fmt.Errorf("amp: %w", err)
	}

	client := amp.NewClient(proc.stdin, proc.stdout, log)
	msgCh := make(chan executor.AgentMessage, 16)
	errCh := make(chan error, 1)

	client.SetMessageHandler(func(msg *amp.Message) {
		switch msg.Type {
		case amp.MessageTypeAssistant:
			if msg.Message == nil {
				return
			}
			for _, block := range msg.Message.Content {
				switch block.Type {
				case amp.ContentTypeText:
					sendText(msgCh, block.Text)
				case amp.ContentTypeThinking:
					sendText(msgCh, block.Thinking)
				case amp.ContentTypeToolUse:
					msgCh <- executor.AgentMessage{Kind: executor.MessageToolUse, ToolName: block.Name, ToolInput: block.Input}
				case amp.ContentTypeToolResult:
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
		case amp.MessageTypeResult:
			if msg.IsError {
				errCh <- fmt.Errorf("amp: %s", ampErrorText(msg))
			}
			msgCh <- executor.AgentMessage{
				Kind:         executor.MessageUsage,
				InputTokens:  int(msg.TotalInputTokens),
				OutputTokens: int(msg.TotalOutputTokens),
			}
		}
	})

	client.Start(ctx)
	if err := client.SendUserMessage(renderPrompt(req)); err != nil {
		proc.close()
		return nil, nil, fmt.Errorf("amp: send prompt: %w", err)
	}

	go func() {
		defer close(msgCh)
		defer close(errCh)
		err := proc.wait()
		client.Stop()
		if err != nil && ctx.Err() == nil {
			select {
			case errCh <- fmt.Errorf("amp: %w: %s", err, proc.stderr.String()):
			default:
			}
		}
	}()

	return msgCh, errCh, nil
}

func ampErrorText(msg *amp.Message) string {
	if msg.Error != "" {
		return msg.Error
	}
	if len(msg.Errors) > 0 {
		return strings.Join(msg.Errors, "; ")
	}
	return msg.Subtype
}
