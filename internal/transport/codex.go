package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JoshuaAFerguson/apex/internal/common/logger"
	"github.com/JoshuaAFerguson/apex/internal/executor"
	"github.com/JoshuaAFerguson/apex/pkg/codex"
)

// codexBackend runs a stage through the OpenAI Codex app-server's JSON-RPC
// protocol via pkg/codex: initialize, start a new thread, start a
// turn, and translate its item/* notifications into AgentMessages until
// turn/completed.
type codexBackend struct{}

func (b *codexBackend) run(ctx context.Context, req executor.StageRequest, log *logger.Logger) (<-chan executor.AgentMessage, <-chan error, error) {
	proc, err := spawn(ctx, req.WorkspaceDir, "codex", []string{"app-server"}, req.Env)
	if err != nil {
		return nil, nil, fmt.Errorf("codex: %w", err)
	}

	client := codex.NewClient(proc.stdin, proc.stdout, log)
	msgCh := make(chan executor.AgentMessage, 16)
	errCh := make(chan error, 1)
	done := make(chan struct{})

	client.SetRequestHandler(func(id any, method string, params json.RawMessage) {
		switch method {
		case "item/commandExecution/requestApproval", "item/fileChange/requestApproval":
			_ = client.SendResponse(id, codex.ApprovalResponse{Decision: "approve"}, nil)
		default:
			_ = client.SendResponse(id, nil, &codex.Error{Code: codex.MethodNotFound, Message: "unhandled request"})
		}
	})

	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		switch method {
		case codex.NotifyItemAgentMessageDelta:
			var p codex.AgentMessageDeltaParams
			if json.Unmarshal(params, &p) == nil {
				sendText(msgCh, p.Delta)
			}
		case codex.NotifyItemReasoningTextDelta, codex.NotifyItemReasoningSummaryDelta:
			var p codex.ReasoningDeltaParams
			if json.Unmarshal(params, &p) == nil {
				sendText(msgCh, p.Delta)
			}
		case codex.NotifyItemCompleted:
			var p codex.ItemCompletedParams
			if json.Unmarshal(params, &p) == nil && p.Item != nil {
				emitCodexItem(msgCh, p.Item)
			}
		case codex.NotifyTurnCompleted:
			var p codex.TurnCompletedParams
			if json.Unmarshal(params, &p) == nil && !p.Success {
				select {
				case errCh <- fmt.Errorf("codex: turn failed: %s", p.Error):
				default:
				}
			}
			close(done)
		case codex.NotifyError:
			var p codex.ErrorParams
			if json.Unmarshal(params, &p) == nil {
				select {
				case errCh <- fmt.Errorf("codex: %s", p.Message):
				default:
				}
			}
		}
	})

	client.Start(ctx)

	if _, err := client.Call(ctx, codex.MethodInitialize, codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "apex", Version: "1"},
	}); err != nil {
		proc.close()
		return nil, nil, fmt.Errorf("codex: initialize: %w", err)
	}

	threadResp, err := client.Call(ctx, codex.MethodThreadStart, codex.ThreadStartParams{
		Cwd:            req.WorkspaceDir,
		ApprovalPolicy: "on-request",
	})
	if err != nil {
		proc.close()
		return nil, nil, fmt.Errorf("codex: thread/start: %w", err)
	}
	var threadResult codex.ThreadStartResult
	if threadResp.Result != nil {
		_ = json.Unmarshal(threadResp.Result, &threadResult)
	}
	if threadResult.Thread == nil {
		proc.close()
		return nil, nil, fmt.Errorf("codex: thread/start returned no thread")
	}

	if _, err := client.Call(ctx, codex.MethodTurnStart, codex.TurnStartParams{
		ThreadID: threadResult.Thread.ID,
		Input:    []codex.UserInput{{Type: "text", Text: renderPrompt(req)}},
	}); err != nil {
		proc.close()
		return nil, nil, fmt.Errorf("codex: turn/start: %w", err)
	}

	go func() {
		defer close(msgCh)
		defer close(errCh)
		select {
		case <-done:
		case <-ctx.Done():
		}
		client.Stop()
		proc.close()
	}()

	return msgCh, errCh, nil
}

func emitCodexItem(ch chan<- executor.AgentMessage, item *codex.Item) {
	switch item.Type {
	case "agentMessage":
		for _, c := range item.Content {
			sendText(ch, c.Text)
		}
	case "commandExecution":
		ch <- executor.AgentMessage{Kind: executor.MessageToolUse, ToolName: "exec", ToolInput: item.Command}
		ch <- executor.AgentMessage{Kind: executor.MessageToolResult, ToolResult: item.AggregatedOutput}
	case "fileChange":
		ch <- executor.AgentMessage{Kind: executor.MessageToolUse, ToolName: "file_change", ToolInput: item.Changes}
	}
}
