package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JoshuaAFerguson/apex/internal/common/logger"
	"github.com/JoshuaAFerguson/apex/internal/executor"
	"github.com/JoshuaAFerguson/apex/pkg/opencode"
)

// openCodeBackend runs a stage through a spawned "opencode serve" instance,
// talking to it over pkg/opencode's REST + SSE protocol rather than stdio.
type openCodeBackend struct{}

const openCodeServerPort = "4096"

func (b *openCodeBackend) run(ctx context.Context, req executor.StageRequest, log *logger.Logger) (<-chan executor.AgentMessage, <-chan error, error) {
	password := opencode.GenerateServerPassword()
	args := []string{"serve", "--port", openCodeServerPort}
	env := map[string]string{"OPENCODE_SERVER_PASSWORD": password}
	for k, v := range req.Env {
		env[k] = v
	}

	proc, err := spawn(ctx, req.WorkspaceDir, "opencode", args, env)
	if err != nil {
		return nil, nil, fmt.Errorf("opencode: %w", err)
	}
	// opencode serve speaks HTTP, not line-stdio; keep the process handle for
	// lifecycle management but close the unused pipes immediately.
	_ = proc.stdin.Close()
	_ = proc.stdout.Close()

	client := opencode.NewClient("http://127.0.0.1:"+openCodeServerPort, req.WorkspaceDir, password, log)

	if err := client.WaitForHealth(ctx); err != nil {
		proc.close()
		return nil, nil, fmt.Errorf("opencode: server did not become healthy: %w", err)
	}

	sessionID, err := client.CreateSession(ctx)
	if err != nil {
		proc.close()
		return nil, nil, fmt.Errorf("opencode: create session: %w", err)
	}

	msgCh := make(chan executor.AgentMessage, 16)
	errCh := make(chan error, 1)

	client.SetEventHandler(func(event *opencode.SDKEventEnvelope) {
		emitOpenCodeEvent(msgCh, event)
	})

	if err := client.StartEventStream(ctx, sessionID); err != nil {
		proc.close()
		return nil, nil, fmt.Errorf("opencode: start event stream: %w", err)
	}

	if err := client.SendPrompt(ctx, sessionID, renderPrompt(req), nil, "", ""); err != nil {
		proc.close()
		return nil, nil, fmt.Errorf("opencode: send prompt: %w", err)
	}

	go func() {
		defer close(msgCh)
		defer close(errCh)
		defer proc.close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-client.ControlChannel():
				switch ev.Type {
				case "idle":
					return
				case "auth_required", "session_error":
					errCh <- fmt.Errorf("opencode: %s", ev.Message)
					return
				case "disconnected":
					return
				}
			}
		}
	}()

	return msgCh, errCh, nil
}

// emitOpenCodeEvent translates one SSE event into zero or more AgentMessages.
// Only part updates carry incremental content; message.updated only carries
// token totals once a turn finishes.
func emitOpenCodeEvent(ch chan<- executor.AgentMessage, event *opencode.SDKEventEnvelope) {
	switch event.Type {
	case opencode.SDKEventMessagePartUpdated:
		var props opencode.MessagePartUpdatedProperties
		if json.Unmarshal(event.Properties, &props) != nil {
			return
		}
		switch props.Part.Type {
		case opencode.PartTypeText, opencode.PartTypeReasoning:
			sendText(ch, props.Delta)
			if props.Delta == "" {
				sendText(ch, props.Part.Text)
			}
		case opencode.PartTypeTool:
			if props.Part.State == nil {
				return
			}
			switch props.Part.State.Status {
			case opencode.ToolStatusRunning, opencode.ToolStatusPending:
				ch <- executor.AgentMessage{Kind: executor.MessageToolUse, ToolName: props.Part.Tool, ToolInput: props.Part.State.Input}
			case opencode.ToolStatusCompleted, opencode.ToolStatusError:
				ch <- executor.AgentMessage{Kind: executor.MessageToolResult, ToolResult: props.Part.State.Output}
			}
		}
	case opencode.SDKEventMessageUpdated:
		var props opencode.MessageUpdatedProperties
		if json.Unmarshal(event.Properties, &props) != nil {
			return
		}
		if props.Info.Tokens == nil {
			return
		}
		ch <- executor.AgentMessage{
			Kind:         executor.MessageUsage,
			InputTokens:  props.Info.Tokens.Input,
			OutputTokens: props.Info.Tokens.Output,
		}
	}
}
