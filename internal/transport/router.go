package transport

import (
	"context"
	"fmt"

	"github.com/JoshuaAFerguson/apex/internal/common/logger"
	"github.com/JoshuaAFerguson/apex/internal/executor"
	"github.com/JoshuaAFerguson/apex/pkg/agent"
)

// backend runs one stage against one agent CLI protocol.
type backend interface {
	run(ctx context.Context, req executor.StageRequest, log *logger.Logger) (<-chan executor.AgentMessage, <-chan error, error)
}

// Router is the executor.Transport implementation that dispatches each stage
// request to the backend named by req.Agent, defaulting to Claude Code.
// Construction wires one backend instance per supported agent.Protocol; this
// is the daemon's single concrete Transport, replacing the per-protocol
// adapters the teacher ships under internal/agentctl/server/adapter with a
// much smaller set scoped to this daemon's one-shot-per-stage model.
type Router struct {
	backends map[agent.Protocol]backend
	log      *logger.Logger
}

// New constructs a Router with the full set of supported agent backends.
func New(log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("transport")
	return &Router{
		log: log,
		backends: map[agent.Protocol]backend{
			agent.ProtocolClaudeCode: &claudeCodeBackend{},
			agent.ProtocolAmp:        &ampBackend{},
			agent.ProtocolCodex:      &codexBackend{},
			agent.ProtocolOpenCode:   &openCodeBackend{},
			agent.ProtocolCopilot:    &copilotBackend{},
		},
	}
}

var _ executor.Transport = (*Router)(nil)

// Run implements executor.Transport.
func (r *Router) Run(ctx context.Context, req executor.StageRequest) (<-chan executor.AgentMessage, <-chan error, error) {
	proto := agent.Protocol(req.Agent)
	if proto == "" {
		proto = agent.ProtocolClaudeCode
	}
	b, ok := r.backends[proto]
	if !ok {
		return nil, nil, fmt.Errorf("transport: unsupported agent protocol %q", proto)
	}
	return b.run(ctx, req, r.log)
}
