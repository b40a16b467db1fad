// Package taskevents is the Orchestrator Façade's typed, synchronous event
// bus: a fixed set of task/agent/capacity channels with add/remove
// listener semantics and exception-contained delivery. Kept separate from
// the orchestrator package itself so the Executor and Scheduler can emit
// onto it without an import cycle back through the façade.
package taskevents

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JoshuaAFerguson/apex/internal/common/logger"
)

// EventType names one of the fixed orchestrator channels.
type EventType string

const (
	EventTaskCreated        EventType = "task:created"
	EventTaskStarted        EventType = "task:started"
	EventTaskStageChanged   EventType = "task:stage-changed"
	EventTaskCompleted      EventType = "task:completed"
	EventTaskFailed         EventType = "task:failed"
	EventTaskPaused         EventType = "task:paused"
	EventTaskSessionResumed EventType = "task:session-resumed"
	EventTaskDecomposed     EventType = "task:decomposed"
	EventSubtaskCreated     EventType = "subtask:created"
	EventSubtaskCompleted   EventType = "subtask:completed"
	EventSubtaskFailed      EventType = "subtask:failed"
	EventAgentMessage       EventType = "agent:message"
	EventAgentThinking      EventType = "agent:thinking"
	EventAgentToolUse       EventType = "agent:tool-use"
	EventAgentToolResult    EventType = "agent:tool-result"
	EventGateRequired       EventType = "gate:required"
	EventGateApproved       EventType = "gate:approved"
	EventGateRejected       EventType = "gate:rejected"
	EventUsageUpdated       EventType = "usage:updated"
	EventLogEntry           EventType = "log:entry"
	EventPRCreated          EventType = "pr:created"
	EventPRFailed           EventType = "pr:failed"
	EventTemplateCreated    EventType = "template:created"
	EventTemplateUpdated    EventType = "template:updated"
	EventCapacityRestored   EventType = "capacity:restored"
)

// Event is one emission on the orchestrator bus. Payload is the
// event-specific data (e.g. *models.Task, a usage delta, an agent message).
type Event struct {
	Type    EventType
	TaskID  string
	Payload any
}

// Listener receives emitted events. A listener that panics is contained by
// the emitter and never aborts delivery to the rest.
type Listener func(Event)

// Emitter is a typed, synchronous publish/subscribe bus. Emit delivers to
// every registered listener for that event's type, in registration order,
// on the caller's goroutine.
type Emitter struct {
	log *logger.Logger

	mu        sync.RWMutex
	nextID    int
	listeners map[EventType][]emitterEntry
}

type emitterEntry struct {
	id int
	cb Listener
}

// NewEmitter constructs an Emitter.
func NewEmitter(log *logger.Logger) *Emitter {
	if log == nil {
		log = logger.Default()
	}
	return &Emitter{
		log:       log.WithComponent("orchestrator-events"),
		listeners: make(map[EventType][]emitterEntry),
	}
}

// On registers a listener for typ and returns an unsubscribe function.
func (e *Emitter) On(typ EventType, cb Listener) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[typ] = append(e.listeners[typ], emitterEntry{id: id, cb: cb})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		entries := e.listeners[typ]
		for i, entry := range entries {
			if entry.id == id {
				e.listeners[typ] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers ev synchronously to every listener registered for ev.Type.
// A panicking listener is recovered and logged; delivery continues to the
// remaining listeners.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	entries := append([]emitterEntry(nil), e.listeners[ev.Type]...)
	e.mu.RUnlock()

	for _, entry := range entries {
		e.dispatch(entry, ev)
	}
}

func (e *Emitter) dispatch(entry emitterEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("event listener panicked",
				zap.String("event", string(ev.Type)),
				zap.Any("recover", r))
		}
	}()
	entry.cb(ev)
}
