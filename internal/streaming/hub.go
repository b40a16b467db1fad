// Package streaming fans task events out to WebSocket clients: each
// taskevents.Emitter emission of a type listed in relayedEvents becomes a
// notification, broadcast to clients subscribed to that task id. Grounded on the
// teacher's internal/gateway/websocket hub/client pair, trimmed from its
// board/agent/session/user notification surface down to the single task
// event stream this daemon has.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/JoshuaAFerguson/apex/internal/common/logger"
	"github.com/JoshuaAFerguson/apex/internal/taskevents"
	ws "github.com/JoshuaAFerguson/apex/pkg/websocket"
)

// relayedEvents is the subset of the orchestrator bus forwarded to clients,
// paired with the notification action it's relayed under.
var relayedEvents = map[taskevents.EventType]string{
	taskevents.EventTaskCreated:        ws.ActionTaskUpdated,
	taskevents.EventTaskStarted:        ws.ActionTaskUpdated,
	taskevents.EventTaskStageChanged:   ws.ActionTaskUpdated,
	taskevents.EventTaskCompleted:      ws.ActionTaskUpdated,
	taskevents.EventTaskFailed:         ws.ActionTaskUpdated,
	taskevents.EventTaskPaused:         ws.ActionTaskUpdated,
	taskevents.EventTaskSessionResumed: ws.ActionTaskUpdated,
	taskevents.EventAgentMessage:       ws.ActionAgentMessage,
	taskevents.EventAgentThinking:      ws.ActionAgentMessage,
	taskevents.EventAgentToolUse:       ws.ActionAgentMessage,
	taskevents.EventAgentToolResult:    ws.ActionAgentMessage,
	taskevents.EventGateRequired:       ws.ActionGateRequired,
	taskevents.EventUsageUpdated:       ws.ActionUsageUpdated,
	taskevents.EventLogEntry:           ws.ActionLogEntry,
}

// Hub manages all WebSocket client connections and relays the task event
// bus onto them.
type Hub struct {
	clients         map[*Client]bool
	taskSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ws.Message

	dispatcher *ws.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a Hub wired to emitter: every relayed event type becomes a
// per-task broadcast. The listeners stay registered on emitter for the
// emitter's lifetime; NewHub keeps no way to remove them.
func NewHub(emitter *taskevents.Emitter, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	dispatcher := ws.NewDispatcher()
	RegisterHealthHandler(dispatcher)

	h := &Hub{
		clients:         make(map[*Client]bool),
		taskSubscribers: make(map[string]map[*Client]bool),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		broadcast:       make(chan *ws.Message, 256),
		dispatcher:      dispatcher,
		logger:          log.WithComponent("streaming"),
	}

	if emitter != nil {
		for evt, action := range relayedEvents {
			evt, action := evt, action
			emitter.On(evt, func(ev taskevents.Event) {
				h.relay(action, ev)
			})
		}
	}

	return h
}

func (h *Hub) relay(action string, ev taskevents.Event) {
	msg, err := ws.NewNotification(action, taskEventPayload{
		Event:   string(ev.Type),
		TaskID:  ev.TaskID,
		Payload: ev.Payload,
	})
	if err != nil {
		h.logger.Error("failed to build notification", zap.Error(err))
		return
	}
	h.BroadcastToTask(ev.TaskID, msg)
}

type taskEventPayload struct {
	Event   string `json:"event"`
	TaskID  string `json:"task_id"`
	Payload any    `json:"payload"`
}

// Run starts the hub's main processing loop; it returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("streaming hub started")
	defer h.logger.Info("streaming hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.removeClient(client)
		case msg := <-h.broadcast:
			h.broadcastAll(msg)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.closeSend()
	}
	h.clients = make(map[*Client]bool)
	h.taskSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.closeSend()
	for taskID := range client.subscriptions {
		if clients, ok := h.taskSubscribers[taskID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.taskSubscribers, taskID)
			}
		}
	}
}

func (h *Hub) broadcastAll(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.enqueue(data)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// BroadcastToTask sends a notification to clients subscribed to taskID.
func (h *Hub) BroadcastToTask(taskID string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal task message", zap.Error(err))
		return
	}
	h.mu.RLock()
	clients := h.taskSubscribers[taskID]
	h.mu.RUnlock()
	for client := range clients {
		client.enqueue(data)
	}
}

// SubscribeToTask subscribes client to taskID's notifications.
func (h *Hub) SubscribeToTask(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.taskSubscribers[taskID]; !ok {
		h.taskSubscribers[taskID] = make(map[*Client]bool)
	}
	h.taskSubscribers[taskID][client] = true
	client.subscriptions[taskID] = true
}

// UnsubscribeFromTask removes client's subscription to taskID.
func (h *Hub) UnsubscribeFromTask(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(client.subscriptions, taskID)
	if clients, ok := h.taskSubscribers[taskID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.taskSubscribers, taskID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatcher returns the hub's request/response message dispatcher.
func (h *Hub) Dispatcher() *ws.Dispatcher { return h.dispatcher }
