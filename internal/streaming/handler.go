package streaming

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JoshuaAFerguson/apex/internal/common/logger"
	ws "github.com/JoshuaAFerguson/apex/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The stream only ever carries read-only task telemetry; any origin
	// may subscribe.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades incoming HTTP requests to WebSocket connections and
// registers the resulting client with a Hub.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler returns a Handler that registers connections with hub.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{hub: hub, logger: log.WithComponent("streaming")}
}

// HandleConnection upgrades c's request to a WebSocket connection and pumps
// it until the client disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.NewString(), conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// RegisterRoutes mounts the task event stream under router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/ws/tasks", h.HandleConnection)
}

// RegisterHealthHandler wires a trivial health.check responder into d, so
// clients can confirm the stream is alive without touching the task bus.
func RegisterHealthHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, func(_ context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"status": "ok"})
	})
}
