package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/orchestrator"
	"github.com/agentdock/agentdock/internal/store"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
	"github.com/agentdock/agentdock/pkg/ws"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Gateway routes inbound command frames to the store and orchestrator and
// serves the websocket endpoint.
type Gateway struct {
	hub        *Hub
	store      store.Store
	orch       *orchestrator.Orchestrator
	dispatcher *ws.Dispatcher
	logger     *logger.Logger
}

func New(hub *Hub, st store.Store, orch *orchestrator.Orchestrator, log *logger.Logger) *Gateway {
	g := &Gateway{
		hub:        hub,
		store:      st,
		orch:       orch,
		dispatcher: ws.NewDispatcher(),
		logger:     log.WithFields(zap.String("component", "gateway")),
	}
	g.registerHandlers()
	return g
}

// RegisterRoutes mounts the websocket endpoint and health check.
func (g *Gateway) RegisterRoutes(router *gin.Engine) {
	router.GET("/ws", g.handleConnection)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agentdock"})
	})
}

func (g *Gateway) handleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, g.hub, g.logger)
	g.hub.Register(client)

	g.logger.Debug("websocket connection established",
		zap.String("client_id", client.id),
		zap.String("remote_addr", c.Request.RemoteAddr))

	go client.WritePump()
	client.ReadPump(context.Background(), g.dispatch)
}

// dispatch routes one frame and converts failures into error events for
// the originating client. The connection survives all handler errors.
func (g *Gateway) dispatch(ctx context.Context, client *Client, frame *ws.Frame) {
	err := g.dispatcher.Dispatch(ctx, client, frame)
	if err == nil {
		return
	}

	event := v1.ErrorEvent{Type: v1.EventError}

	var opErr *orchestrator.Error
	var unknown *ws.ErrUnknownType
	switch {
	case errors.As(err, &opErr):
		event.Code = opErr.Code
		event.Message = opErr.Message
	case errors.As(err, &unknown):
		event.Code = v1.ErrProtocol
		event.Message = unknown.Error()
	default:
		event.Code = v1.ErrInternal
		event.Message = err.Error()
	}

	// Best effort: scope the error to the frame's session when it names one.
	var scoped struct {
		SessionID string `json:"sessionId"`
	}
	if json.Unmarshal(frame.Raw, &scoped) == nil {
		event.SessionID = scoped.SessionID
	}

	g.logger.Debug("command failed",
		zap.String("type", frame.Type),
		zap.String("code", event.Code),
		zap.String("message", event.Message))
	client.Enqueue(event)
}
