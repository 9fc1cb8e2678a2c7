package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/csdwd/claude-code-server/internal/common/logger"
	"github.com/csdwd/claude-code-server/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const wsWriteTimeout = 10 * time.Second

// EventFeed streams bus lifecycle events to connected websocket clients.
type EventFeed struct {
	bus    events.EventBus
	logger *logger.Logger
}

// NewEventFeed creates a websocket event feed over the bus.
func NewEventFeed(bus events.EventBus, log *logger.Logger) *EventFeed {
	return &EventFeed{
		bus:    bus,
		logger: log.WithFields(zap.String("component", "event_feed")),
	}
}

// Handle upgrades GET /api/events/ws and forwards task and session
// lifecycle events until the client disconnects.
func (f *EventFeed) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(ctx context.Context, event *events.Event) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(event)
	}

	taskSub, err := f.bus.Subscribe("task.>", send)
	if err != nil {
		f.logger.Error("failed to subscribe to task events", zap.Error(err))
		return
	}
	defer taskSub.Unsubscribe()

	sessionSub, err := f.bus.Subscribe("session.>", send)
	if err != nil {
		f.logger.Error("failed to subscribe to session events", zap.Error(err))
		return
	}
	defer sessionSub.Unsubscribe()

	f.logger.Debug("event feed client connected", zap.String("remote", conn.RemoteAddr().String()))

	// Drain control frames until the peer goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			f.logger.Debug("event feed client disconnected", zap.Error(err))
			return
		}
	}
}
