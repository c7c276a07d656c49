package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
)

const (
	keepaliveInterval  = 15 * time.Second
	defaultRecentLimit = 100
)

// EventHandlers serves the live SSE streams and the ring query.
type EventHandlers struct {
	bus    *bus.Bus
	logger *logger.Logger

	// keepalive is shortened in tests.
	keepalive time.Duration
}

func NewEventHandlers(b *bus.Bus, log *logger.Logger) *EventHandlers {
	return &EventHandlers{
		bus:       b,
		logger:    log.WithFields(zap.String("component", "event-handlers")),
		keepalive: keepaliveInterval,
	}
}

func (h *EventHandlers) stream(c *gin.Context) {
	h.streamEvents(c, "")
}

func (h *EventHandlers) streamForAgent(c *gin.Context) {
	h.streamEvents(c, c.Param("id"))
}

// streamEvents tails the bus over SSE until the client goes away. Each
// event is one frame: "event: <lowercase type>\ndata: <json>\n\n". A
// comment line every keepalive interval holds idle connections open
// through proxies. Reconnecting clients see only new events; the ring
// is queried separately via /events/recent.
func (h *EventHandlers) streamEvents(c *gin.Context, agentID string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	var opts []bus.SubscribeOption
	if agentID != "" {
		opts = append(opts, bus.WithAgentID(agentID))
	}
	sub := h.bus.Subscribe(opts...)
	defer h.bus.Unsubscribe(sub)

	h.logger.Debug("event stream opened",
		zap.String("subscriber_id", sub.ID()),
		zap.String("agent_filter", agentID),
		zap.String("client_ip", c.ClientIP()))

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("event stream client gone",
				zap.String("subscriber_id", sub.ID()),
				zap.Uint64("dropped", sub.Dropped()))
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				h.logger.Error("failed to marshal event",
					zap.Error(err), zap.Int64("event_id", e.ID))
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", events.StreamName(e.Type), data)
			c.Writer.Flush()
		case <-keepalive.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()
		}
	}
}

// recent returns up to ?limit= retained ring events, oldest first,
// optionally filtered by ?agent_id=.
func (h *EventHandlers) recent(c *gin.Context) {
	limit := defaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(c, h.logger, errors.ValidationError("limit", "must be a positive integer"))
			return
		}
		limit = n
	}

	list := h.bus.Recent(limit, c.Query("agent_id"))
	c.JSON(http.StatusOK, gin.H{
		"events":        list,
		"count":         len(list),
		"last_event_id": h.bus.LastID(),
	})
}
