package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mappy4ever/DexTrends-sub010/internal/pubsub"
)

const streamBuffer = 64

type StreamHandler struct {
	bus *pubsub.Bus
	log *zap.Logger
}

func NewStreamHandler(bus *pubsub.Bus, log *zap.Logger) *StreamHandler {
	return &StreamHandler{
		bus: bus,
		log: log,
	}
}

// Stream relays bus messages for one topic as server-sent events until the client leaves.
// Messages a slow client cannot keep up with are dropped by the bus.
func (h *StreamHandler) Stream(c *gin.Context) {
	topic, ok := pubsub.ParseTopic(c.Param("topic"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown topic"})
		return
	}

	messages, cancel := h.bus.Subscribe(topic, streamBuffer)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	h.log.Debug("Stream subscriber connected", zap.String("topic", string(topic)))
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			h.log.Debug("Stream subscriber left", zap.String("topic", string(topic)))
			return
		case msg, open := <-messages:
			if !open {
				return
			}
			c.SSEvent(string(msg.Topic), msg)
			c.Writer.Flush()
		}
	}
}
