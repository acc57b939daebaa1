// internal/server/handlers/region_feed.go

package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"areareport/internal/adapter/events"
	"areareport/internal/domain/geo"
)

// Subscriber subscribes to event bus subjects. *nats.Conn satisfies it.
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// WebSocketConfig contains configuration for WebSocket connections
type WebSocketConfig struct {
	// Time allowed to write a message to the peer
	WriteWait time.Duration

	// Time allowed to read the next pong message from the peer
	PongWait time.Duration

	// Send pings to peer with this period
	PingPeriod time.Duration

	// Maximum message size allowed from peer
	MaxMessageSize int64

	// Events buffered per client before new ones are dropped
	SendBuffer int
}

// DefaultWebSocketConfig returns the default WebSocket configuration
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     (60 * time.Second * 9) / 10,
		MaxMessageSize: 4096,
		SendBuffer:     64,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RegionFeedHandler streams region events of one grid cell to WebSocket clients
type RegionFeedHandler struct {
	subscriber       Subscriber
	topic            string
	defaultPrecision int
	config           WebSocketConfig
	logger           zerolog.Logger
}

// NewRegionFeedHandler creates a region feed. subscriber may be nil when
// events are disabled.
func NewRegionFeedHandler(subscriber Subscriber, topic string, defaultPrecision int, logger zerolog.Logger) *RegionFeedHandler {
	return &RegionFeedHandler{
		subscriber:       subscriber,
		topic:            topic,
		defaultPrecision: defaultPrecision,
		config:           DefaultWebSocketConfig(),
		logger:           logger.With().Str("component", "region_feed").Logger(),
	}
}

// regionFeedClient is one connected WebSocket client
type regionFeedClient struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	sub       *nats.Subscription
	config    WebSocketConfig
	logger    zerolog.Logger
}

// ServeHTTP upgrades the connection and subscribes it to the requested cell
func (h *RegionFeedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.subscriber == nil {
		respondWithError(w, http.StatusServiceUnavailable, "region events are disabled")
		return
	}

	region, _, err := parseRegionQuery(r, h.defaultPrecision)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := region.Validate(); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	region = geo.AdjustToPrecision(region)
	partitionKey := geo.GetPartitionKey(region)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to upgrade to WebSocket")
		return
	}

	client := &regionFeedClient{
		conn:   conn,
		send:   make(chan []byte, h.config.SendBuffer),
		done:   make(chan struct{}),
		config: h.config,
		logger: h.logger.With().Str("partition_key", partitionKey).Logger(),
	}

	go client.writePump()
	go client.readPump()

	sub, err := h.subscriber.Subscribe(events.Subject(h.topic, region), func(msg *nats.Msg) {
		client.enqueue(msg.Data)
	})
	if err != nil {
		client.logger.Error().Err(err).Msg("failed to subscribe to region events")
		client.close()
		return
	}
	client.setSubscription(sub)

	welcome, _ := json.Marshal(map[string]interface{}{
		"type":         "welcome",
		"partitionKey": partitionKey,
		"region":       region,
		"time":         time.Now().UnixMilli(),
	})
	client.enqueue(welcome)

	client.logger.Debug().Msg("region feed client connected")
}

// enqueue hands data to the write pump, dropping it when the client lags
func (c *regionFeedClient) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Warn().Msg("region feed client is slow, dropping event")
	}
}

func (c *regionFeedClient) setSubscription(sub *nats.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		// closed while subscribing
		sub.Unsubscribe()
	default:
		c.sub = sub
	}
}

// readPump discards client messages and detects disconnects
func (c *regionFeedClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

// writePump forwards queued events to the WebSocket connection
func (c *regionFeedClient) writePump() {
	ticker := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close unsubscribes and closes the connection once
func (c *regionFeedClient) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		sub := c.sub
		c.mu.Unlock()

		if sub != nil {
			sub.Unsubscribe()
		}
		c.conn.Close()
		c.logger.Debug().Msg("region feed client disconnected")
	})
}
