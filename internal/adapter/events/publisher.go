// internal/adapter/events/publisher.go

package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"areareport/internal/domain/geo"
)

// RegionEvent announces that new messages are available in a grid cell.
// Timestamp is taken after the insert completed, so the new records are
// never newer than it.
type RegionEvent struct {
	Type         string     `json:"type"`
	PartitionKey string     `json:"partitionKey"`
	Region       geo.Region `json:"region"`
	Timestamp    int64      `json:"timestamp"` // ms since UNIX epoch
}

// EventTypeMessagesAdded is the type of events published after inserts
const EventTypeMessagesAdded = "messages_added"

// NewRegionEvent builds the event announcing new messages in region
func NewRegionEvent(region geo.Region, timestamp int64) RegionEvent {
	adjusted := geo.AdjustToPrecision(region)
	return RegionEvent{
		Type:         EventTypeMessagesAdded,
		PartitionKey: geo.GetPartitionKey(adjusted),
		Region:       adjusted,
		Timestamp:    timestamp,
	}
}

// Subject returns the subject events for a region are published on
func Subject(topic string, region geo.Region) string {
	return fmt.Sprintf("%s.%s", topic, geo.GetPartitionKey(region))
}

// Connect opens a NATS connection with reconnect handling
func Connect(url string, maxReconnects int, reconnectWait, timeout time.Duration, logger zerolog.Logger) (*nats.Conn, error) {
	options := []nats.Option{
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info().Msg("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to NATS: %w", err)
	}

	return nc, nil
}

// NATSPublisher publishes region events on the event bus
type NATSPublisher struct {
	conn  *nats.Conn
	topic string
}

// NewNATSPublisher creates a publisher rooted at topic
func NewNATSPublisher(conn *nats.Conn, topic string) *NATSPublisher {
	return &NATSPublisher{
		conn:  conn,
		topic: topic,
	}
}

// Topic returns the root subject of published events
func (p *NATSPublisher) Topic() string {
	return p.topic
}

// Conn returns the underlying connection
func (p *NATSPublisher) Conn() *nats.Conn {
	return p.conn
}

// PublishRegionUpdated announces records newly stored in a region
func (p *NATSPublisher) PublishRegionUpdated(region geo.Region, timestamp int64) error {
	event := NewRegionEvent(region, timestamp)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("error marshaling region event: %w", err)
	}

	if err := p.conn.Publish(Subject(p.topic, event.Region), data); err != nil {
		return fmt.Errorf("error publishing region event: %w", err)
	}

	return nil
}
