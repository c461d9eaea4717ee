// Package source ingests events from Kafka and feeds them to the
// dispatcher. Offsets are committed only after dispatch has persisted the
// delivery rows, giving at-least-once fan-out; receivers deduplicate on the
// delivery id header.
package source

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hookwire/hookwire/internal/dispatcher"
)

// EventMessage is the wire format of events on the ingest topic.
type EventMessage struct {
	Event      string          `json:"event"`
	EntityType string          `json:"entity_type,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// Dispatcher accepts resolved events for fan-out.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev dispatcher.Event)
}

// ConsumerConfig defines Kafka consumer parameters.
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	CommitTimeout time.Duration
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Topic:         "hookwire.events",
		GroupID:       "hookwire-engine",
		CommitTimeout: 5 * time.Second,
	}
}

// Consumer reads event messages from Kafka and dispatches them.
type Consumer struct {
	config     ConsumerConfig
	reader     *kafka.Reader
	dispatcher Dispatcher
	logger     *slog.Logger

	wg       sync.WaitGroup
	shutdown chan struct{}
}

func NewConsumer(config ConsumerConfig, dp Dispatcher, logger *slog.Logger) *Consumer {
	if config.CommitTimeout == 0 {
		config.CommitTimeout = 5 * time.Second
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: 0,    // manual commits only
		StartOffset:    kafka.LastOffset,
		GroupBalancers: []kafka.GroupBalancer{
			kafka.RangeGroupBalancer{},
			kafka.RoundRobinGroupBalancer{},
		},
		IsolationLevel: kafka.ReadCommitted,
	})

	return &Consumer{
		config:     config,
		reader:     reader,
		dispatcher: dp,
		logger:     logger,
		shutdown:   make(chan struct{}),
	}
}

// Start begins consuming messages.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.consumeLoop(ctx)
	c.logger.Info("kafka event source started",
		"topic", c.config.Topic,
		"group", c.config.GroupID,
	)
}

// Stop gracefully shuts down the consumer.
func (c *Consumer) Stop() {
	close(c.shutdown)
	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		c.logger.Error("failed to close kafka reader", "error", err)
	}
	c.logger.Info("kafka event source stopped")
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to fetch message", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		// Dispatch persists delivery rows before we commit, so a crash
		// here replays the event rather than losing it.
		c.handleMessage(ctx, msg.Value)

		if err := c.commit(ctx, msg); err != nil {
			c.logger.Error("failed to commit offset",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		}
	}
}

// handleMessage decodes one message and dispatches it. Malformed messages
// are logged and dropped; redelivering them cannot help.
func (c *Consumer) handleMessage(ctx context.Context, value []byte) {
	var ev EventMessage
	if err := json.Unmarshal(value, &ev); err != nil {
		c.logger.Error("failed to unmarshal event message", "error", err)
		return
	}
	if ev.Event == "" {
		c.logger.Error("event message missing event name")
		return
	}
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage(`{}`)
	}

	c.dispatcher.Dispatch(ctx, dispatcher.Event{
		Name:       ev.Event,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		Payload:    ev.Payload,
	})
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	commitCtx, cancel := context.WithTimeout(ctx, c.config.CommitTimeout)
	defer cancel()
	return c.reader.CommitMessages(commitCtx, msg)
}

// Stats returns reader statistics.
func (c *Consumer) Stats() kafka.ReaderStats {
	return c.reader.Stats()
}
