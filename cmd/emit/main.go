// The emit tool publishes event messages to the ingest topic. Useful for
// smoke tests and for replaying an event by hand.
//
// Usage:
//
//	emit -event order.created -entity-type order -entity-id ord_42 -payload '{"order_id":"ord_42"}'
//	emit -event load.test -count 1000
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/hookwire/hookwire/internal/observability"
	"github.com/hookwire/hookwire/internal/source"
)

func main() {
	_ = godotenv.Load()

	var (
		event      = flag.String("event", "", "event name (required)")
		entityType = flag.String("entity-type", "", "entity type")
		entityID   = flag.String("entity-id", "", "entity id")
		payload    = flag.String("payload", "{}", "event payload as JSON")
		count      = flag.Int("count", 1, "number of copies to publish")
		brokers    = flag.String("brokers", "", "kafka brokers (defaults to KAFKA_BROKERS)")
		topic      = flag.String("topic", "", "kafka topic (defaults to KAFKA_TOPIC)")
	)
	flag.Parse()

	logger := observability.NewLogger(os.Getenv("HOOKWIRE_LOG_LEVEL"))

	if *event == "" {
		fmt.Fprintln(os.Stderr, "emit: -event is required")
		flag.Usage()
		os.Exit(2)
	}
	if !json.Valid([]byte(*payload)) {
		fmt.Fprintln(os.Stderr, "emit: -payload must be valid JSON")
		os.Exit(2)
	}

	config := source.DefaultProducerConfig()
	if *brokers == "" {
		*brokers = os.Getenv("KAFKA_BROKERS")
	}
	if *brokers != "" {
		config.Brokers = strings.Split(*brokers, ",")
	}
	if *topic == "" {
		*topic = os.Getenv("KAFKA_TOPIC")
	}
	if *topic != "" {
		config.Topic = *topic
	}

	producer := source.NewProducer(config, logger)
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	messages := make([]source.EventMessage, *count)
	for i := range messages {
		entityID := *entityID
		if entityID == "" {
			entityID = fmt.Sprintf("emit_%d_%d", time.Now().UnixNano(), i)
		}
		messages[i] = source.EventMessage{
			Event:      *event,
			EntityType: *entityType,
			EntityID:   entityID,
			Payload:    json.RawMessage(*payload),
		}
	}

	if err := producer.PublishBatch(ctx, messages); err != nil {
		logger.Error("failed to publish", "error", err)
		os.Exit(1)
	}

	logger.Info("published events", slog.Int("count", *count), "event", *event, "topic", config.Topic)
}
