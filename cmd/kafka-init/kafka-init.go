package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/inboxd/inboxd/internal/repository/kafka"
)

// Creates the change-feed topic before the gateway and relay come up, so
// first boot does not depend on broker auto-creation settings.
func main() {
	broker := env("KAFKA_BROKER", "kafka:9092")
	topic := env("KAFKA_TOPIC", "inboxd.items.change")
	partitions := envInt("KAFKA_PARTITIONS", 1)
	rf := envInt("KAFKA_RF", 1)

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := kafka.EnsureTopic(ctx, []string{broker}, kafka.TopicSpec{
		Name:              topic,
		NumPartitions:     partitions,
		ReplicationFactor: rf,
		MaxWait:           30 * time.Second,
	}, logger); err != nil {
		log.Fatalf("ensure topic %q: %v", topic, err)
	}
	log.Printf("kafka-init ok: topic %q", topic)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, _ := strconv.Atoi(v); n > 0 {
			return n
		}
	}
	return def
}
