package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/gocomet/courier-dispatch/internal/config"
	"github.com/gocomet/courier-dispatch/internal/events"
	"github.com/gocomet/courier-dispatch/pkg/logger"
)

// eventtail follows the booking event topic and logs every event, as an audit
// trail of what the dispatch service published.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer := events.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, appLogger)
	defer consumer.Close()

	appLogger.Info("Tailing booking events",
		logger.String("topic", cfg.Kafka.Topic),
		logger.String("group", cfg.Kafka.GroupID),
	)

	sink := events.NewLogPublisher(appLogger)
	if err := consumer.Run(ctx, func(e events.Event) error {
		return sink.Publish(ctx, e)
	}); err != nil {
		appLogger.Fatal("Consumer stopped", logger.Err(err))
	}
	appLogger.Info("Consumer stopped")
}
