package events

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/smallbiznis/adops/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewPublisher),
)

// NewPublisher connects a sync producer when brokers are configured.
func NewPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (Publisher, error) {
	log = log.Named("events")
	if len(cfg.Kafka.Brokers) == 0 {
		log.Info("kafka brokers not configured, lifecycle events disabled")
		return NoopPublisher{}, nil
	}

	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, NewSaramaConfig(cfg.AppName))
	if err != nil {
		return nil, err
	}

	pub := NewKafkaPublisher(producer, cfg.Kafka.Topic, log)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return pub.Close()
		},
	})
	return pub, nil
}
