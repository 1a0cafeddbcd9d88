package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/next-trace/scg-reply-bus/adapters/inmemory"
	"github.com/next-trace/scg-reply-bus/adapters/kafka"
	"github.com/next-trace/scg-reply-bus/adapters/nats"
	"github.com/next-trace/scg-reply-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-reply-bus/adapters/redis"
	"github.com/next-trace/scg-reply-bus/adapters/sqlstore"
	"github.com/next-trace/scg-reply-bus/codec"
	"github.com/next-trace/scg-reply-bus/config"
	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
)

// openSource connects the configured transport. The returned cleanup releases it.
func openSource(ctx context.Context, cfg *config.Config, cd *codec.Registry, logger *zap.Logger) (cbus.RequestSource, func(), error) {
	logger = logger.With(zap.String("transport", cfg.Transport))

	switch cfg.Transport {
	case config.TransportInMemory:
		src := inmemory.New(cfg.Worker.QueueSize)
		return src, func() { _ = src.Close() }, nil

	case config.TransportNATS:
		c := cfg.NATS
		return nats.NewWithNATS(nats.Config{
			URL:           c.URL,
			Name:          c.Name,
			ConnTimeout:   c.ConnTimeout,
			MaxReconnects: c.MaxReconnects,
			Subject:       c.Subject,
			QueueGroup:    c.QueueGroup,
		}, cd, logger)

	case config.TransportRabbitMQ:
		c := cfg.RabbitMQ
		return rabbitmq.NewWithAMQPConn(rabbitmq.Config{
			URL:         c.URL,
			ConnTimeout: c.ConnTimeout,
			Queue:       c.Queue,
			Prefetch:    c.Prefetch,
		}, cd, logger)

	case config.TransportKafka:
		c := cfg.Kafka
		return kafka.NewWithKgo(kafka.Config{
			Brokers:  c.Brokers,
			ClientID: c.ClientID,
			Group:    c.Group,
			Topic:    c.Topic,
		}, cd, logger)

	case config.TransportRedis:
		c := cfg.Redis
		return redis.NewWithPool(redis.Config{
			Addr:        c.Addr,
			Password:    c.Password,
			DB:          c.DB,
			MaxIdle:     c.MaxIdle,
			IdleTimeout: c.IdleTimeout,
			Queue:       c.Queue,
			ReplyTTL:    c.ReplyTTL,
			PollTimeout: c.PollTimeout,
		}, cd, logger)

	case config.TransportSQLStore:
		c := cfg.SQLStore
		s, err := sqlstore.Open(ctx, sqlstore.Config{
			Path:            c.Path,
			MaxOpenConns:    c.MaxOpenConns,
			MaxIdleConns:    c.MaxIdleConns,
			ConnMaxLifetime: c.ConnMaxLifetime,
			Queue:           c.Queue,
			PollInterval:    c.PollInterval,
		}, cd, logger)
		if err != nil {
			return nil, nil, err
		}

		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("request store close", zap.Error(err))
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
