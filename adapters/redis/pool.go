package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	redigo "github.com/gomodule/redigo/redis"
	"go.uber.org/zap"

	"github.com/next-trace/scg-reply-bus/codec"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

// Concrete redigo pool-backed Client and constructor.

type Config struct {
	Addr        string
	Password    string
	DB          int
	MaxIdle     int
	IdleTimeout time.Duration
	Queue       string
	ReplyTTL    time.Duration
	PollTimeout time.Duration
}

func newPool(cfg Config) *redigo.Pool {
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = 3
	}

	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 240 * time.Second
	}

	return &redigo.Pool{
		MaxIdle:     maxIdle,
		IdleTimeout: idle,
		DialContext: func(ctx context.Context) (redigo.Conn, error) {
			return redigo.DialContext(ctx, "tcp", cfg.Addr,
				redigo.DialPassword(cfg.Password),
				redigo.DialDatabase(cfg.DB))
		},
		TestOnBorrow: func(c redigo.Conn, lastUsed time.Time) error {
			if time.Since(lastUsed) < time.Minute {
				return nil
			}

			_, err := c.Do("PING")

			return err
		},
	}
}

type poolClient struct{ pool *redigo.Pool }

func (c poolClient) do(ctx context.Context, cmd string, args ...any) (any, error) {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return redigo.DoContext(conn, ctx, cmd, args...)
}

func (c poolClient) LPush(ctx context.Context, key string, value []byte) error {
	_, err := c.do(ctx, "LPUSH", key, value)
	return err
}

func (c poolClient) BRPop(ctx context.Context, key string, timeout time.Duration) ([]byte, bool, error) {
	secs := int(math.Ceil(timeout.Seconds()))
	if secs < 1 {
		secs = 1
	}

	kv, err := redigo.ByteSlices(c.do(ctx, "BRPOP", key, secs))
	if errors.Is(err, redigo.ErrNil) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, err
	}

	if len(kv) != 2 {
		return nil, false, fmt.Errorf("brpop %s: unexpected reply of %d elements", key, len(kv))
	}

	return kv[1], true, nil
}

func (c poolClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := c.do(ctx, "PEXPIRE", key, ttl.Milliseconds())
	return err
}

// NewWithPool builds a redigo pool based Adapter. The returned cleanup closes the pool.
func NewWithPool(cfg Config, cd *codec.Registry, logger *zap.Logger) (*Adapter, func(), error) {
	if cfg.Addr == "" {
		return nil, nil, fmt.Errorf("%w: redis addr required", berr.ErrTransportFailed)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	pool := newPool(cfg)

	ad := New(poolClient{pool: pool}, cd)
	ad.Logger = logger

	if cfg.Queue != "" {
		ad.Queue = cfg.Queue
	}

	if cfg.ReplyTTL > 0 {
		ad.ReplyTTL = cfg.ReplyTTL
	}

	if cfg.PollTimeout > 0 {
		ad.PollTimeout = cfg.PollTimeout
	}

	cleanup := func() {
		if err := pool.Close(); err != nil {
			logger.Warn("redis pool close", zap.Error(err))
		}
	}

	return ad, cleanup, nil
}
