package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-reply-bus/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))

	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, config.TransportInMemory, cfg.Transport)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.HTTP.Enabled)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.Backoff)
	assert.Equal(t, 5*time.Minute, cfg.Redis.ReplyTTL)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeFile(t, "replybus.yaml", `
transport: redis
log:
  level: debug
http:
  enabled: true
  port: 9090
redis:
  addr: localhost:6379
  poll_timeout: 2s
`)

	t.Setenv("REPLYBUS_HTTP_PORT", "9191")
	t.Setenv("REPLYBUS_WORKER_CONCURRENCY", "3")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, config.TransportRedis, cfg.Transport)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, 9191, cfg.HTTP.Port, "environment wins over file")
	assert.Equal(t, 3, cfg.Worker.Concurrency)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Second, cfg.Redis.PollTimeout)
}

func TestLoad_EnvFile(t *testing.T) {
	envFile := writeFile(t, ".env", `
REPLYBUS_TRANSPORT=kafka
REPLYBUS_KAFKA_BROKERS=a:9092,b:9092
REPLYBUS_LOG_LEVEL=warn
`)

	t.Setenv("REPLYBUS_LOG_LEVEL", "error")

	cfg, err := config.Load("", envFile, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, config.TransportKafka, cfg.Transport)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "error", cfg.Log.Level, "process environment wins over .env")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		return config.Config{
			Transport: config.TransportInMemory,
			Log:       config.LoggerConfig{Format: "json"},
			Worker:    config.WorkerConfig{Concurrency: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"inmemory", func(*config.Config) {}, ""},
		{"unknown transport", func(c *config.Config) { c.Transport = "carrier-pigeon" }, `unknown transport "carrier-pigeon"`},
		{"nats without url", func(c *config.Config) { c.Transport = config.TransportNATS; c.NATS.Subject = "s" }, "nats.url is required"},
		{"rabbitmq without url", func(c *config.Config) { c.Transport = config.TransportRabbitMQ }, "rabbitmq.url is required"},
		{"kafka without brokers", func(c *config.Config) { c.Transport = config.TransportKafka; c.Kafka.Group = "g" }, "kafka.brokers is required"},
		{"redis without addr", func(c *config.Config) { c.Transport = config.TransportRedis }, "redis.addr is required"},
		{"sqlstore without path", func(c *config.Config) { c.Transport = config.TransportSQLStore }, "sqlstore.path is required"},
		{"no workers", func(c *config.Config) { c.Worker.Concurrency = 0 }, "worker.concurrency must be positive"},
		{"bad port", func(c *config.Config) { c.HTTP.Enabled = true; c.HTTP.Port = 70000 }, "http.port 70000 out of range"},
		{"bad format", func(c *config.Config) { c.Log.Format = "xml" }, `log.format "xml" must be json or console`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)

			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}

			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
