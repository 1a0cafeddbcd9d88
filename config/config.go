// Package config loads process configuration from a YAML file, optional .env files and
// REPLYBUS_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// EnvPrefix prefixes every environment override, e.g. REPLYBUS_HTTP_PORT.
const EnvPrefix = "REPLYBUS"

// Transports accepted in Config.Transport.
const (
	TransportInMemory = "inmemory"
	TransportNATS     = "nats"
	TransportRabbitMQ = "rabbitmq"
	TransportKafka    = "kafka"
	TransportRedis    = "redis"
	TransportSQLStore = "sqlstore"
)

type Config struct {
	Transport string         `mapstructure:"transport"`
	Log       LoggerConfig   `mapstructure:"log"`
	HTTP      HTTPConfig     `mapstructure:"http"`
	Worker    WorkerConfig   `mapstructure:"worker"`
	NATS      NATSConfig     `mapstructure:"nats"`
	RabbitMQ  RabbitMQConfig `mapstructure:"rabbitmq"`
	Kafka     KafkaConfig    `mapstructure:"kafka"`
	Redis     RedisConfig    `mapstructure:"redis"`
	SQLStore  SQLStoreConfig `mapstructure:"sqlstore"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type WorkerConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Backoff     time.Duration `mapstructure:"backoff"`
	QueueSize   int           `mapstructure:"queue_size"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	ConnTimeout   time.Duration `mapstructure:"conn_timeout"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	Subject       string        `mapstructure:"subject"`
	QueueGroup    string        `mapstructure:"queue_group"`
}

type RabbitMQConfig struct {
	URL         string        `mapstructure:"url"`
	ConnTimeout time.Duration `mapstructure:"conn_timeout"`
	Queue       string        `mapstructure:"queue"`
	Prefetch    int           `mapstructure:"prefetch"`
}

type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
	Group    string   `mapstructure:"group"`
	Topic    string   `mapstructure:"topic"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	MaxIdle     int           `mapstructure:"max_idle"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	Queue       string        `mapstructure:"queue"`
	ReplyTTL    time.Duration `mapstructure:"reply_ttl"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

type SQLStoreConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Queue           string        `mapstructure:"queue"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

// Load reads the YAML file at path (skipped when path is empty), then the given .env
// files, then the process environment, and validates the result. Variables in .env
// files never override the process environment.
func Load(path string, envFiles ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := applyEnvFiles(v, envFiles); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport", TransportInMemory)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("worker.concurrency", 8)
	v.SetDefault("worker.backoff", 500*time.Millisecond)
	v.SetDefault("worker.queue_size", 64)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.name", "replybusd")
	v.SetDefault("nats.conn_timeout", 5*time.Second)
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.subject", "replybus.requests")
	v.SetDefault("nats.queue_group", "replybusd")

	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.conn_timeout", 5*time.Second)
	v.SetDefault("rabbitmq.queue", "replybus.requests")
	v.SetDefault("rabbitmq.prefetch", 16)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.client_id", "replybusd")
	v.SetDefault("kafka.group", "replybusd")
	v.SetDefault("kafka.topic", "replybus.requests")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_idle", 3)
	v.SetDefault("redis.idle_timeout", 240*time.Second)
	v.SetDefault("redis.queue", "replybus:requests")
	v.SetDefault("redis.reply_ttl", 5*time.Minute)
	v.SetDefault("redis.poll_timeout", time.Second)

	v.SetDefault("sqlstore.path", "data/replybus.db")
	v.SetDefault("sqlstore.max_open_conns", 25)
	v.SetDefault("sqlstore.max_idle_conns", 5)
	v.SetDefault("sqlstore.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("sqlstore.queue", "default")
	v.SetDefault("sqlstore.poll_interval", 200*time.Millisecond)
}

// applyEnvFiles feeds REPLYBUS_* entries of .env files into v for keys the process
// environment leaves unset. Missing files are skipped.
func applyEnvFiles(v *viper.Viper, files []string) error {
	for _, f := range files {
		env, err := gotenv.Read(f)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}

		if err != nil {
			return fmt.Errorf("failed to read env file %s: %w", f, err)
		}

		for _, key := range v.AllKeys() {
			name := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
			if _, set := os.LookupEnv(name); set {
				continue
			}

			if val, ok := env[name]; ok {
				v.Set(key, val)
			}
		}
	}

	return nil
}

// Validate checks that the selected transport has what it needs.
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport {
	case TransportInMemory:
	case TransportNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required"))
		}

		if c.NATS.Subject == "" {
			errs = append(errs, errors.New("nats.subject is required"))
		}
	case TransportRabbitMQ:
		if c.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("rabbitmq.url is required"))
		}
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required"))
		}

		if c.Kafka.Group == "" {
			errs = append(errs, errors.New("kafka.group is required"))
		}
	case TransportRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required"))
		}
	case TransportSQLStore:
		if c.SQLStore.Path == "" {
			errs = append(errs, errors.New("sqlstore.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}

	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be positive"))
	}

	if c.HTTP.Enabled && (c.HTTP.Port < 0 || c.HTTP.Port > 65535) {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}

	return errors.Join(errs...)
}
