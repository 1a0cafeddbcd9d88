// Command replybusd executes requests arriving on the configured transport, and over
// HTTP when enabled, against the demo handlers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/next-trace/scg-reply-bus/adapters/httpapi"
	"github.com/next-trace/scg-reply-bus/codec"
	"github.com/next-trace/scg-reply-bus/config"
	"github.com/next-trace/scg-reply-bus/logging"
	"github.com/next-trace/scg-reply-bus/registry"
	"github.com/next-trace/scg-reply-bus/replybus"
	"github.com/next-trace/scg-reply-bus/worker"
)

// openTransport is replaced in tests.
var openTransport = openSource

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	envFile := flag.String("env", ".env", "optional .env file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("replybusd stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting replybusd",
		zap.String("transport", cfg.Transport),
		zap.Bool("http", cfg.HTTP.Enabled))

	reg := registry.New(logger)
	cd := codec.New()

	if err := registerDemo(reg, cd); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	for _, b := range reg.Bindings() {
		logger.Debug("handler bound",
			zap.Stringer("request_type", b.Descriptor.Request),
			zap.Strings("handlers", b.Handlers))
	}

	d := replybus.New(reg, logger)

	src, closeSource, err := openTransport(ctx, cfg, cd, logger)
	if err != nil {
		return fmt.Errorf("open %s transport: %w", cfg.Transport, err)
	}

	w := &worker.Worker{
		Source:      src,
		Bus:         d,
		Concurrency: cfg.Worker.Concurrency,
		Backoff:     cfg.Worker.Backoff,
		Logger:      logger,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	// fail records err and brings the other components down.
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
		cancel()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		// a closed source ends the daemon too
		defer cancel()

		if err := w.Run(ctx); err != nil {
			fail(fmt.Errorf("worker: %w", err))
		}
	}()

	if cfg.HTTP.Enabled {
		gin.SetMode(gin.ReleaseMode)

		srv := httpapi.NewServer(httpapi.Config{
			Host:            cfg.HTTP.Host,
			Port:            cfg.HTTP.Port,
			ReadTimeout:     cfg.HTTP.ReadTimeout,
			WriteTimeout:    cfg.HTTP.WriteTimeout,
			ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		}, d, cd, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := srv.Start(ctx); err != nil {
				fail(err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	wg.Wait()
	closeSource()

	if err := d.Close(); err != nil {
		fail(fmt.Errorf("close dispatcher: %w", err))
	}

	st := w.Stats()
	logger.Info("replybusd stopped",
		zap.Uint64("processed", st.Processed),
		zap.Uint64("failed", st.Failed),
		zap.Uint64("reply_failed", st.ReplyFailed))

	return errors.Join(errs...)
}
