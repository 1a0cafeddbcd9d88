package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/next-trace/scg-reply-bus/codec"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

// Concrete franz-go based constructor with reader and writer wrappers.

type Config struct {
	Brokers     []string
	TLS         *tls.Config
	ClientID    string
	Group       string
	Topic       string
	Compression []kgo.CompressionCodec

	// Acks defaults to kgo.AllISRAcks(). Any other value needs DisableIdempotency.
	Acks               *kgo.Acks
	DisableIdempotency bool
}

type kgoWriter struct{ cl *kgo.Client }

func (w kgoWriter) Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return w.cl.ProduceSync(ctx, rec).FirstErr()
}

// kgoReader buffers the records of one poll and hands them out one at a time.
type kgoReader struct {
	cl      *kgo.Client
	mark    func(...*kgo.Record)
	offsets *offsetTracker

	mu      sync.Mutex
	pending []*kgo.Record
}

func newKgoReader() *kgoReader {
	return &kgoReader{offsets: newOffsetTracker()}
}

func (r *kgoReader) Read(ctx context.Context) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		for len(r.pending) == 0 {
			fetches := r.cl.PollFetches(ctx)
			if fetches.IsClientClosed() {
				return Record{}, fmt.Errorf("kafka poll: %w", berr.ErrSourceClosed)
			}

			if err := ctx.Err(); err != nil {
				return Record{}, err
			}

			var errs []error

			fetches.EachError(func(topic string, partition int32, err error) {
				errs = append(errs, fmt.Errorf("%s[%d]: %w", topic, partition, err))
			})

			if len(errs) > 0 {
				return Record{}, errors.Join(errs...)
			}

			r.pending = fetches.Records()
		}

		raw := r.pending[0]
		r.pending = r.pending[1:]

		if !r.offsets.add(raw) {
			continue
		}

		headers := make(map[string]string, len(raw.Headers))
		for _, h := range raw.Headers {
			headers[h.Key] = string(h.Value)
		}

		return Record{Topic: raw.Topic, Key: raw.Key, Value: raw.Value, Headers: headers, raw: raw}, nil
	}
}

// Commit finishes rec. The partition's commit mark moves only past records finished along
// with every record read before them, so a slow request is never skipped.
func (r *kgoReader) Commit(_ context.Context, rec Record) error {
	raw, ok := rec.raw.(*kgo.Record)
	if !ok {
		return fmt.Errorf("kafka commit %s: foreign record", rec.Topic)
	}

	if last := r.offsets.complete(raw); last != nil {
		r.mark(last)
	}

	return nil
}

// NewWithKgo builds a franz-go client based Adapter consuming cfg.Topic in consumer group
// cfg.Group. The returned cleanup commits marked offsets and closes the client.
func NewWithKgo(cfg Config, cd *codec.Registry, logger *zap.Logger) (*Adapter, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, fmt.Errorf("%w: kafka brokers required", berr.ErrTransportFailed)
	}

	if cfg.Group == "" {
		return nil, nil, fmt.Errorf("%w: kafka consumer group required", berr.ErrTransportFailed)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	topic := cfg.Topic
	if topic == "" {
		topic = defaultTopic
	}

	rd := newKgoReader()

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(topic),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			rd.offsets.assign(assigned)
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			rd.offsets.forget(revoked)
		}),
		kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
			rd.offsets.forget(lost)
		}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}

	if len(cfg.Compression) > 0 {
		opts = append(opts, kgo.ProducerBatchCompression(cfg.Compression...))
	}

	if cfg.DisableIdempotency {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}

	if cfg.Acks != nil {
		opts = append(opts, kgo.RequiredAcks(*cfg.Acks))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: kafka client init: %w", berr.ErrTransportFailed, err)
	}

	rd.cl = cl
	rd.mark = cl.MarkCommitRecords

	ad := New(rd, kgoWriter{cl: cl}, cd)
	ad.Topic = topic
	ad.Logger = logger

	cleanup := func() {
		if err := cl.CommitMarkedOffsets(context.Background()); err != nil {
			logger.Warn("kafka commit on close", zap.Error(err))
		}

		cl.Close()
	}

	return ad, cleanup, nil
}
