// Package sqlstore is durable SQL-backed request storage. Requests are rows; a worker
// claims the oldest pending row, executes it and stores the reply on the same row, where
// the submitter fetches it.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/next-trace/scg-reply-bus/codec"
	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

const (
	defaultQueue        = "default"
	defaultPollInterval = 200 * time.Millisecond

	statusPending = "pending"
	statusClaimed = "claimed"
	statusReplied = "replied"
)

const schema = `
CREATE TABLE IF NOT EXISTS replybus_requests (
	id            TEXT PRIMARY KEY,
	queue         TEXT NOT NULL,
	type          TEXT NOT NULL,
	payload       BLOB NOT NULL,
	headers       TEXT,
	status        TEXT NOT NULL DEFAULT 'pending',
	created_at    INTEGER NOT NULL,
	claimed_at    INTEGER,
	replied_at    INTEGER,
	result        BLOB,
	error_code    TEXT,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_replybus_requests_pending
	ON replybus_requests (queue, status, created_at);
`

// Config holds database configuration.
type Config struct {
	// Path of the SQLite file, or ":memory:".
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Queue           string
	PollInterval    time.Duration
}

// Store implements cbus.Adapter over a SQL database.
type Store struct {
	db     *sql.DB
	codec  *codec.Registry
	logger *zap.Logger

	Queue        string
	PollInterval time.Duration
}

var _ cbus.Adapter = (*Store)(nil)

// Open opens a SQLite database, applies the schema and returns a Store.
func Open(ctx context.Context, cfg Config, cd *codec.Registry, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlstore open: %w: path required", berr.ErrTransportFailed)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", cfg.Path)

	maxOpen, maxIdle, lifetime := cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime
	if cfg.Path == ":memory:" {
		// every connection to :memory: is its own database
		dsn = "file::memory:?_busy_timeout=5000"
		maxOpen, maxIdle, lifetime = 1, 1, 0
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore open: %w", errors.Join(berr.ErrTransportFailed, err))
	}

	db.SetMaxOpenConns(maxOpen)
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}

	db.SetConnMaxLifetime(lifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore ping: %w", errors.Join(berr.ErrTransportFailed, err))
	}

	s := New(db, cd, logger)
	if cfg.Queue != "" {
		s.Queue = cfg.Queue
	}

	if cfg.PollInterval > 0 {
		s.PollInterval = cfg.PollInterval
	}

	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.logger.Info("request store opened", zap.String("path", cfg.Path))

	return s, nil
}

// New wraps an open database. Call Migrate before use.
func New(db *sql.DB, cd *codec.Registry, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		db:           db,
		codec:        cd,
		logger:       logger,
		Queue:        defaultQueue,
		PollInterval: defaultPollInterval,
	}
}

// Migrate creates the request table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlstore migrate: %w", errors.Join(berr.ErrTransportFailed, err))
	}

	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// PushRequest stores req as pending on the store queue and returns its id.
func (s *Store) PushRequest(ctx context.Context, req cbus.AnyRequest) (string, error) {
	return s.EnqueueRequest(ctx, req, cbus.SubmitOptions{})
}

// EnqueueRequest stores req as pending on opts.Queue, or the store queue. ReplyTo is
// ignored: replies are stored on the request row.
func (s *Store) EnqueueRequest(ctx context.Context, req cbus.AnyRequest, opts cbus.SubmitOptions) (string, error) {
	env, err := s.codec.EncodeRequest(req)
	if err != nil {
		return "", fmt.Errorf("sqlstore push: %w", err)
	}

	var headers []byte
	if len(opts.Headers) > 0 {
		if headers, err = json.Marshal(opts.Headers); err != nil {
			return "", fmt.Errorf("sqlstore push: %w", errors.Join(berr.ErrSerializationFailed, err))
		}
	}

	queue := opts.Queue
	if queue == "" {
		queue = s.queue()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO replybus_requests (id, queue, type, payload, headers, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		env.ID, queue, env.Type, []byte(env.Payload), nullable(headers), statusPending, time.Now().UnixNano())
	if err != nil {
		return "", wrap(err, "push", berr.ErrTransportFailed)
	}

	return env.ID, nil
}

type row struct {
	id      string
	typ     string
	payload []byte
}

// PopRequest claims the oldest pending request, polling until one exists or ctx is
// done. Requests that cannot be decoded are replied as failed right away.
func (s *Store) PopRequest(ctx context.Context) (cbus.Delivery, error) {
	for {
		r, ok, err := s.claim(ctx)
		if err != nil {
			return nil, err
		}

		if !ok {
			if err := wait(ctx, s.pollInterval()); err != nil {
				return nil, err
			}

			continue
		}

		d := &delivery{store: s, id: r.id}

		req, err := s.codec.Decode(r.typ, r.payload)
		if err != nil {
			s.logger.Warn("rejecting undecodable request",
				zap.String("transport", "sqlstore"),
				zap.String("request_type", r.typ),
				zap.String("request_id", r.id),
				zap.Error(err))

			if rerr := d.Reply(ctx, nil, err); rerr != nil {
				return nil, rerr
			}

			continue
		}

		d.req = req

		return d, nil
	}
}

func (s *Store) claim(ctx context.Context) (row, bool, error) {
	var (
		r     row
		found bool
	)

	err := s.withTransaction(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT id, type, payload FROM replybus_requests
			 WHERE queue = ? AND status = ?
			 ORDER BY created_at, rowid LIMIT 1`,
			s.queue(), statusPending).Scan(&r.id, &r.typ, &r.payload)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}

		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE replybus_requests SET status = ?, claimed_at = ? WHERE id = ? AND status = ?`,
			statusClaimed, time.Now().UnixNano(), r.id, statusPending)
		if err != nil {
			return err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		found = n == 1

		return nil
	})
	if err != nil {
		return row{}, false, wrap(err, "claim", berr.ErrTransportFailed)
	}

	return r, found, nil
}

// FetchReply returns the stored reply for id. ok is false while the request has not
// been replied to.
func (s *Store) FetchReply(ctx context.Context, id string) (codec.Reply, bool, error) {
	var (
		status  string
		result  []byte
		code    sql.NullString
		message sql.NullString
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT status, result, error_code, error_message FROM replybus_requests WHERE id = ?`, id).
		Scan(&status, &result, &code, &message)
	if errors.Is(err, sql.ErrNoRows) {
		return codec.Reply{}, false, fmt.Errorf("sqlstore fetch %s: %w", id, berr.ErrUnknownRequest)
	}

	if err != nil {
		return codec.Reply{}, false, wrap(err, "fetch", berr.ErrTransportFailed)
	}

	if status != statusReplied {
		return codec.Reply{}, false, nil
	}

	r := codec.Reply{ID: id, Result: result}
	if code.Valid {
		r.Error = &codec.RemoteError{Code: code.String, Message: message.String}
	}

	return r, true, nil
}

// Call pushes req and polls for its typed reply.
func Call[R any](ctx context.Context, s *Store, req cbus.Request[R]) (R, error) {
	var zero R

	id, err := s.PushRequest(ctx, req)
	if err != nil {
		return zero, err
	}

	for {
		r, ok, err := s.FetchReply(ctx, id)
		if err != nil {
			return zero, err
		}

		if ok {
			return codec.ResultAs[R](r)
		}

		if err := wait(ctx, s.pollInterval()); err != nil {
			return zero, err
		}
	}
}

// Pending counts requests waiting on the store queue.
func (s *Store) Pending(ctx context.Context) (int, error) {
	var n int

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM replybus_requests WHERE queue = ? AND status = ?`,
		s.queue(), statusPending).Scan(&n)
	if err != nil {
		return 0, wrap(err, "pending", berr.ErrTransportFailed)
	}

	return n, nil
}

type delivery struct {
	store *Store
	id    string
	req   cbus.AnyRequest
}

func (d *delivery) Request() cbus.AnyRequest { return d.req }

func (d *delivery) Reply(ctx context.Context, result any, err error) error {
	r := codec.NewReply(d.id, result, err)

	var code, message any
	if r.Error != nil {
		code, message = r.Error.Code, r.Error.Message
	}

	res, xerr := d.store.db.ExecContext(ctx,
		`UPDATE replybus_requests
		 SET status = ?, replied_at = ?, result = ?, error_code = ?, error_message = ?
		 WHERE id = ? AND status = ?`,
		statusReplied, time.Now().UnixNano(), nullable(r.Result), code, message, d.id, statusClaimed)
	if xerr != nil {
		return wrap(xerr, "reply", berr.ErrReplyFailed)
	}

	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("sqlstore reply %s: not claimed: %w", d.id, berr.ErrReplyFailed)
	}

	return nil
}

// withTransaction executes fn within a transaction.
func (s *Store) withTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", zap.Error(rbErr))
		}

		return err
	}

	return tx.Commit()
}

func (s *Store) queue() string {
	if s.Queue != "" {
		return s.Queue
	}

	return defaultQueue
}

func (s *Store) pollInterval() time.Duration {
	if s.PollInterval > 0 {
		return s.PollInterval
	}

	return defaultPollInterval
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}

	return b
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func wrap(err error, label string, base error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("sqlstore %s: %w", label, errors.Join(base, err))
}
