package executor

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/malbeclabs/querygate/pkg/metrics"
)

var (
	ErrPoolExhausted    = errors.New("connection pool exhausted")
	ErrExecutionTimeout = errors.New("statement execution timed out")
)

// DatabaseError wraps an engine error. Error() keeps the engine message for
// logs; UserMessage() is safe to show to end users.
type DatabaseError struct {
	Err error
}

func (e *DatabaseError) Error() string { return "database error: " + e.Err.Error() }
func (e *DatabaseError) Unwrap() error { return e.Err }

func (e *DatabaseError) UserMessage() string {
	return "the database could not execute the statement"
}

type Config struct {
	Logger  *slog.Logger
	DB      *sql.DB
	Dialect Dialect
	Clock   clockwork.Clock

	// PoolSize is the number of statements that may run at once.
	PoolSize int
	// QueueTimeout bounds the wait for a free slot.
	QueueTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Dialect == "" {
		return errors.New("dialect is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PoolSize <= 0 {
		return errors.New("pool size must be greater than 0")
	}
	if cfg.QueueTimeout <= 0 {
		return errors.New("queue timeout must be greater than 0")
	}
	return nil
}

// Executor runs approved statements on pooled read-only connections under a
// timeout and a row cap.
type Executor struct {
	log *slog.Logger
	cfg Config

	slots      *semaphore.Weighted
	checkedOut atomic.Int64
}

func New(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Executor{
		log:   cfg.Logger,
		cfg:   cfg,
		slots: semaphore.NewWeighted(int64(cfg.PoolSize)),
	}, nil
}

// CheckedOut returns the number of connections currently in use.
func (e *Executor) CheckedOut() int { return int(e.checkedOut.Load()) }

func (e *Executor) Dialect() Dialect { return e.cfg.Dialect }

// Execute runs statement and returns at most rowCap rows. When the timeout
// expires the in-flight statement is cancelled and ErrExecutionTimeout is
// returned without rows. Engine failures are returned as *DatabaseError.
func (e *Executor) Execute(ctx context.Context, statement string, timeout time.Duration, rowCap int) (*Result, error) {
	if timeout <= 0 {
		return nil, errors.New("timeout must be greater than 0")
	}
	if rowCap <= 0 {
		return nil, errors.New("row cap must be greater than 0")
	}

	if err := e.acquire(ctx); err != nil {
		metrics.ExecutorQueriesTotal.WithLabelValues("pool_exhausted").Inc()
		return nil, err
	}
	defer e.release()

	start := e.cfg.Clock.Now()
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := e.run(ctx, execCtx, cancel, statement, rowCap)
	if err != nil {
		switch {
		case errors.Is(err, ErrExecutionTimeout):
			metrics.ExecutorQueriesTotal.WithLabelValues("timeout").Inc()
			e.log.Warn("executor: statement timed out", "timeout", timeout)
		case ctx.Err() != nil:
			metrics.ExecutorQueriesTotal.WithLabelValues("cancelled").Inc()
		default:
			metrics.ExecutorQueriesTotal.WithLabelValues("error").Inc()
			e.log.Warn("executor: statement failed", "error", err)
		}
		return nil, err
	}

	res.Elapsed = e.cfg.Clock.Since(start)
	metrics.ExecutorQueriesTotal.WithLabelValues("ok").Inc()
	e.log.Debug("executor: statement executed", "rows", len(res.Rows), "truncated", res.Truncated, "elapsed", res.Elapsed)
	return res, nil
}

func (e *Executor) acquire(ctx context.Context) error {
	start := e.cfg.Clock.Now()
	qctx, cancel := context.WithTimeout(ctx, e.cfg.QueueTimeout)
	defer cancel()

	err := e.slots.Acquire(qctx, 1)
	metrics.ExecutorQueueWait.Observe(e.cfg.Clock.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrPoolExhausted
	}
	metrics.ExecutorCheckedOut.Set(float64(e.checkedOut.Add(1)))
	return nil
}

func (e *Executor) release() {
	metrics.ExecutorCheckedOut.Set(float64(e.checkedOut.Add(-1)))
	e.slots.Release(1)
}

func (e *Executor) run(ctx, execCtx context.Context, cancel context.CancelFunc, statement string, rowCap int) (*Result, error) {
	conn, err := e.cfg.DB.Conn(execCtx)
	if err != nil {
		return nil, e.classify(ctx, execCtx, err)
	}
	discard := false
	defer func() {
		if discard {
			// Closing with ErrBadConn drops the connection instead of
			// returning it to the pool.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		_ = conn.Close()
	}()

	for _, stmt := range e.cfg.Dialect.SessionSetup() {
		if _, err := conn.ExecContext(execCtx, stmt); err != nil {
			discard = true
			return nil, e.classify(ctx, execCtx, fmt.Errorf("session setup: %w", err))
		}
	}

	rows, err := conn.QueryContext(execCtx, statement)
	if err != nil {
		err = e.classify(ctx, execCtx, err)
		discard = errors.Is(err, ErrExecutionTimeout)
		return nil, err
	}

	res, err := collect(rows, rowCap)
	if res != nil && res.Truncated {
		// Stop the statement instead of draining the rest of its rows.
		cancel()
		_ = rows.Close()
		discard = true
		return res, nil
	}
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		err = e.classify(ctx, execCtx, err)
		discard = errors.Is(err, ErrExecutionTimeout)
		return nil, err
	}
	return res, nil
}

// collect reads up to rowCap rows. One extra Next call detects truncation.
func collect(rows *sql.Rows, rowCap int) (*Result, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: make([]Column, len(types)), Rows: []Row{}}
	for i, ct := range types {
		res.Columns[i] = Column{Name: ct.Name(), DatabaseType: ct.DatabaseTypeName()}
	}

	values := make([]any, len(types))
	ptrs := make([]any, len(types))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if len(res.Rows) == rowCap {
			res.Truncated = true
			return res, nil
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(values))
		for i, v := range values {
			row[i] = Field{Column: res.Columns[i].Name, Value: FromDriver(v)}
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// classify maps a driver error to the executor's error kinds. A cancelled
// caller context is returned as is.
func (e *Executor) classify(ctx, execCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return ErrExecutionTimeout
	}
	return &DatabaseError{Err: err}
}
