package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/querygate/pkg/metrics"
)

const (
	VerdictApproved = "approved"
	VerdictRejected = "rejected"
)

// Record is one validation verdict. Records are append-only.
type Record struct {
	Timestamp     time.Time `json:"timestamp"`
	Fingerprint   string    `json:"fingerprint"`
	Provenance    string    `json:"provenance"`
	PreStatement  string    `json:"pre_statement"`
	PostStatement string    `json:"post_statement"`
	Verdict       string    `json:"verdict"`
	Rule          string    `json:"rule,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

type Sink interface {
	Name() string
	Append(ctx context.Context, rec Record) error
	Close() error
}

type LogConfig struct {
	Logger *slog.Logger
	Sink   Sink
	Clock  clockwork.Clock

	// Timeout bounds a single append. Appends run detached from the caller's
	// cancellation so that a cancelled request is still recorded.
	Timeout time.Duration
}

func (cfg *LogConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Sink == nil {
		return errors.New("sink is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Timeout < 0 {
		return errors.New("timeout must be greater than 0")
	}
	return nil
}

// Log appends records to a sink on a best-effort basis. Failures are logged
// and counted, never returned.
type Log struct {
	log *slog.Logger
	cfg LogConfig
}

func NewLog(cfg LogConfig) (*Log, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Log{log: cfg.Logger, cfg: cfg}, nil
}

func (l *Log) Append(ctx context.Context, rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.cfg.Clock.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.Timeout)
	defer cancel()

	if err := l.cfg.Sink.Append(ctx, rec); err != nil {
		metrics.AuditFailuresTotal.WithLabelValues(l.cfg.Sink.Name()).Inc()
		l.log.Error("audit: failed to append record", "sink", l.cfg.Sink.Name(), "verdict", rec.Verdict, "fingerprint", rec.Fingerprint, "error", err)
	}
}

func (l *Log) Close() error {
	return l.cfg.Sink.Close()
}
