package audit

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const DefaultClickHouseTable = "querygate_audit"

var tableNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
	TLS      bool
}

func (cfg *ClickHouseConfig) Validate() error {
	if cfg.Addr == "" {
		return errors.New("addr is required")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Table == "" {
		cfg.Table = DefaultClickHouseTable
	}
	if !tableNameRE.MatchString(cfg.Database) || !tableNameRE.MatchString(cfg.Table) {
		return errors.New("database and table must be plain identifiers")
	}
	return nil
}

// ClickHouseSink inserts records into a MergeTree table.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	opts := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	}
	if cfg.TLS {
		opts.TLS = &tls.Config{}
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse: %w", err)
	}

	s := &ClickHouseSink{conn: conn, table: cfg.Database + "." + cfg.Table}
	if err := s.ensureTable(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *ClickHouseSink) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		timestamp DateTime64(3, 'UTC'),
		fingerprint String,
		provenance LowCardinality(String),
		pre_statement String,
		post_statement String,
		verdict LowCardinality(String),
		rule LowCardinality(String),
		reason String
	) ENGINE = MergeTree ORDER BY timestamp`, s.table)
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Append(ctx context.Context, rec Record) error {
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO %s (
		timestamp, fingerprint, provenance, pre_statement, post_statement, verdict, rule, reason
	)`, s.table))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	if err := batch.Append(
		rec.Timestamp,
		rec.Fingerprint,
		rec.Provenance,
		rec.PreStatement,
		rec.PostStatement,
		rec.Verdict,
		rec.Rule,
		rec.Reason,
	); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("failed to append to batch: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error { return s.conn.Close() }
