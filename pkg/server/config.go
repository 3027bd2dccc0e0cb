package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/malbeclabs/querygate/pkg/pipeline"
)

const (
	defaultReadHeaderTimeout = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxBodySize       = 1 << 20
	defaultMaxBatchSize      = 32

	PostgresAccountsEnvVar = "QUERYGATE_PG_ACCOUNTS"
)

// Pipeline is the part of the orchestrator the server drives.
type Pipeline interface {
	Ask(ctx context.Context, req pipeline.Request) pipeline.Outcome
	Batch(ctx context.Context, reqs []pipeline.Request) ([]pipeline.Outcome, error)
	ExecuteStatement(ctx context.Context, sessionID, statement string) pipeline.Outcome
	Ready() bool
}

var _ Pipeline = (*pipeline.Pipeline)(nil)

type Config struct {
	Logger            *slog.Logger
	Pipeline          Pipeline
	HTTPListener      net.Listener // HTTP API listener
	PostgresListener  net.Listener // postgres wire protocol listener (optional)
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	MaxBodySize       int64
	MaxBatchSize      int

	// PostgreSQL authentication (optional). Empty disables it.
	PostgresAccounts map[string]string // username -> password
}

// LoadFromEnv reads postgres accounts from QUERYGATE_PG_ACCOUNTS, formatted as
// "user1:pass1,user2:pass2".
func (cfg *Config) LoadFromEnv() error {
	if cfg.PostgresAccounts == nil {
		cfg.PostgresAccounts = make(map[string]string)
	}

	accountsEnv := os.Getenv(PostgresAccountsEnvVar)
	if accountsEnv == "" {
		return nil
	}

	for _, accountStr := range strings.Split(accountsEnv, ",") {
		accountStr = strings.TrimSpace(accountStr)
		if accountStr == "" {
			continue
		}

		username, password, ok := strings.Cut(accountStr, ":")
		if !ok {
			return fmt.Errorf("invalid account format in %s: %q (expected username:password)", PostgresAccountsEnvVar, accountStr)
		}
		username = strings.TrimSpace(username)
		if username == "" {
			return fmt.Errorf("username cannot be empty in %s: %q", PostgresAccountsEnvVar, accountStr)
		}

		cfg.PostgresAccounts[username] = strings.TrimSpace(password)
	}

	return nil
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pipeline == nil {
		return errors.New("pipeline is required")
	}
	if cfg.HTTPListener == nil {
		return errors.New("http listener is required")
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.MaxBodySize < 0 {
		return errors.New("max body size must be greater than 0")
	}
	if cfg.MaxBatchSize < 0 {
		return errors.New("max batch size must be greater than 0")
	}
	return nil
}
