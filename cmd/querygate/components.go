package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/querygate/pkg/audit"
	"github.com/malbeclabs/querygate/pkg/embedding"
	"github.com/malbeclabs/querygate/pkg/executor"
	"github.com/malbeclabs/querygate/pkg/fpcache"
	"github.com/malbeclabs/querygate/pkg/generator"
	"github.com/malbeclabs/querygate/pkg/pipeline"
	"github.com/malbeclabs/querygate/pkg/planner"
	"github.com/malbeclabs/querygate/pkg/retriever"
	"github.com/malbeclabs/querygate/pkg/schemaindex"
	"github.com/malbeclabs/querygate/pkg/session"
	"github.com/malbeclabs/querygate/pkg/validator"
)

const auditKafkaPartitions = 3

func newEmbedder(f indexFlags) (embedding.Embedder, error) {
	var (
		emb embedding.Embedder
		err error
	)
	switch f.embedder {
	case "hash":
		emb, err = embedding.NewHashEmbedder(f.embedDimension)
	case "ollama":
		emb, err = embedding.NewOllamaEmbedder(embedding.OllamaConfig{
			BaseURL:   f.ollamaURL,
			Model:     f.ollamaModel,
			Dimension: f.embedDimension,
		})
	default:
		return nil, fmt.Errorf("unsupported embedder %q", f.embedder)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s embedder: %w", f.embedder, err)
	}
	return emb, nil
}

func openIndexStore(ctx context.Context, log *slog.Logger, f indexFlags) (*schemaindex.SQLiteStore, error) {
	store, err := schemaindex.NewSQLiteStore(ctx, schemaindex.SQLiteStoreConfig{Logger: log, Path: f.path})
	if err != nil {
		return nil, fmt.Errorf("failed to open schema index: %w", err)
	}
	return store, nil
}

// stack is every long-lived component behind the pipeline.
type stack struct {
	log      *slog.Logger
	store    *schemaindex.SQLiteStore
	holder   *schemaindex.Holder
	watcher  *schemaindex.Watcher
	cache    *fpcache.Cache
	sessions *session.Store
	audit    *audit.Log
	kafka    *audit.KafkaProducer
	pipeline *pipeline.Pipeline
	closers  []func() error
}

func newStack(ctx context.Context, log *slog.Logger, f pipelineFlags) (_ *stack, err error) {
	s := &stack{log: log, holder: schemaindex.NewHolder()}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()
	clock := clockwork.NewRealClock()

	s.store, err = openIndexStore(ctx, log, f.index)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.store.Close)

	emb, err := newEmbedder(f.index)
	if err != nil {
		return nil, err
	}
	if f.index.embedCacheSize > 0 {
		cached, err := embedding.NewCached(emb, f.index.embedCacheSize)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() error { cached.Close(); return nil })
		emb = cached
	}

	s.cache, err = fpcache.New(fpcache.Config{
		Clock:    clock,
		Capacity: f.cacheCapacity,
		Shards:   f.cacheShards,
		TTL:      f.cacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create fingerprint cache: %w", err)
	}

	s.watcher, err = schemaindex.NewWatcher(schemaindex.WatcherConfig{
		Logger:   log,
		Clock:    clock,
		Store:    s.store,
		Holder:   s.holder,
		Interval: f.pollInterval,
		OnChange: func(previous, current string) {
			if previous == "" {
				return
			}
			n := s.cache.InvalidateExcept(current)
			log.Info("fpcache: invalidated entries for previous index version", "previous", previous, "current", current, "entries", n)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create index watcher: %w", err)
	}

	ret, err := retriever.New(retriever.Config{Logger: log, Index: s.holder, Embedder: emb})
	if err != nil {
		return nil, fmt.Errorf("failed to create retriever: %w", err)
	}
	plan, err := planner.New(planner.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create planner: %w", err)
	}

	dialect, err := executor.ParseDialect(f.dialect)
	if err != nil {
		return nil, err
	}
	if f.dsn == "" {
		return nil, errors.New("dsn is required")
	}
	db, err := executor.OpenDB(dialect, f.dsn, f.poolSize)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, db.Close)
	exec, err := executor.New(executor.Config{
		Logger:       log,
		DB:           db,
		Dialect:      dialect,
		Clock:        clock,
		PoolSize:     f.poolSize,
		QueueTimeout: f.queueTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	sink, err := s.newAuditSink(ctx, f)
	if err != nil {
		return nil, err
	}
	s.audit, err = audit.NewLog(audit.LogConfig{Logger: log, Sink: sink, Clock: clock})
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("failed to create audit log: %w", err)
	}
	s.closers = append(s.closers, s.audit.Close)

	val, err := validator.New(validator.Config{
		Logger:           log,
		Audit:            s.audit,
		MaxLength:        f.maxLength,
		MaxJoins:         f.maxJoins,
		MaxNesting:       f.maxNesting,
		DefaultLimit:     f.rowCap,
		BackslashEscapes: dialect == executor.DialectClickHouse,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	model := anthropic.Model(f.anthropicModel)
	if model == "" {
		model = generator.DefaultAnthropicModel
	}
	gen, err := generator.New(generator.Config{
		Logger: log,
		Clock:  clock,
		LLM:    generator.NewAnthropicClient(log, "", model, generator.DefaultAnthropicMaxTokens),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create generator: %w", err)
	}

	s.sessions, err = session.New(session.Config{
		Clock:    clock,
		MaxTurns: f.sessionTurns,
		IdleTTL:  f.sessionTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}

	s.pipeline, err = pipeline.New(pipeline.Config{
		Logger:       log,
		Clock:        clock,
		Index:        s.holder,
		Retriever:    ret,
		Planner:      plan,
		Cache:        s.cache,
		Generator:    gen,
		Validator:    val,
		Executor:     exec,
		Sessions:     s.sessions,
		TopK:         f.topK,
		ExecTimeout:  f.execTimeout,
		RowCap:       f.rowCap,
		BatchWorkers: f.batchWorkers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	s.closers = append(s.closers, func() error { s.pipeline.Close(); return nil })

	return s, nil
}

// newAuditSink fans out to every configured audit target.
func (s *stack) newAuditSink(ctx context.Context, f pipelineFlags) (audit.Sink, error) {
	var sinks []audit.Sink
	closeAll := func() {
		for _, sink := range sinks {
			_ = sink.Close()
		}
	}

	if f.auditFile != "" {
		fs, err := audit.NewFileSink(f.auditFile)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}

	if f.auditClickHouseAddr != "" {
		ch, err := audit.NewClickHouseSink(ctx, audit.ClickHouseConfig{
			Addr:     f.auditClickHouseAddr,
			Database: f.auditClickHouseDatabase,
			Username: f.auditClickHouseUser,
			Password: f.auditClickHousePassword,
			Table:    f.auditClickHouseTable,
			TLS:      f.auditClickHouseTLS,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to create clickhouse audit sink: %w", err)
		}
		sinks = append(sinks, ch)
	}

	if len(f.auditKafkaBrokers) > 0 {
		producer, err := audit.NewKafkaProducer(f.auditKafkaBrokers)
		if err != nil {
			closeAll()
			return nil, err
		}
		if err := producer.EnsureTopic(ctx, f.auditKafkaTopic, auditKafkaPartitions, 1); err != nil {
			s.log.Warn("audit: could not ensure kafka topic", "topic", f.auditKafkaTopic, "error", err)
		}
		ks, err := audit.NewKafkaSink(producer, f.auditKafkaTopic)
		if err != nil {
			producer.Close()
			closeAll()
			return nil, err
		}
		s.kafka = producer
		sinks = append(sinks, ks)
	}

	switch len(sinks) {
	case 0:
		return nil, errors.New("at least one audit sink is required (--audit-file, --audit-clickhouse-addr or --audit-kafka-brokers)")
	case 1:
		return sinks[0], nil
	default:
		return audit.NewMultiSink(sinks...), nil
	}
}

// Start loads the index and runs background maintenance until ctx is done.
func (s *stack) Start(ctx context.Context) {
	go func() {
		if err := s.watcher.Run(ctx); err != nil {
			s.log.Error("schemaindex: watcher stopped", "error", err)
		}
	}()
	go s.cache.Start(ctx)
	go s.sessions.Start()
}

// Sync loads the stored index once.
func (s *stack) Sync(ctx context.Context) error {
	if _, err := s.watcher.Sync(ctx); err != nil {
		return err
	}
	return nil
}

func (s *stack) Close() {
	if s.sessions != nil {
		s.sessions.Stop()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Error("failed to close component", "error", err)
		}
	}
	if s.kafka != nil {
		s.kafka.Close()
	}
}
