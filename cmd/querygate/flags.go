package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
)

const (
	envPrefix = "QUERYGATE_"

	defaultIndexPath         = "querygate-index.db"
	defaultEmbedder          = "hash"
	defaultEmbedDimension    = 256
	defaultEmbedCacheSize    = 10000
	defaultOllamaURL         = "http://localhost:11434"
	defaultOllamaModel       = "nomic-embed-text"
	defaultTopK              = 8
	defaultCacheCapacity     = 1024
	defaultCacheShards       = 16
	defaultCacheTTL          = time.Hour
	defaultDialect           = "sqlite"
	defaultExecTimeout       = 45 * time.Second
	defaultRowCap            = 1000
	defaultPoolSize          = 8
	defaultQueueTimeout      = 2 * time.Second
	defaultMaxLength         = 8000
	defaultMaxJoins          = 8
	defaultMaxNesting        = 4
	defaultIndexPollInterval = 30 * time.Second
	defaultSessionTurns      = 6
	defaultSessionTTL        = 30 * time.Minute
	defaultBatchWorkers      = 4
	defaultAuditFile         = "querygate-audit.jsonl"
	defaultAuditKafkaTopic   = "querygate.audit"

	defaultHTTPListenAddr    = "0.0.0.0:3011"
	defaultMetricsAddr       = "0.0.0.0:8080"
	defaultReadHeaderTimeout = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
)

type indexFlags struct {
	path           string
	embedder       string
	embedDimension int
	embedCacheSize int64
	ollamaURL      string
	ollamaModel    string
}

func (f *indexFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.path, "index-path", defaultIndexPath, "path to the SQLite schema index")
	fs.StringVar(&f.embedder, "embedder", defaultEmbedder, "embedding backend (hash, ollama)")
	fs.IntVar(&f.embedDimension, "embed-dimension", defaultEmbedDimension, "embedding vector dimension")
	fs.Int64Var(&f.embedCacheSize, "embed-cache-size", defaultEmbedCacheSize, "number of request embeddings to memoize (0 disables)")
	fs.StringVar(&f.ollamaURL, "ollama-url", defaultOllamaURL, "Ollama base URL")
	fs.StringVar(&f.ollamaModel, "ollama-model", defaultOllamaModel, "Ollama embedding model")
}

type pipelineFlags struct {
	index indexFlags

	dialect      string
	dsn          string
	poolSize     int
	queueTimeout time.Duration
	execTimeout  time.Duration
	rowCap       int

	topK          int
	cacheCapacity int
	cacheShards   int
	cacheTTL      time.Duration
	pollInterval  time.Duration

	maxLength  int
	maxJoins   int
	maxNesting int

	sessionTurns int
	sessionTTL   time.Duration
	batchWorkers int

	anthropicModel string

	auditFile               string
	auditClickHouseAddr     string
	auditClickHouseDatabase string
	auditClickHouseUser     string
	auditClickHousePassword string
	auditClickHouseTable    string
	auditClickHouseTLS      bool
	auditKafkaBrokers       []string
	auditKafkaTopic         string
}

func (f *pipelineFlags) register(fs *flag.FlagSet) {
	f.index.register(fs)

	fs.StringVar(&f.dialect, "dialect", defaultDialect, "target database dialect (postgres, clickhouse, duckdb, sqlite)")
	fs.StringVar(&f.dsn, "dsn", "", "target database connection string")
	fs.IntVar(&f.poolSize, "pool-size", defaultPoolSize, "maximum concurrent statements")
	fs.DurationVar(&f.queueTimeout, "queue-timeout", defaultQueueTimeout, "maximum wait for a free connection")
	fs.DurationVar(&f.execTimeout, "exec-timeout", defaultExecTimeout, "statement execution timeout")
	fs.IntVar(&f.rowCap, "row-cap", defaultRowCap, "maximum rows returned per statement")

	fs.IntVar(&f.topK, "top-k", defaultTopK, "schema entities retrieved per request")
	fs.IntVar(&f.cacheCapacity, "cache-capacity", defaultCacheCapacity, "fingerprint cache capacity")
	fs.IntVar(&f.cacheShards, "cache-shards", defaultCacheShards, "fingerprint cache shards")
	fs.DurationVar(&f.cacheTTL, "cache-ttl", defaultCacheTTL, "fingerprint cache entry lifetime (0 keeps entries until evicted)")
	fs.DurationVar(&f.pollInterval, "index-poll-interval", defaultIndexPollInterval, "schema index version poll interval")

	fs.IntVar(&f.maxLength, "max-statement-length", defaultMaxLength, "maximum statement length in bytes")
	fs.IntVar(&f.maxJoins, "max-joins", defaultMaxJoins, "maximum joins per statement (0 disables)")
	fs.IntVar(&f.maxNesting, "max-nesting", defaultMaxNesting, "maximum subquery nesting (0 disables)")

	fs.IntVar(&f.sessionTurns, "session-turns", defaultSessionTurns, "prior turns kept per session")
	fs.DurationVar(&f.sessionTTL, "session-ttl", defaultSessionTTL, "idle session lifetime")
	fs.IntVar(&f.batchWorkers, "batch-workers", defaultBatchWorkers, "concurrent requests per batch")

	fs.StringVar(&f.anthropicModel, "anthropic-model", "", "Anthropic model (ANTHROPIC_API_KEY supplies the key)")

	fs.StringVar(&f.auditFile, "audit-file", defaultAuditFile, "JSON lines audit file (empty disables)")
	fs.StringVar(&f.auditClickHouseAddr, "audit-clickhouse-addr", "", "ClickHouse address for audit records (empty disables)")
	fs.StringVar(&f.auditClickHouseDatabase, "audit-clickhouse-database", "default", "ClickHouse audit database")
	fs.StringVar(&f.auditClickHouseUser, "audit-clickhouse-user", "default", "ClickHouse audit user")
	fs.StringVar(&f.auditClickHousePassword, "audit-clickhouse-password", "", "ClickHouse audit password")
	fs.StringVar(&f.auditClickHouseTable, "audit-clickhouse-table", "", "ClickHouse audit table")
	fs.BoolVar(&f.auditClickHouseTLS, "audit-clickhouse-tls", false, "use TLS for the ClickHouse audit connection")
	fs.StringSliceVar(&f.auditKafkaBrokers, "audit-kafka-brokers", nil, "Kafka brokers for audit records (empty disables)")
	fs.StringVar(&f.auditKafkaTopic, "audit-kafka-topic", defaultAuditKafkaTopic, "Kafka audit topic")
}

type serveFlags struct {
	pipeline pipelineFlags

	httpAddr          string
	pgAddr            string
	metricsAddr       string
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
}

func (f *serveFlags) register(fs *flag.FlagSet) {
	f.pipeline.register(fs)

	fs.StringVar(&f.httpAddr, "http-addr", defaultHTTPListenAddr, "HTTP API listen address")
	fs.StringVar(&f.pgAddr, "pg-addr", "", "PostgreSQL wire protocol listen address (empty disables)")
	fs.StringVar(&f.metricsAddr, "metrics-addr", defaultMetricsAddr, "prometheus metrics listen address (empty disables)")
	fs.DurationVar(&f.readHeaderTimeout, "read-header-timeout", defaultReadHeaderTimeout, "HTTP read header timeout")
	fs.DurationVar(&f.shutdownTimeout, "shutdown-timeout", defaultShutdownTimeout, "server shutdown timeout")
}

// envName maps a flag name to its environment override, e.g. pool-size to
// QUERYGATE_POOL_SIZE.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnv sets every flag that was not given on the command line from its
// environment override, if present.
func applyEnv(fs *flag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if f.Changed {
			return
		}
		v, ok := os.LookupEnv(envName(f.Name))
		if !ok {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", envName(f.Name), err))
		}
	})
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
