package executor

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
)

type Dialect string

const (
	DialectPostgres   Dialect = "postgres"
	DialectClickHouse Dialect = "clickhouse"
	DialectDuckDB     Dialect = "duckdb"
	DialectSQLite     Dialect = "sqlite"
)

func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(s))); d {
	case DialectPostgres, DialectClickHouse, DialectDuckDB, DialectSQLite:
		return d, nil
	case "postgresql", "pg":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", s)
	}
}

// DriverName is the database/sql driver registered for the dialect. The
// binary that opens the database must import the driver package.
func (d Dialect) DriverName() string {
	switch d {
	case DialectPostgres:
		return "pgx"
	case DialectClickHouse:
		return "clickhouse"
	case DialectDuckDB:
		return "duckdb"
	case DialectSQLite:
		return "sqlite"
	default:
		return ""
	}
}

// SessionSetup returns the statements run on every acquired connection to
// make the session read-only.
func (d Dialect) SessionSetup() []string {
	switch d {
	case DialectPostgres:
		return []string{"SET SESSION CHARACTERISTICS AS TRANSACTION READ ONLY"}
	case DialectSQLite:
		return []string{"PRAGMA query_only = ON"}
	default:
		// ClickHouse and DuckDB are made read-only when the database is opened.
		return nil
	}
}

// OpenDB opens a read-only handle for the dialect. poolSize bounds the
// number of open connections.
func OpenDB(d Dialect, dsn string, poolSize int) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch d {
	case DialectClickHouse:
		opts, perr := clickhouse.ParseDSN(dsn)
		if perr != nil {
			return nil, fmt.Errorf("failed to parse clickhouse dsn: %w", perr)
		}
		if opts.Settings == nil {
			opts.Settings = clickhouse.Settings{}
		}
		// readonly=2 forbids writes but still lets the client set per-query limits.
		opts.Settings["readonly"] = 2
		db = clickhouse.OpenDB(opts)
	case DialectDuckDB:
		db, err = sql.Open(d.DriverName(), duckDBReadOnly(dsn))
	case DialectPostgres, DialectSQLite:
		db, err = sql.Open(d.DriverName(), dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect %q", d)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d, err)
	}
	if poolSize > 0 {
		db.SetMaxOpenConns(poolSize)
		db.SetMaxIdleConns(poolSize)
	}
	return db, nil
}

func duckDBReadOnly(dsn string) string {
	if dsn == "" || strings.Contains(strings.ToLower(dsn), "access_mode") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "access_mode=read_only"
}
