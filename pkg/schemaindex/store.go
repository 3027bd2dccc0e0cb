package schemaindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"

	_ "modernc.org/sqlite"
)

// Store persists the index between ingestion runs.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Version(ctx context.Context) (string, error)
	Save(ctx context.Context, s *Snapshot) error
}

var ErrEmptyStore = errors.New("schema index store is empty")

type SQLiteStoreConfig struct {
	Logger *slog.Logger
	Path   string
}

func (cfg *SQLiteStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Path == "" {
		return errors.New("path is required")
	}
	return nil
}

type SQLiteStore struct {
	log *slog.Logger
	db  *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS schema_entities (
	identifier  TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	class       TEXT NOT NULL,
	vector      BLOB NOT NULL
);
`

func NewSQLiteStore(ctx context.Context, cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create index tables: %w", err)
	}
	return &SQLiteStore{log: cfg.Logger, db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Version(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = 'version'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrEmptyStore
	}
	if err != nil {
		return "", fmt.Errorf("failed to read index version: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	version, err := s.Version(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT identifier, description, class, vector FROM schema_entities ORDER BY identifier`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var entities []SchemaEntity
	for rows.Next() {
		var (
			e     SchemaEntity
			class string
			blob  []byte
		)
		if err := rows.Scan(&e.Identifier, &e.Description, &class, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		e.Class = Class(class)
		if e.Vector, err = decodeVector(blob); err != nil {
			return nil, fmt.Errorf("entity %q: %w", e.Identifier, err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entities: %w", err)
	}

	snap, err := NewSnapshot(version, entities)
	if err != nil {
		return nil, err
	}
	s.log.Debug("schemaindex: loaded snapshot", "version", snap.Version, "entities", len(snap.Entities))
	return snap, nil
}

// Save replaces the stored index with snap in a single transaction, so readers
// observe either the old version or the new one.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_entities`); err != nil {
		return fmt.Errorf("failed to clear entities: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO schema_entities (identifier, description, class, vector) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range snap.Entities {
		if _, err := stmt.ExecContext(ctx, e.Identifier, e.Description, string(e.Class), encodeVector(e.Vector)); err != nil {
			return fmt.Errorf("failed to insert entity %q: %w", e.Identifier, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_meta (key, value) VALUES ('version', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		snap.Version,
	); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit index: %w", err)
	}
	s.log.Info("schemaindex: saved snapshot", "version", snap.Version, "entities", len(snap.Entities))
	return nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}
