package executor

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestDB creates a SQLite file with a load_balancers table of n rows and
// returns a read-only handle to it.
func newTestDB(t *testing.T, n int) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")

	w, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = w.Exec(`CREATE TABLE load_balancers (id INTEGER PRIMARY KEY, name TEXT NOT NULL, weight REAL, healthy BOOLEAN, cert BLOB)`)
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		_, err = w.Exec(`INSERT INTO load_balancers (id, name, weight, healthy, cert) VALUES (?, ?, ?, ?, ?)`,
			i, "lb-"+string(rune('a'+i-1)), float64(i)/2, i%2 == 0, nil)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	db, err := OpenDB(DialectSQLite, path, 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestExecutor(t *testing.T, db *sql.DB, poolSize int) *Executor {
	t.Helper()
	e, err := New(Config{
		Logger:       testLogger(),
		DB:           db,
		Dialect:      DialectSQLite,
		PoolSize:     poolSize,
		QueueTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	return e
}

func TestExecutor_Execute_ReturnsTypedRows(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, newTestDB(t, 2), 2)
	res, err := e.Execute(context.Background(), `SELECT id, name, weight, cert FROM load_balancers ORDER BY id`, time.Second, 10)
	require.NoError(t, err)
	require.False(t, res.Truncated)
	require.Equal(t, []string{"id", "name", "weight", "cert"}, columnNames(res))
	require.Len(t, res.Rows, 2)

	first := res.Rows[0]
	require.Equal(t, "id", first[0].Column)
	require.True(t, first[0].Value.Equal(IntValue(1)))
	require.True(t, first[1].Value.Equal(StringValue("lb-a")))
	require.True(t, first[2].Value.Equal(FloatValue(0.5)))
	require.True(t, first[3].Value.IsNull())

	name, ok := res.Rows[1].Get("name")
	require.True(t, ok)
	require.Equal(t, "lb-b", name.Str())
	require.Zero(t, e.CheckedOut())
}

func TestExecutor_Execute_RowCap(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, newTestDB(t, 5), 2)
	const q = `SELECT id FROM load_balancers ORDER BY id`

	tests := []struct {
		rowCap        int
		wantRows      int
		wantTruncated bool
	}{
		{rowCap: 3, wantRows: 3, wantTruncated: true},
		{rowCap: 4, wantRows: 4, wantTruncated: true},
		{rowCap: 5, wantRows: 5, wantTruncated: false},
		{rowCap: 50, wantRows: 5, wantTruncated: false},
	}
	for _, tt := range tests {
		res, err := e.Execute(context.Background(), q, time.Second, tt.rowCap)
		require.NoError(t, err)
		require.Len(t, res.Rows, tt.wantRows, "rowCap=%d", tt.rowCap)
		require.LessOrEqual(t, len(res.Rows), tt.rowCap)
		require.Equal(t, tt.wantTruncated, res.Truncated, "rowCap=%d", tt.rowCap)
	}

	// The executor stays usable after abandoning truncated statements.
	res, err := e.Execute(context.Background(), `SELECT count(*) AS n FROM load_balancers`, time.Second, 1)
	require.NoError(t, err)
	require.Equal(t, int64(5), res.Rows[0][0].Value.Int())
}

func TestExecutor_Execute_TimeoutCancelsStatement(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, newTestDB(t, 1), 1)
	const endless = `WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM c) SELECT count(*) FROM c`

	start := time.Now()
	res, err := e.Execute(context.Background(), endless, 100*time.Millisecond, 10)
	require.ErrorIs(t, err, ErrExecutionTimeout)
	require.Nil(t, res)
	require.Less(t, time.Since(start), 5*time.Second)

	// The slot was released and a fresh connection serves the next statement.
	res, err = e.Execute(context.Background(), `SELECT 1 AS one`, time.Second, 10)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
}

func TestExecutor_Execute_PoolExhausted(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, newTestDB(t, 1), 1)
	require.NoError(t, e.acquire(context.Background()))
	require.Equal(t, 1, e.CheckedOut())

	_, err := e.Execute(context.Background(), `SELECT 1`, time.Second, 10)
	require.ErrorIs(t, err, ErrPoolExhausted)

	e.release()
	_, err = e.Execute(context.Background(), `SELECT 1`, time.Second, 10)
	require.NoError(t, err)
}

func TestExecutor_Execute_ConcurrentCallersShareThePool(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, newTestDB(t, 3), 2)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				_, err := e.Execute(ctx, `SELECT id FROM load_balancers`, time.Second, 10)
				if errors.Is(err, ErrPoolExhausted) {
					continue
				}
				errs <- err
				return
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Zero(t, e.CheckedOut())
}

func TestExecutor_Execute_DatabaseError(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, newTestDB(t, 1), 1)
	_, err := e.Execute(context.Background(), `SELECT secret FROM hidden_table`, time.Second, 10)

	var dbErr *DatabaseError
	require.ErrorAs(t, err, &dbErr)
	require.Contains(t, dbErr.Error(), "hidden_table")
	require.NotContains(t, dbErr.UserMessage(), "hidden_table")
}

func TestExecutor_Execute_SessionIsReadOnly(t *testing.T) {
	t.Parallel()

	db := newTestDB(t, 1)
	e := newTestExecutor(t, db, 1)

	_, err := e.Execute(context.Background(), `DELETE FROM load_balancers`, time.Second, 10)
	var dbErr *DatabaseError
	require.ErrorAs(t, err, &dbErr)

	res, err := e.Execute(context.Background(), `SELECT count(*) FROM load_balancers`, time.Second, 10)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Rows[0][0].Value.Int())
}

func TestExecutor_Execute_CallerCancellation(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, newTestDB(t, 1), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Execute(ctx, `SELECT 1`, time.Second, 10)
	require.ErrorIs(t, err, context.Canceled)
}

func TestExecutor_Execute_InvalidArguments(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, newTestDB(t, 1), 1)
	_, err := e.Execute(context.Background(), `SELECT 1`, 0, 10)
	require.Error(t, err)
	_, err = e.Execute(context.Background(), `SELECT 1`, time.Second, 0)
	require.Error(t, err)
}

func TestExecutor_Config_Validate(t *testing.T) {
	t.Parallel()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	cfg := Config{Logger: testLogger(), DB: db, Dialect: DialectSQLite, PoolSize: 1, QueueTimeout: time.Second}
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.Clock)

	cfg.PoolSize = 0
	require.ErrorContains(t, cfg.Validate(), "pool size must be greater than 0")

	cfg = Config{Logger: testLogger(), DB: db, Dialect: DialectSQLite, PoolSize: 1}
	require.ErrorContains(t, cfg.Validate(), "queue timeout must be greater than 0")
}

func columnNames(res *Result) []string {
	out := make([]string, len(res.Columns))
	for i, c := range res.Columns {
		out[i] = c.Name
	}
	return out
}
