package server

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jeroenrinzema/psql-wire/codes"
	"github.com/lib/pq/oid"
	"github.com/stretchr/testify/require"

	qerrors "github.com/malbeclabs/querygate/pkg/errors"
	"github.com/malbeclabs/querygate/pkg/executor"
	"github.com/malbeclabs/querygate/pkg/pipeline"
	"github.com/malbeclabs/querygate/pkg/validator"
)

func waitForServerReady(t *testing.T, addr string, maxAttempts int) {
	t.Helper()
	for i := 0; i < maxAttempts; i++ {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(50 * time.Millisecond * time.Duration(i+1))
	}
	t.Fatalf("server at %s not ready after %d attempts", addr, maxAttempts)
}

func startWireServer(t *testing.T, p *fakePipeline, accounts map[string]string) string {
	t.Helper()
	postgresListener := getFreeListener(t)
	srv := newTestServer(t, p, func(cfg *Config) {
		cfg.PostgresListener = postgresListener
		cfg.PostgresAccounts = accounts
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})

	addr := postgresListener.Addr().String()
	waitForServerReady(t, addr, 10)
	return addr
}

func backendsResult() *executor.Result {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &executor.Result{
		Columns: []executor.Column{{Name: "id"}, {Name: "name"}, {Name: "weight"}, {Name: "healthy"}, {Name: "checked_at"}},
		Rows: []executor.Row{
			{
				{Column: "id", Value: executor.IntValue(1)},
				{Column: "name", Value: executor.StringValue("edge-a")},
				{Column: "weight", Value: executor.FloatValue(0.5)},
				{Column: "healthy", Value: executor.BoolValue(true)},
				{Column: "checked_at", Value: executor.TimeValue(ts)},
			},
			{
				{Column: "id", Value: executor.IntValue(2)},
				{Column: "name", Value: executor.Null()},
				{Column: "weight", Value: executor.FloatValue(1.25)},
				{Column: "healthy", Value: executor.BoolValue(false)},
				{Column: "checked_at", Value: executor.TimeValue(ts.Add(time.Minute))},
			},
		},
	}
}

func TestServer_PostgreSQL_WireProtocol(t *testing.T) {
	t.Parallel()

	t.Run("runs statements through the pipeline", func(t *testing.T) {
		t.Parallel()

		p := &fakePipeline{statement: func(statement string) pipeline.Outcome {
			return pipeline.Outcome{Statement: statement, Result: backendsResult()}
		}}
		addr := startWireServer(t, p, nil)

		ctx := context.Background()
		conn, err := pgx.Connect(ctx, fmt.Sprintf("postgres://analyst:x@%s/postgres?sslmode=disable", addr))
		require.NoError(t, err)
		defer conn.Close(ctx)

		rows, err := conn.Query(ctx, "SELECT id, name, weight, healthy, checked_at FROM backends")
		require.NoError(t, err)

		var (
			id        int64
			name      *string
			weight    float64
			healthy   bool
			checkedAt time.Time
		)
		require.True(t, rows.Next())
		require.NoError(t, rows.Scan(&id, &name, &weight, &healthy, &checkedAt))
		require.Equal(t, int64(1), id)
		require.NotNil(t, name)
		require.Equal(t, "edge-a", *name)
		require.InDelta(t, 0.5, weight, 0.0001)
		require.True(t, healthy)
		require.True(t, checkedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

		require.True(t, rows.Next())
		require.NoError(t, rows.Scan(&id, &name, &weight, &healthy, &checkedAt))
		require.Equal(t, int64(2), id)
		require.Nil(t, name)
		require.False(t, healthy)

		require.False(t, rows.Next())
		require.NoError(t, rows.Err())

		p.mu.Lock()
		defer p.mu.Unlock()
		require.NotEmpty(t, p.sessions)
		require.Equal(t, "pg:analyst", p.sessions[0])
	})

	t.Run("rejections surface as postgres errors", func(t *testing.T) {
		t.Parallel()

		p := &fakePipeline{statement: func(statement string) pipeline.Outcome {
			return failed(qerrors.ValidationRejected, validator.RuleDestructive, "destructive-operation: DELETE is not allowed")
		}}
		addr := startWireServer(t, p, nil)

		ctx := context.Background()
		conn, err := pgx.Connect(ctx, fmt.Sprintf("postgres://analyst:x@%s/postgres?sslmode=disable", addr))
		require.NoError(t, err)
		defer conn.Close(ctx)

		_, err = conn.Exec(ctx, "DELETE FROM backends")
		require.Error(t, err)

		var pgErr *pgconn.PgError
		require.ErrorAs(t, err, &pgErr)
		require.Equal(t, string(codes.ReadOnlySQLTransaction), pgErr.Code)
		require.Equal(t, "destructive-operation: DELETE is not allowed", pgErr.Message)
	})

	t.Run("ping", func(t *testing.T) {
		t.Parallel()

		addr := startWireServer(t, &fakePipeline{}, nil)

		ctx := context.Background()
		conn, err := pgx.Connect(ctx, fmt.Sprintf("postgres://analyst:x@%s/postgres?sslmode=disable", addr))
		require.NoError(t, err)
		defer conn.Close(ctx)

		var pong string
		require.NoError(t, conn.QueryRow(ctx, "-- ping").Scan(&pong))
		require.Equal(t, "pong", pong)
	})

	t.Run("repeated column names keep their own values", func(t *testing.T) {
		t.Parallel()

		p := &fakePipeline{statement: func(statement string) pipeline.Outcome {
			return pipeline.Outcome{Statement: statement, Result: &executor.Result{
				Columns: []executor.Column{{Name: "id"}, {Name: "id"}, {Name: "name"}},
				Rows: []executor.Row{{
					{Column: "id", Value: executor.IntValue(1)},
					{Column: "id", Value: executor.IntValue(42)},
					{Column: "name", Value: executor.StringValue("edge-a")},
				}},
			}}
		}}
		addr := startWireServer(t, p, nil)

		ctx := context.Background()
		conn, err := pgx.Connect(ctx, fmt.Sprintf("postgres://analyst:x@%s/postgres?sslmode=disable", addr))
		require.NoError(t, err)
		defer conn.Close(ctx)

		var (
			lbID      int64
			backendID int64
			name      string
		)
		err = conn.QueryRow(ctx, "SELECT l.id, b.id, l.name FROM load_balancers l JOIN backends b ON true").Scan(&lbID, &backendID, &name)
		require.NoError(t, err)
		require.Equal(t, int64(1), lbID)
		require.Equal(t, int64(42), backendID)
		require.Equal(t, "edge-a", name)
	})

	t.Run("password authentication", func(t *testing.T) {
		t.Parallel()

		addr := startWireServer(t, &fakePipeline{}, map[string]string{"analyst": "s3cret"})
		ctx := context.Background()

		for _, userinfo := range []string{"analyst:wrong", "analyst:s3cre", "analyst:s3cret!", "nobody:s3cret"} {
			_, err := pgx.Connect(ctx, fmt.Sprintf("postgres://%s@%s/postgres?sslmode=disable", userinfo, addr))
			require.Error(t, err, userinfo)
		}

		conn, err := pgx.Connect(ctx, fmt.Sprintf("postgres://analyst:s3cret@%s/postgres?sslmode=disable", addr))
		require.NoError(t, err)
		require.NoError(t, conn.Close(ctx))
	})
}

func Test_mapDatabaseTypeToOID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		dbType   string
		expected oid.Oid
	}{
		{"boolean", "BOOLEAN", pgtype.BoolOID},
		{"tinyint", "TINYINT", pgtype.Int2OID},
		{"smallint", "smallint", pgtype.Int2OID},
		{"integer", "INTEGER", pgtype.Int4OID},
		{"int", "INT", pgtype.Int4OID},
		{"bigint", "BIGINT", pgtype.Int8OID},
		{"clickhouse int64", "Int64", pgtype.Int8OID},
		{"clickhouse uint32", "UInt32", pgtype.Int8OID},
		{"real", "REAL", pgtype.Float4OID},
		{"double", "DOUBLE", pgtype.Float8OID},
		{"clickhouse float64", "Float64", pgtype.Float8OID},
		{"decimal", "DECIMAL(10,2)", pgtype.NumericOID},
		{"varchar", "VARCHAR", pgtype.TextOID},
		{"date", "DATE", pgtype.DateOID},
		{"timestamp", "TIMESTAMP", pgtype.TimestampOID},
		{"timestamptz", "TIMESTAMPTZ", pgtype.TimestamptzOID},
		{"clickhouse datetime", "DateTime64(3)", pgtype.TimestamptzOID},
		{"blob", "BLOB", pgtype.ByteaOID},
		{"uuid", "UUID", pgtype.UUIDOID},
		{"json", "JSON", pgtype.JSONOID},
		{"unknown", "GEOMETRY", pgtype.TextOID},
		{"empty", "", pgtype.TextOID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.expected, mapDatabaseTypeToOID(tt.dbType))
		})
	}
}

func Test_columnOIDs(t *testing.T) {
	t.Parallel()

	res := &executor.Result{
		Columns: []executor.Column{
			{Name: "id"},
			{Name: "mixed"},
			{Name: "empty", DatabaseType: "BIGINT"},
			{Name: "missing"},
		},
		Rows: []executor.Row{
			{
				{Column: "id", Value: executor.IntValue(1)},
				{Column: "mixed", Value: executor.IntValue(1)},
				{Column: "empty", Value: executor.Null()},
			},
			{
				{Column: "id", Value: executor.Null()},
				{Column: "mixed", Value: executor.StringValue("one")},
				{Column: "empty", Value: executor.Null()},
			},
		},
	}
	require.Equal(t, []oid.Oid{pgtype.Int8OID, pgtype.TextOID, pgtype.Int8OID, pgtype.TextOID}, columnOIDs(res))
}

func Test_columnOIDs_RepeatedNames(t *testing.T) {
	t.Parallel()

	res := &executor.Result{
		Columns: []executor.Column{{Name: "id"}, {Name: "id"}},
		Rows: []executor.Row{
			{
				{Column: "id", Value: executor.IntValue(1)},
				{Column: "id", Value: executor.StringValue("b-1")},
			},
		},
	}
	require.Equal(t, []oid.Oid{pgtype.Int8OID, pgtype.TextOID}, columnOIDs(res))
	require.True(t, valueAt(res.Rows[0], 1).Equal(executor.StringValue("b-1")))
	require.True(t, valueAt(res.Rows[0], 2).IsNull())
}

func Test_encodeValue(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		value    executor.Value
		oid      oid.Oid
		expected any
	}{
		{"null", executor.Null(), pgtype.Int8OID, nil},
		{"int", executor.IntValue(7), pgtype.Int8OID, int64(7)},
		{"int as float", executor.IntValue(7), pgtype.Float8OID, float64(7)},
		{"float", executor.FloatValue(1.5), pgtype.Float8OID, 1.5},
		{"bool", executor.BoolValue(true), pgtype.BoolOID, true},
		{"time", executor.TimeValue(ts), pgtype.TimestamptzOID, ts},
		{"bytes", executor.BytesValue([]byte{0x01}), pgtype.ByteaOID, []byte{0x01}},
		{"int as text", executor.IntValue(7), pgtype.TextOID, "7"},
		{"string", executor.StringValue("edge-a"), pgtype.TextOID, "edge-a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.expected, encodeValue(tt.value, tt.oid))
		})
	}
}

func Test_wireCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind     qerrors.Kind
		rule     validator.Rule
		expected codes.Code
	}{
		{qerrors.ValidationRejected, validator.RuleDestructive, codes.ReadOnlySQLTransaction},
		{qerrors.ValidationRejected, validator.RuleUnauthorized, codes.InsufficientPrivilege},
		{qerrors.ValidationRejected, validator.RuleMultiple, codes.FeatureNotSupported},
		{qerrors.ValidationRejected, validator.RuleEmpty, codes.Syntax},
		{qerrors.InvalidRequest, validator.RuleNone, codes.InvalidParameterValue},
		{qerrors.IndexUnavailable, validator.RuleNone, codes.CannotConnectNow},
		{qerrors.PoolExhausted, validator.RuleNone, codes.TooManyConnections},
		{qerrors.ExecutionTimeout, validator.RuleNone, codes.QueryCanceled},
		{qerrors.DatabaseError, validator.RuleNone, codes.DataException},
		{qerrors.Internal, validator.RuleNone, codes.Internal},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.kind, tt.rule), func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.expected, wireCode(&pipeline.Failure{Kind: tt.kind, Rule: tt.rule}))
		})
	}
}
