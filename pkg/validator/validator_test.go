package validator

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/querygate/pkg/audit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestValidator(t *testing.T) (*Validator, *audit.MemorySink) {
	t.Helper()
	sink := audit.NewMemorySink()
	log, err := audit.NewLog(audit.LogConfig{Logger: testLogger(), Sink: sink})
	require.NoError(t, err)
	v, err := New(Config{
		Logger:       testLogger(),
		Audit:        log,
		MaxLength:    8000,
		MaxJoins:     3,
		MaxNesting:   2,
		DefaultLimit: 100,
	})
	require.NoError(t, err)
	return v, sink
}

func testPermitted() *Permitted {
	return NewPermitted("load_balancers", "backends", "regions.name", "regions.code")
}

func TestValidator_Check_Rules(t *testing.T) {
	t.Parallel()

	v, _ := newTestValidator(t)

	tests := []struct {
		name string
		sql  string
		want Rule
	}{
		// Statement kind.
		{"drop", "DROP TABLE load_balancers", RuleDestructive},
		{"delete", "DELETE FROM load_balancers", RuleDestructive},
		{"lowercase insert", "insert into load_balancers values (1)", RuleDestructive},
		{"stacked drop", "SELECT * FROM load_balancers; DROP TABLE backends", RuleDestructive},
		{"data-modifying cte", "WITH d AS (DELETE FROM backends RETURNING *) SELECT * FROM d", RuleDestructive},
		{"nested update", "SELECT * FROM (SELECT * FROM backends WHERE id IN (SELECT id FROM (UPDATE backends SET x = 1 RETURNING id) u)) s", RuleDestructive},
		{"select into", "SELECT * INTO copy FROM load_balancers", RuleDestructive},
		{"for update", "select 1 from load_balancers for update", RuleDestructive},
		{"side effect function", "SELECT nextval('lb_seq')", RuleDestructive},
		{"empty", "", RuleEmpty},
		{"whitespace", "  \n\t", RuleEmpty},
		{"comment only", "-- nothing here", RuleEmpty},
		{"terminator only", ";", RuleEmpty},
		{"two selects", "SELECT 1; SELECT 2", RuleMultiple},
		{"show", "SHOW TABLES", RuleUnsupported},
		{"explain", "EXPLAIN SELECT 1", RuleUnsupported},
		{"unterminated", "SELECT 'open", RuleUnsupported},
		{"unbalanced", "SELECT (1", RuleUnsupported},

		// Access control.
		{"unknown table", "SELECT * FROM secrets", RuleUnauthorized},
		{"joined table", "SELECT * FROM load_balancers JOIN secrets ON true", RuleUnauthorized},
		{"comma table", "SELECT * FROM load_balancers, secrets", RuleUnauthorized},
		{"comma after join", "SELECT * FROM load_balancers JOIN backends ON true, secrets", RuleUnauthorized},
		{"subquery table", "SELECT * FROM load_balancers WHERE id IN (SELECT lb_id FROM secrets)", RuleUnauthorized},
		{"foreign schema", "SELECT * FROM other.load_balancers", RuleUnauthorized},
		{"metadata not allowed", "SELECT * FROM information_schema.routines", RuleUnauthorized},
		{"cte out of scope", "SELECT * FROM (WITH secrets AS (SELECT 1 AS x) SELECT x FROM secrets) s, secrets", RuleUnauthorized},
		{"file table function", "SELECT * FROM read_csv('/etc/passwd')", RuleUnauthorized},
		{"file literal", "SELECT * FROM '/etc/passwd'", RuleUnauthorized},
		{"file scalar function", "SELECT pg_read_file('/etc/passwd')", RuleUnauthorized},
		{"query string to xml", "SELECT query_to_xml('select * from secrets', true, true, '')", RuleUnauthorized},
		{"query string to xml with schema", "SELECT query_to_xml_and_xmlschema('select * from secrets', true, true, '')", RuleUnauthorized},
		{"table to xml", "SELECT table_to_xml('secrets', true, true, '')", RuleUnauthorized},
		{"table to xml with schema", "SELECT table_to_xml_and_xmlschema('secrets'::regclass, true, true, '')", RuleUnauthorized},
		{"cursor to xml", "SELECT cursor_to_xml('c', 10, true, true, '')", RuleUnauthorized},
		{"database to xml", "SELECT database_to_xml(true, true, '')", RuleUnauthorized},
		{"schema to xml", "SELECT schema_to_xml('public', true, true, '')", RuleUnauthorized},
		{"large object read", "SELECT lo_get(16401)", RuleUnauthorized},
		{"xml function in permitted query", "SELECT name, Query_To_Xml('select 1', true, true, '') FROM load_balancers", RuleUnauthorized},
		{"limited column qualified", "SELECT r.secret FROM regions r", RuleUnauthorized},
		{"limited column by table name", "SELECT regions.secret FROM regions", RuleUnauthorized},
		{"limited column bare", "SELECT secret FROM regions", RuleUnauthorized},
		{"limited star", "SELECT * FROM regions", RuleUnauthorized},
		{"limited qualified star", "SELECT r.* FROM regions r", RuleUnauthorized},
		{"system table", "SELECT * FROM system.tables", RuleUnauthorized},

		// Structural limits.
		{"too many joins", "SELECT * FROM load_balancers a JOIN backends b ON true JOIN backends c ON true JOIN backends d ON true JOIN backends e ON true", RuleTooComplex},
		{"too many comma joins", "SELECT * FROM load_balancers a, backends b, backends c, backends d, backends e", RuleTooComplex},
		{"too deep", "SELECT * FROM (SELECT * FROM (SELECT * FROM (SELECT * FROM backends) x) y) z", RuleTooComplex},
		{"too long", "SELECT name FROM load_balancers WHERE name = '" + strings.Repeat("x", 9000) + "'", RuleTooComplex},

		// Approved.
		{"plain select", "SELECT name FROM load_balancers", RuleNone},
		{"keyword in literal", "SELECT 'DROP TABLE x' AS note FROM load_balancers", RuleNone},
		{"keyword in line comment", "SELECT name FROM load_balancers -- delete later", RuleNone},
		{"keyword in block comment", "SELECT /* update */ name FROM load_balancers", RuleNone},
		{"keyword as quoted identifier", `SELECT "delete" FROM load_balancers`, RuleNone},
		{"keyword as qualified column", "SELECT lb.update FROM load_balancers lb", RuleNone},
		{"replace function", "SELECT replace(name, 'a', 'b') FROM load_balancers", RuleNone},
		{"default schema", "SELECT * FROM public.load_balancers", RuleNone},
		{"metadata", "SELECT table_name FROM information_schema.tables", RuleNone},
		{"cte", "WITH recent AS (SELECT * FROM load_balancers) SELECT * FROM recent", RuleNone},
		{"recursive cte", "WITH RECURSIVE n(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM n WHERE x < 5) SELECT x FROM n", RuleNone},
		{"allowed table function", "SELECT * FROM generate_series(1, 10)", RuleNone},
		{"extract from", "SELECT EXTRACT(YEAR FROM created_at) FROM load_balancers", RuleNone},
		{"is distinct from", "SELECT * FROM load_balancers WHERE a IS DISTINCT FROM b", RuleNone},
		{"join", "SELECT lb.name, b.addr FROM load_balancers lb JOIN backends b ON b.lb_id = lb.id", RuleNone},
		{"limited columns", "SELECT name, code FROM regions", RuleNone},
		{"limited columns aliased", "SELECT r.name FROM regions r", RuleNone},
		{"limited output alias", "SELECT name AS n FROM regions ORDER BY n", RuleNone},
		{"limited and full", "SELECT lb.name, r.name FROM load_balancers lb JOIN regions r ON r.code = lb.region", RuleNone},
		{"values", "VALUES (1), (2)", RuleNone},
		{"parenthesized union", "(SELECT name FROM load_balancers) UNION (SELECT addr FROM backends)", RuleNone},
		{"trailing terminators", "SELECT 1;;", RuleNone},
		{"nesting at limit", "SELECT * FROM (SELECT * FROM (SELECT * FROM backends) x) y", RuleNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := v.Check(tt.sql, testPermitted())
			require.Equal(t, tt.want, got.Rule, "reason: %s", got.Reason)
			require.Equal(t, tt.want == RuleNone, got.Approved)
			require.Equal(t, tt.sql, got.Original)
			if !got.Approved {
				require.NotEmpty(t, got.Reason)
				require.ErrorIs(t, got.Err(), ErrRejected)
				require.Equal(t, tt.sql, got.Statement)
			}
		})
	}
}

func TestValidator_Check_LayerOrder(t *testing.T) {
	t.Parallel()

	v, _ := newTestValidator(t)

	// Destructive wins over unauthorized.
	require.Equal(t, RuleDestructive, v.Check("DELETE FROM secrets", testPermitted()).Rule)
	// Unauthorized wins over too complex.
	sql := "SELECT * FROM secrets a JOIN backends b ON true JOIN backends c ON true JOIN backends d ON true JOIN backends e ON true"
	require.Equal(t, RuleUnauthorized, v.Check(sql, testPermitted()).Rule)
	// Nothing is permitted without a permitted set.
	require.Equal(t, RuleUnauthorized, v.Check("SELECT * FROM load_balancers", nil).Rule)
}

func TestValidator_Check_RowLimit(t *testing.T) {
	t.Parallel()

	v, _ := newTestValidator(t)

	tests := []struct {
		sql      string
		want     string
		modified bool
	}{
		{"SELECT * FROM load_balancers", "SELECT * FROM load_balancers LIMIT 100", true},
		{"SELECT * FROM load_balancers;", "SELECT * FROM load_balancers LIMIT 100", true},
		{"SELECT * FROM load_balancers -- all of them", "SELECT * FROM load_balancers LIMIT 100", true},
		{"SELECT * FROM load_balancers LIMIT 10", "SELECT * FROM load_balancers LIMIT 10", false},
		{"SELECT * FROM load_balancers LIMIT 5000", "SELECT * FROM load_balancers LIMIT 100", true},
		{"SELECT * FROM load_balancers LIMIT ALL", "SELECT * FROM load_balancers LIMIT 100", true},
		{"SELECT * FROM load_balancers LIMIT 10, 5000", "SELECT * FROM load_balancers LIMIT 10, 100", true},
		{"SELECT * FROM load_balancers OFFSET 20", "SELECT * FROM load_balancers LIMIT 100 OFFSET 20", true},
		{"SELECT * FROM load_balancers FETCH FIRST 10 ROWS ONLY", "SELECT * FROM load_balancers FETCH FIRST 10 ROWS ONLY", false},
		{"SELECT * FROM load_balancers FETCH FIRST 5000 ROWS ONLY", "SELECT * FROM load_balancers FETCH FIRST 100 ROWS ONLY", true},
		{"SELECT * FROM load_balancers FETCH NEXT (SELECT 5000) ROWS ONLY", "SELECT * FROM load_balancers FETCH NEXT 100 ROWS ONLY", true},
		{"SELECT * FROM load_balancers LIMIT (SELECT 100000)", "SELECT * FROM load_balancers LIMIT 100", true},
		{"SELECT * FROM load_balancers LIMIT 50 * 1000", "SELECT * FROM load_balancers LIMIT 100", true},
		{"SELECT * FROM load_balancers LIMIT 10 + 0 OFFSET 5;", "SELECT * FROM load_balancers LIMIT 100 OFFSET 5", true},
		{"SELECT * FROM load_balancers LIMIT NULL", "SELECT * FROM load_balancers LIMIT 100", true},
		{"SELECT * FROM load_balancers LIMIT 10, (SELECT 5000)", "SELECT * FROM load_balancers LIMIT 10, 100", true},
		{"SELECT TOP (5000) name FROM load_balancers", "SELECT TOP 100 name FROM load_balancers", true},
		{"SELECT TOP 5 name FROM load_balancers", "SELECT TOP 5 name FROM load_balancers", false},
		{"SELECT name FROM load_balancers LIMIT 1 BY region", "SELECT name FROM load_balancers LIMIT 1 BY region LIMIT 100", true},
		{"SELECT count(*) FROM load_balancers SETTINGS max_threads = 2", "SELECT count(*) FROM load_balancers LIMIT 100 SETTINGS max_threads = 2", true},
		{
			"SELECT * FROM backends WHERE id IN (SELECT id FROM backends LIMIT 5)",
			"SELECT * FROM backends WHERE id IN (SELECT id FROM backends LIMIT 5) LIMIT 100",
			true,
		},
	}
	for _, tt := range tests {
		got := v.Check(tt.sql, testPermitted())
		require.True(t, got.Approved, "%s: %s", tt.sql, got.Reason)
		require.Equal(t, tt.want, got.Statement, tt.sql)
		require.Equal(t, tt.modified, got.Modified, tt.sql)
		require.Equal(t, tt.sql, got.Original)

		// The rewritten statement is a fixed point.
		again := v.Check(got.Statement, testPermitted())
		require.True(t, again.Approved)
		require.False(t, again.Modified, got.Statement)
	}
}

func TestValidator_Check_Idempotent(t *testing.T) {
	t.Parallel()

	v, _ := newTestValidator(t)
	for _, sql := range []string{
		"SELECT * FROM load_balancers",
		"SELECT * FROM secrets",
		"DROP TABLE backends",
		"SELECT 1; SELECT 2",
	} {
		require.Equal(t, v.Check(sql, testPermitted()), v.Check(sql, testPermitted()), sql)
	}
}

func TestValidator_Validate_AuditsEveryVerdict(t *testing.T) {
	t.Parallel()

	v, sink := newTestValidator(t)
	ctx := context.Background()

	approved := v.Validate(ctx, Candidate{
		Statement:   "SELECT name FROM load_balancers",
		Provenance:  ProvenanceGenerated,
		Permitted:   testPermitted(),
		Fingerprint: "fp-1",
	})
	require.True(t, approved.Approved)

	rejected := v.Validate(ctx, Candidate{
		Statement:   "DELETE FROM load_balancers",
		Provenance:  ProvenanceSubmitted,
		Permitted:   testPermitted(),
		Fingerprint: "fp-2",
	})
	require.False(t, rejected.Approved)

	recs := sink.Records()
	require.Len(t, recs, 2)

	require.Equal(t, "fp-1", recs[0].Fingerprint)
	require.Equal(t, audit.VerdictApproved, recs[0].Verdict)
	require.Equal(t, "generated", recs[0].Provenance)
	require.Equal(t, "SELECT name FROM load_balancers", recs[0].PreStatement)
	require.Equal(t, "SELECT name FROM load_balancers LIMIT 100", recs[0].PostStatement)
	require.Empty(t, recs[0].Rule)
	require.False(t, recs[0].Timestamp.IsZero())

	require.Equal(t, "fp-2", recs[1].Fingerprint)
	require.Equal(t, audit.VerdictRejected, recs[1].Verdict)
	require.Equal(t, string(RuleDestructive), recs[1].Rule)
	require.Equal(t, "statement contains DELETE", recs[1].Reason)
}

func TestValidator_Validate_AuditFailureDoesNotBlock(t *testing.T) {
	t.Parallel()

	v, sink := newTestValidator(t)
	sink.Err = context.DeadlineExceeded

	got := v.Validate(context.Background(), Candidate{
		Statement: "SELECT name FROM load_balancers",
		Permitted: testPermitted(),
	})
	require.True(t, got.Approved)
}

func TestValidator_Permitted(t *testing.T) {
	t.Parallel()

	p := NewPermitted("Load_Balancers", "regions.name", "regions.code", "backends.addr", "backends")
	require.True(t, p.Table("load_balancers"))
	require.True(t, p.Full("load_balancers"))
	require.True(t, p.Table("regions"))
	require.False(t, p.Full("regions"))
	require.True(t, p.Column("regions", "code"))
	require.False(t, p.Column("regions", "secret"))
	require.True(t, p.Column("backends", "anything"))
	require.Equal(t, []string{"code", "name"}, p.Columns("regions"))
	require.Equal(t, []string{"backends", "load_balancers", "regions.code", "regions.name"}, p.Identifiers())

	var none *Permitted
	require.False(t, none.Table("load_balancers"))
}

func TestValidator_Config_Validate(t *testing.T) {
	t.Parallel()

	sink := audit.NewMemorySink()
	log, err := audit.NewLog(audit.LogConfig{Logger: testLogger(), Sink: sink})
	require.NoError(t, err)

	cfg := Config{Logger: testLogger(), Audit: log, MaxLength: 10, DefaultLimit: 10}
	require.NoError(t, cfg.Validate())
	require.Equal(t, []string{"information_schema.tables", "information_schema.columns"}, cfg.MetadataAllowlist)

	cfg = Config{Logger: testLogger(), MaxLength: 10, DefaultLimit: 10}
	require.ErrorContains(t, cfg.Validate(), "audit log is required")

	cfg = Config{Logger: testLogger(), Audit: log, MaxLength: 10}
	require.ErrorContains(t, cfg.Validate(), "default limit must be greater than 0")
}
