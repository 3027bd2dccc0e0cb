package validator

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// destructiveKeywords name statement forms that write data, change schema or
// privileges, or run code. They are rejected wherever they appear.
var destructiveKeywords = set(
	"INSERT", "UPDATE", "DELETE", "MERGE", "UPSERT", "REPLACE", "TRUNCATE",
	"DROP", "CREATE", "ALTER", "RENAME", "GRANT", "REVOKE", "ATTACH", "DETACH",
	"COPY", "VACUUM", "REINDEX", "OPTIMIZE", "EXECUTE", "EXEC", "PRAGMA", "INTO",
)

// functionLike are destructive keywords that are also scalar functions when
// called.
var functionLike = set("REPLACE", "TRUNCATE")

// sideEffectFunctions change state when called from a SELECT.
var sideEffectFunctions = set(
	"nextval", "setval", "set_config", "pg_terminate_backend", "pg_cancel_backend",
	"pg_reload_conf", "pg_rotate_logfile", "lo_import", "lo_export", "lo_unlink",
	"lo_create", "dblink_exec", "pg_advisory_lock", "pg_advisory_xact_lock",
	"load_extension", "writefile",
)

// externalReadFunctions read data from outside the permitted schema: files,
// URLs, remote databases, and tables or queries named by a string argument.
var externalReadFunctions = set(
	"pg_read_file", "pg_read_binary_file", "pg_ls_dir", "pg_stat_file", "dblink",
	"read_csv", "read_csv_auto", "read_parquet", "read_json", "read_json_auto",
	"read_text", "read_blob", "readfile", "file", "url", "s3", "s3cluster",
	"hdfs", "remote", "remotesecure", "cluster", "mysql", "postgresql", "jdbc",
	"odbc", "sqlite_scan", "postgres_scan", "mysql_scan", "glob",
	"query_to_xml", "query_to_xmlschema", "query_to_xml_and_xmlschema",
	"table_to_xml", "table_to_xmlschema", "table_to_xml_and_xmlschema",
	"cursor_to_xml", "cursor_to_xmlschema", "schema_to_xml", "schema_to_xmlschema",
	"schema_to_xml_and_xmlschema", "database_to_xml", "database_to_xmlschema",
	"database_to_xml_and_xmlschema", "lo_get", "loread", "lo_open",
)

// fromTerminators end the FROM clause of the query they appear in.
var fromTerminators = set(
	"SELECT", "WHERE", "GROUP", "HAVING", "ORDER", "LIMIT", "OFFSET", "FETCH",
	"UNION", "EXCEPT", "INTERSECT", "WINDOW", "QUALIFY", "PREWHERE", "SETTINGS",
	"FORMAT", "FOR", "RETURNING", "INTO", "TOP",
)

// notAlias are words that may follow a table reference without naming it.
var notAlias = set(
	"WHERE", "JOIN", "INNER", "LEFT", "RIGHT", "FULL", "OUTER", "CROSS",
	"NATURAL", "ON", "USING", "GROUP", "ORDER", "HAVING", "LIMIT", "OFFSET",
	"FETCH", "UNION", "EXCEPT", "INTERSECT", "WINDOW", "QUALIFY", "FOR", "FINAL",
	"SAMPLE", "PREWHERE", "SETTINGS", "FORMAT", "ARRAY", "GLOBAL", "ANY", "ALL",
	"SEMI", "ANTI", "ASOF", "PASTE", "LATERAL", "TABLESAMPLE", "RETURNING",
	"INTO", "WITH", "SELECT", "FROM", "AS", "POSITIONAL", "PIVOT", "UNPIVOT",
	"STRAIGHT_JOIN", "USE", "FORCE", "IGNORE",
)

// keywords are words that never name a column.
var keywords = set(
	"ALL", "AND", "ANY", "ARRAY", "AS", "ASC", "ASOF", "AT", "BETWEEN", "BOTH",
	"BY", "CASE", "CAST", "COLLATE", "CROSS", "CUBE", "CURRENT",
	"CURRENT_DATE", "CURRENT_TIME", "CURRENT_TIMESTAMP", "CURRENT_USER",
	"DATE", "DAY", "DESC", "DISTINCT", "ELSE", "END", "ESCAPE", "EXCEPT",
	"EXISTS", "EXTRACT", "FALSE", "FETCH", "FILTER", "FINAL", "FIRST",
	"FOLLOWING", "FOR", "FROM", "FULL", "GROUP", "GROUPING", "HAVING", "HOUR",
	"ILIKE", "IN", "INNER", "INTERSECT", "INTERVAL", "IS", "ISNULL", "JOIN",
	"LAST", "LATERAL", "LEADING", "LEFT", "LIKE", "LIMIT", "LOCALTIME",
	"LOCALTIMESTAMP", "MATERIALIZED", "MINUTE", "MONTH", "NATURAL", "NEXT",
	"NO", "NOT", "NOTNULL", "NULL", "NULLS", "OF", "OFFSET", "ON", "ONLY", "OR",
	"ORDER", "OTHERS", "OUTER", "OVER", "PARTITION", "PRECEDING", "QUALIFY",
	"RANGE", "RECURSIVE", "RIGHT", "ROLLUP", "ROW", "ROWS", "SECOND", "SELECT",
	"SEMI", "ANTI", "SETS", "SETTINGS", "SIMILAR", "SOME", "TABLESAMPLE",
	"THEN", "TIES", "TIME", "TIMESTAMP", "TO", "TOP", "TRAILING", "TRUE",
	"UNBOUNDED", "UNION", "UNKNOWN", "USING", "VALUES", "WEEK", "WHEN", "WHERE",
	"WINDOW", "WITH", "WITHIN", "YEAR", "ZONE", "GLOBAL", "PREWHERE", "SAMPLE",
	"FORMAT", "PASTE", "POSITIONAL", "EXCLUDE", "GROUPS", "CURRENT_SCHEMA",
	"SESSION_USER", "USER", "QUARTER", "EPOCH", "DOW", "DOY", "ISODOW",
	"MILLISECONDS", "MICROSECONDS", "DECADE", "CENTURY", "MILLENNIUM",
	"RESPECT", "NULLIF", "COALESCE", "GREATEST", "LEAST", "DEFAULT",
	"INTEGER", "INT", "BIGINT", "SMALLINT", "TEXT", "VARCHAR", "CHAR",
	"NUMERIC", "DECIMAL", "REAL", "DOUBLE", "PRECISION", "FLOAT", "BOOLEAN",
	"BOOL", "UUID", "JSON", "JSONB", "BYTEA", "TIMESTAMPTZ", "STRING",
	"UINT8", "UINT16", "UINT32", "UINT64", "INT8", "INT16", "INT32", "INT64",
	"FLOAT32", "FLOAT64", "DATETIME", "DATETIME64", "VARYING", "WITHOUT",
)
