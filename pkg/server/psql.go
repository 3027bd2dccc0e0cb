package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	wire "github.com/jeroenrinzema/psql-wire"
	"github.com/jeroenrinzema/psql-wire/codes"
	pgerror "github.com/jeroenrinzema/psql-wire/errors"
	"github.com/jeroenrinzema/psql-wire/pkg/buffer"
	"github.com/jeroenrinzema/psql-wire/pkg/types"
	"github.com/lib/pq/oid"

	qerrors "github.com/malbeclabs/querygate/pkg/errors"
	"github.com/malbeclabs/querygate/pkg/executor"
	"github.com/malbeclabs/querygate/pkg/metrics"
	"github.com/malbeclabs/querygate/pkg/pipeline"
	"github.com/malbeclabs/querygate/pkg/validator"
)

const wireSessionPrefix = "pg:"

// createAuthStrategy returns a clear-text password strategy over accounts, or
// an accept-all strategy when accounts is empty.
func createAuthStrategy(log *slog.Logger, accounts map[string]string) wire.AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (context.Context, error) {
		params := wire.ClientParameters(ctx)
		database := params[wire.ParamDatabase]
		username := params[wire.ParamUsername]

		if len(accounts) == 0 {
			writer.Start(types.ServerAuth)
			writer.AddInt32(0) // authOK
			if err := writer.End(); err != nil {
				return ctx, err
			}
			log.Debug("postgres: authentication disabled, allowing connection", "database", database, "username", username)
			return ctx, nil
		}

		writer.Start(types.ServerAuth)
		writer.AddInt32(3) // authClearTextPassword
		if err := writer.End(); err != nil {
			return ctx, err
		}

		t, _, err := reader.ReadTypedMsg()
		if err != nil {
			return ctx, err
		}
		if t != types.ClientPassword {
			return ctx, fmt.Errorf("unexpected password message type: %v", t)
		}

		password, err := reader.GetString()
		if err != nil {
			return ctx, err
		}

		expected, exists := accounts[username]
		if !exists || subtle.ConstantTimeCompare([]byte(password), []byte(expected)) != 1 {
			log.Debug("postgres: authentication failed", "username", username)
			authErr := pgerror.WithCode(errors.New("invalid username/password"), codes.InvalidPassword)
			if err := wire.ErrorCode(writer, authErr); err != nil {
				return ctx, err
			}
			return ctx, authErr
		}

		log.Debug("postgres: authentication successful", "username", username)
		writer.Start(types.ServerAuth)
		writer.AddInt32(0) // authOK
		return ctx, writer.End()
	}
}

// queryHandler runs every wire query as a submitted statement. The statement
// executes at parse time so the row description is known up front.
func (s *Server) queryHandler(ctx context.Context, query string) (wire.PreparedStatements, error) {
	s.log.Debug("postgres: incoming query", "query", query)

	// Clients check connections with empty statements.
	normalized := strings.TrimSpace(query)
	if normalized == "" || normalized == ";" {
		return wire.Prepared(wire.NewStatement(
			func(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) error {
				return writer.Complete("")
			},
			wire.WithColumns(wire.Columns{}),
		)), nil
	}

	if strings.ToLower(strings.Join(strings.Fields(query), " ")) == "-- ping" {
		columns := wire.Columns{{Name: "pong", Oid: pgtype.TextOID}}
		return wire.Prepared(wire.NewStatement(
			func(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) error {
				if err := writer.Row([]any{"pong"}); err != nil {
					return err
				}
				return writer.Complete("SELECT 1")
			},
			wire.WithColumns(columns),
		)), nil
	}

	out := s.pipeline.ExecuteStatement(ctx, wireSession(ctx), query)
	if out.Failed() {
		metrics.WireQueriesTotal.WithLabelValues(string(out.Failure.Kind)).Inc()
		return nil, wireError(out.Failure)
	}
	metrics.WireQueriesTotal.WithLabelValues("ok").Inc()

	res := out.Result
	if res == nil {
		res = &executor.Result{}
	}
	oids := columnOIDs(res)
	columns := make(wire.Columns, len(res.Columns))
	for i, c := range res.Columns {
		columns[i] = wire.Column{Name: c.Name, Oid: oids[i]}
	}

	return wire.Prepared(wire.NewStatement(
		func(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) error {
			for _, row := range res.Rows {
				values := make([]any, len(res.Columns))
				for i := range res.Columns {
					values[i] = encodeValue(valueAt(row, i), oids[i])
				}
				if err := writer.Row(values); err != nil {
					return err
				}
			}
			return writer.Complete(fmt.Sprintf("SELECT %d", len(res.Rows)))
		},
		wire.WithColumns(columns),
	)), nil
}

func wireSession(ctx context.Context) string {
	username := wire.ClientParameters(ctx)[wire.ParamUsername]
	if username == "" {
		username = "anonymous"
	}
	return wireSessionPrefix + username
}

// wireError converts a failure into a postgres error carrying only the
// user-safe reason.
func wireError(f *pipeline.Failure) error {
	err := pgerror.WithCode(errors.New(f.Reason), wireCode(f))
	if f.Rule != validator.RuleNone {
		err = pgerror.WithHint(err, "rejected by rule "+string(f.Rule))
	}
	return err
}

func wireCode(f *pipeline.Failure) codes.Code {
	switch f.Kind {
	case qerrors.ValidationRejected:
		switch f.Rule {
		case validator.RuleDestructive:
			return codes.ReadOnlySQLTransaction
		case validator.RuleUnauthorized:
			return codes.InsufficientPrivilege
		case validator.RuleUnsupported, validator.RuleMultiple, validator.RuleTooComplex:
			return codes.FeatureNotSupported
		default:
			return codes.Syntax
		}
	case qerrors.InvalidRequest:
		return codes.InvalidParameterValue
	case qerrors.IndexUnavailable:
		return codes.CannotConnectNow
	case qerrors.PoolExhausted:
		return codes.TooManyConnections
	case qerrors.ExecutionTimeout:
		return codes.QueryCanceled
	case qerrors.DatabaseError:
		return codes.DataException
	default:
		return codes.Internal
	}
}

// valueAt returns the i-th value of the row. Columns are positional, so
// repeated names after a join each keep their own value.
func valueAt(row executor.Row, i int) executor.Value {
	if i < 0 || i >= len(row) {
		return executor.Null()
	}
	return row[i].Value
}

// columnOIDs picks an OID per column from the kinds of its non-null values.
// Columns whose values disagree on kind are sent as text. All-null columns
// fall back to the declared database type.
func columnOIDs(res *executor.Result) []oid.Oid {
	out := make([]oid.Oid, len(res.Columns))
	for i, c := range res.Columns {
		kind := executor.KindNull
		mixed := false
		for _, row := range res.Rows {
			v := valueAt(row, i)
			if v.IsNull() {
				continue
			}
			if kind == executor.KindNull {
				kind = v.Kind()
			} else if v.Kind() != kind {
				mixed = true
				break
			}
		}
		switch {
		case mixed:
			out[i] = pgtype.TextOID
		case kind == executor.KindNull:
			out[i] = mapDatabaseTypeToOID(c.DatabaseType)
		default:
			out[i] = kindToOID(kind)
		}
	}
	return out
}

func kindToOID(k executor.Kind) oid.Oid {
	switch k {
	case executor.KindBool:
		return pgtype.BoolOID
	case executor.KindInt:
		return pgtype.Int8OID
	case executor.KindFloat:
		return pgtype.Float8OID
	case executor.KindBytes:
		return pgtype.ByteaOID
	case executor.KindTime:
		return pgtype.TimestamptzOID
	default:
		return pgtype.TextOID
	}
}

// mapDatabaseTypeToOID maps an engine type name to a postgres OID.
func mapDatabaseTypeToOID(dbTypeName string) oid.Oid {
	dbTypeName = strings.ToUpper(strings.TrimSpace(dbTypeName))

	switch {
	case strings.HasPrefix(dbTypeName, "BOOL"):
		return pgtype.BoolOID
	case strings.HasPrefix(dbTypeName, "TINYINT"), strings.HasPrefix(dbTypeName, "SMALLINT"), strings.HasPrefix(dbTypeName, "INT2"):
		return pgtype.Int2OID
	case strings.HasPrefix(dbTypeName, "INTERVAL"):
		return pgtype.TextOID
	case strings.HasPrefix(dbTypeName, "BIGINT"), strings.HasPrefix(dbTypeName, "INT8"), strings.HasPrefix(dbTypeName, "INT64"), strings.HasPrefix(dbTypeName, "UINT"):
		return pgtype.Int8OID
	case strings.HasPrefix(dbTypeName, "INT"):
		return pgtype.Int4OID
	case strings.HasPrefix(dbTypeName, "REAL"), strings.HasPrefix(dbTypeName, "FLOAT4"), strings.HasPrefix(dbTypeName, "FLOAT32"):
		return pgtype.Float4OID
	case strings.HasPrefix(dbTypeName, "DOUBLE"), strings.HasPrefix(dbTypeName, "FLOAT"):
		return pgtype.Float8OID
	case strings.HasPrefix(dbTypeName, "DECIMAL"), strings.HasPrefix(dbTypeName, "NUMERIC"):
		return pgtype.NumericOID
	case strings.HasPrefix(dbTypeName, "DATETIME"), strings.HasPrefix(dbTypeName, "TIMESTAMPTZ"), strings.HasPrefix(dbTypeName, "TIMESTAMP WITH TIME ZONE"):
		return pgtype.TimestamptzOID
	case strings.HasPrefix(dbTypeName, "TIMESTAMP"):
		return pgtype.TimestampOID
	case strings.HasPrefix(dbTypeName, "DATE"):
		return pgtype.DateOID
	case strings.HasPrefix(dbTypeName, "BLOB"), strings.HasPrefix(dbTypeName, "BYTEA"):
		return pgtype.ByteaOID
	case strings.HasPrefix(dbTypeName, "UUID"):
		return pgtype.UUIDOID
	case strings.HasPrefix(dbTypeName, "JSON"):
		return pgtype.JSONOID
	default:
		return pgtype.TextOID
	}
}

// encodeValue converts a tagged value into what psql-wire encodes for the OID.
func encodeValue(v executor.Value, o oid.Oid) any {
	if v.IsNull() {
		return nil
	}
	switch o {
	case pgtype.TextOID:
		return v.String()
	case pgtype.ByteaOID:
		if v.Kind() == executor.KindBytes {
			return v.Bytes()
		}
		return []byte(v.String())
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID:
		if v.Kind() == executor.KindInt {
			return v.Int()
		}
	case pgtype.Float4OID, pgtype.Float8OID:
		switch v.Kind() {
		case executor.KindFloat:
			return v.Float()
		case executor.KindInt:
			return float64(v.Int())
		}
	case pgtype.BoolOID:
		if v.Kind() == executor.KindBool {
			return v.Bool()
		}
	case pgtype.TimestampOID, pgtype.TimestamptzOID, pgtype.DateOID:
		if v.Kind() == executor.KindTime {
			return v.Time()
		}
	}
	return v.String()
}
