package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/malbeclabs/querygate/pkg/audit"
	"github.com/malbeclabs/querygate/pkg/metrics"
)

type Rule string

const (
	RuleNone         Rule = ""
	RuleDestructive  Rule = "destructive-operation"
	RuleEmpty        Rule = "empty-statement"
	RuleMultiple     Rule = "multiple-statements"
	RuleUnsupported  Rule = "unsupported-statement"
	RuleUnauthorized Rule = "unauthorized-table"
	RuleTooComplex   Rule = "too-complex"
)

type Provenance string

const (
	ProvenanceGenerated Provenance = "generated"
	ProvenanceCached    Provenance = "cached"
	ProvenanceSubmitted Provenance = "submitted"
)

var ErrRejected = errors.New("statement rejected")

// RejectedError carries the rule that rejected a statement.
type RejectedError struct {
	Rule   Rule
	Reason string
}

func (e *RejectedError) Error() string        { return fmt.Sprintf("%s: %s", e.Rule, e.Reason) }
func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// Candidate is a statement proposed for execution.
type Candidate struct {
	Statement   string
	Provenance  Provenance
	Permitted   *Permitted
	Fingerprint string
}

// Verdict is the outcome of validating a candidate. Statement is the
// statement to execute; it differs from Original when Modified is set.
type Verdict struct {
	Approved  bool   `json:"approved"`
	Rule      Rule   `json:"rule,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Original  string `json:"original"`
	Statement string `json:"statement"`
	Modified  bool   `json:"modified"`
}

// Err returns a *RejectedError for a rejected verdict and nil otherwise.
func (v Verdict) Err() error {
	if v.Approved {
		return nil
	}
	return &RejectedError{Rule: v.Rule, Reason: v.Reason}
}

type Config struct {
	Logger *slog.Logger
	Audit  *audit.Log

	MaxLength    int
	MaxJoins     int
	MaxNesting   int
	DefaultLimit int

	// MetadataAllowlist names tables every statement may read.
	MetadataAllowlist []string
	// DefaultSchemas may prefix a permitted table name.
	DefaultSchemas []string
	// TableFunctions may appear where a table is expected.
	TableFunctions []string

	BackslashEscapes bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Audit == nil {
		return errors.New("audit log is required")
	}
	if cfg.MaxLength <= 0 {
		return errors.New("max length must be greater than 0")
	}
	if cfg.MaxJoins < 0 {
		return errors.New("max joins must not be negative")
	}
	if cfg.MaxNesting < 0 {
		return errors.New("max nesting must not be negative")
	}
	if cfg.DefaultLimit <= 0 {
		return errors.New("default limit must be greater than 0")
	}
	if cfg.MetadataAllowlist == nil {
		cfg.MetadataAllowlist = []string{"information_schema.tables", "information_schema.columns"}
	}
	if cfg.DefaultSchemas == nil {
		cfg.DefaultSchemas = []string{"public", "main"}
	}
	if cfg.TableFunctions == nil {
		cfg.TableFunctions = []string{"generate_series", "unnest", "numbers", "range"}
	}
	return nil
}

// Validator is a deterministic policy engine. Layers run in a fixed order
// and the first failing layer decides the verdict.
type Validator struct {
	log *slog.Logger
	cfg Config

	metadata  map[string]bool
	schemas   map[string]bool
	functions map[string]bool
}

func New(cfg Config) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	lower := func(in []string) map[string]bool {
		out := make(map[string]bool, len(in))
		for _, s := range in {
			out[strings.ToLower(s)] = true
		}
		return out
	}
	return &Validator{
		log:       cfg.Logger,
		cfg:       cfg,
		metadata:  lower(cfg.MetadataAllowlist),
		schemas:   lower(cfg.DefaultSchemas),
		functions: lower(cfg.TableFunctions),
	}, nil
}

// Validate decides whether the candidate may run and appends the verdict to
// the audit log.
func (v *Validator) Validate(ctx context.Context, c Candidate) Verdict {
	verdict := v.Check(c.Statement, c.Permitted)

	label := audit.VerdictApproved
	if !verdict.Approved {
		label = audit.VerdictRejected
	}
	metrics.ValidatorVerdictsTotal.WithLabelValues(label, string(verdict.Rule)).Inc()

	v.cfg.Audit.Append(ctx, audit.Record{
		Fingerprint:   c.Fingerprint,
		Provenance:    string(c.Provenance),
		PreStatement:  verdict.Original,
		PostStatement: verdict.Statement,
		Verdict:       label,
		Rule:          string(verdict.Rule),
		Reason:        verdict.Reason,
	})

	if verdict.Approved {
		v.log.Debug("validator: statement approved", "provenance", c.Provenance, "modified", verdict.Modified)
	} else {
		v.log.Info("validator: statement rejected", "provenance", c.Provenance, "rule", verdict.Rule, "reason", verdict.Reason)
	}
	return verdict
}

// Check evaluates the statement without side effects.
func (v *Validator) Check(sql string, permitted *Permitted) Verdict {
	reject := func(rule Rule, reason string) Verdict {
		return Verdict{Rule: rule, Reason: reason, Original: sql, Statement: sql}
	}

	all, err := Lex(sql, LexOptions{BackslashEscapes: v.cfg.BackslashEscapes})
	if err != nil {
		return reject(RuleUnsupported, fmt.Sprintf("statement could not be tokenized: %v", err))
	}
	toks := significant(all)

	if rule, reason := checkKind(toks); rule != RuleNone {
		return reject(rule, reason)
	}

	st := analyze(sql, toks)
	if rule, reason := v.checkAccess(st, permitted); rule != RuleNone {
		return reject(rule, reason)
	}
	if rule, reason := v.checkStructure(st); rule != RuleNone {
		return reject(rule, reason)
	}

	out, modified := v.shape(st)
	return Verdict{Approved: true, Original: sql, Statement: out, Modified: modified}
}

// checkKind admits only read-only statement forms.
func checkKind(toks []Token) (Rule, string) {
	if len(toks) == 0 || len(toks) == countPunct(toks, ";") {
		return RuleEmpty, "statement is empty"
	}

	for i, t := range toks {
		if t.Kind != TokenWord {
			continue
		}
		if i > 0 && toks[i-1].Is(".") || i+1 < len(toks) && toks[i+1].Is(".") {
			continue
		}
		call := i+1 < len(toks) && toks[i+1].Is("(")
		kw := t.Upper()
		if destructiveKeywords[kw] && !(call && functionLike[kw]) {
			return RuleDestructive, fmt.Sprintf("statement contains %s", kw)
		}
		if call && sideEffectFunctions[strings.ToLower(t.Text)] {
			return RuleDestructive, fmt.Sprintf("statement calls %s", strings.ToLower(t.Text))
		}
	}

	for i, t := range toks {
		if !t.Is(";") {
			continue
		}
		for _, rest := range toks[i+1:] {
			if !rest.Is(";") {
				return RuleMultiple, "only a single statement is allowed"
			}
		}
	}

	switch first := toks[0]; {
	case first.Is("("):
	case first.Kind == TokenWord && (first.Upper() == "SELECT" || first.Upper() == "WITH" || first.Upper() == "VALUES"):
	default:
		return RuleUnsupported, fmt.Sprintf("statements starting with %s are not supported", strings.ToUpper(first.Text))
	}
	return RuleNone, ""
}

func countPunct(toks []Token, p string) int {
	n := 0
	for _, t := range toks {
		if t.Is(p) {
			n++
		}
	}
	return n
}

// checkAccess requires every referenced table and qualified column to be
// permitted, allow-listed metadata, or a CTE visible at the reference.
func (v *Validator) checkAccess(st *statement, permitted *Permitted) (Rule, string) {
	for _, i := range st.calls {
		if name := strings.ToLower(st.toks[i].Text); externalReadFunctions[name] && !v.functions[name] {
			return RuleUnauthorized, fmt.Sprintf("function %s reads data outside the permitted tables", name)
		}
	}

	// resolved maps each name usable as a qualifier to the permitted table it
	// denotes, or "" when it denotes something without column limits.
	resolved := map[string][]string{}
	limitedOnly := true
	var real int

	for _, ref := range st.tables {
		switch ref.kind {
		case tableLiteral:
			return RuleUnauthorized, fmt.Sprintf("table reference %s is not permitted", ref.parts[0])
		case tableFunction:
			name := ref.parts[len(ref.parts)-1]
			if !v.functions[name] {
				return RuleUnauthorized, fmt.Sprintf("table function %s is not permitted", ref.name())
			}
			limitedOnly = false
			continue
		}

		name := ref.name()
		if len(ref.parts) == 1 && st.cteVisible(name, ref.tok) {
			resolved[name] = append(resolved[name], "")
			limitedOnly = false
			continue
		}
		if v.metadata[name] {
			resolved[ref.parts[len(ref.parts)-1]] = append(resolved[ref.parts[len(ref.parts)-1]], "")
			limitedOnly = false
			continue
		}
		table, ok := v.unqualify(ref.parts)
		if !ok || !permitted.Table(table) {
			return RuleUnauthorized, fmt.Sprintf("table %s is not permitted for this request", name)
		}
		real++
		if permitted.Full(table) {
			limitedOnly = false
		}
		resolved[table] = append(resolved[table], table)
		if name != table {
			resolved[name] = append(resolved[name], table)
		}
	}
	for alias, targets := range st.aliases {
		for _, target := range targets {
			if target == "" {
				resolved[alias] = append(resolved[alias], "")
				continue
			}
			if t, ok := v.unqualify(strings.Split(target, ".")); ok && permitted.Table(t) {
				resolved[alias] = append(resolved[alias], t)
			} else {
				resolved[alias] = append(resolved[alias], "")
			}
		}
	}

	for _, ref := range st.columns {
		qualifier, column := ref.parts[:len(ref.parts)-1], ref.parts[len(ref.parts)-1]
		targets, ok := resolved[strings.Join(qualifier, ".")]
		if !ok && len(qualifier) > 1 {
			// alias.struct_column.field
			targets, column = resolved[qualifier[0]], qualifier[1]
		}
		for _, t := range targets {
			if t == "" || permitted.Full(t) {
				continue
			}
			if column == "*" {
				return RuleUnauthorized, fmt.Sprintf("%s.* selects columns that are not permitted", t)
			}
			if !permitted.Column(t, column) {
				return RuleUnauthorized, fmt.Sprintf("column %s.%s is not permitted for this request", t, column)
			}
		}
	}

	// Unqualified references can only be checked when every table in the
	// statement is column-limited.
	if real == 0 || !limitedOnly {
		return RuleNone, ""
	}
	allowed := map[string]bool{}
	for _, targets := range resolved {
		for _, t := range targets {
			for _, c := range permitted.Columns(t) {
				allowed[c] = true
			}
		}
	}
	if len(st.stars) > 0 {
		return RuleUnauthorized, "* selects columns that are not permitted"
	}
	for _, i := range st.bare {
		name := st.toks[i].Ident()
		if allowed[name] || st.outputs[name] || resolved[name] != nil || st.cteVisible(name, i) {
			continue
		}
		return RuleUnauthorized, fmt.Sprintf("column %s is not permitted for this request", name)
	}
	return RuleNone, ""
}

// unqualify strips a default schema prefix from a table reference.
func (v *Validator) unqualify(parts []string) (string, bool) {
	switch len(parts) {
	case 1:
		return parts[0], true
	case 2:
		if v.schemas[parts[0]] {
			return parts[1], true
		}
	case 3:
		if v.schemas[parts[1]] {
			return parts[2], true
		}
	}
	return "", false
}

// checkStructure enforces the length, join and nesting ceilings.
func (v *Validator) checkStructure(st *statement) (Rule, string) {
	if n := len(st.src); n > v.cfg.MaxLength {
		return RuleTooComplex, fmt.Sprintf("statement is %d bytes, the limit is %d", n, v.cfg.MaxLength)
	}
	if st.joins > v.cfg.MaxJoins {
		return RuleTooComplex, fmt.Sprintf("statement has %d joins, the limit is %d", st.joins, v.cfg.MaxJoins)
	}
	if st.nesting > v.cfg.MaxNesting {
		return RuleTooComplex, fmt.Sprintf("statement nests subqueries %d deep, the limit is %d", st.nesting, v.cfg.MaxNesting)
	}
	return RuleNone, ""
}

// shape bounds the row count of the statement. A missing row limit is
// appended; a literal limit above the default is lowered to it, and a limit
// given as an expression is replaced by it.
func (v *Validator) shape(st *statement) (string, bool) {
	limit := strconv.Itoa(v.cfg.DefaultLimit)
	last := st.lastSignificant()
	body := st.src[:st.toks[last].End]

	lc := st.topLevelLimit()
	if lc.present {
		if lc.from >= 0 {
			return body[:st.toks[lc.from].Start] + limit + body[st.toks[lc.to].End:], true
		}
		idx := lc.all
		if lc.value >= 0 {
			n, err := strconv.ParseInt(st.toks[lc.value].Text, 10, 64)
			if err != nil || n > int64(v.cfg.DefaultLimit) {
				idx = lc.value
			}
		}
		if idx < 0 {
			return st.src, false
		}
		t := st.toks[idx]
		return body[:t.Start] + limit + body[t.End:], true
	}

	at := st.limitInsertion()
	if at <= 0 {
		return body + " LIMIT " + limit, true
	}
	head := st.src[:st.toks[at-1].End]
	tail := body[st.toks[at].Start:]
	return head + " LIMIT " + limit + " " + tail, true
}
