package validator

import (
	"strings"
)

type tableKind int

const (
	tableNamed tableKind = iota
	tableFunction
	tableLiteral
)

type tableRef struct {
	kind  tableKind
	parts []string
	tok   int
}

func (r tableRef) name() string { return strings.Join(r.parts, ".") }

type columnRef struct {
	parts []string
	tok   int
}

type cteDef struct {
	name  string
	scope int
}

// statement is the structural view of a tokenized statement used by the
// access-control, structural and resource-shape layers.
type statement struct {
	src  string
	toks []Token

	match      []int
	queryParen []bool
	tableGroup []bool
	consumed   []bool

	tables  []tableRef
	columns []columnRef
	bare    []int
	stars   []int
	ctes    []cteDef
	aliases map[string][]string
	outputs map[string]bool
	calls   []int
	joins   int
	nesting int
	inFrom  map[int]bool
}

// significant drops comments and rewrites Parent to index the returned slice.
func significant(all []Token) []Token {
	remap := make(map[int]int, len(all))
	out := make([]Token, 0, len(all))
	for i, t := range all {
		if t.Kind == TokenComment {
			continue
		}
		remap[i] = len(out)
		out = append(out, t)
	}
	for i := range out {
		if out[i].Parent >= 0 {
			out[i].Parent = remap[out[i].Parent]
		}
	}
	return out
}

func analyze(src string, toks []Token) *statement {
	s := &statement{
		src:        src,
		toks:       toks,
		match:      make([]int, len(toks)),
		queryParen: make([]bool, len(toks)),
		tableGroup: make([]bool, len(toks)),
		consumed:   make([]bool, len(toks)),
		aliases:    map[string][]string{},
		outputs:    map[string]bool{},
		inFrom:     map[int]bool{},
	}
	s.matchParens()
	s.scanStructure()
	s.scanReferences()
	return s
}

func (s *statement) at(i int) Token {
	if i < 0 || i >= len(s.toks) {
		return Token{Kind: TokenPunct, Text: "", Parent: -2}
	}
	return s.toks[i]
}

func (s *statement) upper(i int) string { return s.at(i).Upper() }

func (s *statement) matchParens() {
	var stack []int
	for i, t := range s.toks {
		s.match[i] = -1
		switch {
		case t.Is("("):
			stack = append(stack, i)
		case t.Is(")"):
			open := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			s.match[open], s.match[i] = i, open
		}
	}
	for i := len(s.toks) - 1; i >= 0; i-- {
		if s.toks[i].Is("(") {
			s.queryParen[i] = s.opensQuery(i)
		}
	}

	depth := make([]int, len(s.toks))
	for i, t := range s.toks {
		if !t.Is("(") {
			continue
		}
		d := 0
		if t.Parent >= 0 {
			d = depth[t.Parent]
		}
		if s.queryParen[i] {
			d++
		}
		depth[i] = d
		if d > s.nesting {
			s.nesting = d
		}
	}
}

// opensQuery reports whether the parenthesis at i encloses a query.
func (s *statement) opensQuery(i int) bool {
	next := s.at(i + 1)
	switch next.Upper() {
	case "SELECT", "WITH", "VALUES", "FROM", "TABLE":
		return true
	}
	return next.Is("(") && s.queryParen[i+1]
}

// visible reports whether a CTE defined in scope is visible from token i.
func (s *statement) visible(scope, i int) bool {
	if scope == -1 {
		return true
	}
	for p := s.toks[i].Parent; p >= 0; p = s.toks[p].Parent {
		if p == scope {
			return true
		}
	}
	return false
}

func (s *statement) cteVisible(name string, i int) bool {
	for _, c := range s.ctes {
		if c.name == name && s.visible(c.scope, i) {
			return true
		}
	}
	return false
}

// scanStructure finds CTE definitions, FROM and JOIN items, aliases and join
// counts.
func (s *statement) scanStructure() {
	for i := 0; i < len(s.toks); i++ {
		t := s.toks[i]
		switch {
		case t.Is(","):
			if s.inFrom[t.Parent] {
				s.joins++
				s.fromItem(i + 1)
			}
			continue
		case t.Kind != TokenWord:
			continue
		}

		kw := t.Upper()
		switch {
		case kw == "WITH":
			s.withClause(i)
		case kw == "FROM":
			if s.tableFrom(i) {
				s.inFrom[t.Parent] = true
				s.fromItem(i + 1)
			}
		case kw == "JOIN" || kw == "STRAIGHT_JOIN":
			s.joins++
			if s.upper(i-1) == "ARRAY" || s.upper(i-2) == "ARRAY" {
				continue
			}
			s.inFrom[t.Parent] = true
			s.fromItem(i + 1)
		case kw == "AS" && s.at(i+1).IsIdent():
			s.outputs[s.at(i+1).Ident()] = true
		case fromTerminators[kw]:
			s.inFrom[t.Parent] = false
		}
	}
}

// tableFrom reports whether the FROM at i introduces table references.
// FROM inside function arguments (EXTRACT(x FROM y)) and IS DISTINCT FROM
// do not.
func (s *statement) tableFrom(i int) bool {
	if s.upper(i-1) == "DISTINCT" && (s.upper(i-2) == "IS" || s.upper(i-2) == "NOT") {
		return false
	}
	p := s.toks[i].Parent
	return p == -1 || s.queryParen[p] || s.tableGroup[p]
}

// withClause records the CTE names defined by the WITH at i.
func (s *statement) withClause(i int) {
	scope := s.toks[i].Parent
	j := i + 1
	if s.upper(j) == "RECURSIVE" {
		j++
	}
	for s.at(j).IsIdent() {
		nameIdx := j
		j++
		if s.at(j).Is("(") {
			s.consume(j, s.match[j])
			j = s.match[j] + 1
		}
		if s.upper(j) != "AS" {
			return
		}
		s.ctes = append(s.ctes, cteDef{name: s.toks[nameIdx].Ident(), scope: scope})
		s.consumed[nameIdx] = true
		j++
		for s.upper(j) == "NOT" || s.upper(j) == "MATERIALIZED" {
			j++
		}
		if !s.at(j).Is("(") {
			return
		}
		j = s.match[j] + 1
		if !s.at(j).Is(",") {
			return
		}
		j++
	}
}

func (s *statement) consume(from, to int) {
	for k := from; k <= to && k < len(s.consumed); k++ {
		s.consumed[k] = true
	}
}

// fromItem parses one table reference starting at j.
func (s *statement) fromItem(j int) {
	for s.upper(j) == "LATERAL" || s.upper(j) == "ONLY" {
		j++
	}
	t := s.at(j)
	var target string
	switch {
	case t.Is("("):
		if !s.queryParen[j] {
			s.tableGroup[j] = true
			s.inFrom[j] = true
			s.fromItem(j + 1)
		}
		j = s.match[j] + 1
	case t.Kind == TokenString:
		s.tables = append(s.tables, tableRef{kind: tableLiteral, parts: []string{t.Text}, tok: j})
		j++
	case t.IsIdent():
		start := j
		parts, end := s.chain(j)
		s.consume(start, end)
		j = end + 1
		if s.at(j).Is("(") {
			s.tables = append(s.tables, tableRef{kind: tableFunction, parts: parts, tok: start})
			j = s.match[j] + 1
		} else {
			s.tables = append(s.tables, tableRef{kind: tableNamed, parts: parts, tok: start})
			target = strings.Join(parts, ".")
		}
	default:
		return
	}

	if s.upper(j) == "AS" {
		s.consumed[j] = true
		j++
	}
	a := s.at(j)
	if a.Kind == TokenQuotedIdent || a.Kind == TokenWord && !notAlias[a.Upper()] {
		s.consumed[j] = true
		s.aliases[a.Ident()] = append(s.aliases[a.Ident()], target)
		j++
		if s.at(j).Is("(") {
			s.consume(j, s.match[j])
		}
	}
}

// chain reads a dotted name starting at j and returns its parts and the
// index of its last token.
func (s *statement) chain(j int) ([]string, int) {
	parts := []string{s.at(j).Ident()}
	for s.at(j+1).Is(".") && (s.at(j+2).IsIdent() || s.at(j+2).Is("*")) {
		if s.at(j + 2).Is("*") {
			parts = append(parts, "*")
		} else {
			parts = append(parts, s.at(j+2).Ident())
		}
		j += 2
	}
	return parts, j
}

// scanReferences collects qualified column references, bare identifiers,
// select-list stars and function calls.
func (s *statement) scanReferences() {
	for i := 0; i < len(s.toks); i++ {
		t := s.toks[i]
		if s.consumed[i] {
			continue
		}
		switch {
		case t.Is("*"):
			switch s.upper(i - 1) {
			case "SELECT", "DISTINCT", "ALL":
				s.stars = append(s.stars, i)
			default:
				if s.at(i-1).Is(",") && s.inSelectList(i) {
					s.stars = append(s.stars, i)
				}
			}
		case !t.IsIdent():
		case s.at(i - 1).Is("."):
		case s.at(i + 1).Is("."):
			parts, end := s.chain(i)
			if !s.at(end + 1).Is("(") {
				s.columns = append(s.columns, columnRef{parts: parts, tok: i})
			}
			i = end
		case s.at(i + 1).Is("("):
			s.calls = append(s.calls, i)
		case t.Kind == TokenWord && keywords[t.Upper()]:
		case s.isAliasPosition(i):
			s.outputs[t.Ident()] = true
		default:
			s.bare = append(s.bare, i)
		}
	}
}

// isAliasPosition reports whether the identifier at i names an output
// column or a type rather than referencing a column.
func (s *statement) isAliasPosition(i int) bool {
	prev := s.at(i - 1)
	switch {
	case prev.Kind == TokenWord && prev.Upper() == "AS":
		return true
	case prev.Is("::"):
		return true
	case s.at(i + 1).Kind == TokenString:
		// Typed literal: DATE '2024-01-01'.
		return true
	case prev.Kind == TokenString || prev.Kind == TokenNumber || prev.Is(")"):
		return true
	case prev.Kind == TokenQuotedIdent:
		return true
	case prev.Kind == TokenWord && !keywords[prev.Upper()] && !destructiveKeywords[prev.Upper()]:
		return true
	}
	return false
}

// inSelectList reports whether token i sits between a SELECT and the next
// FROM at the same parenthesis level.
func (s *statement) inSelectList(i int) bool {
	p := s.toks[i].Parent
	for k := i - 1; k >= 0; k-- {
		if s.toks[k].Parent != p {
			continue
		}
		switch s.toks[k].Upper() {
		case "SELECT":
			return true
		case "FROM", "WHERE", "GROUP", "ORDER", "HAVING":
			return false
		}
	}
	return false
}

// limitClause locates the top-level row-limiting clause.
type limitClause struct {
	present bool
	// value is the index of the numeric token that bounds the row count, or
	// -1 when the bound is not a single literal.
	value int
	// all is the index of an ALL token in LIMIT ALL, or -1.
	all int
	// from and to span a bound that is an expression, such as a subquery or
	// arithmetic. from is -1 when there is none.
	from, to int
}

// boundStops end a row-bound expression at the top level.
var boundStops = set(
	"OFFSET", "SETTINGS", "FORMAT", "FETCH", "FOR", "BY", "WITH", "UNION",
	"EXCEPT", "INTERSECT", "ROW", "ROWS", "ONLY", "PERCENT",
)

// boundEnd returns the index of the last token of the row-bound expression
// that starts at start, or start-1 when it is empty.
func (s *statement) boundEnd(start int) int {
	end := start - 1
	for i := start; i < len(s.toks); i++ {
		t := s.toks[i]
		if t.Depth == 0 && (t.Is(",") || t.Is(";") || (t.Kind == TokenWord && boundStops[t.Upper()])) {
			break
		}
		end = i
	}
	return end
}

func (s *statement) bound(from, to int) limitClause {
	lc := limitClause{present: true, value: -1, all: -1, from: -1, to: -1}
	switch {
	case to < from:
	case from == to && s.toks[from].Kind == TokenNumber:
		lc.value = from
	case from == to && s.toks[from].Upper() == "ALL":
		lc.all = from
	default:
		lc.from, lc.to = from, to
	}
	return lc
}

func (s *statement) topLevelLimit() limitClause {
	lc := limitClause{value: -1, all: -1, from: -1, to: -1}
	for i, t := range s.toks {
		if t.Depth != 0 || t.Kind != TokenWord {
			continue
		}
		switch t.Upper() {
		case "LIMIT":
			from, end := i+1, s.boundEnd(i+1)
			if s.at(end + 1).Is(",") {
				from = end + 2
				end = s.boundEnd(from)
			}
			if s.upper(end+1) == "BY" {
				continue
			}
			lc = s.bound(from, end)
		case "FETCH":
			if u := s.upper(i + 1); u == "FIRST" || u == "NEXT" {
				lc = s.bound(i+2, s.boundEnd(i+2))
			}
		case "TOP":
			if u := s.upper(i - 1); u == "SELECT" || u == "DISTINCT" {
				end := i + 1
				if s.at(i + 1).Is("(") {
					end = s.match[i+1]
				}
				lc = s.bound(i+1, end)
			}
		}
	}
	return lc
}

// limitInsertion returns the index of the token a LIMIT clause must precede,
// or -1 to append it at the end.
func (s *statement) limitInsertion() int {
	for i, t := range s.toks {
		if t.Depth != 0 || t.Kind != TokenWord {
			continue
		}
		switch t.Upper() {
		case "OFFSET", "SETTINGS", "FORMAT":
			return i
		}
	}
	return -1
}

// lastSignificant returns the index of the last token that is not a
// statement terminator.
func (s *statement) lastSignificant() int {
	i := len(s.toks) - 1
	for i >= 0 && s.toks[i].Is(";") {
		i--
	}
	return i
}
