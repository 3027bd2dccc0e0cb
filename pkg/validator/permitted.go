package validator

import (
	"sort"
	"strings"

	"github.com/malbeclabs/querygate/pkg/retriever"
	"github.com/malbeclabs/querygate/pkg/schemaindex"
)

// Permitted is the set of schema entities a statement may touch. A table
// identifier permits the table and all of its columns. A table.column
// identifier permits the table but only the listed columns.
type Permitted struct {
	full    map[string]bool
	columns map[string]map[string]bool
}

func NewPermitted(identifiers ...string) *Permitted {
	p := &Permitted{full: map[string]bool{}, columns: map[string]map[string]bool{}}
	for _, id := range identifiers {
		id = schemaindex.NormalizeIdentifier(id)
		if id == "" {
			continue
		}
		table, column, ok := strings.Cut(id, ".")
		if !ok {
			p.full[id] = true
			continue
		}
		if p.columns[table] == nil {
			p.columns[table] = map[string]bool{}
		}
		p.columns[table][column] = true
	}
	return p
}

// PermittedFromResult permits the entities of a relevance result.
func PermittedFromResult(r retriever.Result) *Permitted {
	return NewPermitted(r.Identifiers()...)
}

// PermittedFromSnapshot permits every user entity of the snapshot.
func PermittedFromSnapshot(s *schemaindex.Snapshot) *Permitted {
	ids := make([]string, 0, len(s.Entities))
	for _, e := range s.UserEntities() {
		ids = append(ids, e.Identifier)
	}
	return NewPermitted(ids...)
}

// Table reports whether the table may be referenced at all.
func (p *Permitted) Table(name string) bool {
	if p == nil {
		return false
	}
	return p.full[name] || len(p.columns[name]) > 0
}

// Full reports whether every column of the table is permitted.
func (p *Permitted) Full(name string) bool {
	return p != nil && p.full[name]
}

func (p *Permitted) Column(table, column string) bool {
	if p == nil {
		return false
	}
	return p.full[table] || p.columns[table][column]
}

// Columns returns the permitted columns of a column-limited table.
func (p *Permitted) Columns(table string) []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.columns[table]))
	for c := range p.columns[table] {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Identifiers returns the permitted entities in sorted order.
func (p *Permitted) Identifiers() []string {
	if p == nil {
		return nil
	}
	var out []string
	for t := range p.full {
		out = append(out, t)
	}
	for t, cols := range p.columns {
		if p.full[t] {
			continue
		}
		for c := range cols {
			out = append(out, t+"."+c)
		}
	}
	sort.Strings(out)
	return out
}

func (p *Permitted) Len() int { return len(p.Identifiers()) }
