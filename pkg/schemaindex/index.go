package schemaindex

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

var (
	ErrIndexUnavailable  = errors.New("schema index unavailable")
	ErrDimensionMismatch = errors.New("entity vector dimension mismatch")
)

type Class string

const (
	ClassUser   Class = "user"
	ClassSystem Class = "system"
)

// SchemaEntity describes a table ("orders") or a column ("orders.total").
type SchemaEntity struct {
	Identifier  string
	Description string
	Vector      []float32
	Class       Class
}

func (e SchemaEntity) IsSystem() bool { return e.Class == ClassSystem }

// Table returns the table part of the identifier.
func (e SchemaEntity) Table() string {
	if i := strings.LastIndexByte(e.Identifier, '.'); i >= 0 && e.IsColumn() {
		return e.Identifier[:i]
	}
	return e.Identifier
}

// IsColumn reports whether the identifier has the table.column form.
func (e SchemaEntity) IsColumn() bool {
	return strings.Count(e.Identifier, ".") == 1
}

// Snapshot is an immutable, versioned view of the index.
type Snapshot struct {
	Version   string
	Dimension int
	Entities  []SchemaEntity

	byID map[string]int
}

// NewSnapshot normalizes identifiers, sorts entities by identifier and checks
// that every vector has the same dimension.
func NewSnapshot(version string, entities []SchemaEntity) (*Snapshot, error) {
	if version == "" {
		return nil, errors.New("version is required")
	}
	s := &Snapshot{
		Version:  version,
		Entities: make([]SchemaEntity, 0, len(entities)),
		byID:     make(map[string]int, len(entities)),
	}
	for _, e := range entities {
		e.Identifier = NormalizeIdentifier(e.Identifier)
		if e.Identifier == "" {
			return nil, errors.New("entity identifier is required")
		}
		if e.Class == "" {
			e.Class = ClassUser
		}
		if e.Class != ClassUser && e.Class != ClassSystem {
			return nil, fmt.Errorf("entity %q: unknown class %q", e.Identifier, e.Class)
		}
		if s.Dimension == 0 {
			s.Dimension = len(e.Vector)
		}
		if len(e.Vector) == 0 || len(e.Vector) != s.Dimension {
			return nil, fmt.Errorf("entity %q: %w: got %d, want %d", e.Identifier, ErrDimensionMismatch, len(e.Vector), s.Dimension)
		}
		if _, ok := s.byID[e.Identifier]; ok {
			return nil, fmt.Errorf("duplicate entity %q", e.Identifier)
		}
		s.byID[e.Identifier] = 0
		s.Entities = append(s.Entities, e)
	}
	sort.Slice(s.Entities, func(i, j int) bool { return s.Entities[i].Identifier < s.Entities[j].Identifier })
	for i, e := range s.Entities {
		s.byID[e.Identifier] = i
	}
	return s, nil
}

func (s *Snapshot) Lookup(identifier string) (SchemaEntity, bool) {
	i, ok := s.byID[NormalizeIdentifier(identifier)]
	if !ok {
		return SchemaEntity{}, false
	}
	return s.Entities[i], true
}

// UserEntities returns every entity not flagged system.
func (s *Snapshot) UserEntities() []SchemaEntity {
	out := make([]SchemaEntity, 0, len(s.Entities))
	for _, e := range s.Entities {
		if !e.IsSystem() {
			out = append(out, e)
		}
	}
	return out
}

func NormalizeIdentifier(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Holder publishes the current snapshot to concurrent readers.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

func NewHolder() *Holder { return &Holder{} }

func (h *Holder) Current() (*Snapshot, error) {
	s := h.current.Load()
	if s == nil {
		return nil, ErrIndexUnavailable
	}
	return s, nil
}

// Replace publishes s and returns the previous snapshot, if any.
func (h *Holder) Replace(s *Snapshot) *Snapshot {
	return h.current.Swap(s)
}

// Version returns the current version, or "" when nothing is loaded.
func (h *Holder) Version() string {
	if s := h.current.Load(); s != nil {
		return s.Version
	}
	return ""
}

func (h *Holder) Loaded() bool { return h.current.Load() != nil }
