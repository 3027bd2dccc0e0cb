package schemaindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchemaIndex_NewSnapshot_SortsAndNormalizes(t *testing.T) {
	t.Parallel()

	snap, err := NewSnapshot("v1", []SchemaEntity{
		{Identifier: " Orders.Total ", Description: "order total", Vector: []float32{1, 0}},
		{Identifier: "ORDERS", Description: "orders", Vector: []float32{0, 1}},
		{Identifier: "pg_stats", Description: "internal", Vector: []float32{1, 1}, Class: ClassSystem},
	})
	require.NoError(t, err)
	require.Equal(t, 2, snap.Dimension)
	require.Equal(t, []string{"orders", "orders.total", "pg_stats"}, identifiers(snap.Entities))

	e, ok := snap.Lookup("Orders.total")
	require.True(t, ok)
	require.True(t, e.IsColumn())
	require.Equal(t, "orders", e.Table())
	require.Equal(t, ClassUser, e.Class)

	require.Equal(t, []string{"orders", "orders.total"}, identifiers(snap.UserEntities()))
}

func TestSchemaIndex_NewSnapshot_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewSnapshot("", nil)
	require.Error(t, err)

	_, err = NewSnapshot("v1", []SchemaEntity{
		{Identifier: "a", Vector: []float32{1, 0}},
		{Identifier: "b", Vector: []float32{1}},
	})
	require.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = NewSnapshot("v1", []SchemaEntity{
		{Identifier: "a", Vector: []float32{1}},
		{Identifier: "A", Vector: []float32{1}},
	})
	require.ErrorContains(t, err, "duplicate entity")

	_, err = NewSnapshot("v1", []SchemaEntity{{Identifier: "a", Vector: []float32{1}, Class: "admin"}})
	require.ErrorContains(t, err, "unknown class")
}

func TestSchemaIndex_Holder(t *testing.T) {
	t.Parallel()

	h := NewHolder()
	_, err := h.Current()
	require.ErrorIs(t, err, ErrIndexUnavailable)
	require.False(t, h.Loaded())
	require.Empty(t, h.Version())

	s1, err := NewSnapshot("v1", []SchemaEntity{{Identifier: "a", Vector: []float32{1}}})
	require.NoError(t, err)
	require.Nil(t, h.Replace(s1))

	cur, err := h.Current()
	require.NoError(t, err)
	require.Same(t, s1, cur)

	s2, err := NewSnapshot("v2", []SchemaEntity{{Identifier: "a", Vector: []float32{1}}})
	require.NoError(t, err)
	require.Same(t, s1, h.Replace(s2))
	require.Equal(t, "v2", h.Version())
}

func identifiers(entities []SchemaEntity) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.Identifier)
	}
	return out
}
