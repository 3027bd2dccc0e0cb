package schemaindex

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog is the offline description of a database schema that ingestion
// turns into a Snapshot.
type Catalog struct {
	Version  string          `yaml:"version"`
	Entities []CatalogEntity `yaml:"entities"`
}

type CatalogEntity struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	System      bool   `yaml:"system"`
}

func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if c.Version == "" {
		return nil, errors.New("catalog version is required")
	}
	if len(c.Entities) == 0 {
		return nil, errors.New("catalog has no entities")
	}
	return &c, nil
}

// VectorFunc embeds one entity description.
type VectorFunc func(ctx context.Context, text string) ([]float32, error)

// Build embeds every entity and returns the resulting snapshot. The embedded
// text is the identifier followed by the description, matching what requests
// are compared against at serving time.
func (c *Catalog) Build(ctx context.Context, embed VectorFunc) (*Snapshot, error) {
	entities := make([]SchemaEntity, 0, len(c.Entities))
	for _, ce := range c.Entities {
		vec, err := embed(ctx, EmbeddingText(ce.ID, ce.Description))
		if err != nil {
			return nil, fmt.Errorf("failed to embed %q: %w", ce.ID, err)
		}
		class := ClassUser
		if ce.System {
			class = ClassSystem
		}
		entities = append(entities, SchemaEntity{
			Identifier:  ce.ID,
			Description: ce.Description,
			Vector:      vec,
			Class:       class,
		})
	}
	return NewSnapshot(c.Version, entities)
}

func EmbeddingText(id, description string) string {
	if description == "" {
		return id
	}
	return id + ": " + description
}
