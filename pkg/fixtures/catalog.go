// Package fixtures renders YAML schema catalogs for tests.
package fixtures

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

//go:embed catalog.yaml.tmpl
var catalogTemplate string

// Table is one catalog table. Every column becomes a table.column entity
// with the same class as the table.
type Table struct {
	Name        string
	Description string
	Columns     []string
	System      bool
}

type Catalog struct {
	Version string
	Tables  []Table
	// Generated appends user tables gen_001 through gen_N.
	Generated int
}

// seq generates a sequence of integers from start to end (inclusive)
func seq(start, end int) []int {
	if start > end {
		return []int{}
	}
	result := make([]int, end-start+1)
	for i := range result {
		result[i] = start + i
	}
	return result
}

var templateFuncs = template.FuncMap{
	"seq": seq,
}

var parsed = template.Must(template.New("catalog").Funcs(templateFuncs).Parse(catalogTemplate))

// Render returns the catalog as YAML.
func Render(c Catalog) (string, error) {
	if c.Version == "" {
		return "", fmt.Errorf("version is required")
	}
	var buf bytes.Buffer
	if err := parsed.Execute(&buf, c); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Write renders the catalog into dir/catalog.yaml and returns the path.
func Write(dir string, c Catalog) (string, error) {
	content, err := Render(c)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// LoadBalancers is the catalog most tests start from: two user tables, one
// of them column-limited, and one system table.
func LoadBalancers(version string) Catalog {
	return Catalog{
		Version: version,
		Tables: []Table{
			{Name: "backends", Description: "Backend servers behind a load balancer."},
			{Name: "load_balancers", Description: "Load balancers with their name and region.", Columns: []string{"name"}},
			{Name: "querygate_tokens", Description: "Internal API tokens.", System: true},
		},
	}
}
