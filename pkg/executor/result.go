package executor

import "time"

type Column struct {
	Name         string `json:"name"`
	DatabaseType string `json:"database_type,omitempty"`
}

type Field struct {
	Column string `json:"column"`
	Value  Value  `json:"value"`
}

// Row is an ordered sequence of column/value pairs.
type Row []Field

// Get returns the value of the named column.
func (r Row) Get(column string) (Value, bool) {
	for _, f := range r {
		if f.Column == column {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Result is a bounded row set. Truncated is set when the statement produced
// more rows than the cap.
type Result struct {
	Columns   []Column      `json:"columns"`
	Rows      []Row         `json:"rows"`
	Truncated bool          `json:"truncated"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

func (r *Result) RowCount() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}
