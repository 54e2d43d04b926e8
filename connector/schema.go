package connector

import (
	"fmt"
	"strings"
)

// SchemaResolver maps a bare table name to the schema that owns it. It only
// annotates outgoing rows.
type SchemaResolver interface {
	Schema(table string) string
}

// TableSchemaResolver resolves from a fixed list of "schema.table" entries
type TableSchemaResolver struct {
	schemas  map[string]string
	fallback string
}

// NewTableSchemaResolver builds a resolver from "schema.table" entries.
// Tables that are not listed resolve to fallback.
func NewTableSchemaResolver(entries []string, fallback string) (*TableSchemaResolver, error) {
	r := &TableSchemaResolver{
		schemas:  make(map[string]string, len(entries)),
		fallback: fallback,
	}
	for _, entry := range entries {
		schema, table, ok := strings.Cut(entry, ".")
		if !ok || schema == "" || table == "" {
			return nil, fmt.Errorf("invalid schema table %q: expected schema.table", entry)
		}
		if existing, dup := r.schemas[table]; dup && existing != schema {
			return nil, fmt.Errorf("table %q listed under schemas %q and %q", table, existing, schema)
		}
		r.schemas[table] = schema
	}
	return r, nil
}

// Schema returns the owning schema of table
func (r *TableSchemaResolver) Schema(table string) string {
	if schema, ok := r.schemas[table]; ok {
		return schema
	}
	return r.fallback
}
