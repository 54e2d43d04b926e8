package importer

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Filter decides whether rows of a table are exported
type Filter interface {
	Match(database, table string) bool
}

// GlobFilter matches database and table names against glob patterns. An
// empty pattern list matches every name.
type GlobFilter struct {
	tables    []glob.Glob
	databases []glob.Glob
}

// NewGlobFilter compiles table and database patterns
func NewGlobFilter(tablePatterns, dbPatterns []string) (*GlobFilter, error) {
	tables, err := compileAll("table", tablePatterns)
	if err != nil {
		return nil, err
	}
	databases, err := compileAll("database", dbPatterns)
	if err != nil {
		return nil, err
	}
	return &GlobFilter{tables: tables, databases: databases}, nil
}

func compileAll(kind string, patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", kind, pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Match reports whether database and table both pass
func (f *GlobFilter) Match(database, table string) bool {
	return matchAny(f.databases, database) && matchAny(f.tables, table)
}

func matchAny(globs []glob.Glob, name string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}
