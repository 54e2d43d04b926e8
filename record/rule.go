package record

import (
	"fmt"
	"sort"
	"strings"

	"github.com/maxpert/cdcsink/hlc"
)

// Comparator orders two data records: negative when a sorts first, zero when
// equal, positive otherwise.
type Comparator func(a, b *DataRecord) int

// Names of the built-in ordering rules
const (
	RuleNone     = "none"
	RuleCommitTS = "commit_ts"
	RuleLogSeq   = "log_seq"
)

var rules = map[string]Comparator{
	RuleCommitTS: ByCommitTS,
	RuleLogSeq:   ByLogSeq,
}

// ByCommitTS orders by commit timestamp and falls back to log sequence
func ByCommitTS(a, b *DataRecord) int {
	if c := hlc.Compare(a.Pos.CommitTS, b.Pos.CommitTS); c != 0 {
		return c
	}
	return compareSeq(a.Pos.LogSeq, b.Pos.LogSeq)
}

// ByLogSeq orders by log sequence only
func ByLogSeq(a, b *DataRecord) int {
	return compareSeq(a.Pos.LogSeq, b.Pos.LogSeq)
}

func compareSeq(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Rule resolves a configured ordering rule name. An empty name or "none"
// returns a nil comparator, which disables incremental merging.
func Rule(name string) (Comparator, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == RuleNone {
		return nil, nil
	}
	cmp, ok := rules[name]
	if !ok {
		return nil, fmt.Errorf("unknown ordering rule %q (known: %s)", name, strings.Join(RuleNames(), ", "))
	}
	return cmp, nil
}

// RuleNames lists the registered rule names in sorted order
func RuleNames() []string {
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
