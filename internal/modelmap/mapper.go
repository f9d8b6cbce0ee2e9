// Package modelmap resolves client-facing model aliases to concrete upstream model ids.
package modelmap

import (
	"maps"
	"slices"
	"sync/atomic"
)

var reasoningAliases = map[string]struct{}{
	"claude-thinking":        {},
	"claude-sonnet-thinking": {},
	"claude-opus-thinking":   {},
}

// DefaultMapping returns a fresh copy of the built-in alias table.
func DefaultMapping() map[string]string {
	return map[string]string{
		"tinyy-model":            "claude-3-5-haiku-20241022",
		"gpt-4o-mini":            "claude-3-5-haiku-20241022",
		"gpt-4o":                 "claude-sonnet-4-20250514",
		"gpt-4.1":                "claude-sonnet-4-20250514",
		"claude-haiku":           "claude-3-5-haiku-20241022",
		"claude-sonnet":          "claude-sonnet-4-20250514",
		"claude-opus":            "claude-opus-4-20250514",
		"claude-thinking":        "claude-sonnet-4-20250514",
		"claude-sonnet-thinking": "claude-sonnet-4-20250514",
		"claude-opus-thinking":   "claude-opus-4-20250514",
	}
}

// Mapper holds the active alias table. The table is never mutated after it is
// published; SetMapping swaps in a whole new one, so readers need no lock.
type Mapper struct {
	table atomic.Pointer[map[string]string]
}

func New() *Mapper {
	m := &Mapper{}
	table := DefaultMapping()
	m.table.Store(&table)

	return m
}

// Resolve returns the mapped id for alias, or alias itself when it is unmapped.
func (m *Mapper) Resolve(alias string) string {
	if id, ok := (*m.table.Load())[alias]; ok && id != "" {
		return id
	}

	return alias
}

// SetMapping makes the built-in defaults overlaid with partial the active table.
// Entries in partial win over defaults.
func (m *Mapper) SetMapping(partial map[string]string) {
	table := DefaultMapping()
	maps.Copy(table, partial)
	m.table.Store(&table)
}

func (m *Mapper) IsReasoningAlias(alias string) bool {
	_, ok := reasoningAliases[alias]
	return ok
}

// Snapshot returns a copy of the active table.
func (m *Mapper) Snapshot() map[string]string {
	return maps.Clone(*m.table.Load())
}

// Aliases returns the active aliases in sorted order.
func (m *Mapper) Aliases() []string {
	return slices.Sorted(maps.Keys(*m.table.Load()))
}
