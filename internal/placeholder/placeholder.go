// Package placeholder expands %<identifier>_<key>% placeholders from the
// local cache.
package placeholder

import (
	"strings"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/parser"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
)

// Reader serves cached statistic values
type Reader interface {
	Get(player stats.PlayerID, key string) int64
}

// Registry tells which statistics are exposed as placeholders
type Registry interface {
	IsTracked(key string) bool
}

// Expansion answers placeholder requests for tracked statistics only
type Expansion struct {
	identifier string
	reader     Reader
	registry   Registry
}

// New creates an expansion registered under identifier (e.g. "mss")
func New(identifier string, r Reader, reg Registry) *Expansion {
	return &Expansion{identifier: identifier, reader: r, registry: reg}
}

// Identifier returns the placeholder prefix
func (e *Expansion) Identifier() string {
	return e.identifier
}

// Request resolves the parameter part of a placeholder, "kills" for
// %mss_kills%. Unknown or untracked keys are not answered.
func (e *Expansion) Request(player stats.PlayerID, params string) (string, bool) {
	if params == "" {
		return "", false
	}
	key, err := stats.NormalizeKey(params)
	if err != nil || !e.registry.IsTracked(key) {
		return "", false
	}
	return parser.FormatValue(e.reader.Get(player, key)), true
}

// Expand resolves a full placeholder such as %mss_kills%
func (e *Expansion) Expand(player stats.PlayerID, placeholder string) (string, bool) {
	inner := strings.TrimSuffix(strings.TrimPrefix(placeholder, "%"), "%")
	params, ok := strings.CutPrefix(inner, e.identifier+"_")
	if !ok {
		return "", false
	}
	return e.Request(player, params)
}
