// Package severity maps the severity vocabularies of the upstream alert
// sources onto a canonical 4-level scale. It is the single point of truth for
// severity semantics across all collectors.
package severity

import (
	"strings"

	serrors "github.com/kbaseincubator/kbase-security-dashboard/internal/errors"
	"github.com/kbaseincubator/kbase-security-dashboard/internal/model"
)

// Level is a canonical severity level.
type Level int

const (
	// Ignored marks informational levels that are dropped from counts.
	Ignored Level = iota
	Low
	Medium
	High
	Critical
)

var levelNames = map[Level]string{
	Ignored:  "ignored",
	Low:      "low",
	Medium:   "medium",
	High:     "high",
	Critical: "critical",
}

func (l Level) String() string {
	return levelNames[l]
}

var severityMap = map[string]Level{
	"critical": Critical,
	"high":     High,
	"medium":   Medium,
	"moderate": Medium,
	"low":      Low,
}

var ignoreSeverities = map[string]bool{
	"note": true,
}

// Normalize maps a free-text severity string to a canonical level.
// Matching is case-insensitive. Informational levels map to Ignored; any
// other unrecognized string is a hard error.
func Normalize(s string) (Level, error) {
	lower := strings.ToLower(s)
	if ignoreSeverities[lower] {
		return Ignored, nil
	}
	lvl, ok := severityMap[lower]
	if !ok {
		return Ignored, &serrors.ErrUnknownSeverity{Severity: s}
	}
	return lvl, nil
}

// Apply increments the matching counter, or does nothing for Ignored.
func (l Level) Apply(c *model.SeverityCounts) {
	switch l {
	case Critical:
		c.Critical++
	case High:
		c.High++
	case Medium:
		c.Medium++
	case Low:
		c.Low++
	}
}
