// Package quality sanity checks aggregated output before it is published.
package quality

import (
	"fmt"
	"math"

	"github.com/iago/aggregation-orchestrator/internal/domain"
)

// Report lists the problems found in one aggregated output. Problems never
// block a result; they travel with it so consumers can judge it.
type Report struct {
	Issues []string
}

func (r Report) OK() bool {
	return len(r.Issues) == 0
}

type OutputValidator struct{}

func NewOutputValidator() *OutputValidator {
	return &OutputValidator{}
}

// ValidateAggregate compares output against the schema layout and checks
// that the counts each feature carries are consistent with each other.
func (v *OutputValidator) ValidateAggregate(schema domain.Schema, output []float64) Report {
	issues := make([]string, 0)
	for i, value := range output {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			issues = append(issues, fmt.Sprintf("value %d is not finite", i))
		}
	}
	if len(schema) == 0 {
		return Report{Issues: issues}
	}

	layoutEnd := 0
	for _, slot := range schema.Layout() {
		if slot.End > layoutEnd {
			layoutEnd = slot.End
		}
		if !slot.Within(len(output)) {
			issues = append(issues, fmt.Sprintf("feature %s: output has %d values, slot needs [%d,%d)", slot.Name, len(output), slot.Start, slot.End))
			continue
		}
		issues = append(issues, checkCounts(slot, output[slot.Start:slot.End])...)
	}
	if len(output) > layoutEnd {
		issues = append(issues, fmt.Sprintf("%d trailing values not covered by the schema", len(output)-layoutEnd))
	}
	return Report{Issues: issues}
}

func checkCounts(slot domain.FeatureSlot, values []float64) []string {
	if len(values) == 0 || len(slot.Fields) > 0 {
		return nil
	}
	notNull := values[0]
	if notNull < 0 {
		return []string{fmt.Sprintf("feature %s: negative non-null count %.2f", slot.Name, notNull)}
	}

	switch {
	case slot.DataType == domain.DataTypeBoolean && len(values) >= 2:
		if values[1] < 0 || values[1] > notNull {
			return []string{fmt.Sprintf("feature %s: true count %.2f outside [0, %.2f]", slot.Name, values[1], notNull)}
		}
	case slot.DataType == domain.DataTypeNumeric && len(values) >= 7:
		minimum, maximum := values[1], values[2]
		if notNull > 0 && minimum > maximum {
			return []string{fmt.Sprintf("feature %s: min %.2f above max %.2f", slot.Name, minimum, maximum)}
		}
	case slot.DataType.Categorical() && len(values) >= 3:
		if values[1] > notNull || values[2] > notNull {
			return []string{fmt.Sprintf("feature %s: category counts exceed non-null count %.2f", slot.Name, notNull)}
		}
	}
	return nil
}
