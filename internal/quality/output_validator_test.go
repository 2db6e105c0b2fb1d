package quality

import (
	"math"
	"testing"

	"github.com/iago/aggregation-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var schema = domain.Schema{
	{Name: "smoker", DataType: domain.DataTypeBoolean},
	{Name: "age", DataType: domain.DataTypeNumeric},
}

func TestValidateAggregateAcceptsConsistentOutput(t *testing.T) {
	output := []float64{10, 4, 10, 21, 80, 45.5, 30, 44, 60}
	report := NewOutputValidator().ValidateAggregate(schema, output)
	assert.True(t, report.OK(), report.Issues)
}

func TestValidateAggregateReportsProblems(t *testing.T) {
	validator := NewOutputValidator()

	cases := map[string]struct {
		schema   domain.Schema
		output   []float64
		contains string
	}{
		"short output":     {schema: schema, output: []float64{10, 4}, contains: "feature age"},
		"trailing values":  {schema: schema[:1], output: []float64{10, 4, 1}, contains: "1 trailing values"},
		"true above total": {schema: schema[:1], output: []float64{3, 5}, contains: "true count"},
		"negative count":   {schema: schema[:1], output: []float64{-1, 0}, contains: "negative"},
		"min above max":    {schema: schema[1:], output: []float64{3, 9, 2, 5, 4, 5, 6}, contains: "min 9.00 above max 2.00"},
		"not finite":       {schema: nil, output: []float64{math.Inf(1)}, contains: "not finite"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			report := validator.ValidateAggregate(tc.schema, tc.output)
			require.False(t, report.OK())
			assert.Contains(t, report.Issues[0], tc.contains)
		})
	}
}

func TestValidateAggregateSkipsFieldMappedFeatures(t *testing.T) {
	generic := domain.Schema{{Name: "score", DataType: "CUSTOM", Fields: []string{"total", "count"}}}
	report := NewOutputValidator().ValidateAggregate(generic, []float64{-5, 2})
	assert.True(t, report.OK(), report.Issues)
}

func TestValidateAggregateReportsOverflowingOffset(t *testing.T) {
	offset := math.MaxInt - 2
	huge := domain.Schema{{Name: "age", DataType: domain.DataTypeNumeric, Offset: &offset}}
	var report Report
	require.NotPanics(t, func() {
		report = NewOutputValidator().ValidateAggregate(huge, []float64{1, 2, 3})
	})
	require.False(t, report.OK())
	assert.Contains(t, report.Issues[0], "feature age")
}
