package aggregation

import (
	"bytes"
	"math"
	"testing"

	"github.com/iago/aggregation-orchestrator/internal/domain"
	"github.com/iago/aggregation-orchestrator/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSequentialLayout(t *testing.T) {
	schema := domain.Schema{
		{Name: "smoker", DataType: domain.DataTypeBoolean},
		{Name: "age", DataType: domain.DataTypeNumeric},
		{Name: "city", DataType: domain.DataTypeNominal},
	}
	output := []float64{
		8, 3,
		10, 18, 90, 45.5, 30, 44, 61,
		10, 4, 5,
	}

	results := Decode(schema, output, nil)
	require.Len(t, results, 3)

	smoker := results[0]
	assert.Equal(t, "smoker", smoker.FeatureName)
	assert.Equal(t, 8.0, smoker.NotNull)
	value, ok := smoker.Metric("aggregatedTrue")
	require.True(t, ok)
	assert.Equal(t, 3.0, value)
	value, _ = smoker.Metric("percentage")
	assert.Equal(t, 37.5, value)

	age := results[1]
	assert.Equal(t, 10.0, age.NotNull)
	value, _ = age.Metric("aggregatedMin")
	assert.Equal(t, 18.0, value)
	value, _ = age.Metric("aggregatedQ3")
	assert.Equal(t, 61.0, value)
	assert.Len(t, age.Metrics, 6)

	city := results[2]
	value, _ = city.Metric("aggregatedUniqueValues")
	assert.Equal(t, 4.0, value)
	value, _ = city.Metric("diversity")
	assert.Equal(t, 40.0, value)
}

func TestDecodeExplicitOffsetsAndFields(t *testing.T) {
	offset := 3
	schema := domain.Schema{
		{Name: "score", DataType: "CUSTOM", Offset: &offset, Length: 2, Fields: []string{"numOfNotNull", "sum"}},
	}
	results := Decode(schema, []float64{0, 0, 0, 6, 42}, nil)
	require.Len(t, results, 1)
	assert.Equal(t, 6.0, results[0].NotNull)
	value, ok := results[0].Metric("sum")
	require.True(t, ok)
	assert.Equal(t, 42.0, value)
}

func TestDecodeSkipsShortOutput(t *testing.T) {
	var buf bytes.Buffer
	schema := domain.Schema{
		{Name: "smoker", DataType: domain.DataTypeBoolean},
		{Name: "age", DataType: domain.DataTypeNumeric},
	}
	results := Decode(schema, []float64{2, 1, 5}, logging.To(&buf))
	require.Len(t, results, 1)
	assert.Equal(t, "smoker", results[0].FeatureName)
	assert.Contains(t, buf.String(), "aggregated output too short")
}

func TestDecodeZeroNotNull(t *testing.T) {
	schema := domain.Schema{{Name: "smoker", DataType: domain.DataTypeBoolean}}
	results := Decode(schema, []float64{0, 0}, nil)
	require.Len(t, results, 1)
	value, _ := results[0].Metric("percentage")
	assert.Equal(t, 0.0, value)
}

func TestDecodeSkipsOverflowingOffset(t *testing.T) {
	offset := math.MaxInt - 2
	schema := domain.Schema{
		{Name: "smoker", DataType: domain.DataTypeBoolean},
		{Name: "age", DataType: domain.DataTypeNumeric, Offset: &offset},
	}
	var results []domain.FeatureResult
	require.NotPanics(t, func() {
		results = Decode(schema, []float64{2, 1, 5, 1, 9, 4, 5, 6, 7}, nil)
	})
	require.Len(t, results, 1)
	assert.Equal(t, "smoker", results[0].FeatureName)
}
