package aggregation

import (
	"math"
	"strconv"

	"github.com/iago/aggregation-orchestrator/internal/domain"
	"github.com/iago/aggregation-orchestrator/internal/logging"
	"github.com/phuslu/log"
)

var (
	numericMetricNames     = []string{"aggregatedMin", "aggregatedMax", "aggregatedAvg", "aggregatedQ1", "aggregatedQ2", "aggregatedQ3"}
	categoricalMetricNames = []string{"aggregatedUniqueValues", "aggregatedTopValueCount"}
)

// Decode splits the coordinator's flat output into one FeatureResult per schema
// feature. Features whose slot falls outside output are skipped and logged.
func Decode(schema domain.Schema, output []float64, logger *log.Logger) []domain.FeatureResult {
	logger = logging.OrDiscard(logger)
	results := make([]domain.FeatureResult, 0, len(schema))
	for _, slot := range schema.Layout() {
		if !slot.Within(len(output)) {
			logger.Warn().Str("feature", slot.Name).Int("offset", slot.Start).Int("length", slot.End-slot.Start).
				Int("output_length", len(output)).Msg("aggregated output too short for feature")
			continue
		}
		results = append(results, decodeFeature(slot, output[slot.Start:slot.End]))
	}
	return results
}

func decodeFeature(slot domain.FeatureSlot, values []float64) domain.FeatureResult {
	result := domain.FeatureResult{
		FeatureName: slot.Name,
		DataType:    slot.DataType,
		Metrics:     make([]domain.Metric, 0, len(values)+1),
	}
	if len(values) > 0 {
		result.NotNull = values[0]
	}

	switch {
	case slot.DataType == domain.DataTypeBoolean && len(values) >= 2:
		result.Metrics = append(result.Metrics,
			domain.Metric{Name: "aggregatedTrue", Value: values[1]},
			domain.Metric{Name: "percentage", Value: ratioPercent(values[1], values[0])},
		)
	case slot.DataType == domain.DataTypeNumeric && len(values) >= 7:
		for i, name := range numericMetricNames {
			result.Metrics = append(result.Metrics, domain.Metric{Name: name, Value: values[i+1]})
		}
	case slot.DataType.Categorical() && len(values) >= 3:
		for i, name := range categoricalMetricNames {
			result.Metrics = append(result.Metrics, domain.Metric{Name: name, Value: values[i+1]})
		}
		result.Metrics = append(result.Metrics, domain.Metric{Name: "diversity", Value: ratioPercent(values[1], values[0])})
	case len(slot.Fields) > 0:
		for i, name := range slot.Fields {
			if i >= len(values) {
				break
			}
			result.Metrics = append(result.Metrics, domain.Metric{Name: name, Value: values[i]})
		}
	default:
		// Unknown layout: keep the raw values in order.
		for i := 1; i < len(values); i++ {
			result.Metrics = append(result.Metrics, domain.Metric{Name: "value" + strconv.Itoa(i), Value: values[i]})
		}
	}
	return result
}

func ratioPercent(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return math.Round(part/whole*100*100) / 100
}
