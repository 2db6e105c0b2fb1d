package dispatch

import (
	"context"

	"github.com/iago/aggregation-orchestrator/internal/logging"
	"github.com/phuslu/log"
)

// LogSink writes the per-feature breakdown to the operational log. It is the
// fallback when no other sink is enabled.
type LogSink struct {
	logger *log.Logger
}

func NewLogSink(logger *log.Logger) *LogSink {
	return &LogSink{logger: logging.OrDiscard(logger)}
}

func (s *LogSink) Deliver(_ context.Context, delivery Delivery) (string, error) {
	features := delivery.Result.DecodedFeatures
	s.logger.Info().
		Str("job_id", delivery.JobID).
		Strs("clients", delivery.Clients).
		Int("total_features", len(features)).
		Floats64("computation_output", delivery.Result.ComputationOutput).
		Msg("aggregated results")

	for i, feature := range features {
		entry := s.logger.Info().
			Str("job_id", delivery.JobID).
			Int("index", i+1).
			Str("feature", feature.FeatureName).
			Str("data_type", string(feature.DataType)).
			Float64("aggregatedNotNull", feature.NotNull)
		for _, metric := range feature.Metrics {
			entry = entry.Float64(metric.Name, metric.Value)
		}
		entry.Msg("aggregated feature")
	}
	return "log", nil
}
