package domain

import "time"

// Metric is one named aggregated value of a feature, kept in emission order.
type Metric struct {
	Name  string  `json:"name" yaml:"name"`
	Value float64 `json:"value" yaml:"value"`
}

// FeatureResult is the decoded aggregate of a single schema feature.
type FeatureResult struct {
	FeatureName string   `json:"featureName" yaml:"featureName"`
	DataType    DataType `json:"dataType" yaml:"dataType"`
	NotNull     float64  `json:"aggregatedNotNull" yaml:"aggregatedNotNull"`
	Metrics     []Metric `json:"metrics" yaml:"metrics"`
}

func (r FeatureResult) Metric(name string) (float64, bool) {
	for _, metric := range r.Metrics {
		if metric.Name == name {
			return metric.Value, true
		}
	}
	return 0, false
}

// AggregatedResult is the payload stored as a job's finalResult and fanned out to sinks.
type AggregatedResult struct {
	JobID             string          `json:"jobId"`
	Status            string          `json:"status"`
	ComputationOutput []float64       `json:"computationOutput"`
	DecodedFeatures   []FeatureResult `json:"decodedFeatures"`
	Participants      []string        `json:"participants"`
	Warnings          []string        `json:"warnings,omitempty"`
	CompletedAt       time.Time       `json:"completedAt"`
}
