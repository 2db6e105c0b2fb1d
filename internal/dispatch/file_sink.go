package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/iago/aggregation-orchestrator/internal/domain"
	"gopkg.in/yaml.v3"
)

const fileTimestampLayout = "20060102_150405"

// FileSink writes {jobId}_results_{ts}.json with the complete data and
// {jobId}_summary_{ts}.yaml with a per-feature breakdown.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) *FileSink {
	if dir == "" {
		dir = "/app/results"
	}
	return &FileSink{dir: dir}
}

type featureSummary struct {
	Feature           string          `yaml:"feature"`
	DataType          domain.DataType `yaml:"dataType"`
	AggregatedNotNull float64         `yaml:"aggregatedNotNull"`
	Metrics           []domain.Metric `yaml:"metrics,omitempty"`
}

type resultSummary struct {
	JobID         string           `yaml:"jobId"`
	Timestamp     string           `yaml:"timestamp"`
	Clients       []string         `yaml:"clients"`
	TotalClients  int              `yaml:"totalClients"`
	TotalFeatures int              `yaml:"totalFeatures"`
	Features      []featureSummary `yaml:"features"`
}

func (s *FileSink) Deliver(_ context.Context, delivery Delivery) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return s.dir, fmt.Errorf("create results dir: %w", err)
	}

	stamp := delivery.DeliveredAt.Format(fileTimestampLayout)
	resultsPath := filepath.Join(s.dir, fmt.Sprintf("%s_results_%s.json", delivery.JobID, stamp))
	summaryPath := filepath.Join(s.dir, fmt.Sprintf("%s_summary_%s.yaml", delivery.JobID, stamp))

	document := newResultDocument(delivery)
	document.Metadata.SavedAt = resultsPath
	encoded, err := json.MarshalIndent(document, "", "    ")
	if err != nil {
		return resultsPath, fmt.Errorf("marshal results file: %w", err)
	}
	if err := writeFileAtomic(resultsPath, encoded); err != nil {
		return resultsPath, err
	}

	summary, err := yaml.Marshal(newResultSummary(delivery))
	if err != nil {
		return resultsPath, fmt.Errorf("marshal summary file: %w", err)
	}
	if err := writeFileAtomic(summaryPath, summary); err != nil {
		return resultsPath, err
	}
	return resultsPath, nil
}

func newResultSummary(delivery Delivery) resultSummary {
	features := make([]featureSummary, 0, len(delivery.Result.DecodedFeatures))
	for _, feature := range delivery.Result.DecodedFeatures {
		features = append(features, featureSummary{
			Feature:           feature.FeatureName,
			DataType:          feature.DataType,
			AggregatedNotNull: feature.NotNull,
			Metrics:           feature.Metrics,
		})
	}
	clients := delivery.Clients
	if clients == nil {
		clients = []string{}
	}
	return resultSummary{
		JobID:         delivery.JobID,
		Timestamp:     delivery.DeliveredAt.Format(time.RFC3339),
		Clients:       clients,
		TotalClients:  len(clients),
		TotalFeatures: len(features),
		Features:      features,
	}
}

// writeFileAtomic renames a fully written temp file into place so readers never see partial output.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
