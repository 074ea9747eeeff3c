package provenance

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine"
)

// JobViewSummary is the summary.json written under views/jobs/<job_id>/.
type JobViewSummary struct {
	JobID           string  `json:"job_id"`
	NAggregations   int     `json:"n_aggregations"`
	LossMean        float64 `json:"loss_mean"`
	LossStdDev      float64 `json:"loss_stddev"`
	LossMin         float64 `json:"loss_min"`
	LossMax         float64 `json:"loss_max"`
	BestAggregation string  `json:"best_aggregation"`
	GeneratedAt     string  `json:"generated_at"`
}

// jobViewManifest is the manifest.json companion, listing the inputs the
// view was derived from so the indexer can detect staleness.
type jobViewManifest struct {
	JobID          string   `json:"job_id"`
	AggregationIDs []string `json:"aggregation_ids"`
	GeneratedAt    string   `json:"generated_at"`
}

// JobViewRel returns the store-relative root of a job's view directory.
func (s *Store) JobViewRel(jobID string) string {
	return filepath.Join(s.schema.Root(), "views", "jobs", jobID)
}

// WriteJobView summarises a job's aggregation losses into
// views/jobs/<job_id>/{manifest.json, summary.json}.
func (s *Store) WriteJobView(jobID string, aggs []engine.AggregationReturn) (JobViewSummary, error) {
	if len(aggs) == 0 {
		return JobViewSummary{}, fmt.Errorf("job %s has no aggregations to summarise", jobID)
	}

	losses := make([]float64, 0, len(aggs))
	ids := make([]string, 0, len(aggs))
	best := aggs[0]
	for _, a := range aggs {
		losses = append(losses, a.Loss)
		ids = append(ids, a.AggregationID)
		if a.Loss < best.Loss {
			best = a
		}
	}

	mean, std := stat.MeanStdDev(losses, nil)
	if len(losses) == 1 {
		std = 0
	}
	min, max := losses[0], losses[0]
	for _, l := range losses[1:] {
		if l < min {
			min = l
		}
		if l > max {
			max = l
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	summary := JobViewSummary{
		JobID:           jobID,
		NAggregations:   len(aggs),
		LossMean:        mean,
		LossStdDev:      std,
		LossMin:         min,
		LossMax:         max,
		BestAggregation: best.AggregationID,
		GeneratedAt:     now,
	}

	viewRel := s.JobViewRel(jobID)
	viewDir := filepath.Join(s.root, viewRel)
	// Build in a temp sibling and swap in place so readers never observe a
	// half-written view.
	tmpRel := viewRel + ".tmp"
	tmpDir := filepath.Join(s.root, tmpRel)
	if err := writeTreeJSON(tmpDir, map[string]any{
		"manifest.json": jobViewManifest{JobID: jobID, AggregationIDs: ids, GeneratedAt: now},
		"summary.json":  summary,
	}); err != nil {
		return JobViewSummary{}, err
	}
	if err := removeAndRename(tmpDir, viewDir); err != nil {
		return JobViewSummary{}, err
	}
	return summary, nil
}

func writeTreeJSON(dir string, files map[string]any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, v := range files {
		if err := writeJSONAtomic(filepath.Join(dir, name), v); err != nil {
			return err
		}
	}
	return nil
}

func removeAndRename(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return os.Rename(src, dst)
}
