package scoring

import (
	"fmt"
	"strings"
)

// BaselineDelta is one metric of a candidate run measured against a
// baseline run scored on the same judgments.
type BaselineDelta struct {
	Metric         string  `json:"metric"`
	Candidate      float64 `json:"candidate"`
	Baseline       float64 `json:"baseline"`
	Delta          float64 `json:"delta"`
	HigherIsBetter bool    `json:"higher_is_better"`
}

// BaselineComparison is the full candidate-vs-baseline result.
type BaselineComparison struct {
	CandidateRunID string          `json:"candidate_run_id"`
	BaselineRunID  string          `json:"baseline_run_id"`
	Deltas         []BaselineDelta `json:"deltas"`
	Improved       int             `json:"improved"`
	Regressed      int             `json:"regressed"`
	Unchanged      int             `json:"unchanged"`
}

// CompareToBaseline diffs two score results metric by metric. Metrics
// absent from the baseline are skipped; both runs must have been
// scored with the same cutoffs for the diff to be complete.
func CompareToBaseline(candidateID string, candidate *ScoreResult, baselineID string, baseline *ScoreResult) *BaselineComparison {
	cmp := &BaselineComparison{
		CandidateRunID: candidateID,
		BaselineRunID:  baselineID,
	}

	for _, m := range candidate.Metrics {
		base, ok := baseline.Metric(m.Name)
		if !ok {
			continue
		}
		delta := BaselineDelta{
			Metric:         m.Name,
			Candidate:      m.Value,
			Baseline:       base,
			Delta:          m.Value - base,
			HigherIsBetter: m.HigherIsBetter,
		}
		cmp.Deltas = append(cmp.Deltas, delta)

		switch {
		case delta.Delta == 0:
			cmp.Unchanged++
		case (delta.Delta > 0) == delta.HigherIsBetter:
			cmp.Improved++
		default:
			cmp.Regressed++
		}
	}

	return cmp
}

// Table renders the comparison with one row per metric.
func (c *BaselineComparison) Table() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s vs baseline %s\n\n", c.CandidateRunID, c.BaselineRunID)
	fmt.Fprintf(&b, "%-12s %12s %12s %12s\n", "metric", "candidate", "baseline", "delta")
	for _, d := range c.Deltas {
		fmt.Fprintf(&b, "%-12s %12.4f %12.4f %+12.4f\n", d.Metric, d.Candidate, d.Baseline, d.Delta)
	}
	fmt.Fprintf(&b, "\nimproved %d, regressed %d, unchanged %d\n",
		c.Improved, c.Regressed, c.Unchanged)
	return b.String()
}
