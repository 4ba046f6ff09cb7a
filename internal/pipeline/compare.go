package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/trecbench/trecbench/internal/bus"
	"github.com/trecbench/trecbench/internal/gateway"
	"github.com/trecbench/trecbench/internal/pkg/errors"
	"github.com/trecbench/trecbench/internal/scoring"
)

// ModeOutcome is one mode's result within a benchmark comparison.
type ModeOutcome struct {
	Mode        gateway.Mode              `json:"mode"`
	Report      *scoring.EvaluationReport `json:"report,omitempty"`
	ArtifactDir string                    `json:"artifact_dir,omitempty"`
	Failed      bool                      `json:"failed"`
	Note        string                    `json:"note,omitempty"`
}

// Comparison is the cross-mode benchmark result.
type Comparison struct {
	ExperimentID string                  `json:"experiment_id"`
	TopicSetID   string                  `json:"topic_set_id"`
	ConfigHash   string                  `json:"config_hash"`
	Timestamp    string                  `json:"timestamp"`
	Outcomes     []ModeOutcome           `json:"outcomes"`
	BestMode     map[string]gateway.Mode `json:"best_mode_per_metric"`
}

// Compare benchmarks several retrieval modes over one frozen topic
// set and configuration. A wholly failed mode is reported as failed
// with a note and does not stop the remaining modes.
func (o *Orchestrator) Compare(ctx context.Context, p Params, modes []gateway.Mode) (*Comparison, error) {
	if len(modes) == 0 {
		return nil, errors.ValidationError("no modes to compare")
	}

	// One load for all modes so every mode sees identical topics.
	topicSet, judgments, err := o.load(p)
	if err != nil {
		return nil, errors.Wrap(errors.CodeOf(err), "benchmark aborted while loading", err)
	}

	comparison := &Comparison{
		ExperimentID: p.ExperimentID,
		TopicSetID:   topicSet.DatasetID,
		ConfigHash:   o.cfg.Hash(),
		Timestamp:    time.Now().UTC().Format("20060102_150405"),
		BestMode:     make(map[string]gateway.Mode),
	}

	for _, mode := range modes {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(errors.CodeTimeout, "benchmark canceled", err)
		}

		modeParams := p
		modeParams.Mode = mode
		result, err := o.evaluate(ctx, modeParams, topicSet, judgments)
		if err != nil {
			o.log.WithExperiment(p.ExperimentID).WithMode(mode.String()).WithError(err).
				Warn("mode failed, continuing benchmark")
			comparison.Outcomes = append(comparison.Outcomes, ModeOutcome{
				Mode:   mode,
				Failed: true,
				Note:   "retrieval unavailable",
				Report: &scoring.EvaluationReport{Mode: mode.String(), Overall: scoring.StatusFail},
			})
			continue
		}

		comparison.Outcomes = append(comparison.Outcomes, ModeOutcome{
			Mode:        mode,
			Report:      result.Report,
			ArtifactDir: result.ArtifactDir,
		})
	}

	comparison.BestMode = bestModePerMetric(comparison.Outcomes)

	o.publish(ctx, bus.TopicBenchmarkCompleted, p, map[string]any{
		"topic_set_id": comparison.TopicSetID,
		"modes":        len(modes),
		"best":         comparison.BestMode,
	})

	return comparison, nil
}

// bestModePerMetric picks the highest value per metric among
// successful modes; ties keep the earlier-declared mode.
func bestModePerMetric(outcomes []ModeOutcome) map[string]gateway.Mode {
	best := make(map[string]gateway.Mode)
	bestValue := make(map[string]float64)

	for _, outcome := range outcomes {
		if outcome.Failed || outcome.Report == nil {
			continue
		}
		for _, res := range outcome.Report.Results {
			current, seen := bestValue[res.Metric]
			if !seen || res.Value > current {
				best[res.Metric] = outcome.Mode
				bestValue[res.Metric] = res.Value
			}
		}
	}

	return best
}

// ComparisonPath is where the comparison JSON artifact is written.
func (o *Orchestrator) ComparisonPath(c *Comparison) string {
	name := fmt.Sprintf("%s_%s_benchmark_%s.json", c.ExperimentID, c.TopicSetID, c.Timestamp)
	return filepath.Join(o.cfg.Paths.OutputDir, name)
}

// Table renders a human-readable comparison with one row per metric
// and one column per mode. The best mode is marked with an asterisk.
func (c *Comparison) Table() string {
	metrics := collectMetrics(c.Outcomes)

	var b strings.Builder
	fmt.Fprintf(&b, "benchmark %s on %s (config %s)\n\n", c.ExperimentID, c.TopicSetID, c.ConfigHash)

	fmt.Fprintf(&b, "%-12s", "metric")
	for _, outcome := range c.Outcomes {
		fmt.Fprintf(&b, "%12s", outcome.Mode)
	}
	b.WriteString("\n")

	for _, metric := range metrics {
		fmt.Fprintf(&b, "%-12s", metric)
		for _, outcome := range c.Outcomes {
			if outcome.Failed {
				fmt.Fprintf(&b, "%12s", "-")
				continue
			}
			value, ok := metricValue(outcome.Report, metric)
			if !ok {
				fmt.Fprintf(&b, "%12s", "-")
				continue
			}
			mark := ""
			if c.BestMode[metric] == outcome.Mode {
				mark = "*"
			}
			fmt.Fprintf(&b, "%12s", fmt.Sprintf("%.4f%s", value, mark))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "%-12s", "overall")
	for _, outcome := range c.Outcomes {
		status := "-"
		if outcome.Report != nil {
			status = string(outcome.Report.Overall)
		}
		if outcome.Note != "" {
			status += " (" + outcome.Note + ")"
		}
		fmt.Fprintf(&b, "%12s", status)
	}
	b.WriteString("\n")

	return b.String()
}

func collectMetrics(outcomes []ModeOutcome) []string {
	seen := make(map[string]bool)
	var metrics []string
	for _, outcome := range outcomes {
		if outcome.Report == nil {
			continue
		}
		for _, res := range outcome.Report.Results {
			if !seen[res.Metric] {
				seen[res.Metric] = true
				metrics = append(metrics, res.Metric)
			}
		}
	}
	sort.Strings(metrics)
	return metrics
}

func metricValue(report *scoring.EvaluationReport, metric string) (float64, bool) {
	if report == nil {
		return 0, false
	}
	for _, res := range report.Results {
		if res.Metric == metric {
			return res.Value, true
		}
	}
	return 0, false
}
