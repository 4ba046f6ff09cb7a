package scoring

import "testing"

func TestAnalyze(t *testing.T) {
	scored := &ScoreResult{Metrics: []MetricResult{
		{Name: "nDCG@10", Value: 0.28, HigherIsBetter: true},
		{Name: "MRR@10", Value: 0.55, HigherIsBetter: true},
		{Name: "HitRate@10", Value: 0.80, HigherIsBetter: true},
	}}
	targets := map[string]float64{
		"nDCG@10": 0.30,
		"MRR@10":  0.50,
	}

	var analyzer Analyzer
	report := analyzer.Analyze(scored, targets)

	want := map[string]Status{
		"nDCG@10":    StatusFail,
		"MRR@10":     StatusPass,
		"HitRate@10": StatusUnknown,
	}
	for _, res := range report.Results {
		if res.Status != want[res.Metric] {
			t.Errorf("%s status = %s, want %s", res.Metric, res.Status, want[res.Metric])
		}
	}

	if report.Overall != StatusFail {
		t.Errorf("Overall = %s, want fail", report.Overall)
	}
	if report.Counts[StatusFail] != 1 || report.Counts[StatusPass] != 1 || report.Counts[StatusUnknown] != 1 {
		t.Errorf("Counts = %v", report.Counts)
	}
}

func TestAnalyze_WarnBand(t *testing.T) {
	scored := &ScoreResult{Metrics: []MetricResult{
		{Name: "nDCG@10", Value: 0.28, HigherIsBetter: true},
	}}
	targets := map[string]float64{"nDCG@10": 0.30}

	// Shortfall within 10% of target grades warn.
	banded := Analyzer{WarnBand: 0.10}
	if got := banded.Analyze(scored, targets).Overall; got != StatusWarn {
		t.Errorf("Overall with band = %s, want warn", got)
	}

	// Default band 0: any shortfall fails.
	var strict Analyzer
	if got := strict.Analyze(scored, targets).Overall; got != StatusFail {
		t.Errorf("Overall without band = %s, want fail", got)
	}
}

func TestAnalyze_MeetingTargetPasses(t *testing.T) {
	scored := &ScoreResult{Metrics: []MetricResult{
		{Name: "nDCG@10", Value: 0.31, HigherIsBetter: true},
		{Name: "MRR@10", Value: 0.50, HigherIsBetter: true},
	}}
	targets := map[string]float64{"nDCG@10": 0.30, "MRR@10": 0.50}

	var analyzer Analyzer
	report := analyzer.Analyze(scored, targets)
	if report.Overall != StatusPass {
		t.Errorf("Overall = %s, want pass", report.Overall)
	}
}

func TestAnalyze_LowerIsBetter(t *testing.T) {
	scored := &ScoreResult{Metrics: []MetricResult{
		{Name: "latency_p95", Value: 120},
	}}
	targets := map[string]float64{"latency_p95": 100}

	// Over target but within the band grades warn, not fail.
	banded := Analyzer{WarnBand: 0.25}
	if got := banded.Analyze(scored, targets).Overall; got != StatusWarn {
		t.Errorf("Overall with band = %s, want warn", got)
	}

	var strict Analyzer
	if got := strict.Analyze(scored, targets).Overall; got != StatusFail {
		t.Errorf("Overall without band = %s, want fail", got)
	}

	under := &ScoreResult{Metrics: []MetricResult{
		{Name: "latency_p95", Value: 90},
	}}
	if got := strict.Analyze(under, targets).Overall; got != StatusPass {
		t.Errorf("Overall under target = %s, want pass", got)
	}
}

func TestAnalyze_WorstWins(t *testing.T) {
	scored := &ScoreResult{Metrics: []MetricResult{
		{Name: "a", Value: 0.5, HigherIsBetter: true},
		{Name: "b", Value: 0.29, HigherIsBetter: true},
	}}
	targets := map[string]float64{"a": 0.4, "b": 0.30}

	analyzer := Analyzer{WarnBand: 0.10}
	report := analyzer.Analyze(scored, targets)
	if report.Overall != StatusWarn {
		t.Errorf("Overall = %s, want warn (pass + warn)", report.Overall)
	}

	// No targets at all: overall stays unknown.
	var bare Analyzer
	if got := bare.Analyze(scored, nil).Overall; got != StatusUnknown {
		t.Errorf("Overall with no targets = %s, want unknown", got)
	}
}
