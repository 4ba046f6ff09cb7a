package scoring

// Status grades a metric against its target.
type Status string

const (
	StatusPass    Status = "pass"
	StatusWarn    Status = "warn"
	StatusFail    Status = "fail"
	StatusUnknown Status = "unknown"
)

// KPIResult is one metric graded against a target. Target is zero and
// Status unknown when no target is configured for the metric.
type KPIResult struct {
	Metric         string  `json:"metric"`
	Value          float64 `json:"value"`
	Target         float64 `json:"target,omitempty"`
	HigherIsBetter bool    `json:"higher_is_better"`
	Status         Status  `json:"status"`
}

// EvaluationReport is the full grading of a scored run.
type EvaluationReport struct {
	RunID       string         `json:"run_id,omitempty"`
	Mode        string         `json:"mode,omitempty"`
	Results     []KPIResult    `json:"results"`
	Overall     Status         `json:"overall_status"`
	Counts      map[Status]int `json:"status_counts"`
	Diagnostics Diagnostics    `json:"diagnostics"`
	Notes       []string       `json:"notes,omitempty"`
}

// Analyzer grades metric values against targets.
type Analyzer struct {
	// WarnBand is the relative shortfall below a target that grades
	// warn instead of fail. 0.10 means "within 10% of target". At the
	// default 0 any shortfall is a fail.
	WarnBand float64
}

// Analyze grades every metric in the score result. Metrics without a
// configured target come back unknown. The overall status is the worst
// individual status, with unknown weakest.
func (a *Analyzer) Analyze(scored *ScoreResult, targets map[string]float64) *EvaluationReport {
	report := &EvaluationReport{
		Overall:     StatusUnknown,
		Counts:      make(map[Status]int),
		Diagnostics: scored.Diagnostics,
	}

	for _, m := range scored.Metrics {
		res := KPIResult{
			Metric:         m.Name,
			Value:          m.Value,
			HigherIsBetter: m.HigherIsBetter,
			Status:         StatusUnknown,
		}
		if target, ok := targets[m.Name]; ok {
			res.Target = target
			res.Status = a.grade(m.Value, target, m.HigherIsBetter)
		}
		report.Results = append(report.Results, res)
		report.Counts[res.Status]++
		if worse(res.Status, report.Overall) {
			report.Overall = res.Status
		}
	}

	return report
}

func (a *Analyzer) grade(value, target float64, higherIsBetter bool) Status {
	if !higherIsBetter {
		switch {
		case value <= target:
			return StatusPass
		case value <= target*(1+a.WarnBand):
			return StatusWarn
		default:
			return StatusFail
		}
	}
	switch {
	case value >= target:
		return StatusPass
	case value >= target*(1-a.WarnBand):
		return StatusWarn
	default:
		return StatusFail
	}
}

var severity = map[Status]int{
	StatusUnknown: 0,
	StatusPass:    1,
	StatusWarn:    2,
	StatusFail:    3,
}

func worse(a, b Status) bool {
	return severity[a] > severity[b]
}
