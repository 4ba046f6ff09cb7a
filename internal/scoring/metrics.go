// Package scoring computes ranked-retrieval quality metrics from a run
// and relevance judgments, and grades them against configured targets.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/trecbench/trecbench/internal/pkg/errors"
	"github.com/trecbench/trecbench/internal/qrels"
	"github.com/trecbench/trecbench/internal/run"
)

// apDepth is the evaluation depth for average precision.
const apDepth = 100

// MetricResult is one aggregate metric value. All current metrics are
// better when higher; the flag is carried so grading stays correct if
// a latency-style metric is ever added.
type MetricResult struct {
	Name           string  `json:"name"`
	Value          float64 `json:"value"`
	HigherIsBetter bool    `json:"higher_is_better"`
}

// Diagnostics describes judgment coverage for a scored run. Excluded
// counts make the averaging basis of each metric auditable.
type Diagnostics struct {
	TotalQueries         int `json:"total_queries"`
	JudgedQueries        int `json:"judged_queries"`
	UnjudgedQueries      int `json:"unjudged_queries"`
	ExcludedZeroRelevant int `json:"excluded_zero_relevant"`
	ZeroResultQueries    int `json:"zero_result_queries"`
	TotalRelevant        int `json:"total_relevant"`
	RetrievedRelevant    int `json:"retrieved_relevant"`
}

// ScoreResult carries metric values plus coverage diagnostics.
type ScoreResult struct {
	Metrics     []MetricResult `json:"metrics"`
	Diagnostics Diagnostics    `json:"diagnostics"`
}

// Metric returns a metric value by name.
func (s *ScoreResult) Metric(name string) (float64, bool) {
	for _, m := range s.Metrics {
		if m.Name == name {
			return m.Value, true
		}
	}
	return 0, false
}

// Engine scores runs. Zero value is ready to use.
type Engine struct{}

// Score computes nDCG@K and Recall@K for every cutoff, plus MAP@100,
// MRR@10 and HitRate@10. Averaging bases differ per metric:
//   - nDCG and HitRate average over all queries,
//   - Recall and MAP skip queries with no relevant documents,
//   - MRR skips queries with no judgments at all,
//
// with skipped counts reported in the diagnostics. The run's queries
// are the query universe here; membership in the originating topic set
// is enforced when the run is built.
func (e *Engine) Score(r *run.Run, judgments *qrels.Set, cutoffs []int) (*ScoreResult, error) {
	queries := r.QueryIDs()
	if len(queries) == 0 {
		return nil, errors.MetricError("run contains no queries")
	}
	if len(cutoffs) == 0 {
		return nil, errors.MetricError("no metric cutoffs given")
	}
	for _, k := range cutoffs {
		if k < 1 {
			return nil, errors.MetricError(fmt.Sprintf("cutoff must be >= 1, got %d", k))
		}
	}
	sorted := append([]int(nil), cutoffs...)
	sort.Ints(sorted)

	var diag Diagnostics
	diag.TotalQueries = len(queries)

	ndcgSums := make(map[int]float64, len(sorted))
	recallSums := make(map[int]float64, len(sorted))
	recallBasis := 0
	var apSum, mrrSum, hitSum float64
	mrrBasis := 0

	for _, queryID := range queries {
		rows := r.Rows(queryID)
		grades := judgments.Grades(queryID)
		for _, g := range grades {
			if g < 0 {
				return nil, errors.MetricError(
					fmt.Sprintf("negative relevance grade for query %s", queryID))
			}
		}

		relevant := judgments.RelevantCount(queryID)
		judged := judgments.JudgedCount(queryID)
		diag.TotalRelevant += relevant
		if judged > 0 {
			diag.JudgedQueries++
		} else {
			diag.UnjudgedQueries++
		}
		if len(rows) == 0 {
			diag.ZeroResultQueries++
		}
		for _, row := range rows {
			if grades[row.DocID] > 0 {
				diag.RetrievedRelevant++
			}
		}

		ideal := judgments.IdealGains(queryID)
		for _, k := range sorted {
			ndcgSums[k] += ndcgAt(rows, grades, ideal, k)
		}

		if relevant > 0 {
			for _, k := range sorted {
				recallSums[k] += recallAt(rows, grades, relevant, k)
			}
			recallBasis++
			apSum += averagePrecision(rows, grades, relevant)
		}

		if judged > 0 {
			mrrSum += reciprocalRank(rows, grades, 10)
			mrrBasis++
		}

		hitSum += hitAt(rows, grades, 10)
	}

	diag.ExcludedZeroRelevant = diag.TotalQueries - recallBasis

	result := &ScoreResult{Diagnostics: diag}
	total := float64(len(queries))
	for _, k := range sorted {
		result.Metrics = append(result.Metrics, MetricResult{
			Name:           fmt.Sprintf("nDCG@%d", k),
			Value:          ndcgSums[k] / total,
			HigherIsBetter: true,
		})
	}
	result.Metrics = append(result.Metrics, MetricResult{
		Name:           fmt.Sprintf("MAP@%d", apDepth),
		Value:          mean(apSum, recallBasis),
		HigherIsBetter: true,
	})
	result.Metrics = append(result.Metrics, MetricResult{
		Name:           "MRR@10",
		Value:          mean(mrrSum, mrrBasis),
		HigherIsBetter: true,
	})
	for _, k := range sorted {
		result.Metrics = append(result.Metrics, MetricResult{
			Name:           fmt.Sprintf("Recall@%d", k),
			Value:          mean(recallSums[k], recallBasis),
			HigherIsBetter: true,
		})
	}
	result.Metrics = append(result.Metrics, MetricResult{
		Name:           "HitRate@10",
		Value:          hitSum / total,
		HigherIsBetter: true,
	})

	return result, nil
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// gain is the graded-relevance gain 2^rel - 1.
func gain(grade int) float64 {
	return math.Pow(2, float64(grade)) - 1
}

func ndcgAt(rows []run.Row, grades map[string]int, ideal []int, k int) float64 {
	var dcg float64
	for i, row := range rows {
		if i >= k {
			break
		}
		dcg += gain(grades[row.DocID]) / math.Log2(float64(i+2))
	}

	var idcg float64
	for i, g := range ideal {
		if i >= k {
			break
		}
		idcg += gain(g) / math.Log2(float64(i+2))
	}
	if idcg == 0 {
		return 0
	}
	return dcg / idcg
}

func recallAt(rows []run.Row, grades map[string]int, relevant, k int) float64 {
	found := 0
	for i, row := range rows {
		if i >= k {
			break
		}
		if grades[row.DocID] > 0 {
			found++
		}
	}
	return float64(found) / float64(relevant)
}

func averagePrecision(rows []run.Row, grades map[string]int, relevant int) float64 {
	var sum float64
	found := 0
	for i, row := range rows {
		if i >= apDepth {
			break
		}
		if grades[row.DocID] > 0 {
			found++
			sum += float64(found) / float64(i+1)
		}
	}
	denom := relevant
	if denom > apDepth {
		denom = apDepth
	}
	return sum / float64(denom)
}

func reciprocalRank(rows []run.Row, grades map[string]int, k int) float64 {
	for i, row := range rows {
		if i >= k {
			break
		}
		if grades[row.DocID] > 0 {
			return 1 / float64(i+1)
		}
	}
	return 0
}

func hitAt(rows []run.Row, grades map[string]int, k int) float64 {
	for i, row := range rows {
		if i >= k {
			break
		}
		if grades[row.DocID] > 0 {
			return 1
		}
	}
	return 0
}
