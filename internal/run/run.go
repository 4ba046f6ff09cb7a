// Package run builds deterministic TREC-style ranked runs from retrieval
// results and reads/writes the 6-column run file format.
package run

import (
	"fmt"
	"sort"

	"github.com/trecbench/trecbench/internal/pkg/errors"
	"github.com/trecbench/trecbench/internal/topics"
)

// Row is one ranked document for one query.
type Row struct {
	QueryID string  `json:"query_id"`
	DocID   string  `json:"doc_id"`
	Rank    int     `json:"rank"`
	Score   float64 `json:"score"`
	RunID   string  `json:"run_id"`
}

// ScoredDoc is a retrieval result before ranking.
type ScoredDoc struct {
	DocID string
	Score float64
}

// QueryResult holds the raw retrieval output for one query.
type QueryResult struct {
	QueryID string
	Docs    []ScoredDoc
}

// Run is a complete ranked run: rows grouped per query in topic-set
// order, with zero-result queries recorded explicitly so downstream
// scoring sees every query.
type Run struct {
	RunID   string
	Cap     int
	queries []string
	rows    map[string][]Row
}

// QueryIDs returns the run's query IDs in topic-set order.
func (r *Run) QueryIDs() []string {
	return r.queries
}

// Rows returns the ranked rows for a query. Zero-result queries return
// an empty (non-nil-safe) slice; unknown queries return nil.
func (r *Run) Rows(queryID string) []Row {
	return r.rows[queryID]
}

// Len returns the total row count across all queries.
func (r *Run) Len() int {
	n := 0
	for _, rows := range r.rows {
		n += len(rows)
	}
	return n
}

// ZeroResultQueries returns the queries that produced no rows.
func (r *Run) ZeroResultQueries() []string {
	var empty []string
	for _, q := range r.queries {
		if len(r.rows[q]) == 0 {
			empty = append(empty, q)
		}
	}
	return empty
}

// Build assembles a deterministic run from raw results. Per query the
// docs are ordered by score descending with doc_id ascending breaking
// ties, truncated to cap, and assigned ranks 1..n. Every topic in the
// set gets an entry even when retrieval returned nothing for it.
func Build(results []QueryResult, topicSet *topics.TopicSet, runID string, cap int) (*Run, error) {
	if cap < 1 {
		return nil, errors.ValidationError(fmt.Sprintf("run cap must be >= 1, got %d", cap))
	}
	if runID == "" {
		return nil, errors.ValidationError("run_id cannot be empty")
	}

	byQuery := make(map[string][]ScoredDoc, len(results))
	for _, res := range results {
		if !topicSet.Contains(res.QueryID) {
			return nil, errors.ValidationError(
				fmt.Sprintf("result for query %q not present in topic set %s", res.QueryID, topicSet.DatasetID))
		}
		byQuery[res.QueryID] = append(byQuery[res.QueryID], res.Docs...)
	}

	r := &Run{
		RunID:   runID,
		Cap:     cap,
		queries: topicSet.QueryIDs(),
		rows:    make(map[string][]Row, topicSet.Len()),
	}

	for _, queryID := range r.queries {
		docs := byQuery[queryID]
		sort.SliceStable(docs, func(i, j int) bool {
			if docs[i].Score != docs[j].Score {
				return docs[i].Score > docs[j].Score
			}
			return docs[i].DocID < docs[j].DocID
		})
		if len(docs) > cap {
			docs = docs[:cap]
		}

		rows := make([]Row, len(docs))
		for i, d := range docs {
			rows[i] = Row{
				QueryID: queryID,
				DocID:   d.DocID,
				Rank:    i + 1,
				Score:   d.Score,
				RunID:   runID,
			}
		}
		r.rows[queryID] = rows
	}

	return r, nil
}

// Validate checks run-level invariants: per-query row counts within
// cap, ranks contiguous from 1, scores non-increasing.
func (r *Run) Validate() error {
	for _, queryID := range r.queries {
		rows := r.rows[queryID]
		if r.Cap > 0 && len(rows) > r.Cap {
			return errors.ValidationError(
				fmt.Sprintf("query %s has %d rows, cap is %d", queryID, len(rows), r.Cap))
		}
		for i, row := range rows {
			if row.Rank != i+1 {
				return errors.ValidationError(
					fmt.Sprintf("query %s rank %d at position %d, ranks must be contiguous from 1",
						queryID, row.Rank, i+1))
			}
			if i > 0 && row.Score > rows[i-1].Score {
				return errors.ValidationError(
					fmt.Sprintf("query %s score increases at rank %d", queryID, row.Rank))
			}
		}
	}
	return nil
}
