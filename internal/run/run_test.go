package run

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/trecbench/trecbench/internal/pkg/errors"
	"github.com/trecbench/trecbench/internal/topics"
)

func testTopicSet(ids ...string) *topics.TopicSet {
	set := &topics.TopicSet{DatasetID: "test"}
	for _, id := range ids {
		set.Topics = append(set.Topics, topics.Topic{QueryID: id, QueryText: "q " + id})
	}
	return set
}

func TestBuild(t *testing.T) {
	set := testTopicSet("q1", "q2")
	results := []QueryResult{
		{QueryID: "q1", Docs: []ScoredDoc{
			{DocID: "d3", Score: 0.5},
			{DocID: "d1", Score: 0.9},
			{DocID: "d2", Score: 0.9},
		}},
		{QueryID: "q2", Docs: []ScoredDoc{
			{DocID: "d7", Score: 0.4},
		}},
	}

	r, err := Build(results, set, "trial-1", 100)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	rows := r.Rows("q1")
	if len(rows) != 3 {
		t.Fatalf("Rows(q1) len = %d, want 3", len(rows))
	}

	// Equal scores break ties on doc_id ascending.
	wantOrder := []string{"d1", "d2", "d3"}
	for i, want := range wantOrder {
		if rows[i].DocID != want {
			t.Errorf("rows[%d].DocID = %s, want %s", i, rows[i].DocID, want)
		}
		if rows[i].Rank != i+1 {
			t.Errorf("rows[%d].Rank = %d, want %d", i, rows[i].Rank, i+1)
		}
		if rows[i].RunID != "trial-1" {
			t.Errorf("rows[%d].RunID = %s, want trial-1", i, rows[i].RunID)
		}
	}

	if err := r.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	set := testTopicSet("q1")
	// Same docs in two different input orders must yield identical runs.
	a := []QueryResult{{QueryID: "q1", Docs: []ScoredDoc{
		{DocID: "d2", Score: 0.7}, {DocID: "d1", Score: 0.7}, {DocID: "d3", Score: 0.9},
	}}}
	b := []QueryResult{{QueryID: "q1", Docs: []ScoredDoc{
		{DocID: "d3", Score: 0.9}, {DocID: "d1", Score: 0.7}, {DocID: "d2", Score: 0.7},
	}}}

	ra, err := Build(a, set, "r", 100)
	if err != nil {
		t.Fatalf("Build(a) error = %v", err)
	}
	rb, err := Build(b, set, "r", 100)
	if err != nil {
		t.Fatalf("Build(b) error = %v", err)
	}

	rowsA, rowsB := ra.Rows("q1"), rb.Rows("q1")
	for i := range rowsA {
		if rowsA[i] != rowsB[i] {
			t.Errorf("row %d differs: %+v vs %+v", i, rowsA[i], rowsB[i])
		}
	}
}

func TestBuild_CapTruncation(t *testing.T) {
	set := testTopicSet("q1")
	docs := make([]ScoredDoc, 10)
	for i := range docs {
		docs[i] = ScoredDoc{DocID: string(rune('a' + i)), Score: float64(10 - i)}
	}

	r, err := Build([]QueryResult{{QueryID: "q1", Docs: docs}}, set, "r", 3)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if got := len(r.Rows("q1")); got != 3 {
		t.Errorf("Rows(q1) len = %d, want 3", got)
	}
}

func TestBuild_ZeroResultQueryRecorded(t *testing.T) {
	set := testTopicSet("q1", "q2")
	r, err := Build([]QueryResult{
		{QueryID: "q1", Docs: []ScoredDoc{{DocID: "d1", Score: 1}}},
	}, set, "r", 100)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if rows := r.Rows("q2"); rows == nil || len(rows) != 0 {
		t.Errorf("Rows(q2) = %v, want recorded empty slice", rows)
	}
	empty := r.ZeroResultQueries()
	if len(empty) != 1 || empty[0] != "q2" {
		t.Errorf("ZeroResultQueries() = %v, want [q2]", empty)
	}
}

func TestBuild_Errors(t *testing.T) {
	set := testTopicSet("q1")

	if _, err := Build(nil, set, "r", 0); !errors.IsValidation(err) {
		t.Errorf("Build() with cap 0 error = %v, want validation", err)
	}
	if _, err := Build(nil, set, "", 100); !errors.IsValidation(err) {
		t.Errorf("Build() with empty run_id error = %v, want validation", err)
	}
	unknown := []QueryResult{{QueryID: "q99", Docs: nil}}
	if _, err := Build(unknown, set, "r", 100); !errors.IsValidation(err) {
		t.Errorf("Build() with unknown query error = %v, want validation", err)
	}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	set := testTopicSet("q1", "q2")
	r, err := Build([]QueryResult{
		{QueryID: "q1", Docs: []ScoredDoc{{DocID: "d1", Score: 0.875}, {DocID: "d2", Score: 0.5}}},
		{QueryID: "q2", Docs: []ScoredDoc{{DocID: "d9", Score: 0.25}}},
	}, set, "trial-1", 100)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "run.tsv")
	if err := Write(r, path); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading run file: %v", err)
	}
	want := "q1\tQ0\td1\t1\t0.875000\ttrial-1\n" +
		"q1\tQ0\td2\t2\t0.500000\ttrial-1\n" +
		"q2\tQ0\td9\t1\t0.250000\ttrial-1\n"
	if string(data) != want {
		t.Errorf("run file = %q, want %q", data, want)
	}

	back, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if back.RunID != "trial-1" {
		t.Errorf("RunID = %s, want trial-1", back.RunID)
	}
	if got := len(back.Rows("q1")); got != 2 {
		t.Errorf("Rows(q1) len = %d, want 2", got)
	}
	if got := back.Rows("q2")[0].Score; got != 0.25 {
		t.Errorf("q2 score = %g, want 0.25", got)
	}
}

func TestRead_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"too few fields", "q1 Q0 d1 1 0.5\n"},
		{"bad column 2", "q1 XX d1 1 0.5 run\n"},
		{"bad rank", "q1 Q0 d1 zero 0.5 run\n"},
		{"zero rank", "q1 Q0 d1 0 0.5 run\n"},
		{"bad score", "q1 Q0 d1 1 high run\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "run.tsv")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("writing run file: %v", err)
			}
			_, err := Read(path)
			if !errors.IsValidation(err) {
				t.Errorf("Read() error = %v, want validation", err)
			}
		})
	}
}

func TestValidate_Violations(t *testing.T) {
	r := &Run{
		RunID:   "r",
		Cap:     100,
		queries: []string{"q1"},
		rows: map[string][]Row{
			"q1": {
				{QueryID: "q1", DocID: "d1", Rank: 1, Score: 0.5, RunID: "r"},
				{QueryID: "q1", DocID: "d2", Rank: 3, Score: 0.4, RunID: "r"},
			},
		},
	}
	if err := r.Validate(); !errors.IsValidation(err) {
		t.Errorf("Validate() with rank gap error = %v, want validation", err)
	}

	r.rows["q1"][1].Rank = 2
	r.rows["q1"][1].Score = 0.9
	if err := r.Validate(); !errors.IsValidation(err) {
		t.Errorf("Validate() with increasing score error = %v, want validation", err)
	}
}
