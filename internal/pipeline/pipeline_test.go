package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/trecbench/trecbench/internal/bus"
	"github.com/trecbench/trecbench/internal/config"
	"github.com/trecbench/trecbench/internal/experiment"
	"github.com/trecbench/trecbench/internal/gateway"
	"github.com/trecbench/trecbench/internal/pkg/errors"
)

type fakeRetriever struct {
	fn func(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

func (f *fakeRetriever) Retrieve(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	return f.fn(ctx, req)
}

// respondAll answers every query with descending-scored segments.
func respondAll(docsPerQuery int) func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	return func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
		resp := &gateway.Response{SchemaVersion: "1.0"}
		for _, q := range req.Queries {
			qr := gateway.QueryResponse{QueryID: q.QueryID}
			for i := 0; i < docsPerQuery; i++ {
				qr.Segments = append(qr.Segments, gateway.Segment{
					SegmentID: fmt.Sprintf("%s-d%d", q.QueryID, i),
					Score:     1.0 - float64(i)*0.1,
				})
			}
			resp.Results = append(resp.Results, qr)
		}
		return resp, nil
	}
}

func testEnv(t *testing.T) (*config.Config, Params) {
	t.Helper()
	dir := t.TempDir()

	topicsPath := filepath.Join(dir, "topics.jsonl")
	topicsContent := `{"query_id": "q1", "query_text": "first query"}
{"query_id": "q2", "query_text": "second query"}
{"query_id": "q3", "query_text": "third query"}
`
	if err := os.WriteFile(topicsPath, []byte(topicsContent), 0644); err != nil {
		t.Fatalf("writing topics: %v", err)
	}

	qrelsPath := filepath.Join(dir, "qrels.txt")
	qrelsContent := "q1 0 q1-d0 2\nq1 0 q1-d1 1\nq2 0 q2-d0 1\nq3 0 other 1\n"
	if err := os.WriteFile(qrelsPath, []byte(qrelsContent), 0644); err != nil {
		t.Fatalf("writing qrels: %v", err)
	}

	cfg := &config.Config{}
	if loaded, err := config.Load(""); err != nil {
		t.Fatalf("Load() error = %v", err)
	} else {
		cfg = loaded
	}
	cfg.Paths.OutputDir = filepath.Join(dir, "artifacts")
	cfg.Metrics.Cutoffs = []int{10}
	cfg.Metrics.Targets = map[string]float64{"nDCG@10": 0.10}

	return cfg, Params{
		ExperimentID: "exp-1",
		TopicsPath:   topicsPath,
		TopicSetID:   "testset",
		QrelsPath:    qrelsPath,
		Mode:         gateway.ModeHybrid,
	}
}

func newOrchestrator(cfg *config.Config, r Retriever, events bus.Bus) *Orchestrator {
	store := experiment.NewStore(cfg.Paths.OutputDir, nil)
	return New(cfg, r, store, events, nil)
}

func TestRun_EndToEnd(t *testing.T) {
	cfg, params := testEnv(t)
	o := newOrchestrator(cfg, &fakeRetriever{fn: respondAll(3)}, nil)

	result, err := o.Run(context.Background(), params)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Stage != StageDone {
		t.Errorf("Stage = %s, want done", result.Stage)
	}
	if result.Report == nil || result.Report.Overall == "" {
		t.Fatal("Run() produced no report")
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Warnings = %v, want none", result.Warnings)
	}
	if result.Manifest.QueryCount != 3 {
		t.Errorf("QueryCount = %d, want 3", result.Manifest.QueryCount)
	}
	if result.Manifest.ConfigHash != cfg.Hash() {
		t.Error("manifest config hash does not match config")
	}

	// Artifacts are on disk.
	if _, err := os.Stat(filepath.Join(result.ArtifactDir, "manifest.json")); err != nil {
		t.Errorf("manifest not persisted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(result.ArtifactDir, "run.tsv")); err != nil {
		t.Errorf("run not persisted: %v", err)
	}

	// Every relevant doc is at rank 1, so nDCG meets the target.
	if result.Report.Overall != "pass" {
		t.Errorf("Overall = %s, want pass", result.Report.Overall)
	}
}

func TestRun_DegradedQueriesDoNotAbort(t *testing.T) {
	cfg, params := testEnv(t)
	cfg.Retrieval.BatchSize = 1

	fail := &fakeRetriever{fn: func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
		if req.Queries[0].QueryID == "q2" {
			return nil, errors.ServiceUnavailableError("retrieval gateway")
		}
		return respondAll(2)(ctx, req)
	}}
	o := newOrchestrator(cfg, fail, nil)

	result, err := o.Run(context.Background(), params)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Stage != StageDone {
		t.Errorf("Stage = %s, want done", result.Stage)
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "q2") {
		t.Errorf("Warnings = %v, want one q2 degradation", result.Warnings)
	}
	if result.Manifest.WarningCount != 1 {
		t.Errorf("WarningCount = %d, want 1", result.Manifest.WarningCount)
	}

	empty := result.Run.ZeroResultQueries()
	if len(empty) != 1 || empty[0] != "q2" {
		t.Errorf("ZeroResultQueries = %v, want [q2]", empty)
	}
}

func TestRun_AbortRecordsStage(t *testing.T) {
	cfg, params := testEnv(t)
	params.TopicsPath = filepath.Join(t.TempDir(), "absent.jsonl")
	o := newOrchestrator(cfg, &fakeRetriever{fn: respondAll(1)}, nil)

	result, err := o.Run(context.Background(), params)
	if err == nil {
		t.Fatal("Run() expected error for missing topics")
	}
	if result.Stage != StageAborted {
		t.Errorf("Stage = %s, want aborted", result.Stage)
	}

	var appErr *errors.AppError
	if !errorsAs(err, &appErr) || appErr.Details["stage"] != string(StageLoading) {
		t.Errorf("error = %v, want stage detail %q", err, StageLoading)
	}
}

func TestRun_PublishesLifecycleEvents(t *testing.T) {
	cfg, params := testEnv(t)
	events := bus.NewMemoryBus()
	defer events.Close()

	var mu sync.Mutex
	received := make(map[string]int)
	for _, topic := range []string{bus.TopicRunStarted, bus.TopicRunScored, bus.TopicRunPersisted} {
		topic := topic
		events.Subscribe(context.Background(), topic, func(ctx context.Context, event bus.Event) error {
			mu.Lock()
			received[topic]++
			mu.Unlock()
			return nil
		})
	}

	o := newOrchestrator(cfg, &fakeRetriever{fn: respondAll(1)}, events)
	if _, err := o.Run(context.Background(), params); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !events.DrainTimeout(time.Second) {
		t.Fatal("events did not drain")
	}
	for _, topic := range []string{bus.TopicRunStarted, bus.TopicRunScored, bus.TopicRunPersisted} {
		if received[topic] != 1 {
			t.Errorf("received[%s] = %d, want 1", topic, received[topic])
		}
	}
}

func TestRun_CanceledContext(t *testing.T) {
	cfg, params := testEnv(t)
	o := newOrchestrator(cfg, &fakeRetriever{fn: respondAll(1)}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := o.Run(ctx, params)
	if err == nil {
		t.Fatal("Run() expected error with canceled context")
	}
	if result.Stage != StageAborted {
		t.Errorf("Stage = %s, want aborted", result.Stage)
	}
}

func TestCompare(t *testing.T) {
	cfg, params := testEnv(t)

	// Hybrid retrieves the relevant docs, lexical retrieves junk.
	r := &fakeRetriever{fn: func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
		if req.Mode == gateway.ModeHybrid {
			return respondAll(2)(ctx, req)
		}
		resp := &gateway.Response{SchemaVersion: "1.0"}
		for _, q := range req.Queries {
			resp.Results = append(resp.Results, gateway.QueryResponse{
				QueryID:  q.QueryID,
				Segments: []gateway.Segment{{SegmentID: "junk", Score: 0.5}},
			})
		}
		return resp, nil
	}}
	o := newOrchestrator(cfg, r, nil)

	comparison, err := o.Compare(context.Background(), params,
		[]gateway.Mode{gateway.ModeLexical, gateway.ModeHybrid})
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}

	if len(comparison.Outcomes) != 2 {
		t.Fatalf("Outcomes = %d, want 2", len(comparison.Outcomes))
	}
	if comparison.BestMode["nDCG@10"] != gateway.ModeHybrid {
		t.Errorf("BestMode[nDCG@10] = %s, want hybrid", comparison.BestMode["nDCG@10"])
	}

	table := comparison.Table()
	for _, want := range []string{"nDCG@10", "lexical", "hybrid", "overall"} {
		if !strings.Contains(table, want) {
			t.Errorf("Table() missing %q:\n%s", want, table)
		}
	}
}

func TestCompare_TieKeepsDeclarationOrder(t *testing.T) {
	cfg, params := testEnv(t)
	o := newOrchestrator(cfg, &fakeRetriever{fn: respondAll(2)}, nil)

	comparison, err := o.Compare(context.Background(), params,
		[]gateway.Mode{gateway.ModeVector, gateway.ModeLexical})
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}

	// Identical results for both modes: first declared mode wins.
	if comparison.BestMode["nDCG@10"] != gateway.ModeVector {
		t.Errorf("BestMode[nDCG@10] = %s, want vector", comparison.BestMode["nDCG@10"])
	}
}

func TestCompare_FailedModeContinues(t *testing.T) {
	cfg, params := testEnv(t)
	cfg.Retrieval.BatchSize = 1

	// Lexical is wholly unavailable; hybrid answers, but only with
	// unjudged documents, so every hybrid metric scores zero.
	r := &fakeRetriever{fn: func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
		if req.Mode == gateway.ModeLexical {
			return nil, errors.ServiceUnavailableError("retrieval gateway")
		}
		resp := &gateway.Response{SchemaVersion: "1.0"}
		for _, q := range req.Queries {
			resp.Results = append(resp.Results, gateway.QueryResponse{
				QueryID:  q.QueryID,
				Segments: []gateway.Segment{{SegmentID: "junk", Score: 0.5}},
			})
		}
		return resp, nil
	}}
	o := newOrchestrator(cfg, r, nil)

	comparison, err := o.Compare(context.Background(), params,
		[]gateway.Mode{gateway.ModeLexical, gateway.ModeHybrid})
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}

	lexical := comparison.Outcomes[0]
	if !lexical.Failed {
		t.Error("lexical outcome failed = false, want true")
	}
	if lexical.Note != "retrieval unavailable" {
		t.Errorf("lexical note = %q, want %q", lexical.Note, "retrieval unavailable")
	}
	if lexical.Report == nil || lexical.Report.Overall != "fail" {
		t.Errorf("lexical report = %+v, want overall fail", lexical.Report)
	}

	// Even a zero-scoring completed mode outranks a failed one.
	if len(comparison.BestMode) == 0 {
		t.Fatal("BestMode is empty")
	}
	for metric, mode := range comparison.BestMode {
		if mode != gateway.ModeHybrid {
			t.Errorf("BestMode[%s] = %s, want hybrid", metric, mode)
		}
	}
}

func TestRun_WhollyUnavailableGatewayAborts(t *testing.T) {
	cfg, params := testEnv(t)
	cfg.Retrieval.BatchSize = 1

	down := &fakeRetriever{fn: func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
		return nil, errors.ServiceUnavailableError("retrieval gateway")
	}}
	o := newOrchestrator(cfg, down, nil)

	result, err := o.Run(context.Background(), params)
	if err == nil {
		t.Fatal("Run() expected error when every batch fails")
	}
	if result.Stage != StageAborted {
		t.Errorf("Stage = %s, want aborted", result.Stage)
	}

	var appErr *errors.AppError
	if !errorsAs(err, &appErr) || appErr.Details["stage"] != string(StageDispatching) {
		t.Errorf("error = %v, want stage detail %q", err, StageDispatching)
	}
	if !errors.IsTransient(err) {
		t.Errorf("error = %v, want transient unavailable", err)
	}
}

// errorsAs avoids importing the stdlib errors package alongside ours.
func errorsAs(err error, target **errors.AppError) bool {
	for err != nil {
		if appErr, ok := err.(*errors.AppError); ok {
			*target = appErr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
