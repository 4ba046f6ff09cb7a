// Package pipeline orchestrates evaluation runs: load topics and
// judgments, dispatch retrieval, build and score the run, grade KPIs
// and persist the artifacts.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/trecbench/trecbench/internal/bus"
	"github.com/trecbench/trecbench/internal/config"
	"github.com/trecbench/trecbench/internal/experiment"
	"github.com/trecbench/trecbench/internal/gateway"
	"github.com/trecbench/trecbench/internal/pkg/errors"
	"github.com/trecbench/trecbench/internal/pkg/logger"
	"github.com/trecbench/trecbench/internal/qrels"
	"github.com/trecbench/trecbench/internal/run"
	"github.com/trecbench/trecbench/internal/scoring"
	"github.com/trecbench/trecbench/internal/topics"
)

// Stage identifies a pipeline phase. The stage a run was in is
// recorded on every failure.
type Stage string

const (
	StageLoading     Stage = "loading"
	StageDispatching Stage = "dispatching"
	StageBuilding    Stage = "building"
	StageScoring     Stage = "scoring"
	StageAnalyzing   Stage = "analyzing"
	StagePersisting  Stage = "persisting"
	StageDone        Stage = "done"
	StageAborted     Stage = "aborted"
)

// Retriever is the gateway surface the pipeline needs.
type Retriever interface {
	Retrieve(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// Params identifies one evaluation run.
type Params struct {
	ExperimentID string
	TopicsPath   string
	TopicSetID   string
	QrelsPath    string
	Mode         gateway.Mode
}

// Result is the outcome of a completed run.
type Result struct {
	Stage       Stage
	Manifest    *experiment.Manifest
	ArtifactDir string
	Run         *run.Run
	Report      *scoring.EvaluationReport
	Warnings    []string
}

// Orchestrator drives evaluation runs end to end.
type Orchestrator struct {
	cfg       *config.Config
	retriever Retriever
	store     *experiment.Store
	events    bus.Bus
	log       *logger.Logger
	engine    scoring.Engine
}

// New creates an orchestrator. events may be nil to disable lifecycle
// publishing.
func New(cfg *config.Config, retriever Retriever, store *experiment.Store, events bus.Bus, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		retriever: retriever,
		store:     store,
		events:    events,
		log:       log,
	}
}

// Run executes a single-mode evaluation: Loading, Dispatching,
// Building, Scoring, Analyzing, Persisting. Per-query retrieval
// failures degrade to zero results with a warning; any stage-level
// failure aborts the run with the stage recorded on the error.
func (o *Orchestrator) Run(ctx context.Context, p Params) (*Result, error) {
	log := o.log.WithExperiment(p.ExperimentID).WithMode(p.Mode.String())

	log.Info("loading topics and judgments",
		"topics", p.TopicsPath, "qrels", p.QrelsPath)
	topicSet, judgments, err := o.load(p)
	if err != nil {
		return o.abort(ctx, p, StageLoading, err)
	}

	return o.evaluate(ctx, p, topicSet, judgments)
}

// evaluate runs the post-loading stages against an already-loaded
// topic set, so benchmark comparisons share one frozen set.
func (o *Orchestrator) evaluate(ctx context.Context, p Params, topicSet *topics.TopicSet, judgments *qrels.Set) (*Result, error) {
	log := o.log.WithExperiment(p.ExperimentID).WithMode(p.Mode.String())
	o.publish(ctx, bus.TopicRunStarted, p, map[string]any{
		"topic_set_id": topicSet.DatasetID,
		"query_count":  topicSet.Len(),
	})

	log.WithStage(string(StageDispatching)).Info("dispatching retrieval",
		"queries", topicSet.Len(),
		"concurrency", o.cfg.API.Concurrency,
		"batch_size", o.cfg.Retrieval.BatchSize)
	results, warnings, err := o.dispatch(ctx, p, topicSet)
	if err != nil {
		return o.abort(ctx, p, StageDispatching, err)
	}

	runID := fmt.Sprintf("%s-%s", p.ExperimentID, p.Mode)
	ranked, err := run.Build(results, topicSet, runID, o.cfg.Retrieval.RunCap)
	if err != nil {
		return o.abort(ctx, p, StageBuilding, err)
	}
	if err := ranked.Validate(); err != nil {
		return o.abort(ctx, p, StageBuilding, err)
	}

	scored, err := o.engine.Score(ranked, judgments, o.cfg.Metrics.Cutoffs)
	if err != nil {
		return o.abort(ctx, p, StageScoring, err)
	}
	o.publish(ctx, bus.TopicRunScored, p, scored.Metrics)

	analyzer := scoring.Analyzer{WarnBand: o.cfg.Metrics.WarnBand}
	report := analyzer.Analyze(scored, o.cfg.Metrics.Targets)
	report.RunID = runID
	report.Mode = p.Mode.String()
	report.Notes = append(report.Notes, warnings...)

	manifest := &experiment.Manifest{
		ExperimentID: p.ExperimentID,
		Mode:         p.Mode.String(),
		TopicSetID:   topicSet.DatasetID,
		RunID:        runID,
		ConfigHash:   o.cfg.Hash(),
		QueryCount:   topicSet.Len(),
		WarningCount: len(warnings),
		Warnings:     warnings,
		Report:       report,
	}

	dir, err := o.store.Save(manifest, ranked)
	if err != nil {
		return o.abort(ctx, p, StagePersisting, err)
	}
	o.publish(ctx, bus.TopicRunPersisted, p, map[string]any{
		"artifact_dir": dir,
		"overall":      report.Overall,
	})

	log.Info("run complete",
		"overall", report.Overall,
		"warnings", len(warnings),
		"artifacts", dir)

	return &Result{
		Stage:       StageDone,
		Manifest:    manifest,
		ArtifactDir: dir,
		Run:         ranked,
		Report:      report,
		Warnings:    warnings,
	}, nil
}

func (o *Orchestrator) load(p Params) (*topics.TopicSet, *qrels.Set, error) {
	topicSet, err := topics.Load(p.TopicsPath, topics.DetectFormat(p.TopicsPath), p.TopicSetID)
	if err != nil {
		return nil, nil, err
	}
	judgments, err := qrels.Load(p.QrelsPath)
	if err != nil {
		return nil, nil, err
	}
	return topicSet, judgments, nil
}

// dispatch retrieves all topics in bounded concurrent batches. A
// failed batch degrades its queries to zero results; when every batch
// fails the retrieval stage itself is unavailable and dispatch errors
// instead. Cancellation is honored between batches while in-flight
// requests drain naturally.
func (o *Orchestrator) dispatch(ctx context.Context, p Params, topicSet *topics.TopicSet) ([]run.QueryResult, []string, error) {
	batches := batchTopics(topicSet.Topics, o.cfg.Retrieval.BatchSize)

	var mu sync.Mutex
	results := make([]run.QueryResult, 0, topicSet.Len())
	var warnings []string
	failedBatches := 0
	var lastBatchErr error

	g := &errgroup.Group{}
	g.SetLimit(o.cfg.API.Concurrency)

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			break
		}
		batch := batch
		g.Go(func() error {
			req := gateway.Request{Mode: p.Mode, Queries: make([]gateway.Query, len(batch))}
			for i, topic := range batch {
				topK := topic.TopK
				if topK == 0 {
					topK = o.cfg.Retrieval.TopK
				}
				req.Queries[i] = gateway.Query{
					QueryID:   topic.QueryID,
					QueryText: topic.QueryText,
					TopK:      topK,
				}
			}

			resp, err := o.retriever.Retrieve(ctx, req)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Degrade every query in the batch rather than abort.
				failedBatches++
				lastBatchErr = err
				for _, topic := range batch {
					results = append(results, run.QueryResult{QueryID: topic.QueryID})
					warnings = append(warnings,
						fmt.Sprintf("query %s degraded to zero results: %v", topic.QueryID, err))
					o.publish(ctx, bus.TopicQueryDegraded, p, map[string]any{
						"query_id": topic.QueryID,
						"error":    err.Error(),
					})
				}
				return nil
			}

			byQuery := make(map[string]gateway.QueryResponse, len(resp.Results))
			for _, qr := range resp.Results {
				byQuery[qr.QueryID] = qr
			}
			for _, topic := range batch {
				qr, ok := byQuery[topic.QueryID]
				if !ok {
					results = append(results, run.QueryResult{QueryID: topic.QueryID})
					warnings = append(warnings,
						fmt.Sprintf("query %s missing from retrieval response", topic.QueryID))
					continue
				}
				docs := make([]run.ScoredDoc, len(qr.Segments))
				for i, seg := range qr.Segments {
					docs[i] = run.ScoredDoc{DocID: seg.SegmentID, Score: seg.Score}
				}
				results = append(results, run.QueryResult{QueryID: topic.QueryID, Docs: docs})
				for _, w := range qr.Diagnostics.Warnings {
					warnings = append(warnings,
						fmt.Sprintf("query %s: %s", topic.QueryID, w))
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, errors.Wrap(errors.CodeTimeout, "run canceled", err)
	}
	// Not one batch came back: the gateway is down, not degraded.
	if len(batches) > 0 && failedBatches == len(batches) {
		return nil, nil, errors.Wrap(errors.CodeUnavailable,
			"retrieval unavailable for every query batch", lastBatchErr)
	}

	// Queries never dispatched (canceled before their batch started)
	// are reported through the abort path above, so at this point every
	// topic has a result entry.
	return results, warnings, nil
}

func (o *Orchestrator) abort(ctx context.Context, p Params, stage Stage, err error) (*Result, error) {
	o.log.WithExperiment(p.ExperimentID).WithStage(string(stage)).WithError(err).
		Error("run aborted")
	o.publish(ctx, bus.TopicRunAborted, p, map[string]any{
		"stage": string(stage),
		"error": err.Error(),
	})

	wrapped := errors.Wrap(errors.CodeOf(err), fmt.Sprintf("run aborted during %s", stage), err).
		WithDetail("stage", string(stage))
	return &Result{Stage: StageAborted}, wrapped
}

func (o *Orchestrator) publish(ctx context.Context, topic string, p Params, payload any) {
	if o.events == nil {
		return
	}
	event := bus.NewEvent(
		fmt.Sprintf("%s-%s-%s", p.ExperimentID, p.Mode, topic),
		topic, p.ExperimentID, payload)
	if err := o.events.Publish(ctx, topic, event); err != nil {
		o.log.Warn("failed to publish lifecycle event", "topic", topic, "error", err.Error())
	}
}

func batchTopics(list []topics.Topic, size int) [][]topics.Topic {
	if size < 1 {
		size = 1
	}
	var batches [][]topics.Topic
	for start := 0; start < len(list); start += size {
		end := start + size
		if end > len(list) {
			end = len(list)
		}
		batches = append(batches, list[start:end])
	}
	return batches
}
