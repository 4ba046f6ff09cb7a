package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/trecbench/trecbench/internal/bus"
	"github.com/trecbench/trecbench/internal/config"
	"github.com/trecbench/trecbench/internal/experiment"
	"github.com/trecbench/trecbench/internal/gateway"
	"github.com/trecbench/trecbench/internal/pipeline"
	"github.com/trecbench/trecbench/internal/pkg/logger"
	"github.com/trecbench/trecbench/internal/qrels"
	"github.com/trecbench/trecbench/internal/run"
	"github.com/trecbench/trecbench/internal/scoring"
	"github.com/trecbench/trecbench/internal/topics"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "trecbench",
		Short: "trecbench - retrieval evaluation and benchmarking",
		Long: `trecbench evaluates a retrieval service against TREC-style topics and
relevance judgments: it builds deterministic runs, computes ranking
metrics (nDCG, MAP, MRR, Recall, HitRate), grades them against KPI
targets and benchmarks retrieval modes side by side.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")

	rootCmd.AddCommand(
		runCmd(),
		benchmarkCmd(),
		scoreCmd(),
		compareCmd(),
		runsCmd(),
		topicsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup builds the orchestrator and its dependencies from the config
// flag. The returned cleanup closes the bus and history connections.
func setup(cmd *cobra.Command) (*config.Config, *pipeline.Orchestrator, func(), error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	events, err := bus.NewBus(cfg.Bus)
	if err != nil {
		return nil, nil, nil, err
	}

	var history *experiment.History
	if cfg.History.Enabled {
		history, err = experiment.NewHistory(cfg.History.RedisURL)
		if err != nil {
			log.Warn("metric history disabled", "error", err.Error())
		}
	}

	store := experiment.NewStore(cfg.Paths.OutputDir, history)
	client := gateway.New(gateway.Config{
		BaseURL:           cfg.API.BaseURL,
		APIKey:            cfg.API.APIKey,
		Timeout:           cfg.API.Timeout,
		MaxRetries:        cfg.API.MaxRetries,
		RetryBackoff:      cfg.API.RetryBackoff,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
	})

	cleanup := func() {
		if events != nil {
			events.Close()
		}
		if history != nil {
			history.Close()
		}
	}

	return cfg, pipeline.New(cfg, client, store, events, log), cleanup, nil
}

// signalContext returns a context canceled on SIGINT/SIGTERM so runs
// stop between batches and in-flight requests drain.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveParams(cmd *cobra.Command, cfg *config.Config) (pipeline.Params, error) {
	dataset, _ := cmd.Flags().GetString("topics")
	qrelsFlag, _ := cmd.Flags().GetString("qrels")
	experimentID, _ := cmd.Flags().GetString("experiment")

	qrelsPath := qrelsFlag
	if qrelsPath == "" {
		resolved, ok := cfg.QrelsPath(dataset)
		if !ok {
			return pipeline.Params{}, fmt.Errorf("no qrels configured for %q, pass --qrels", dataset)
		}
		qrelsPath = resolved
	}

	return pipeline.Params{
		ExperimentID: experimentID,
		TopicsPath:   cfg.TopicPath(dataset),
		TopicSetID:   dataset,
		QrelsPath:    qrelsPath,
	}, nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single-mode evaluation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, orchestrator, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			params, err := resolveParams(cmd, cfg)
			if err != nil {
				return err
			}

			modeFlag, _ := cmd.Flags().GetString("mode")
			if modeFlag == "" {
				modeFlag = cfg.Retrieval.Mode
			}
			mode, err := gateway.ParseMode(modeFlag)
			if err != nil {
				return err
			}
			params.Mode = mode

			ctx, stop := signalContext()
			defer stop()

			result, err := orchestrator.Run(ctx, params)
			if err != nil {
				return err
			}

			printReport(result.Report)
			fmt.Printf("\nartifacts: %s\n", result.ArtifactDir)
			if len(result.Warnings) > 0 {
				fmt.Printf("warnings: %d\n", len(result.Warnings))
			}
			if result.Report.Overall == scoring.StatusFail {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().String("topics", "", "topic dataset name or file path")
	cmd.Flags().String("qrels", "", "qrels file path (defaults to the configured dataset qrels)")
	cmd.Flags().String("mode", "", "retrieval mode (lexical, vector, hybrid)")
	cmd.Flags().String("experiment", "eval", "experiment identifier")
	cmd.MarkFlagRequired("topics")

	return cmd
}

func benchmarkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Benchmark retrieval modes side by side",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, orchestrator, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			params, err := resolveParams(cmd, cfg)
			if err != nil {
				return err
			}

			modesFlag, _ := cmd.Flags().GetString("modes")
			var modes []gateway.Mode
			if modesFlag == "" {
				modes = gateway.Modes()
			} else {
				for _, s := range strings.Split(modesFlag, ",") {
					mode, err := gateway.ParseMode(strings.TrimSpace(s))
					if err != nil {
						return err
					}
					modes = append(modes, mode)
				}
			}

			ctx, stop := signalContext()
			defer stop()

			comparison, err := orchestrator.Compare(ctx, params, modes)
			if err != nil {
				return err
			}

			fmt.Print(comparison.Table())

			path := orchestrator.ComparisonPath(comparison)
			if err := os.MkdirAll(cfg.Paths.OutputDir, 0755); err != nil {
				return err
			}
			data, err := json.MarshalIndent(comparison, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0644); err != nil {
				return err
			}
			fmt.Printf("\ncomparison: %s\n", path)
			return nil
		},
	}

	cmd.Flags().String("topics", "", "topic dataset name or file path")
	cmd.Flags().String("qrels", "", "qrels file path (defaults to the configured dataset qrels)")
	cmd.Flags().String("modes", "", "comma-separated modes (default: all)")
	cmd.Flags().String("experiment", "bench", "experiment identifier")
	cmd.MarkFlagRequired("topics")

	return cmd
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score an existing run file against qrels (offline)",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			runPath, _ := cmd.Flags().GetString("run")
			qrelsPath, _ := cmd.Flags().GetString("qrels")

			ranked, err := run.Read(runPath)
			if err != nil {
				return err
			}
			judgments, err := qrels.Load(qrelsPath)
			if err != nil {
				return err
			}

			var engine scoring.Engine
			scored, err := engine.Score(ranked, judgments, cfg.Metrics.Cutoffs)
			if err != nil {
				return err
			}

			analyzer := scoring.Analyzer{WarnBand: cfg.Metrics.WarnBand}
			report := analyzer.Analyze(scored, cfg.Metrics.Targets)
			report.RunID = ranked.RunID
			printReport(report)
			if report.Overall == scoring.StatusFail {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().String("run", "", "TREC run file to score")
	cmd.Flags().String("qrels", "", "qrels file path")
	cmd.MarkFlagRequired("run")
	cmd.MarkFlagRequired("qrels")

	return cmd
}

func compareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare a run file against a baseline run on the same qrels",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			runPath, _ := cmd.Flags().GetString("run")
			baselineFlag, _ := cmd.Flags().GetString("baseline")
			qrelsPath, _ := cmd.Flags().GetString("qrels")

			// A configured baseline name wins, otherwise treat the flag
			// as a file path.
			baselinePath := baselineFlag
			if resolved, ok := cfg.BaselinePath(baselineFlag); ok {
				baselinePath = resolved
			}

			candidate, err := run.Read(runPath)
			if err != nil {
				return err
			}
			baseline, err := run.Read(baselinePath)
			if err != nil {
				return err
			}
			judgments, err := qrels.Load(qrelsPath)
			if err != nil {
				return err
			}

			var engine scoring.Engine
			candidateScored, err := engine.Score(candidate, judgments, cfg.Metrics.Cutoffs)
			if err != nil {
				return err
			}
			baselineScored, err := engine.Score(baseline, judgments, cfg.Metrics.Cutoffs)
			if err != nil {
				return err
			}

			comparison := scoring.CompareToBaseline(
				candidate.RunID, candidateScored,
				baseline.RunID, baselineScored)
			fmt.Print(comparison.Table())
			if comparison.Regressed > 0 {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().String("run", "", "candidate TREC run file")
	cmd.Flags().String("baseline", "", "baseline name (from paths.baselines) or run file path")
	cmd.Flags().String("qrels", "", "qrels file path")
	cmd.MarkFlagRequired("run")
	cmd.MarkFlagRequired("baseline")
	cmd.MarkFlagRequired("qrels")

	return cmd
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect stored experiments",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			topicSet, _ := cmd.Flags().GetString("topic-set")
			store := experiment.NewStore(cfg.Paths.OutputDir, nil)
			summaries, err := store.List(topicSet)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("no experiments stored")
				return nil
			}

			fmt.Printf("%-20s %-16s %-8s %-12s %-8s\n",
				"experiment", "timestamp", "mode", "topic set", "overall")
			for _, s := range summaries {
				overall := s.Overall
				if overall == "" {
					overall = "-"
				}
				fmt.Printf("%-20s %-16s %-8s %-12s %-8s\n",
					s.ExperimentID, s.Timestamp, s.Mode, s.TopicSetID, overall)
			}
			return nil
		},
	}
	listCmd.Flags().String("topic-set", "", "restrict to one topic set")

	showCmd := &cobra.Command{
		Use:   "show <experiment-id> <timestamp>",
		Short: "Show a stored experiment report",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			store := experiment.NewStore(cfg.Paths.OutputDir, nil)
			manifest, err := store.Load(args[0], args[1])
			if err != nil {
				return err
			}

			fmt.Printf("experiment:  %s\n", manifest.ExperimentID)
			fmt.Printf("timestamp:   %s\n", manifest.Timestamp)
			fmt.Printf("mode:        %s\n", manifest.Mode)
			fmt.Printf("topic set:   %s\n", manifest.TopicSetID)
			fmt.Printf("config hash: %s\n", manifest.ConfigHash)
			fmt.Printf("queries:     %d\n", manifest.QueryCount)
			if manifest.WarningCount > 0 {
				fmt.Printf("warnings:    %d\n", manifest.WarningCount)
			}
			if manifest.Report != nil {
				fmt.Println()
				printReport(manifest.Report)
			}
			return nil
		},
	}

	cmd.AddCommand(listCmd, showCmd)
	return cmd
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Inspect topic files",
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect <path>",
		Short: "Summarize a topic file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			format := topics.DetectFormat(path)
			set, err := topics.Load(path, format, path)
			if err != nil {
				return err
			}

			fmt.Printf("format: %s\n", format)
			fmt.Printf("topics: %d\n", set.Len())
			preview := set.Topics
			if len(preview) > 5 {
				preview = preview[:5]
			}
			for _, topic := range preview {
				fmt.Printf("  %s  %s\n", topic.QueryID, topic.QueryText)
			}
			if set.Len() > 5 {
				fmt.Printf("  ... %d more\n", set.Len()-5)
			}
			return nil
		},
	}

	cmd.AddCommand(inspectCmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("trecbench %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}

func printReport(report *scoring.EvaluationReport) {
	fmt.Printf("%-12s %10s %10s %-8s\n", "metric", "value", "target", "status")
	for _, res := range report.Results {
		target := "-"
		if res.Status != scoring.StatusUnknown {
			target = fmt.Sprintf("%.4f", res.Target)
		}
		fmt.Printf("%-12s %10.4f %10s %-8s\n", res.Metric, res.Value, target, res.Status)
	}
	fmt.Printf("\noverall: %s\n", report.Overall)

	diag := report.Diagnostics
	fmt.Printf("queries: %d total, %d judged, %d without relevant docs\n",
		diag.TotalQueries, diag.JudgedQueries, diag.ExcludedZeroRelevant)
}
