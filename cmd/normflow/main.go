package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"normflow/internal/blackboard"
	"normflow/internal/checkpoint"
	"normflow/internal/config"
	"normflow/internal/events"
	"normflow/internal/logging"
	"normflow/internal/orchestrator"
	"normflow/internal/paradigm"
	"normflow/internal/perception"
	"normflow/internal/repo"
	"normflow/internal/types"
)

var (
	configPath string
	baseDir    string
	runModeStr string
	maxCycles  int
	devMode    bool
)

var rootCmd = &cobra.Command{
	Use:   "normflow",
	Short: "normflow - inference orchestration engine",
	Long: `normflow executes declarative inference graphs: concepts carry
tensor-shaped references, inference entries describe how to derive one
concept from others, and the orchestrator schedules them over cycles with
SQLite-backed checkpointing.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if baseDir == "" {
			baseDir = "."
		}
		return logging.Initialize(baseDir)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a new run over the repository in the base directory",
	Long: `Loads concepts.json, inferences.json, and inputs.json from the base
directory, starts a fresh run, and executes cycles until the graph completes
or a limit is hit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeRun("", types.ReconciliationMode(""), false)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Resume a run from its latest checkpoint",
	Long: `Loads the latest checkpoint of the given run (default run when
omitted) and reconciles it against the repository files on disk. The default
PATCH policy keeps checkpointed values whose concept signatures still match
and discards the rest.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID := "default"
		if len(args) > 0 {
			runID = args[0]
		}
		return executeRun(runID, types.ReconcilePatch, false)
	},
}

var forkCmd = &cobra.Command{
	Use:   "fork [source-run-id]",
	Short: "Fork a run: restore its concept values under a new run identity",
	Long: `Creates a new run seeded from the source run's latest checkpoint.
Concept values are restored (OVERWRITE policy by default) but item statuses
are not, so every inference in the current repository re-runs against the
restored values.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeRun(args[0], types.ReconcileOverwrite, true)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the repository files without running",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		concepts, inferences, seeded, err := loadRepos(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("OK: %d concepts, %d inferences, %d inputs seeded\n",
			len(concepts.Names()), len(inferences.All()), len(seeded))
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Print the execution history of a run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		mgr, err := checkpoint.NewManager(resolveDBPath(cfg))
		if err != nil {
			return err
		}
		defer mgr.Close()

		runID := "default"
		if len(args) > 0 {
			runID = args[0]
		} else if runs, err := mgr.Runs(); err == nil && len(runs) == 1 {
			runID = runs[0]
		}
		rows, err := mgr.History(runID)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Printf("No executions recorded for run %q\n", runID)
			return nil
		}
		fmt.Printf("%-5s %-6s %-12s %-28s %-12s %s\n",
			"ID", "CYCLE", "FLOW", "SEQUENCE", "STATUS", "CONCEPT")
		for _, r := range rows {
			fmt.Printf("%-5d %-6d %-12s %-28s %-12s %s\n",
				r.ID, r.Cycle, r.FlowIndex, r.InferenceType, r.Status, r.ConceptInferred)
		}
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(baseDir, ".normflow", "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if baseDir != "" {
		cfg.BaseDir = baseDir
	}
	if runModeStr != "" {
		cfg.RunMode = runModeStr
	}
	if maxCycles > 0 {
		cfg.MaxCycles = maxCycles
	}
	if devMode {
		cfg.DevMode = true
	}
	return cfg, nil
}

func resolveDBPath(cfg *config.Config) string {
	if filepath.IsAbs(cfg.DBPath) {
		return cfg.DBPath
	}
	return filepath.Join(cfg.BaseDir, cfg.DBPath)
}

func loadRepos(cfg *config.Config) (*repo.ConceptRepo, *repo.InferenceRepo, []string, error) {
	concepts, err := repo.LoadConcepts(filepath.Join(cfg.BaseDir, "concepts.json"))
	if err != nil {
		return nil, nil, nil, err
	}
	inferences, err := repo.LoadInferences(filepath.Join(cfg.BaseDir, "inferences.json"), concepts)
	if err != nil {
		return nil, nil, nil, err
	}
	var seeded []string
	inputsPath := filepath.Join(cfg.BaseDir, "inputs.json")
	if _, err := os.Stat(inputsPath); err == nil {
		seeded, err = repo.LoadInputs(inputsPath, concepts)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return concepts, inferences, seeded, nil
}

// executeRun assembles the engine and drives it until it pauses or ends.
// sourceRunID selects the checkpoint to reconcile from ("" starts fresh);
// fork gives the run a new identity.
func executeRun(sourceRunID string, mode types.ReconciliationMode, fork bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	concepts, inferences, _, err := loadRepos(cfg)
	if err != nil {
		return err
	}

	mgr, err := checkpoint.NewManager(resolveDBPath(cfg))
	if err != nil {
		return err
	}
	defer mgr.Close()

	paradigms := map[string]*paradigm.Paradigm{}
	if cfg.ParadigmDir != "" {
		paradigms, err = paradigm.LoadDir(cfg.ParadigmDir)
		if err != nil {
			return err
		}
	}
	var llm perception.Client
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		llm = perception.NewGeminiClientWithConfig(perception.GeminiConfig{
			APIKey: key,
			Model:  cfg.LLMModel,
		})
	}
	provider := paradigm.NewModelSequenceRunner(llm, paradigms)

	board := blackboard.New()
	runID := sourceRunID
	if runID == "" {
		runID = "default"
	}
	if sourceRunID != "" {
		doc, cycle, count, err := mgr.LoadLatest(sourceRunID)
		if err != nil {
			return err
		}
		rep, err := checkpoint.Reconcile(mode, doc, concepts, inferences, board, fork)
		if err != nil {
			return err
		}
		fmt.Printf("Reconciled from %s@(%d,%d): %d concepts restored, %d discarded, %d items reset\n",
			sourceRunID, cycle, count,
			len(rep.RestoredConcepts), len(rep.DiscardedConcepts), len(rep.ResetItems))
		if fork {
			runID = uuid.NewString()
			if err := mgr.SaveRunMetadata(runID, map[string]interface{}{
				"forked_from": sourceRunID,
			}); err != nil {
				return err
			}
			fmt.Printf("Forked run: %s\n", runID)
		}
	}

	emitter := events.NewChannel(256)
	orch, err := orchestrator.New(orchestrator.Options{
		Concepts:    concepts,
		Inferences:  inferences,
		Provider:    provider,
		Board:       board,
		Checkpoints: mgr,
		Emitter:     emitter,
		RunID:       runID,
		MaxCycles:   cfg.MaxCycles,
		RunMode:     types.RunMode(cfg.RunMode),
		DevMode:     cfg.DevMode,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "stop requested, finishing current item...")
		orch.Stop()
	}()
	defer signal.Stop(sigCh)

	go drainEvents(emitter)

	if cfg.VerifyFiles {
		watcher, err := orchestrator.NewRepoWatcher(cfg.BaseDir, func(changed []string) {
			fmt.Fprintf(os.Stderr, "repository files changed: %v\n", changed)
		})
		if err == nil {
			if err := watcher.Start(ctx); err == nil {
				defer watcher.Stop()
			}
		}
	}

	outcome, err := orch.Run(ctx)
	if err != nil {
		return err
	}
	switch outcome {
	case orchestrator.OutcomeCompleted:
		fmt.Printf("Run %s completed in %d cycles\n", orch.RunID(), orch.Cycle())
	case orchestrator.OutcomePaused:
		fmt.Printf("Run %s paused at cycle %d\n", orch.RunID(), orch.Cycle())
		for _, it := range orch.PendingInteractions() {
			fmt.Printf("  awaiting input [%s]: %s\n", it.InteractionID, it.Prompt)
		}
	case orchestrator.OutcomeStopped:
		fmt.Printf("Run %s stopped at cycle %d\n", orch.RunID(), orch.Cycle())
	case orchestrator.OutcomeNoProgress:
		return fmt.Errorf("run %s deadlocked: no item ready at cycle %d", orch.RunID(), orch.Cycle())
	case orchestrator.OutcomeCycleCap:
		return fmt.Errorf("run %s hit max_cycles (%d) with pending items", orch.RunID(), cfg.MaxCycles)
	}
	return nil
}

// drainEvents prints the interesting subset of the event stream.
func drainEvents(ch *events.Channel) {
	for ev := range ch.C {
		switch ev.Name {
		case events.InferenceCompleted, events.InferenceFailed, events.ExecutionProgress:
			fmt.Printf("[%s] %v\n", ev.Name, ev.Payload)
		}
	}
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default <base>/.normflow/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base", ".", "repository base directory")
	rootCmd.PersistentFlags().StringVar(&runModeStr, "mode", "", "run mode override (SLOW or FAST)")
	rootCmd.PersistentFlags().IntVar(&maxCycles, "max-cycles", 0, "max cycle override")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "propagate callable errors instead of degrading to skips")

	rootCmd.AddCommand(runCmd, resumeCmd, forkCmd, validateCmd, historyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
