package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/cache"
	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/engine"
	"github.com/ShayCichocki/conductor/internal/events"
	"github.com/ShayCichocki/conductor/internal/guard"
	"github.com/ShayCichocki/conductor/internal/llm"
	"github.com/ShayCichocki/conductor/internal/logger"
	"github.com/ShayCichocki/conductor/internal/manager"
	"github.com/ShayCichocki/conductor/internal/plan"
	"github.com/ShayCichocki/conductor/internal/runner"
	"github.com/ShayCichocki/conductor/internal/store"
	"github.com/ShayCichocki/conductor/internal/tools"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	runDryRun   bool
	runUser     string
	runMaxAgent int
	runDBPath   string
	runLogLevel string
)

var runCmd = &cobra.Command{
	Use:   "run <plan-file>",
	Short: "Execute a task plan",
	Long: `Execute a task plan from a JSON or YAML file.

The plan is a set of task nodes with dependencies. Independent nodes run in
parallel; each node is worked by its own sub-agent, and results from
completed dependencies are fed forward as context.

With --dry-run, no model is called: agents replay a canned script so the
plan's scheduling and event flow can be inspected cheaply.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume an interrupted run",
	Long: `Resume a run that was interrupted before reaching a terminal status.

Loop-guard counters are reseeded from the durable store, nodes that were
in progress are rescheduled, and execution continues where it left off.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Replay scripted agents instead of calling a model")
	runCmd.Flags().StringVar(&runUser, "user", "", "User the run executes on behalf of")
	runCmd.Flags().IntVar(&runMaxAgent, "max-agents", 0, "Maximum concurrent agents (0 uses config)")
	runCmd.Flags().StringVar(&runDBPath, "db", "", "SQLite database path (empty uses config)")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "", "Log level: debug, info, warn, error")

	resumeCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Replay scripted agents instead of calling a model")
	resumeCmd.Flags().IntVar(&runMaxAgent, "max-agents", 0, "Maximum concurrent agents (0 uses config)")
	resumeCmd.Flags().StringVar(&runDBPath, "db", "", "SQLite database path (empty uses config)")
	resumeCmd.Flags().StringVar(&runLogLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// runtime bundles everything a run needs.
type runtime struct {
	cfg    *config.Config
	repo   *store.DB
	eng    *engine.Engine
	dist   *events.Distributor
	closer func()
}

func runRun(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.closer()

	nodes, err := plan.ParseFile(args[0])
	if err != nil {
		return fmt.Errorf("parse plan: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	runID, err := rt.eng.NewRun(ctx, runUser, nodes)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	fmt.Printf("run %s: %d nodes\n", runID, len(nodes))

	attachConsole(rt.dist, runID)

	state, err := rt.eng.Execute(ctx)
	if err != nil {
		return fmt.Errorf("execute run: %w", err)
	}

	printOutcome(state)
	if state.Status != models.RunStatusCompleted {
		return fmt.Errorf("run %s %s", runID, state.Status)
	}
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.closer()

	ctx, stop := signalContext()
	defer stop()

	runID := args[0]
	if err := rt.eng.LoadRun(ctx, runID); err != nil {
		return fmt.Errorf("resume run: %w", err)
	}

	attachConsole(rt.dist, runID)

	state, err := rt.eng.Execute(ctx)
	if err != nil {
		return fmt.Errorf("execute run: %w", err)
	}

	printOutcome(state)
	if state.Status != models.RunStatusCompleted {
		return fmt.Errorf("run %s %s", runID, state.Status)
	}
	return nil
}

// buildRuntime assembles the engine from config: store, cache, guard,
// distributor, runner factory, and manager.
func buildRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.Log.Level
	if runLogLevel != "" {
		level = runLogLevel
	}
	log := logger.New(logger.Options{Level: level, Format: cfg.Log.Format})

	dbPath := cfg.Store.Path
	if runDBPath != "" {
		dbPath = runDBPath
	}
	if dbPath == "" {
		dbPath = store.DefaultDBPath()
	}
	repo, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := repo.Migrate(); err != nil {
		repo.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	c := cache.NewMemory()
	g := guard.New(c, repo, guard.Options{
		MaxRetriesPerTask: cfg.Guard.MaxRetriesPerTask,
		MaxInterventions:  cfg.Guard.MaxInterventions,
		Logger:            log,
	})
	dist := events.NewDistributor(c, log)

	factory, err := buildFactory(cfg, log)
	if err != nil {
		repo.Close()
		return nil, err
	}

	mgr := manager.New(repo, c, dist, factory, log)

	maxAgents := cfg.Engine.MaxConcurrentAgents
	if runMaxAgent > 0 {
		maxAgents = runMaxAgent
	}
	eng := engine.New(repo, c, g, dist, mgr, engine.Options{
		MaxConcurrentAgents: maxAgents,
		Logger:              log,
	})

	// Guard ceilings may be loosened or tightened mid-run via the config
	// file; anything else requires a restart.
	watcher, err := config.NewWatcher(log)
	if err != nil {
		log.Warn().Err(err).Msg("config watcher unavailable")
	} else {
		watcher.OnReload(func(fresh *config.Config) {
			g.UpdateCeilings(fresh.Guard.MaxRetriesPerTask, fresh.Guard.MaxInterventions)
		})
	}

	closer := func() {
		if watcher != nil {
			watcher.Close()
		}
		repo.Close()
	}

	return &runtime{cfg: cfg, repo: repo, eng: eng, dist: dist, closer: closer}, nil
}

// buildFactory selects the runner factory: scripted for dry runs, LLM
// otherwise.
func buildFactory(cfg *config.Config, log zerolog.Logger) (runner.Factory, error) {
	if runDryRun {
		return &runner.ScriptedFactory{
			Default: runner.Script{
				Steps: []runner.ScriptStep{
					{Reasoning: "dry run: pretending to work", Delay: 50 * time.Millisecond},
				},
				Result: "dry run result",
			},
		}, nil
	}

	var client llm.Client
	var model string
	switch cfg.Provider {
	case "openai":
		c, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey: cfg.OpenAI.APIKey,
			Model:  cfg.OpenAI.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("build openai client: %w", err)
		}
		client = c
		model = cfg.OpenAI.Model
	default:
		c, err := llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:        cfg.Anthropic.APIKey,
			Model:         cfg.Anthropic.Model,
			UseAWSBedrock: cfg.Anthropic.UseBedrock,
			AWSRegion:     cfg.Anthropic.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("build anthropic client: %w", err)
		}
		client = c
		model = cfg.Anthropic.Model
	}

	return &runner.LLMRunnerFactory{
		Client:        client,
		Tools:         tools.NewRegistry(),
		Model:         model,
		MaxIterations: cfg.Engine.MaxIterations,
		Logger:        log,
	}, nil
}

// attachConsole streams run events to stdout.
func attachConsole(dist *events.Distributor, runID string) {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	dist.RegisterWriter(runID, events.WriterFunc(func(ev models.StreamEvent) error {
		switch ev.Type {
		case models.StreamEventToken:
			fmt.Print(ev.Token)
		case models.StreamEventReasoning:
			cyan.Printf("\n[%s] %s\n", ev.AgentID[:8], ev.Reasoning)
		case models.StreamEventToolCallStarted:
			yellow.Printf("[%s] -> %s\n", ev.AgentID[:8], ev.ToolName)
		case models.StreamEventToolCallResult:
			yellow.Printf("[%s] <- %s\n", ev.AgentID[:8], ev.ToolName)
		case models.StreamEventAgentTerminated:
			if ev.Reason == string(models.AgentStatusCompleted) {
				green.Printf("[%s] node %s done\n", ev.AgentID[:8], ev.TaskNodeID)
			} else {
				red.Printf("[%s] node %s %s: %s\n", ev.AgentID[:8], ev.TaskNodeID, ev.Reason, ev.Message)
			}
		case models.StreamEventRunStatus:
			fmt.Printf("== run %s ==\n", ev.Status)
		}
		return nil
	}))
}

func printOutcome(state *models.OrchestratorState) {
	if state == nil {
		return
	}
	if state.Status == models.RunStatusCompleted {
		color.Green("run completed: %d tokens", state.TotalTokens)
	} else {
		color.Red("run %s: %d tokens", state.Status, state.TotalTokens)
	}
}

func signalContext() (context.Context, func()) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
