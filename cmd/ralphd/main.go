// Command ralphd is the Daemon Bootstrap (C8): it parses flags, wires the
// Event Bus, Worktree Manager, Job/Run Service, and Run Orchestrator
// together, and tears everything down on signal or /shutdown (spec.md §4.8).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/acpclient"
	"github.com/kandev/ralph/internal/agentserver"
	"github.com/kandev/ralph/internal/bus"
	"github.com/kandev/ralph/internal/common/config"
	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/jobs"
	"github.com/kandev/ralph/internal/orchestrator"
	"github.com/kandev/ralph/internal/session"
	"github.com/kandev/ralph/internal/worktree"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 on clean shutdown, 1 on
// misconfiguration (spec.md §6 "Exit codes").
func run() int {
	var (
		configFile   = flag.String("config", "", "path to a YAML config file")
		port         = flag.Int("port", 0, "HTTP port for the Job/Run Service")
		prefix       = flag.String("prefix", "", "root directory for jobs/, runs/, run/")
		workspace    = flag.String("workspace", "", "path to the git repository runs operate on")
		workerModel  = flag.String("worker-model", "", "providerID/modelID for the worker agent")
		bossModel    = flag.String("boss-model", "", "providerID/modelID for the boss agent")
		agentBinary  = flag.String("agent-binary", "", "path to the external agent-server executable")
		natsURL      = flag.String("nats-url", "", "optional NATS URL to mirror bus events to")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ralphd: config error:", err)
		return 1
	}
	applyFlagOverrides(cfg, *port, *prefix, *workspace, *workerModel, *bossModel, *agentBinary)

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, "ralphd: "+e)
		}
		return 1
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ralphd: logger error:", err)
		return 1
	}
	defer log.Sync()
	logger.SetDefault(log)

	workerModelRef, err := acpclient.ParseModelRef(cfg.Server.WorkerModel)
	if err != nil {
		log.Error("invalid worker model", zap.Error(err))
		return 1
	}
	bossModelRef, err := acpclient.ParseModelRef(cfg.Server.BossModel)
	if err != nil {
		log.Error("invalid boss model", zap.Error(err))
		return 1
	}

	if err := initDirs(cfg.Server.Prefix); err != nil {
		log.Error("failed to initialize data directories", zap.Error(err))
		return 1
	}

	var eventBus bus.Bus
	if *natsURL != "" {
		mb, err := bus.NewMirroringBus(*natsURL, log)
		if err != nil {
			log.Error("failed to connect to nats", zap.Error(err))
			return 1
		}
		eventBus = mb
	} else {
		eventBus = bus.NewMemoryBus(log)
	}
	defer eventBus.Close()

	wtMgr := worktree.NewManager(worktree.Config{
		RepoPath:     cfg.Worktree.RepoPath,
		WorktreesDir: cfg.Worktree.WorktreesDir,
		BranchPrefix: cfg.Worktree.BranchPrefix,
	}, log)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := wtMgr.PruneStaleWorktrees(bootCtx); err != nil {
		log.Warn("startup worktree prune failed", zap.Error(err))
	}
	bootCancel()

	store, err := jobs.NewStore(cfg.Server.Prefix)
	if err != nil {
		log.Error("failed to open job store", zap.Error(err))
		return 1
	}
	if n, err := store.RepairRunningOnStartup(); err != nil {
		log.Warn("startup job repair failed", zap.Error(err))
	} else if n > 0 {
		log.Info("repaired jobs interrupted by prior process death", zap.Int("count", n))
	}

	persister := jobs.NewPersister(cfg.Server.Prefix, store, log)
	persister.Subscribe(eventBus)

	agentCfg := agentserver.Config{
		Prefix:          cfg.Server.Prefix,
		BinaryPath:      cfg.Agent.BinaryPath,
		HealthPollEvery: cfg.Agent.HealthPollEvery,
		HealthMaxPolls:  cfg.Agent.HealthMaxPolls,
		HealthTimeout:   cfg.Agent.HealthTimeout,
	}

	startRun := newRunStarter(eventBus, wtMgr, agentCfg, workerModelRef, bossModelRef, cfg, log)

	server := jobs.NewServer(cfg.Server.Prefix, eventBus, store, persister, startRun, log)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.Router(),
	}

	shutdownOnce := make(chan struct{})
	server.SetExitHook(func() {
		select {
		case <-shutdownOnce:
			return
		default:
			close(shutdownOnce)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	})

	serveErr := make(chan error, 1)
	go func() {
		log.Info("ralphd listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("received shutdown signal")
		server.SetExitHook(nil) // avoid double-invoking below
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = httpServer.Shutdown(ctx)
		cancel()
	case <-shutdownOnce:
		log.Info("shutdown triggered via /shutdown or /caffinate")
	case err := <-serveErr:
		log.Error("http server failed", zap.Error(err))
		return 1
	}

	return 0
}

func applyFlagOverrides(cfg *config.Config, port int, prefix, workspace, workerModel, bossModel, agentBinary string) {
	if port != 0 {
		cfg.Server.Port = port
	}
	if prefix != "" {
		cfg.Server.Prefix = prefix
	}
	if workspace != "" {
		cfg.Worktree.RepoPath = workspace
	}
	if workerModel != "" {
		cfg.Server.WorkerModel = workerModel
	}
	if bossModel != "" {
		cfg.Server.BossModel = bossModel
	}
	if agentBinary != "" {
		cfg.Agent.BinaryPath = agentBinary
	}
	if cfg.Worktree.WorktreesDir != "" && !filepath.IsAbs(cfg.Worktree.WorktreesDir) {
		cfg.Worktree.WorktreesDir = filepath.Join(cfg.Server.Prefix, cfg.Worktree.WorktreesDir)
	}
}

func initDirs(prefix string) error {
	for _, dir := range []string{"jobs", "runs", "run"} {
		if err := os.MkdirAll(filepath.Join(prefix, dir), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// newRunStarter builds the jobs.RunStarter that wires a fresh Agent Server
// Handle pair and invokes the Run Orchestrator for one run (spec.md §4.8).
func newRunStarter(
	eventBus bus.Bus,
	wtMgr *worktree.Manager,
	agentCfg agentserver.Config,
	workerModel, bossModel acpclient.ModelRef,
	cfg *config.Config,
	log *logger.Logger,
) jobs.RunStarter {
	return func(ctx context.Context, runID, jobID, prompt string) {
		runLog := log.WithRunID(runID)

		logDir := filepath.Join(cfg.Server.Prefix, "runs", runID)
		_ = os.MkdirAll(logDir, 0o755)

		acquire := func(ctx context.Context, worktreePath string) (orchestrator.Handles, error) {
			handles, err := agentserver.AcquireRunHandles(ctx, agentCfg, runID, worktreePath, bus.NewTaggedPublisher(eventBus, runID), runLog)
			if err != nil {
				return orchestrator.Handles{}, err
			}
			workerClient := session.ClientAdapter{Client: acpclient.New(handles.Worker.BaseURL(), runLog)}
			bossClient := session.ClientAdapter{Client: acpclient.New(handles.Boss.BaseURL(), runLog)}
			return orchestrator.Handles{
				WorkerClient: workerClient,
				BossClient:   bossClient,
				Close:        handles.Kill,
			}, nil
		}

		opts := orchestrator.Options{
			RunID:                 runID,
			Prompt:                prompt,
			WorkerModel:           workerModel,
			BossModel:             bossModel,
			LogDir:                filepath.Join(logDir, "session.log"),
			MaxIterations:         cfg.Orchestrator.MaxIterations,
			ResolverRetries:       cfg.Orchestrator.ResolverRetries,
			SessionTimeoutSeconds: int64(cfg.Orchestrator.SessionTimeout.Seconds()),
			Worktree:              wtMgr,
			Publisher:             bus.NewTaggedPublisher(eventBus, runID),
			AcquireHandles:        acquire,
		}

		runCtx, cancel := context.WithCancel(ctx)
		sub := orchestrator.WatchInterrupt(eventBus, runID, cancel)
		defer sub.Unsubscribe()

		if _, err := orchestrator.Run(runCtx, opts, runLog); err != nil {
			runLog.Error("run finished with error", zap.Error(err))
		}
	}
}
