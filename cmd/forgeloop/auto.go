package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forgeloop/internal/agent"
	"forgeloop/internal/config"
	"forgeloop/internal/dedup"
	"forgeloop/internal/eventlog"
	"forgeloop/internal/ferr"
	"forgeloop/internal/filelock"
	"forgeloop/internal/ghpr"
	"forgeloop/internal/learnings"
	"forgeloop/internal/logging"
	"forgeloop/internal/persistence"
	"forgeloop/internal/phase"
	"forgeloop/internal/proposal"
	"forgeloop/internal/qa"
	"forgeloop/internal/sector"
	"forgeloop/internal/spindle"
	"forgeloop/internal/trajectory"
	"forgeloop/internal/watch"
	"forgeloop/internal/worktree"
)

type autoFlags struct {
	mode       string
	formula    string
	scope      string
	backend    string
	parallel   int
	maxPRs     int
	continuous bool
	skipPR     bool
	draft      bool
	trajectory string
	ciLog      string
	baseBranch string
}

func newAutoCmd(logger *zap.Logger) *cobra.Command {
	var flags autoFlags
	cmd := &cobra.Command{
		Use:   "auto",
		Short: "run the scout → plan → execute → qa → pr loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuto(cmd.Context(), logger, flags)
		},
	}
	cmd.Flags().StringVar(&flags.mode, "mode", "", "run mode: default loop, \"ci\" (ticket from CI failure), or \"work\" (process ready tickets)")
	cmd.Flags().StringVar(&flags.formula, "formula", "", "formula name from <state_dir>/formulas/")
	cmd.Flags().StringVar(&flags.scope, "scope", "", "override scope glob for this session")
	cmd.Flags().StringVar(&flags.backend, "backend", "", "agent backend: claude, codex, or hybrid")
	cmd.Flags().IntVar(&flags.parallel, "parallel", 0, "parallel ticket fan-out width")
	cmd.Flags().IntVar(&flags.maxPRs, "max-prs", 0, "override PR budget for this session")
	cmd.Flags().BoolVar(&flags.continuous, "continuous", false, "keep scouting after a full sector round-trip")
	cmd.Flags().BoolVar(&flags.skipPR, "skip-pr", false, "commit and push but do not open pull requests")
	cmd.Flags().BoolVar(&flags.draft, "draft", true, "open pull requests as drafts")
	cmd.Flags().StringVar(&flags.trajectory, "trajectory", "", "trajectory name from <state_dir>/trajectories/")
	cmd.Flags().StringVar(&flags.ciLog, "ci-log", "", "CI failure log file (mode=ci)")
	cmd.Flags().StringVar(&flags.baseBranch, "base", "main", "base branch for worktrees and PRs")
	return cmd
}

func runAuto(ctx context.Context, logger *zap.Logger, flags autoFlags) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	repoRoot, err := filepath.Abs(flagRepo)
	if err != nil {
		return ferr.Wrap(ferr.ConfigInvalid, err, "resolve repo path")
	}
	stateDir := flagStateDir
	if stateDir == "" {
		stateDir = filepath.Join(repoRoot, ".forgeloop")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return ferr.Wrap(ferr.ConfigInvalid, err, "create state dir")
	}

	cfg, err := config.Load(stateDir)
	if err != nil {
		return ferr.Wrap(ferr.ConfigInvalid, err, "load config")
	}
	applyFlags(cfg, flags)
	if err := logging.Initialize(stateDir); err != nil {
		logger.Warn("category logging unavailable", zap.Error(err))
	}

	if err := ghpr.Preflight(ctx, !cfg.Phase.SkipPR); err != nil {
		return err
	}

	adapter, err := persistence.Open(filepath.Join(stateDir, "state.sqlite"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer adapter.Close()
	if err := adapter.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	projects := persistence.NewProjectRepo(adapter)
	project, err := projects.GetByRootPath(ctx, repoRoot)
	if err != nil {
		project, err = projects.Create(ctx, filepath.Base(repoRoot), "", repoRoot)
		if err != nil {
			return fmt.Errorf("create project: %w", err)
		}
	}
	tickets := persistence.NewTicketRepo(adapter)

	lockCfg := filelock.Config{
		StaleThreshold: time.Duration(cfg.Lock.StaleThresholdSeconds) * time.Second,
		MaxRetries:     cfg.Lock.MaxRetries,
		RetryBudget:    time.Duration(cfg.Lock.RetryBudgetMillis) * time.Millisecond,
	}

	now := time.Now()
	dedupMem := dedup.Load(stateDir)
	dedupMem.Entries = dedup.ApplyDecay(dedupMem.Entries, cfg.Dedup.DecayRate, now, config.ParseDuration(cfg.Dedup.RecentWindow, 72*time.Hour))

	learningsStore := learnings.Load(stateDir)
	learningsStore.Learnings = learnings.ApplyDecay(learningsStore.Learnings, cfg.Learnings.DecayRate, now, config.ParseDuration(cfg.Learnings.ConfirmationWindow, 7*24*time.Hour))
	learningsStore.Learnings = learnings.Consolidate(learningsStore.Learnings, cfg.Learnings.ConsolidationThreshold, cfg.Learnings.ConsolidationSimilarity)

	sectors := loadSectors(stateDir, repoRoot, cfg)

	driver := &phase.Driver{
		Worktrees:      worktree.NewManager(repoRoot, filepath.Join(stateDir, "worktrees")),
		ExecuteBackend: buildExecuteBackend(cfg),
		PlanBackend:    buildScoutBackend(cfg),
		QAConfig: qa.Config{
			MaxLogBytes:    cfg.QA.MaxLogBytes,
			TailBytes:      cfg.QA.TailBytes,
			RetryEnabled:   cfg.QA.RetryEnabled,
			MaxAttempts:    cfg.QA.MaxAttempts,
			TimeoutSeconds: cfg.QA.TimeoutSeconds,
		},
		BaseBranch:     flags.baseBranch,
		SpindleConfig:  spindleConfig(cfg),
		LearningsStore: learningsStore,
		AgentTimeoutMs: int64(cfg.Ticket.AgentTimeoutSeconds) * 1000,
		DraftPRs:       cfg.Phase.DraftPRs,
		Runs:           persistence.NewRunRepo(adapter),
		RunSteps:       persistence.NewRunStepRepo(adapter),
		ProjectID:      project.ID,
	}
	if !cfg.Phase.SkipPR {
		driver.PRClient = ghpr.NewClient(repoRoot)
	}
	defer driver.Close(context.Background())

	switch flags.mode {
	case "ci":
		return runCIMode(ctx, logger, flags, cfg, project, tickets, driver)
	case "work":
		return runWorkMode(ctx, logger, project, tickets, driver)
	case "":
		// default full loop below
	default:
		return ferr.New(ferr.ConfigInvalid, "unknown mode "+flags.mode)
	}

	runID := time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
	log, err := eventlog.Open(stateDir, runID)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	driver.ArtifactRoot = log.ArtifactDir()

	m := &phase.Machine{
		Config:         cfg,
		ProjectID:      project.ID,
		RunID:          runID,
		Log:            log,
		Tickets:        tickets,
		Sectors:        sectors,
		Dedup:          dedupMem,
		LearningsStore: learningsStore,
		Hints:          loadHints(stateDir),
		Mode:           sessionMode(cfg),
		Hooks: phase.Hooks{
			Scout:             phase.NewScoutHook(buildScoutBackend(cfg), repoRoot, cfg.Backend.ScoutConcurrency, int64(cfg.Ticket.AgentTimeoutSeconds)*1000, formulaHint(stateDir, flags.formula)),
			Review:            phase.NewReviewHook(buildScoutBackend(cfg), repoRoot, int64(cfg.Ticket.AgentTimeoutSeconds)*1000),
			Plan:              driver.Plan,
			Execute:           driver.Execute,
			QA:                driver.QA,
			PR:                driver.PR,
			RunTicketPipeline: driver.RunTicketPipeline,
			FinishTicket:      driver.FinishTicket,
		},
	}
	if driver.PRClient != nil {
		m.PRTitles = driver.PRClient
	}
	if flags.formula != "" {
		f, err := proposal.LoadFormula(filepath.Join(stateDir, "formulas", flags.formula+".yaml"))
		if err != nil {
			return ferr.Wrap(ferr.ConfigInvalid, err, "load formula")
		}
		m.Formula = f
	}
	if flags.trajectory != "" {
		tr, err := trajectory.LoadTrajectory(filepath.Join(stateDir, "trajectories", flags.trajectory+".yaml"))
		if err != nil {
			return ferr.Wrap(ferr.ConfigInvalid, err, "load trajectory")
		}
		m.Trajectory = tr
		m.TrajectoryState = trajectory.LoadState(stateDir)
	}

	watcher, err := watch.New(stateDir, func(path string) {
		if filepath.Base(path) == "config.json" {
			if err := logging.ReloadConfig(); err != nil {
				logger.Warn("reload logging config", zap.Error(err))
			}
		}
	})
	if err != nil {
		logger.Warn("hot-reload watcher unavailable", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	startedAt := time.Now()
	logger.Info("session started", zap.String("run_id", runID), zap.String("project", project.Name))

	final, runErr := m.Run(ctx)

	saveStores(stateDir, dedupMem, learningsStore, sectors, m, lockCfg, logger)
	writeRunState(stateDir, runID, final, lockCfg, logger)
	writeSessionReport(stateDir, m, runID, startedAt, log, logger)

	logger.Info("session finished",
		zap.String("phase", string(final)),
		zap.Int("tickets_completed", m.State().Budgets.TicketsCompleted),
		zap.Int("prs_created", m.State().Budgets.PRsCreated))

	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	switch final {
	case phase.PhaseDone:
		return nil
	default:
		return fmt.Errorf("session ended in %s", final)
	}
}

func applyFlags(cfg *config.Config, flags autoFlags) {
	if flags.parallel > 0 {
		cfg.Phase.ParallelWidth = flags.parallel
	}
	if flags.maxPRs > 0 {
		cfg.Phase.MaxPRs = flags.maxPRs
	}
	if flags.continuous {
		cfg.Phase.ContinuousMode = true
	}
	if flags.skipPR {
		cfg.Phase.SkipPR = true
	}
	cfg.Phase.DraftPRs = flags.draft
	if flags.backend != "" {
		switch flags.backend {
		case "hybrid":
			cfg.Backend.Scout, cfg.Backend.Execute = "claude", "codex"
		default:
			cfg.Backend.Scout, cfg.Backend.Execute = flags.backend, flags.backend
		}
	}
}

func sessionMode(cfg *config.Config) string {
	if cfg.Phase.ContinuousMode {
		return "continuous"
	}
	if cfg.Phase.ParallelWidth > 1 {
		return "milestone"
	}
	return "planning"
}

func spindleConfig(cfg *config.Config) spindle.Config {
	return spindle.Config{
		HistorySize:            cfg.Spindle.HistorySize,
		SimilarityThreshold:    cfg.Spindle.SimilarityThreshold,
		MaxSimilarOutputs:      cfg.Spindle.MaxSimilarOutputs,
		MaxStallIterations:     cfg.Spindle.MaxStallIterations,
		TokenBudgetWarn:        cfg.Spindle.TokenBudgetWarn,
		TokenBudgetAbort:       cfg.Spindle.TokenBudgetAbort,
		MaxEditsPerFile:        cfg.Spindle.MaxEditsPerFile,
		RepeatedFailingCommand: cfg.Spindle.RepeatedFailingCommand,
	}
}

func buildScoutBackend(cfg *config.Config) agent.Backend {
	switch cfg.Backend.Scout {
	case "codex":
		return agent.NewScoutBackend("codex", "exec", "--json")
	default:
		return agent.NewScoutBackend("claude", "-p", "--output-format", "json")
	}
}

func buildExecuteBackend(cfg *config.Config) agent.Backend {
	var b *agent.ExecuteBackend
	switch cfg.Backend.Execute {
	case "codex":
		b = agent.NewExecuteBackend("codex", "exec", "--json")
	default:
		b = agent.NewExecuteBackend("claude", "-p", "--output-format", "json")
	}
	if cfg.Backend.MaxToolIterations > 0 {
		b.MaxIterations = cfg.Backend.MaxToolIterations
	}
	return b
}

func formulaHint(stateDir, name string) string {
	if name == "" {
		return ""
	}
	f, err := proposal.LoadFormula(filepath.Join(stateDir, "formulas", name+".yaml"))
	if err != nil {
		return ""
	}
	return f.Hint
}

func loadSectors(stateDir, repoRoot string, cfg *config.Config) *sector.State {
	prev, ok := sector.Load(stateDir)
	index, err := sector.Index(repoRoot, cfg.Sector.LargeFileLines)
	if err != nil {
		logging.Sector("index codebase: %v", err)
		if ok {
			return prev
		}
		return &sector.State{Version: sector.CurrentVersion, Cycle: 1}
	}
	if !ok {
		prev = nil
	}
	return sector.Refresh(prev, index)
}

func saveStores(stateDir string, dedupMem *dedup.Memory, learningsStore *learnings.Store, sectors *sector.State, m *phase.Machine, lockCfg filelock.Config, logger *zap.Logger) {
	if err := dedup.Save(stateDir, dedupMem, lockCfg); err != nil {
		logger.Warn("save dedup memory", zap.Error(err))
	}
	if err := learnings.Save(stateDir, learningsStore, lockCfg); err != nil {
		logger.Warn("save learnings", zap.Error(err))
	}
	if err := sector.Save(stateDir, sectors, lockCfg); err != nil {
		logger.Warn("save sectors", zap.Error(err))
	}
	if m.TrajectoryState != nil {
		if err := trajectory.SaveState(stateDir, m.TrajectoryState, lockCfg); err != nil {
			logger.Warn("save trajectory state", zap.Error(err))
		}
	}
}

// loadHints reads the optional hints.json (a JSON array of scout hints).
// Missing or corrupt files yield no hints.
func loadHints(stateDir string) []string {
	data, err := os.ReadFile(filepath.Join(stateDir, "hints.json"))
	if err != nil {
		return nil
	}
	var hints []string
	if err := json.Unmarshal(data, &hints); err != nil {
		logging.CLI("corrupt hints.json ignored: %v", err)
		return nil
	}
	return hints
}

// writeRunState records the session's terminal state in the per-project
// run-state.json, guarded by the advisory lock like the other shared JSON
// files.
func writeRunState(stateDir, runID string, final phase.Phase, lockCfg filelock.Config, logger *zap.Logger) {
	path := filepath.Join(stateDir, "run-state.json")
	err := filelock.WithLock(path, lockCfg, func() error {
		data, err := json.MarshalIndent(map[string]any{
			"last_run_id": runID,
			"phase":       string(final),
			"updated_at":  time.Now().UTC().Format(time.RFC3339),
		}, "", "  ")
		if err != nil {
			return err
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, path)
	})
	if err != nil {
		logger.Warn("write run-state.json", zap.Error(err))
	}
}

func writeSessionReport(stateDir string, m *phase.Machine, runID string, startedAt time.Time, log *eventlog.Log, logger *zap.Logger) {
	events, err := eventlog.ReadEvents(filepath.Join(log.RunDir(), "events.ndjson"))
	if err != nil {
		logger.Warn("read events for report", zap.Error(err))
	}
	report := phase.BuildReport(m, runID, startedAt, time.Now(), phase.SummarizeTickets(events, log.ArtifactDir()), "")
	path, err := phase.WriteReport(stateDir, report)
	if err != nil {
		logger.Warn("write session report", zap.Error(err))
		return
	}
	logger.Info("session report written", zap.String("path", path))
}

// --- ci mode ---

var ciPathRe = regexp.MustCompile(`[\w./-]+\.[a-z]{1,4}\b`)

// extractCIScope pulls file paths out of a CI failure log, the affected-file
// scope the CI ticket is confined to.
func extractCIScope(logText string) []string {
	seen := make(map[string]bool)
	var files []string
	for _, match := range ciPathRe.FindAllString(logText, -1) {
		match = strings.TrimPrefix(match, "./")
		if strings.Contains(match, "/") && !seen[match] {
			seen[match] = true
			files = append(files, match)
		}
	}
	return files
}

func runCIMode(ctx context.Context, logger *zap.Logger, flags autoFlags, cfg *config.Config, project *persistence.Project, tickets *persistence.TicketRepo, driver *phase.Driver) error {
	if flags.ciLog == "" {
		return ferr.New(ferr.ConfigInvalid, "mode=ci requires --ci-log")
	}
	data, err := os.ReadFile(flags.ciLog)
	if err != nil {
		return ferr.Wrap(ferr.ConfigInvalid, err, "read CI log")
	}
	files := extractCIScope(string(data))
	if len(files) == 0 {
		logger.Info("no affected files found in CI log; nothing to do")
		return nil
	}

	now := time.Now()
	t := &persistence.Ticket{
		ID:           uuid.NewString(),
		ProjectID:    project.ID,
		Title:        "Fix CI failure touching " + files[0],
		Description:  "CI failed; the log references these files:\n- " + strings.Join(files, "\n- "),
		Status:       persistence.TicketReady,
		Category:     persistence.CategoryFix,
		AllowedPaths: scopeGlobsFor(files),
		MaxRetries:   cfg.Ticket.MaxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tickets.Create(ctx, t); err != nil {
		return fmt.Errorf("create CI ticket: %w", err)
	}
	logger.Info("created CI ticket", zap.String("ticket_id", t.ID), zap.Strings("files", files))

	outcome := driver.RunTicketPipeline(ctx, *t)
	return finishPipelineTicket(ctx, tickets, t.ID, outcome.Success, logger)
}

// scopeGlobsFor widens each affected file to its directory so the fix can
// touch siblings (tests, fixtures).
func scopeGlobsFor(files []string) []string {
	seen := make(map[string]bool)
	var globs []string
	for _, f := range files {
		g := filepath.ToSlash(filepath.Dir(f)) + "/**"
		if !seen[g] {
			seen[g] = true
			globs = append(globs, g)
		}
	}
	return globs
}

// --- work mode ---

func runWorkMode(ctx context.Context, logger *zap.Logger, project *persistence.Project, tickets *persistence.TicketRepo, driver *phase.Driver) error {
	ready, err := tickets.ListReady(ctx, project.ID, time.Now())
	if err != nil {
		return fmt.Errorf("list ready tickets: %w", err)
	}
	if len(ready) == 0 {
		logger.Info("no ready tickets")
		return nil
	}

	failures := 0
	for _, t := range ready {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := tickets.UpdateStatus(ctx, t.ID, persistence.TicketLeased); err != nil {
			return fmt.Errorf("lease ticket: %w", err)
		}
		outcome := driver.RunTicketPipeline(ctx, *t)
		if err := finishPipelineTicket(ctx, tickets, t.ID, outcome.Success, logger); err != nil {
			return err
		}
		if !outcome.Success {
			failures++
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d tickets failed", failures, len(ready))
	}
	return nil
}

func finishPipelineTicket(ctx context.Context, tickets *persistence.TicketRepo, id string, success bool, logger *zap.Logger) error {
	status := persistence.TicketDone
	if !success {
		status = persistence.TicketBlocked
	}
	if err := tickets.UpdateStatus(ctx, id, status); err != nil {
		return fmt.Errorf("update ticket status: %w", err)
	}
	logger.Info("ticket finished", zap.String("ticket_id", id), zap.String("status", string(status)))
	return nil
}
