// Package config holds forgeloop's session and QA configuration, loaded
// from <state_dir>/config.json. Modeled on the teacher's
// internal/config/config.go: one Config struct, one DefaultConfig, plain
// JSON (de)serialization, no external config library.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds every tunable named in spec.md.
type Config struct {
	Name    string `json:"name"`
	Version string `json:"version"`

	Logging  LoggingConfig  `json:"logging"`
	Dedup    DedupConfig    `json:"dedup"`
	Learnings LearningsConfig `json:"learnings"`
	Sector   SectorConfig   `json:"sector"`
	Spindle  SpindleConfig  `json:"spindle"`
	Proposal ProposalConfig `json:"proposal"`
	Ticket   TicketConfig   `json:"ticket"`
	Phase    PhaseConfig    `json:"phase"`
	QA       QAConfig       `json:"qa"`
	Lock     LockConfig     `json:"lock"`
	Backend  BackendConfig  `json:"backend"`
}

// LoggingConfig controls internal/logging (spec.md ambient stack).
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories,omitempty"`
	Level      string          `json:"level"`
}

// DedupConfig holds spec.md §4.5 tunables.
type DedupConfig struct {
	Threshold    float64 `json:"threshold"`     // isDuplicate similarity threshold
	DecayRate    float64 `json:"decay_rate"`    // applyDecay base rate
	RecentWindow string  `json:"recent_window"` // 3 days, halves decay
	EnabledWindow string `json:"enabled_window"` // getEnabledProposals window, 48h
}

// LearningsConfig holds spec.md §4.6 tunables.
type LearningsConfig struct {
	DecayRate             float64 `json:"decay_rate"`
	ConsolidationThreshold int    `json:"consolidation_threshold"`
	ConsolidationSimilarity float64 `json:"consolidation_similarity"`
	SelectTopK            int     `json:"select_top_k"`
	ConfirmationWindow    string  `json:"confirmation_window"` // 7 days
	RecencyWindow         string  `json:"recency_window"`      // 3 days
}

// SectorConfig holds spec.md §4.7 tunables.
type SectorConfig struct {
	LargeFileLines int `json:"large_file_lines"` // 300 LOC
	DifficultyWindow int `json:"difficulty_window"`
}

// SpindleConfig holds spec.md §4.8 tunables.
type SpindleConfig struct {
	HistorySize            int     `json:"history_size"`             // N, default 3-5
	SimilarityThreshold    float64 `json:"similarity_threshold"`     // 0.85
	MaxSimilarOutputs      int     `json:"max_similar_outputs"`      // 3
	MaxStallIterations     int     `json:"max_stall_iterations"`     // 2
	TokenBudgetWarn        int     `json:"token_budget_warn"`
	TokenBudgetAbort       int     `json:"token_budget_abort"`
	MaxEditsPerFile        int     `json:"max_edits_per_file"`
	RepeatedFailingCommand int     `json:"repeated_failing_command"` // N occurrences
}

// ProposalConfig holds spec.md §4.9 tunables.
type ProposalConfig struct {
	MinImpactScore     int     `json:"min_impact_score"`     // 3
	MaxTestRatio       float64 `json:"max_test_ratio"`       // 0.4
	DefaultBatchPlanning   int `json:"default_batch_planning"`   // 3
	DefaultBatchContinuous int `json:"default_batch_continuous"` // 5
	DefaultBatchMilestone  int `json:"default_batch_milestone"`  // 10
	AdversarialReview      bool `json:"adversarial_review"`
	WaveConflictStrict     bool `json:"wave_conflict_strict"`
	MaxScoutRetries        int  `json:"max_scout_retries"` // 2
}

// TicketConfig holds spec.md §4.10/§4.11 per-ticket budgets.
type TicketConfig struct {
	MaxRetries         int `json:"max_retries"`
	MaxStepBudget      int `json:"max_step_budget"`
	MaxLinesChanged    int `json:"max_lines_changed"`
	MaxToolCalls       int `json:"max_tool_calls"`
	AgentTimeoutSeconds int `json:"agent_timeout_seconds"`
	MaxPlanRejections  int `json:"max_plan_rejections"` // 3
}

// PhaseConfig holds spec.md §4.11 session-level budgets.
type PhaseConfig struct {
	MaxSessionSteps    int  `json:"max_session_steps"`
	MaxPRs             int  `json:"max_prs"`
	MaxScoutCycles     int  `json:"max_scout_cycles"`
	WallClockDeadline  string `json:"wall_clock_deadline"`
	ParallelWidth      int  `json:"parallel_width"`
	SpindleRecoveries  int  `json:"spindle_recoveries"`
	ContinuousMode     bool `json:"continuous_mode"`
	DraftPRs           bool `json:"draft_prs"`
	SkipPR             bool `json:"skip_pr"`
}

// QAConfig holds spec.md §4.13 tunables.
type QAConfig struct {
	MaxAttempts   int   `json:"max_attempts"`
	RetryEnabled  bool  `json:"retry_enabled"`
	MaxLogBytes   int64 `json:"max_log_bytes"`
	TailBytes     int64 `json:"tail_bytes"`
	TimeoutSeconds int  `json:"timeout_seconds"`
}

// LockConfig holds spec.md §4.14 tunables.
type LockConfig struct {
	StaleThresholdSeconds int `json:"stale_threshold_seconds"` // 10s
	MaxRetries            int `json:"max_retries"`
	RetryBudgetMillis     int `json:"retry_budget_millis"` // ~1s total
}

// BackendConfig selects the agent backend (spec.md §4.4/§6).
type BackendConfig struct {
	Scout          string `json:"scout"`           // "claude" | "codex" | "hybrid"
	Execute        string `json:"execute"`
	ScoutConcurrency  int `json:"scout_concurrency"`  // default 3 (claude), 4 (codex)
	MaxToolIterations int `json:"max_tool_iterations"`
	TraceNDJSON       bool `json:"trace_ndjson"`
}

// DefaultConfig returns the defaults named throughout spec.md §4.
func DefaultConfig() *Config {
	return &Config{
		Name:    "forgeloop",
		Version: "0.1.0",
		Logging: LoggingConfig{DebugMode: false, Level: "info"},
		Dedup: DedupConfig{
			Threshold:     0.6,
			DecayRate:     5,
			RecentWindow:  "72h",
			EnabledWindow: "48h",
		},
		Learnings: LearningsConfig{
			DecayRate:               3,
			ConsolidationThreshold:  50,
			ConsolidationSimilarity: 0.7,
			SelectTopK:              15,
			ConfirmationWindow:      "168h", // 7 days
			RecencyWindow:           "72h",  // 3 days
		},
		Sector: SectorConfig{
			LargeFileLines:   300,
			DifficultyWindow: 20,
		},
		Spindle: SpindleConfig{
			HistorySize:            5,
			SimilarityThreshold:    0.85,
			MaxSimilarOutputs:      3,
			MaxStallIterations:     2,
			TokenBudgetWarn:        80000,
			TokenBudgetAbort:       120000,
			MaxEditsPerFile:        8,
			RepeatedFailingCommand: 3,
		},
		Proposal: ProposalConfig{
			MinImpactScore:         3,
			MaxTestRatio:           0.4,
			DefaultBatchPlanning:   3,
			DefaultBatchContinuous: 5,
			DefaultBatchMilestone:  10,
			AdversarialReview:      true,
			WaveConflictStrict:     false,
			MaxScoutRetries:        2,
		},
		Ticket: TicketConfig{
			MaxRetries:          2,
			MaxStepBudget:       40,
			MaxLinesChanged:     400,
			MaxToolCalls:        60,
			AgentTimeoutSeconds: 900,
			MaxPlanRejections:   3,
		},
		Phase: PhaseConfig{
			MaxSessionSteps:   500,
			MaxPRs:            10,
			MaxScoutCycles:    20,
			WallClockDeadline: "12h",
			ParallelWidth:     1,
			SpindleRecoveries: 3,
			ContinuousMode:    false,
			DraftPRs:          true,
		},
		QA: QAConfig{
			MaxAttempts:    2,
			RetryEnabled:   true,
			MaxLogBytes:    2 << 20,
			TailBytes:      16 << 10,
			TimeoutSeconds: 600,
		},
		Lock: LockConfig{
			StaleThresholdSeconds: 10,
			MaxRetries:            10,
			RetryBudgetMillis:     1000,
		},
		Backend: BackendConfig{
			Scout:             "claude",
			Execute:           "claude",
			ScoutConcurrency:  3,
			MaxToolIterations: 40,
			TraceNDJSON:       false,
		},
	}
}

// Load reads config.json from stateDir, falling back to defaults for any
// field omitted (matching the teacher's lenient config loading: a missing
// or partial file is not fatal).
func Load(stateDir string) (*Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(stateDir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save atomically writes cfg to <stateDir>/config.json (write-to-temp,
// rename — same discipline as the dedup/learnings/sector JSON stores).
func Save(stateDir string, cfg *Config) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(stateDir, "config.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ParseDuration parses a config duration string, defaulting to def if s is
// empty or invalid.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
