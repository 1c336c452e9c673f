// Package config loads orchestrator settings from the environment
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const namespace = "OUTRIDER"

// TrackerEnv configures the remote issue tracker connection.
type TrackerEnv struct {
	TrackerURL   string `envconfig:"TRACKER_URL" required:"true"`
	TrackerToken string `envconfig:"TRACKER_TOKEN"`
	// MaxAttempts bounds retries per tracker request.
	MaxAttempts int `envconfig:"TRACKER_MAX_ATTEMPTS" default:"4"`
	// QuotaLowThreshold and QuotaCriticalThreshold drive rate-limit warnings
	// and pre-emptive pauses.
	QuotaLowThreshold      int           `envconfig:"QUOTA_LOW_THRESHOLD" default:"50"`
	QuotaCriticalThreshold int           `envconfig:"QUOTA_CRITICAL_THRESHOLD" default:"10"`
	MaxQuotaWait           time.Duration `envconfig:"MAX_QUOTA_WAIT" default:"5m"`
}

// AgentEnv configures the coding agent subprocess.
type AgentEnv struct {
	// Agent is this worker's identity in the tracker.
	Agent string `envconfig:"AGENT" required:"true"`
	// Workspace is the trunk checkout tasks run against.
	Workspace string `envconfig:"WORKSPACE" default:"."`
	// AgentType selects the CLI dialect: claude, codex, amp or opencode.
	AgentType string `envconfig:"AGENT_TYPE" default:"claude"`
	AgentPath string `envconfig:"AGENT_PATH" default:"claude"`
	// TaskTimeout caps one agent invocation.
	TaskTimeout   time.Duration `envconfig:"TASK_TIMEOUT" default:"30m"`
	ShutdownGrace time.Duration `envconfig:"SHUTDOWN_GRACE" default:"10s"`
}

// SchedulerEnv configures the work loop and recovery scans.
type SchedulerEnv struct {
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
	// RuntimeScanSpec is a cron expression for the stale-task sweep.
	RuntimeScanSpec string        `envconfig:"RUNTIME_SCAN_SPEC" default:"@every 1m"`
	StaleThreshold  time.Duration `envconfig:"STALE_THRESHOLD" default:"5m"`
	GraceWindow     time.Duration `envconfig:"GRACE_WINDOW" default:"90s"`
	MaxRetries      int           `envconfig:"MAX_RETRIES" default:"3"`
}

// ChannelEnv configures the optional push and approval channels.
type ChannelEnv struct {
	// PushURL is the tracker's websocket notification endpoint. Empty
	// disables push and the scheduler relies on polling.
	PushURL string `envconfig:"PUSH_URL"`
	// TelegramToken and TelegramChat enable the approval/notification
	// channel when both are set.
	TelegramToken   string        `envconfig:"TELEGRAM_TOKEN"`
	TelegramChat    int64         `envconfig:"TELEGRAM_CHAT"`
	RequireApproval bool          `envconfig:"REQUIRE_APPROVAL" default:"false"`
	ApprovalTimeout time.Duration `envconfig:"APPROVAL_TIMEOUT" default:"30m"`
}

// Config is the full orchestrator configuration.
type Config struct {
	TrackerEnv
	AgentEnv
	SchedulerEnv
	ChannelEnv
	Verbose bool `envconfig:"VERBOSE" default:"false"`
}

// Load reads configuration from OUTRIDER_* environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(namespace, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.AgentType {
	case "claude", "codex", "amp", "opencode":
	default:
		return fmt.Errorf("unknown agent type %q", c.AgentType)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("tracker max attempts must be at least 1")
	}
	if c.RequireApproval && !c.TelegramEnabled() {
		return fmt.Errorf("approval requires a telegram token and chat ID")
	}
	return nil
}

// TelegramEnabled reports whether the approval channel can start.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChat != 0
}
