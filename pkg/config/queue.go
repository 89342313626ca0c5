package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultLivenessWindow = 60 * time.Second
	DefaultMaxRetries     = 3
	DefaultSweepInterval  = 15 * time.Second

	SweepModeLocal = "local"
	SweepModeAsynq = "asynq"
)

// CommandPolicy overrides the queue-wide lease settings for one command.
// Zero values fall back to the queue defaults.
type CommandPolicy struct {
	LivenessWindow time.Duration `mapstructure:"LIVENESS_WINDOW"`
	MaxRetries     *int          `mapstructure:"MAX_RETRIES"`
}

type Queue struct {
	LivenessWindow  time.Duration            `mapstructure:"LIVENESS_WINDOW"`
	MaxRetries      int                      `mapstructure:"MAX_RETRIES"`
	SweepInterval   time.Duration            `mapstructure:"SWEEP_INTERVAL"`
	SweepMode       string                   `mapstructure:"SWEEP_MODE"`
	SweepBatch      int                      `mapstructure:"SWEEP_BATCH"`
	ClaimAttempts   int                      `mapstructure:"CLAIM_ATTEMPTS"`
	ExternalTimeout time.Duration            `mapstructure:"EXTERNAL_TIMEOUT"`
	EventsQueue     string                   `mapstructure:"EVENTS_QUEUE"`
	Commands        map[string]CommandPolicy `mapstructure:"COMMANDS"`
}

// DefaultQueue returns the queue settings used when nothing is configured.
func DefaultQueue() Queue {
	return Queue{
		LivenessWindow: DefaultLivenessWindow,
		MaxRetries:     DefaultMaxRetries,
		SweepInterval:  DefaultSweepInterval,
		SweepMode:      SweepModeLocal,
		SweepBatch:     100,
		ClaimAttempts:  5,
		EventsQueue:    "colony:events",
	}
}

func (q Queue) Validate() error {
	if q.LivenessWindow <= 0 {
		return fmt.Errorf("queue: liveness window must be positive, got %s", q.LivenessWindow)
	}
	if q.MaxRetries < 0 {
		return fmt.Errorf("queue: max retries must not be negative, got %d", q.MaxRetries)
	}
	if q.SweepInterval <= 0 {
		return fmt.Errorf("queue: sweep interval must be positive, got %s", q.SweepInterval)
	}
	switch q.SweepMode {
	case "", SweepModeLocal, SweepModeAsynq:
	default:
		return fmt.Errorf("queue: unknown sweep mode %q", q.SweepMode)
	}
	for command, p := range q.Commands {
		if p.LivenessWindow < 0 {
			return fmt.Errorf("queue: command %s: liveness window must not be negative", command)
		}
		if p.MaxRetries != nil && *p.MaxRetries < 0 {
			return fmt.Errorf("queue: command %s: max retries must not be negative", command)
		}
	}
	return nil
}

// viper lower-cases map keys, so command lookups are case-insensitive.
func (q Queue) policy(command string) (CommandPolicy, bool) {
	p, ok := q.Commands[strings.ToLower(command)]
	return p, ok
}

// LivenessWindowFor returns the heartbeat staleness threshold for command.
func (q Queue) LivenessWindowFor(command string) time.Duration {
	if p, ok := q.policy(command); ok && p.LivenessWindow > 0 {
		return p.LivenessWindow
	}
	return q.LivenessWindow
}

// MaxRetriesFor returns how many times a stuck task of command is requeued
// before it is failed.
func (q Queue) MaxRetriesFor(command string) int {
	if p, ok := q.policy(command); ok && p.MaxRetries != nil {
		return *p.MaxRetries
	}
	return q.MaxRetries
}

// HeartbeatInterval is a third of the liveness window, so a healthy worker
// gets at least two heartbeats in before its task can be declared stuck.
func (q Queue) HeartbeatInterval(command string) time.Duration {
	return q.LivenessWindowFor(command) / 3
}

// MinLivenessWindow is the smallest window across the default and every
// command override; the sweep uses it as its coarse pre-filter.
func (q Queue) MinLivenessWindow() time.Duration {
	min := q.LivenessWindow
	for _, p := range q.Commands {
		if p.LivenessWindow > 0 && p.LivenessWindow < min {
			min = p.LivenessWindow
		}
	}
	return min
}
