package restart

import (
	"fmt"
	"math"
	"time"
)

// Policy decides whether a given process exit should trigger a respawn.
type Policy string

const (
	PolicyAlways    Policy = "always"
	PolicyOnFailure Policy = "on-failure"
	PolicyNever     Policy = "never"
	PolicyCustom    Policy = "custom"
)

// Defaults applied by Options.normalized.
const (
	DefaultInitialDelay      = 1 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultMaxDelay          = 60 * time.Second
	DefaultResetPeriod       = 5 * time.Minute
	DefaultGracefulTimeout   = 10 * time.Second
)

// Options is the restart policy configuration for one supervised handle.
// Supplied once at EnableAutoRestart and immutable afterwards.
type Options struct {
	Policy Policy `json:"policy" mapstructure:"policy"`
	// MaxAttempts caps successive restarts; nil means unlimited. A value of
	// zero forbids any respawn.
	MaxAttempts       *int          `json:"max_attempts" mapstructure:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay" mapstructure:"initial_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	MaxDelay          time.Duration `json:"max_delay" mapstructure:"max_delay"`
	// ResetPeriod is the stability window after a successful respawn; when it
	// elapses without a further exit, attempt counters zero.
	ResetPeriod     time.Duration `json:"reset_period" mapstructure:"reset_period"`
	GracefulTimeout time.Duration `json:"graceful_timeout" mapstructure:"graceful_timeout"`
	// ShouldRestart is consulted for PolicyCustom only.
	ShouldRestart func(exitCode int) bool `json:"-" mapstructure:"-"`
}

// Validate rejects configurations the engine cannot honor.
func (o *Options) Validate() error {
	switch o.Policy {
	case "", PolicyAlways, PolicyOnFailure, PolicyNever:
	case PolicyCustom:
		if o.ShouldRestart == nil {
			return fmt.Errorf("policy %q requires a ShouldRestart predicate", PolicyCustom)
		}
	default:
		return fmt.Errorf("unknown restart policy %q", o.Policy)
	}
	if o.MaxAttempts != nil && *o.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be >= 0")
	}
	if o.BackoffMultiplier != 0 && o.BackoffMultiplier <= 1.0 {
		return fmt.Errorf("backoff_multiplier must be > 1.0")
	}
	return nil
}

// normalized returns a copy with defaults filled in.
func (o Options) normalized() Options {
	if o.Policy == "" {
		o.Policy = PolicyOnFailure
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.BackoffMultiplier <= 1.0 {
		o.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.ResetPeriod <= 0 {
		o.ResetPeriod = DefaultResetPeriod
	}
	if o.GracefulTimeout <= 0 {
		o.GracefulTimeout = DefaultGracefulTimeout
	}
	return o
}

// shouldRestart evaluates the policy for one exit code.
func (o *Options) shouldRestart(exitCode int) bool {
	switch o.Policy {
	case PolicyAlways:
		return true
	case PolicyOnFailure:
		return exitCode != 0
	case PolicyNever:
		return false
	case PolicyCustom:
		return o.ShouldRestart != nil && o.ShouldRestart(exitCode)
	default:
		return false
	}
}

// BackoffDelay computes the wait before attempt n (0-indexed):
// min(initial * multiplier^n, max). Non-decreasing in n.
func (o *Options) BackoffDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := float64(o.InitialDelay) * math.Pow(o.BackoffMultiplier, float64(n))
	if d >= float64(o.MaxDelay) || math.IsInf(d, 1) {
		return o.MaxDelay
	}
	return time.Duration(d)
}
