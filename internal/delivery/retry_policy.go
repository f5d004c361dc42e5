package delivery

import (
	"math"
	"math/rand"
	"time"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

// RetryConfig bounds the backoff schedule
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MinDelay    time.Duration
	JitterRatio float64
}

// DefaultRetryConfig returns the stock schedule: 5 attempts, 5s doubling up to 10m, 2s floor
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  5,
		BaseDelay:   5 * time.Second,
		MaxDelay:    10 * time.Minute,
		MinDelay:    2 * time.Second,
		JitterRatio: 0.2,
	}
}

// RetryDecision is the outcome of ShouldRetry
type RetryDecision struct {
	Retry       bool
	Delay       time.Duration
	NextRetryAt time.Time
}

// RetryPolicy computes exponential backoff with jitter, adjusted by recent relay health
type RetryPolicy struct {
	cfg RetryConfig
}

func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	if cfg.JitterRatio < 0 {
		cfg.JitterRatio = 0
	}
	if cfg.JitterRatio > 1 {
		cfg.JitterRatio = 1
	}
	return &RetryPolicy{cfg: cfg}
}

// MaxRetries returns the attempt ceiling
func (p *RetryPolicy) MaxRetries() int {
	return p.cfg.MaxRetries
}

// ShouldRetry decides whether attempt number retryCount may run and when.
// It has no side effects; jitter is drawn from rng, and a nil rng disables jitter.
// The result is never earlier than now plus the minimum delay.
func (p *RetryPolicy) ShouldRetry(retryCount int, health []types.RelayHealth, now time.Time, rng *rand.Rand) RetryDecision {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= p.cfg.MaxRetries {
		return RetryDecision{Retry: false}
	}

	delay := float64(p.cfg.BaseDelay) * math.Pow(2, float64(retryCount))
	delay *= healthFactor(health)

	if rng != nil && p.cfg.JitterRatio > 0 {
		delay += delay * p.cfg.JitterRatio * (rng.Float64()*2 - 1)
	}

	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	d := time.Duration(delay)
	if d < p.cfg.MinDelay {
		d = p.cfg.MinDelay
	}

	return RetryDecision{
		Retry:       true,
		Delay:       d,
		NextRetryAt: now.Add(d),
	}
}

// healthFactor shortens the delay when relays have mostly been accepting and
// lengthens it when they have mostly been failing
func healthFactor(health []types.RelayHealth) float64 {
	var successes, failures int
	for _, h := range health {
		successes += h.Successes
		failures += h.Failures
	}
	total := successes + failures
	if total == 0 {
		return 1
	}

	ratio := float64(successes) / float64(total)
	switch {
	case ratio >= 0.8:
		return 0.5
	case ratio < 0.3:
		return 2
	}
	return 1
}
