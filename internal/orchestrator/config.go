package orchestrator

import (
	"errors"
	"math"
	"time"

	"github.com/animus-labs/dagflow/internal/platform/env"
)

// RetryPolicy bounds retries of retriable activity failures.
type RetryPolicy struct {
	MaxAttempts        int
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaxInterval        time.Duration
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.InitialInterval <= 0 {
		return 0
	}
	coefficient := p.BackoffCoefficient
	if coefficient < 1 {
		coefficient = 1
	}
	delay := float64(p.InitialInterval) * math.Pow(coefficient, float64(attempt-1))
	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(delay)
}

type Config struct {
	Retry           RetryPolicy
	WorkflowTimeout time.Duration
	// Concurrency bounds the nodes of one run executing at once.
	Concurrency int
	PageSize    int
}

func DefaultConfig() Config {
	return Config{
		Retry: RetryPolicy{
			MaxAttempts:        3,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaxInterval:        30 * time.Second,
		},
		WorkflowTimeout: time.Hour,
		Concurrency:     4,
		PageSize:        100,
	}
}

func ConfigFromEnv() (Config, error) {
	def := DefaultConfig()
	maxAttempts, err := env.Int("DAGFLOW_ACTIVITY_MAX_ATTEMPTS", def.Retry.MaxAttempts)
	if err != nil {
		return Config{}, err
	}
	initial, err := env.Duration("DAGFLOW_ACTIVITY_INITIAL_INTERVAL", def.Retry.InitialInterval)
	if err != nil {
		return Config{}, err
	}
	coefficient, err := env.Float("DAGFLOW_ACTIVITY_BACKOFF_COEFFICIENT", def.Retry.BackoffCoefficient)
	if err != nil {
		return Config{}, err
	}
	maxInterval, err := env.Duration("DAGFLOW_ACTIVITY_MAX_INTERVAL", def.Retry.MaxInterval)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Duration("DAGFLOW_WORKFLOW_TIMEOUT", def.WorkflowTimeout)
	if err != nil {
		return Config{}, err
	}
	concurrency, err := env.Int("DAGFLOW_NODE_CONCURRENCY", def.Concurrency)
	if err != nil {
		return Config{}, err
	}
	pageSize, err := env.Int("DAGFLOW_LIST_PAGE_SIZE", def.PageSize)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Retry: RetryPolicy{
			MaxAttempts:        maxAttempts,
			InitialInterval:    initial,
			BackoffCoefficient: coefficient,
			MaxInterval:        maxInterval,
		},
		WorkflowTimeout: timeout,
		Concurrency:     concurrency,
		PageSize:        pageSize,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return errors.New("DAGFLOW_ACTIVITY_MAX_ATTEMPTS must be >= 1")
	}
	if c.Retry.InitialInterval < 0 {
		return errors.New("DAGFLOW_ACTIVITY_INITIAL_INTERVAL must be >= 0")
	}
	if c.Retry.BackoffCoefficient < 1 {
		return errors.New("DAGFLOW_ACTIVITY_BACKOFF_COEFFICIENT must be >= 1")
	}
	if c.Retry.MaxInterval < 0 {
		return errors.New("DAGFLOW_ACTIVITY_MAX_INTERVAL must be >= 0")
	}
	if c.WorkflowTimeout <= 0 {
		return errors.New("DAGFLOW_WORKFLOW_TIMEOUT must be positive")
	}
	if c.Concurrency < 1 {
		return errors.New("DAGFLOW_NODE_CONCURRENCY must be >= 1")
	}
	if c.PageSize < 1 {
		return errors.New("DAGFLOW_LIST_PAGE_SIZE must be >= 1")
	}
	return nil
}
