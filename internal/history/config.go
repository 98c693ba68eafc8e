package history

import (
	"errors"

	"github.com/animus-labs/dagflow/internal/platform/env"
)

type Config struct {
	// MaxSiblings caps the items under one tree level. Overflow is dropped.
	MaxSiblings int
	// MaxDepth caps the folder depth. Deeper segments are joined.
	MaxDepth int
	// FetchConcurrency bounds the event logs fetched at once.
	FetchConcurrency int
}

func DefaultConfig() Config {
	return Config{MaxSiblings: 100, MaxDepth: 8, FetchConcurrency: 8}
}

func ConfigFromEnv() (Config, error) {
	def := DefaultConfig()
	siblings, err := env.Int("DAGFLOW_TREE_MAX_SIBLINGS", def.MaxSiblings)
	if err != nil {
		return Config{}, err
	}
	depth, err := env.Int("DAGFLOW_TREE_MAX_DEPTH", def.MaxDepth)
	if err != nil {
		return Config{}, err
	}
	concurrency, err := env.Int("DAGFLOW_TREE_FETCH_CONCURRENCY", def.FetchConcurrency)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{MaxSiblings: siblings, MaxDepth: depth, FetchConcurrency: concurrency}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxSiblings < 1 {
		return errors.New("DAGFLOW_TREE_MAX_SIBLINGS must be >= 1")
	}
	if c.MaxDepth < 1 {
		return errors.New("DAGFLOW_TREE_MAX_DEPTH must be >= 1")
	}
	if c.FetchConcurrency < 1 {
		return errors.New("DAGFLOW_TREE_FETCH_CONCURRENCY must be >= 1")
	}
	return nil
}
