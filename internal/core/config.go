package core

import (
	"fmt"
	"runtime"
)

// Config carries the session-wide tuning knobs.
type Config struct {
	// MaxConcurrency bounds worker tasks per validation or cache fill.
	MaxConcurrency int `yaml:"max_concurrency"`
	// MaxCacheUpdateAttempts bounds background retries of a contended cache update.
	MaxCacheUpdateAttempts int `yaml:"max_cache_update_attempts"`
	// MaxUsedinNesting is the usedIn nesting depth at which results become
	// approximate and background warm-up starts.
	MaxUsedinNesting int `yaml:"max_usedin_nesting"`
	// RunUsedinCacheWarmers pre-warms the usedIn index when a model is opened.
	RunUsedinCacheWarmers bool `yaml:"run_usedin_cache_warmers"`
	// MaxValidationTaskSegmentation is the target number of chunks per validation.
	MaxValidationTaskSegmentation int `yaml:"max_validation_task_segmentation"`
	// MinValidationTaskChunkSize is the lower bound on items per chunk.
	MinValidationTaskChunkSize int `yaml:"min_validation_task_chunk_size"`
	// ValidateTemporaryEntities includes live temporaries in where-rule validation.
	ValidateTemporaryEntities bool `yaml:"validate_temporary_entities"`
	// LookupCacheSize bounds the per-transaction instance lookup cache.
	LookupCacheSize int `yaml:"lookup_cache_size"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:                runtime.NumCPU() + 2,
		MaxCacheUpdateAttempts:        1000,
		MaxUsedinNesting:              2,
		RunUsedinCacheWarmers:         false,
		MaxValidationTaskSegmentation: 400,
		MinValidationTaskChunkSize:    8,
		ValidateTemporaryEntities:     false,
		LookupCacheSize:               4096,
	}
}

// Validate rejects non-positive limits.
func (c Config) Validate() error {
	switch {
	case c.MaxConcurrency < 1:
		return fmt.Errorf("max concurrency must be positive, got %d", c.MaxConcurrency)
	case c.MaxCacheUpdateAttempts < 1:
		return fmt.Errorf("max cache update attempts must be positive, got %d", c.MaxCacheUpdateAttempts)
	case c.MaxUsedinNesting < 1:
		return fmt.Errorf("max usedin nesting must be positive, got %d", c.MaxUsedinNesting)
	case c.MaxValidationTaskSegmentation < 1:
		return fmt.Errorf("max validation task segmentation must be positive, got %d", c.MaxValidationTaskSegmentation)
	case c.MinValidationTaskChunkSize < 1:
		return fmt.Errorf("min validation task chunk size must be positive, got %d", c.MinValidationTaskChunkSize)
	case c.LookupCacheSize < 1:
		return fmt.Errorf("lookup cache size must be positive, got %d", c.LookupCacheSize)
	}
	return nil
}

// ValidationChunkSize returns the number of items each validation task handles.
func (c Config) ValidationChunkSize(total int) int {
	size := 0
	if c.MaxValidationTaskSegmentation > 0 {
		size = total / c.MaxValidationTaskSegmentation
	}
	if size < c.MinValidationTaskChunkSize {
		size = c.MinValidationTaskChunkSize
	}
	if size < 1 {
		size = 1
	}
	return size
}
