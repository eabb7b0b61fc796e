// Package scoring computes the composite importance score that drives tier
// placement. The score combines recency, access frequency, relative size, and
// externally supplied relevance into a single value in [0,1].
package scoring

import (
	"fmt"
	"math"
	"time"

	"github.com/hupe1980/tiermem/model"
)

// Config holds the scoring weights and normalization parameters.
// It is an immutable value: construct once, share freely.
type Config struct {
	// RecencyWeight, FrequencyWeight, SizeWeight and RelevanceWeight are the
	// component weights. They are normalized to sum to 1 at validation time,
	// so callers may supply any positive proportions.
	RecencyWeight   float64
	FrequencyWeight float64
	SizeWeight      float64
	RelevanceWeight float64

	// HalfLife is the recency decay constant: an item not accessed for one
	// HalfLife retains 1/e of its recency component.
	HalfLife time.Duration

	// FrequencySaturation is the access count at which the frequency
	// component reaches 0.5. Larger values flatten the curve.
	FrequencySaturation float64
}

// DefaultConfig returns the default scoring configuration.
func DefaultConfig() Config {
	return Config{
		RecencyWeight:       0.35,
		FrequencyWeight:     0.25,
		SizeWeight:          0.15,
		RelevanceWeight:     0.25,
		HalfLife:            6 * time.Hour,
		FrequencySaturation: 10,
	}
}

// Validate checks the configuration and returns a normalized copy whose
// weights sum to exactly 1.
func (c Config) Validate() (Config, error) {
	for name, w := range map[string]float64{
		"recency":   c.RecencyWeight,
		"frequency": c.FrequencyWeight,
		"size":      c.SizeWeight,
		"relevance": c.RelevanceWeight,
	} {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return c, fmt.Errorf("scoring: %s weight must be finite and non-negative, got %v", name, w)
		}
	}

	sum := c.RecencyWeight + c.FrequencyWeight + c.SizeWeight + c.RelevanceWeight
	if sum <= 0 {
		return c, fmt.Errorf("scoring: weights must not all be zero")
	}
	c.RecencyWeight /= sum
	c.FrequencyWeight /= sum
	c.SizeWeight /= sum
	c.RelevanceWeight /= sum

	if c.HalfLife <= 0 {
		return c, fmt.Errorf("scoring: half-life must be positive, got %v", c.HalfLife)
	}
	if c.FrequencySaturation <= 0 {
		return c, fmt.Errorf("scoring: frequency saturation must be positive, got %v", c.FrequencySaturation)
	}

	return c, nil
}

// Engine scores items. It holds only immutable configuration and is safe for
// unsynchronized concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine validates cfg and returns an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Score computes the composite score of an item snapshot at the given
// instant. maxObservedSize is the largest payload size seen across the store
// and anchors the relative size normalization; values <= 0 disable the size
// component's discrimination (every item is treated as maximal).
//
// The result is always in [0,1]. Score has no side effects.
func (e *Engine) Score(meta model.Metadata, now time.Time, maxObservedSize int64) float64 {
	cfg := e.cfg

	age := now.Sub(meta.LastAccessedAt)
	if age < 0 {
		age = 0
	}
	recency := math.Exp(-float64(age) / float64(cfg.HalfLife))

	n := float64(meta.AccessCount)
	frequency := n / (n + cfg.FrequencySaturation)

	sizeNorm := 1.0
	if maxObservedSize > 0 {
		sizeNorm = float64(meta.SizeBytes) / float64(maxObservedSize)
		if sizeNorm > 1 {
			sizeNorm = 1
		}
		if sizeNorm < 0 {
			sizeNorm = 0
		}
	}

	relevance := meta.Relevance
	if relevance < 0 {
		relevance = 0
	}
	if relevance > 1 {
		relevance = 1
	}

	score := cfg.RecencyWeight*recency +
		cfg.FrequencyWeight*frequency +
		cfg.SizeWeight*(1-sizeNorm) +
		cfg.RelevanceWeight*relevance

	// Guard against float drift at the boundaries.
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
