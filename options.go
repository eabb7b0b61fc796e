package tiermem

import (
	"log/slog"
	"time"

	"github.com/hupe1980/tiermem/codec"
	"github.com/hupe1980/tiermem/migrate"
	"github.com/hupe1980/tiermem/model"
	"github.com/hupe1980/tiermem/policy"
	"github.com/hupe1980/tiermem/scoring"
)

type options struct {
	scoring          scoring.Config
	policy           policy.Config
	scheduler        migrate.Config
	selector         *codec.Selector
	metricsCollector MetricsCollector
	logger           *Logger
}

// Option configures Manager constructor behavior.
type Option func(*options)

// WithScoring overrides the scoring configuration (weights, half-life,
// frequency saturation).
func WithScoring(cfg scoring.Config) Option {
	return func(o *options) {
		o.scoring = cfg
	}
}

// WithPolicy overrides the placement policy configuration (score bands,
// hysteresis margin, terminal-tier eviction policy).
func WithPolicy(cfg policy.Config) Option {
	return func(o *options) {
		o.policy = cfg
	}
}

// WithScheduler overrides the migration scheduler configuration (pass
// interval, scan batch size, worker limit, pressure watermark).
func WithScheduler(cfg migrate.Config) Option {
	return func(o *options) {
		o.scheduler = cfg
	}
}

// WithSelector overrides the per-tier compression codec table.
//
// If nil is passed, codec.DefaultSelector is used.
func WithSelector(s *codec.Selector) Option {
	return func(o *options) {
		if s == nil {
			s = codec.DefaultSelector()
		}
		o.selector = s
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &tiermem.BasicMetricsCollector{}
//	mm, _ := tiermem.New(cfg, tiermem.WithMetricsCollector(metrics))
//	// ... use mm ...
//	stats := metrics.GetStats()
//	fmt.Printf("Ingests: %d, Avg latency: %dns\n", stats.IngestCount, stats.IngestAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := tiermem.NewJSONLogger(slog.LevelInfo)
//	mm, _ := tiermem.New(cfg, tiermem.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		scoring:          scoring.DefaultConfig(),
		policy:           policy.DefaultConfig(),
		scheduler:        migrate.DefaultConfig(),
		selector:         codec.DefaultSelector(),
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// IngestOption configures a single Ingest call.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	hint    model.Tier
	hasHint bool
}

// WithHintTier places the item in the given tier on ingest instead of the
// content-type default.
func WithHintTier(t model.Tier) IngestOption {
	return func(o *ingestOptions) {
		o.hint = t
		o.hasHint = true
	}
}

// WithBulk marks the item as bulk data, routing it to the columnar tier on
// ingest. Shorthand for WithHintTier(model.TierColumnar).
func WithBulk() IngestOption {
	return WithHintTier(model.TierColumnar)
}

// GetOption configures a single Get call.
type GetOption func(*getOptions)

type getOptions struct {
	timeout time.Duration
}

// WithTimeout bounds a single read; expiry surfaces as ErrTimeout.
func WithTimeout(d time.Duration) GetOption {
	return func(o *getOptions) {
		o.timeout = d
	}
}
