package pool

import "github.com/madebr/corerun/metrics"

// config holds Pool construction options, following the teacher's
// defaultConfig()/validateConfig() pair (config.go/defaults.go) collapsed
// into a single options-only builder (options.go), since this module never
// shipped the teacher's earlier Config-struct constructor.
type config struct {
	workers  uint
	provider metrics.Provider
}

func defaultConfig() config {
	return config{
		workers:  0, // no workers until Reserve grows the pool
		provider: metrics.NewNoopProvider(),
	}
}

// Option configures a Pool at construction time.
type Option func(*config)

// WithWorkers reserves n worker goroutines immediately at construction,
// equivalent to calling Reserve(n) right after New.
func WithWorkers(n uint) Option {
	return func(c *config) { c.workers = n }
}

// WithMetrics attaches a metrics.Provider the pool records worker and
// scheduling counters through. Defaults to a no-op provider.
func WithMetrics(p metrics.Provider) Option {
	return func(c *config) {
		if p != nil {
			c.provider = p
		}
	}
}
