package metrics

import "time"

type Tags map[string]string

// Client receives the engine's instrumentation: session lifecycle counters,
// generation timings, and the session cache gauge. Implementations decide
// where the values go; the default is a no-op.
type Client interface {
	// Counter increments the named counter
	Counter(name string, tags Tags, value float64)

	// Distribution records a value for the named distribution
	Distribution(name string, tags Tags, value float64)

	// Timing records a duration for the named distribution
	Timing(name string, tags Tags, duration time.Duration)

	// Gauge sets the named gauge
	Gauge(name string, tags Tags, value int64)

	// WithTags returns a client that adds the given tags to every metric
	WithTags(tags Tags) Client
}
