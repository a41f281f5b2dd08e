package dispatchz

import (
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Name identifies a dispatcher instance in signals, metrics and traces.
type Name = string

// Option configures a dispatcher at construction time. Unlike the fluent
// setters (WithClock) that can be called after construction but before the
// first trigger, these knobs only make sense supplied up front: a name and
// an observability stack shared with the rest of the caller's system.
type Option func(*dispatcherConfig)

type dispatcherConfig struct {
	name    Name
	metrics *metricz.Registry
	tracer  *tracez.Tracer
}

// WithName sets the dispatcher's name, used to tag every signal, metric and
// span it produces. Defaults to "" when not supplied.
func WithName(name Name) Option {
	return func(c *dispatcherConfig) {
		c.name = name
	}
}

// WithMetrics injects a metricz.Registry to compose this dispatcher into a
// larger observability tree instead of keeping its own. Defaults to a
// fresh registry.
func WithMetrics(registry *metricz.Registry) Option {
	return func(c *dispatcherConfig) {
		c.metrics = registry
	}
}

// WithTracer injects a tracez.Tracer to compose this dispatcher into a
// larger observability tree instead of keeping its own. Defaults to a
// fresh tracer.
func WithTracer(tracer *tracez.Tracer) Option {
	return func(c *dispatcherConfig) {
		c.tracer = tracer
	}
}

func resolveConfig(opts []Option) *dispatcherConfig {
	c := &dispatcherConfig{}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metricz.New()
	}
	if c.tracer == nil {
		c.tracer = tracez.New()
	}
	return c
}
