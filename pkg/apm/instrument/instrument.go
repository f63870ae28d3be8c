// Package instrument holds what the library integrations share: the
// fail-open guard and integration option plumbing. Each integration lives in
// its own subpackage so an application only links the drivers it uses.
package instrument

import (
	"fmt"

	"go.uber.org/zap"
)

// Options configures an integration.
type Options struct {
	// Logger receives instrumentation warnings. Nil discards them.
	Logger *zap.Logger
	// PropagateHeaders controls whether outbound integrations write
	// trace headers into the requests they observe.
	PropagateHeaders bool
	// Disabled turns wrappers that cannot be swapped out at construction
	// (database handles, savers) into plain pass-throughs.
	Disabled bool
}

// Option mutates Options.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithPropagation toggles header propagation.
func WithPropagation(enabled bool) Option {
	return func(o *Options) { o.PropagateHeaders = enabled }
}

// WithDisabled marks the integration as switched off.
func WithDisabled(disabled bool) Option {
	return func(o *Options) { o.Disabled = disabled }
}

// Apply builds Options from defaults and opts.
func Apply(opts ...Option) Options {
	o := Options{PropagateHeaders: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Guard runs fn and swallows any panic it raises, logging it against the
// integration name. Instrumentation code runs inside Guard so a defect in
// span capture never reaches the host application.
func Guard(logger *zap.Logger, integration string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Warn("instrumentation error suppressed",
					zap.String("integration", integration),
					zap.String("panic", fmt.Sprint(r)),
				)
			}
		}
	}()
	fn()
}
