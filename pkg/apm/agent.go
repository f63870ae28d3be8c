// Package apm is the agent's entry point. An Agent owns the trace manager,
// the exporter and the agent's own metrics, and hands out the integrations
// that configuration enables. Integrations that are disabled, or requested
// for a nil target, come back as pass-throughs.
//
//	agent, err := apm.Start()
//	if err != nil {
//		log.Printf("apm disabled: %v", err)
//	}
//	defer agent.Shutdown(context.Background())
//
//	router := gin.New()
//	router.Use(agent.GinMiddleware())
package apm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/GriffinCanCode/apm-agent/internal/infrastructure/config"
	"github.com/GriffinCanCode/apm-agent/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/apm-agent/internal/logging"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/exporter"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/instrument"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Agent wires configuration, tracing and export together.
type Agent struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	manager  *trace.Manager
	exporter *exporter.Exporter
	reaper   *cron.Cron
	opts     []instrument.Option

	shutdownOnce sync.Once
	shutdownErr  error
}

type options struct {
	logger    *zap.Logger
	transport exporter.Transport
	registry  *prometheus.Registry
	clock     clockz.Clock
}

// Option customises New.
type Option func(*options)

// WithLogger replaces the logger built from configuration.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTransport replaces the transport built from configuration.
func WithTransport(t exporter.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithRegistry registers the agent's metrics on reg.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithClock sets the clock for spans and the export timer.
func WithClock(c clockz.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New builds an agent from cfg. A disabled configuration yields an agent
// whose integrations are all pass-throughs.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{clock: clockz.RealClock}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		l, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		logger = l.Component("agent")
	}

	reg := o.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	a := &Agent{
		cfg:     cfg,
		logger:  logger,
		metrics: monitoring.NewMetricsWithRegistry(reg),
		opts: []instrument.Option{
			instrument.WithLogger(logger),
			instrument.WithPropagation(cfg.Instrumentation.PropagateHeaders),
		},
	}
	if !cfg.Instrumentation.Enabled {
		logger.Info("instrumentation disabled")
		return a, nil
	}

	transport := o.transport
	if transport == nil {
		t, err := newTransport(cfg, a.metrics)
		if err != nil {
			return nil, err
		}
		transport = t
	}
	encoder, err := exporter.NewEncoder(cfg.Exporter.Format)
	if err != nil {
		return nil, err
	}

	a.exporter = exporter.New(exporter.Config{
		BatchSize:       cfg.Exporter.BatchSize,
		QueueSize:       cfg.Exporter.QueueSize,
		Interval:        cfg.Exporter.Interval,
		MaxRetries:      cfg.Exporter.MaxRetries,
		RetryWaitMin:    cfg.Exporter.RetryWaitMin,
		RetryWaitMax:    cfg.Exporter.RetryWaitMax,
		Timeout:         cfg.Exporter.Timeout,
		ShutdownTimeout: cfg.Exporter.ShutdownTimeout,
	}, transport, encoder,
		exporter.WithClock(o.clock),
		exporter.WithLogger(logger.Named("exporter")),
		exporter.WithObserver(a.metrics),
	)

	a.manager = trace.NewManager(
		trace.WithClock(o.clock),
		trace.WithSampler(trace.NewSampler(cfg.Instrumentation.Sampling.Rate)),
		trace.WithSink(a.exporter),
		trace.WithObserver(a.metrics),
		trace.WithLogger(logger.Named("trace")),
		trace.WithService(trace.ServiceInfo{
			Name:    cfg.Service.Name,
			ID:      cfg.Service.ID,
			AgentID: cfg.Service.AgentID,
		}),
	)

	if cfg.Instrumentation.ReapSchedule != "" && cfg.Instrumentation.MaxTraceAge > 0 {
		a.reaper = cron.New()
		maxAge := cfg.Instrumentation.MaxTraceAge
		if _, err := a.reaper.AddFunc(cfg.Instrumentation.ReapSchedule, func() {
			a.manager.Reap(maxAge)
		}); err != nil {
			return nil, fmt.Errorf("reap schedule %q: %w", cfg.Instrumentation.ReapSchedule, err)
		}
	}

	a.exporter.Start()
	if a.reaper != nil {
		a.reaper.Start()
	}

	logger.Info("instrumentation enabled",
		zap.String("service", cfg.Service.Name),
		zap.String("agent_id", cfg.Service.AgentID),
		zap.Strings("frameworks", cfg.Instrumentation.Frameworks),
		zap.Float64("sampling_rate", cfg.Instrumentation.Sampling.Rate),
		zap.String("transport", cfg.Exporter.Transport),
	)
	return a, nil
}

func newTransport(cfg *config.Config, metrics *monitoring.Metrics) (exporter.Transport, error) {
	switch cfg.Exporter.Transport {
	case config.TransportKafka:
		return exporter.NewKafkaTransport(exporter.KafkaOptions{
			Brokers:  cfg.Exporter.Kafka.Brokers,
			Topic:    cfg.Exporter.Kafka.Topic,
			Key:      cfg.Service.Name,
			Username: cfg.Exporter.Kafka.Username,
			Password: cfg.Exporter.Kafka.Password,
			Timeout:  cfg.Exporter.Timeout,
		})
	case config.TransportHTTP, "":
		return exporter.NewHTTPTransport(exporter.HTTPOptions{
			URL:             cfg.Exporter.ServerURL + cfg.ExportPath(),
			Token:           cfg.Exporter.APIToken,
			Timeout:         cfg.Exporter.Timeout,
			RateLimit:       cfg.Exporter.RateLimit,
			OnBreakerChange: metrics.BreakerStateChanged,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Exporter.Transport)
	}
}

var (
	globalOnce  sync.Once
	globalAgent *Agent
	globalErr   error
)

// Start loads configuration from the environment and initialises the
// process-wide agent. Only the first call does any work; later calls return
// the same agent and error. When initialisation fails the returned agent is
// a pass-through, so callers may log the error and carry on.
func Start(opts ...Option) (*Agent, error) {
	globalOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			globalAgent, globalErr = disabled(), fmt.Errorf("load config: %w", err)
			return
		}
		a, err := New(cfg, opts...)
		if err != nil {
			globalAgent, globalErr = disabled(), err
			return
		}
		globalAgent = a
	})
	return globalAgent, globalErr
}

// Global returns the agent created by Start, or nil before Start.
func Global() *Agent {
	return globalAgent
}

func disabled() *Agent {
	cfg := config.Default()
	cfg.Instrumentation.Enabled = false
	a, _ := New(cfg, WithLogger(zap.NewNop()))
	return a
}

// Enabled reports whether the agent records traces.
func (a *Agent) Enabled() bool { return a != nil && a.manager != nil }

// Config returns the configuration the agent was built from.
func (a *Agent) Config() *config.Config { return a.cfg }

// Manager returns the trace manager, nil when disabled.
func (a *Agent) Manager() *trace.Manager { return a.manager }

// Exporter returns the exporter, nil when disabled.
func (a *Agent) Exporter() *exporter.Exporter { return a.exporter }

// Logger returns the agent logger.
func (a *Agent) Logger() *zap.Logger { return a.logger }

// Metrics returns the agent's self-metrics.
func (a *Agent) Metrics() *monitoring.Metrics { return a.metrics }

// MetricsHandler serves the agent's self-metrics in Prometheus format.
func (a *Agent) MetricsHandler() http.Handler { return a.metrics.Handler() }

// Flush exports everything queued now.
func (a *Agent) Flush(ctx context.Context) error {
	if a.exporter == nil {
		return nil
	}
	return a.exporter.Flush(ctx)
}

// Shutdown stops the reaper, discards in-flight traces and drains the
// exporter. Only the first call does any work.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		var errs []error
		if a.reaper != nil {
			<-a.reaper.Stop().Done()
		}
		if a.manager != nil {
			a.manager.Clear()
		}
		if a.exporter != nil {
			if err := a.exporter.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		a.shutdownErr = errors.Join(errs...)
		a.logger.Info("agent stopped", zap.Error(a.shutdownErr))
	})
	return a.shutdownErr
}
