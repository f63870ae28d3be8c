// Package exporter ships completed traces to the backend. Traces are queued
// without blocking the request that completed them and sent in batches by a
// background loop on a timer or when the queue reaches the batch size.
//
// The queue is bounded. When the backend stalls and the queue fills, the
// oldest traces are evicted so that request completion never waits on export.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/apm-agent/pkg/apm/trace"
	"github.com/cenkalti/backoff/v4"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// ErrExporterStopped is returned by Flush once Stop has run.
var ErrExporterStopped = errors.New("exporter stopped")

// State is the exporter's position in idle -> accumulating -> flushing.
type State int32

const (
	StateIdle State = iota
	StateAccumulating
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Batch results reported to the Observer.
const (
	ResultSuccess = "success"
	ResultDropped = "dropped"
	ResultEncode  = "encode_error"
)

// Observer is notified of queue and batch events.
type Observer interface {
	QueueDepthChanged(n int)
	TraceEvicted()
	BatchExported(result string, traces int, duration time.Duration)
}

type nopObserver struct{}

func (nopObserver) QueueDepthChanged(int) {}

func (nopObserver) TraceEvicted() {}

func (nopObserver) BatchExported(string, int, time.Duration) {}

// Config controls batching and retry.
type Config struct {
	BatchSize       int
	QueueSize       int
	Interval        time.Duration
	MaxRetries      int
	RetryWaitMin    time.Duration
	RetryWaitMax    time.Duration
	Timeout         time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig mirrors the agent's configuration defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:       50,
		QueueSize:       1000,
		Interval:        5 * time.Second,
		MaxRetries:      3,
		RetryWaitMin:    500 * time.Millisecond,
		RetryWaitMax:    5 * time.Second,
		Timeout:         5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.QueueSize < c.BatchSize {
		c.QueueSize = c.BatchSize
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryWaitMin <= 0 {
		c.RetryWaitMin = d.RetryWaitMin
	}
	if c.RetryWaitMax < c.RetryWaitMin {
		c.RetryWaitMax = c.RetryWaitMin
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithClock sets the clock driving the flush interval.
func WithClock(c clockz.Clock) Option {
	return func(e *Exporter) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Exporter) { e.logger = l }
}

// WithObserver sets the queue and batch observer.
func WithObserver(o Observer) Option {
	return func(e *Exporter) { e.observer = o }
}

// Exporter batches traces and sends them through a Transport.
type Exporter struct {
	cfg       Config
	transport Transport
	encoder   Encoder
	clock     clockz.Clock
	logger    *zap.Logger
	observer  Observer

	mu    sync.Mutex
	queue []*trace.Trace

	state   atomic.Int32
	sendMu  sync.Mutex
	flushCh chan struct{}
	stopCh  chan struct{}
	done    chan struct{}

	runCtx    context.Context
	cancelRun context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool
	stopErr   error
}

// New creates an Exporter. Call Start to run the background loop.
func New(cfg Config, transport Transport, encoder Encoder, opts ...Option) *Exporter {
	if encoder == nil {
		encoder = JSONEncoder{}
	}
	e := &Exporter{
		cfg:       cfg.withDefaults(),
		transport: transport,
		encoder:   encoder,
		clock:     clockz.RealClock,
		logger:    zap.NewNop(),
		observer:  nopObserver{},
		flushCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	e.runCtx, e.cancelRun = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	return e
}

// Start launches the background flush loop. Later calls do nothing.
func (e *Exporter) Start() {
	e.startOnce.Do(func() {
		go e.run()
	})
}

// State returns the current state.
func (e *Exporter) State() State {
	return State(e.state.Load())
}

// Len returns the number of queued traces.
func (e *Exporter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Enqueue queues a completed trace. It never blocks: on overflow the oldest
// queued trace is evicted. Traces arriving after Stop are dropped.
func (e *Exporter) Enqueue(t *trace.Trace) {
	if t == nil {
		return
	}
	if e.stopped.Load() {
		e.logger.Debug("trace dropped: exporter stopped", zap.String("trace_id", t.TraceID))
		return
	}

	e.mu.Lock()
	var evicted *trace.Trace
	if len(e.queue) >= e.cfg.QueueSize {
		evicted = e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
	}
	e.queue = append(e.queue, t)
	depth := len(e.queue)
	e.mu.Unlock()

	if evicted != nil {
		e.observer.TraceEvicted()
		e.logger.Warn("export queue full, oldest trace evicted",
			zap.String("evicted_trace_id", evicted.TraceID),
			zap.Int("queue_size", e.cfg.QueueSize),
		)
	}
	e.observer.QueueDepthChanged(depth)
	e.state.CompareAndSwap(int32(StateIdle), int32(StateAccumulating))

	if depth >= e.cfg.BatchSize {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

func (e *Exporter) run() {
	defer close(e.done)
	for {
		timer := e.clock.After(e.cfg.Interval)
		select {
		case <-e.stopCh:
			return
		case <-timer:
		case <-e.flushCh:
		}
		_ = e.drain(e.runCtx)
	}
}

// Flush sends everything queued now, in batches, and returns once done or
// when ctx ends. Batches that fail after retries are dropped and reported in
// the returned error.
func (e *Exporter) Flush(ctx context.Context) error {
	if e.stopped.Load() {
		return ErrExporterStopped
	}
	return e.drain(ctx)
}

func (e *Exporter) drain(ctx context.Context) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	var errs []error
	for {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		batch := e.take()
		if len(batch) == 0 {
			break
		}
		if err := e.export(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}

	if e.Len() > 0 {
		e.state.Store(int32(StateAccumulating))
	} else {
		e.state.Store(int32(StateIdle))
	}
	return errors.Join(errs...)
}

// take removes up to BatchSize traces from the head of the queue.
func (e *Exporter) take() []*trace.Trace {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.queue)
	if n == 0 {
		return nil
	}
	if n > e.cfg.BatchSize {
		n = e.cfg.BatchSize
	}
	batch := make([]*trace.Trace, n)
	copy(batch, e.queue[:n])
	for i := 0; i < n; i++ {
		e.queue[i] = nil
	}
	e.queue = e.queue[n:]
	e.state.Store(int32(StateFlushing))
	e.observer.QueueDepthChanged(len(e.queue))
	return batch
}

func (e *Exporter) export(ctx context.Context, batch []*trace.Trace) error {
	start := e.clock.Now()

	payload, err := e.encoder.Encode(batch)
	if err != nil {
		e.observer.BatchExported(ResultEncode, len(batch), e.clock.Since(start))
		e.logger.Error("batch encoding failed, batch dropped", zap.Int("traces", len(batch)), zap.Error(err))
		return fmt.Errorf("encode batch: %w", err)
	}

	attempt := 0
	op := func() error {
		attempt++
		sendCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
		err := e.transport.Send(sendCtx, payload, e.encoder.ContentType())
		if err != nil && IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		e.logger.Debug("batch send failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, e.policy(ctx), notify); err != nil {
		e.observer.BatchExported(ResultDropped, len(batch), e.clock.Since(start))
		e.logger.Warn("batch dropped",
			zap.Int("traces", len(batch)),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return fmt.Errorf("send batch of %d: %w", len(batch), err)
	}

	e.observer.BatchExported(ResultSuccess, len(batch), e.clock.Since(start))
	e.logger.Debug("batch exported", zap.Int("traces", len(batch)), zap.Int("attempts", attempt))
	return nil
}

func (e *Exporter) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryWaitMin
	b.MaxInterval = e.cfg.RetryWaitMax
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.MaxRetries)), ctx)
}

// Stop ends the background loop and makes one final drain bounded by
// ShutdownTimeout or ctx, whichever ends first, then closes the transport.
// Calling Stop again returns the first result.
func (e *Exporter) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		close(e.stopCh)

		drainCtx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		defer cancel()

		// Without Start there is no loop to wait for.
		e.startOnce.Do(func() { close(e.done) })
		select {
		case <-e.done:
		case <-drainCtx.Done():
		}
		e.cancelRun()

		var errs []error
		if err := e.drain(drainCtx); err != nil {
			errs = append(errs, err)
		}
		if left := e.Len(); left > 0 {
			e.logger.Warn("traces lost at shutdown", zap.Int("traces", left))
		}
		if e.transport != nil {
			if err := e.transport.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close transport: %w", err))
			}
		}
		e.stopErr = errors.Join(errs...)
	})
	return e.stopErr
}
