package trace

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Sink receives completed, sampled traces. Enqueue must not block.
type Sink interface {
	Enqueue(t *Trace)
}

// Observer is notified of context and span lifecycle events.
type Observer interface {
	TraceStarted(sampled bool)
	TraceCompleted(endpoint string, statusCode int, duration time.Duration, sampled bool)
	TracesDiscarded(n int)
	SpanRecorded(spanType string)
	SpanDropped(reason string)
}

// ServiceInfo is stamped on every exported trace.
type ServiceInfo struct {
	Name    string
	ID      string
	AgentID string
}

// Manager opens and completes trace contexts and tracks those in flight.
type Manager struct {
	clock    clockz.Clock
	sampler  Sampler
	sink     Sink
	observer Observer
	logger   *zap.Logger
	service  ServiceInfo

	mu       sync.Mutex
	inflight map[*TraceContext]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for context and span timestamps.
func WithClock(c clockz.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithSampler sets the sampling policy. The default keeps everything.
func WithSampler(s Sampler) Option {
	return func(m *Manager) { m.sampler = s }
}

// WithSink sets where completed traces go.
func WithSink(s Sink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithService sets the service identity.
func WithService(s ServiceInfo) Option {
	return func(m *Manager) { m.service = s }
}

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		clock:    clockz.RealClock,
		sampler:  NewSampler(1),
		observer: nopObserver{},
		logger:   zap.NewNop(),
		service:  ServiceInfo{Name: "unknown"},
		inflight: make(map[*TraceContext]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.observer == nil {
		m.observer = nopObserver{}
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// Now reads the manager's clock.
func (m *Manager) Now() time.Time { return m.clock.Now() }

// OpenOption adjusts a single Open call.
type OpenOption func(*TraceContext)

// WithRemoteParent records the caller's span id for a continued trace.
func WithRemoteParent(spanID string) OpenOption {
	return func(tc *TraceContext) { tc.remoteParent = spanID }
}

// Open starts a trace context and returns a derived ctx carrying it. An
// empty traceID or rootSpanID is generated. The sampling decision is made
// here and never revisited. A context already carried by ctx is shadowed
// for the returned ctx only.
func (m *Manager) Open(ctx context.Context, traceID, rootSpanID string, metadata map[string]any, opts ...OpenOption) (context.Context, *TraceContext) {
	if ctx == nil {
		ctx = context.Background()
	}
	if traceID == "" {
		traceID = NewTraceID()
	}
	if rootSpanID == "" {
		rootSpanID = NewSpanID()
	}

	tc := &TraceContext{
		traceID:    traceID,
		rootSpanID: rootSpanID,
		sampled:    m.sampler.Sample(traceID),
		startTime:  m.clock.Now(),
		clock:      m.clock,
		logger:     m.logger,
		observer:   m.observer,
		metadata:   copyMeta(metadata),
	}
	for _, opt := range opts {
		opt(tc)
	}

	m.mu.Lock()
	m.inflight[tc] = struct{}{}
	m.mu.Unlock()

	m.observer.TraceStarted(tc.sampled)
	return context.WithValue(ctx, contextKey{}, tc), tc
}

// Complete finalises the trace carried by ctx. The first call returns the
// export record and hands it to the sink when the trace is sampled; every
// later call, a call without a trace, or a call for an unsampled trace
// returns nil.
func (m *Manager) Complete(ctx context.Context) *Trace {
	tc := Current(ctx)
	if tc == nil {
		return nil
	}
	return m.CompleteContext(tc)
}

// CompleteContext is Complete for a context already in hand.
func (m *Manager) CompleteContext(tc *TraceContext) *Trace {
	now := m.clock.Now()
	if !tc.finish(stateCompleted, now) {
		return nil
	}

	m.mu.Lock()
	delete(m.inflight, tc)
	m.mu.Unlock()

	t := m.build(tc)
	m.observer.TraceCompleted(t.Endpoint, t.StatusCode, time.Duration(t.DurationMS*float64(time.Millisecond)), tc.sampled)
	if !tc.sampled {
		return nil
	}

	if m.sink != nil {
		m.sink.Enqueue(t)
	}
	return t
}

func (m *Manager) build(tc *TraceContext) *Trace {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	spans := make([]Span, 0, len(tc.spans)+1)
	timestamp := tc.startTime
	duration := DurationMS(tc.startTime, tc.endTime)
	failed := false
	if tc.root != nil {
		spans = append(spans, *tc.root)
		timestamp = tc.root.StartTime
		duration = tc.root.DurationMS
		failed = tc.root.IsError()
	}
	spans = append(spans, tc.spans...)

	meta := make(map[string]any, len(tc.metadata)+2)
	meta[MetaAgentID] = m.service.AgentID
	if tc.remoteParent != "" {
		meta[MetaRemoteParent] = tc.remoteParent
	}
	for k, v := range tc.metadata {
		meta[k] = v
	}

	endpoint, _ := tc.metadata[MetaEndpoint].(string)

	return NewTrace(TraceParams{
		TraceID:     tc.traceID,
		ServiceName: m.service.Name,
		ServiceID:   m.service.ID,
		Endpoint:    endpoint,
		DurationMS:  duration,
		StatusCode:  tc.statusCode,
		Error:       failed,
		Timestamp:   timestamp,
		Spans:       spans,
		Metadata:    meta,
	})
}

// Clear discards every in-flight context. Discarded contexts refuse further
// spans and complete to nil. Calling Clear repeatedly is safe.
func (m *Manager) Clear() {
	n := m.discard(func(*TraceContext) bool { return true })
	if n > 0 {
		m.logger.Debug("discarded in-flight traces", zap.Int("count", n))
	}
}

// Reap discards contexts opened more than maxAge ago whose root never
// completed, returning how many were dropped.
func (m *Manager) Reap(maxAge time.Duration) int {
	cutoff := m.clock.Now().Add(-maxAge)
	n := m.discard(func(tc *TraceContext) bool { return tc.startTime.Before(cutoff) })
	if n > 0 {
		m.logger.Info("reaped stale traces", zap.Int("count", n), zap.Duration("max_age", maxAge))
	}
	return n
}

// InFlight returns the number of open contexts.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

func (m *Manager) discard(match func(*TraceContext) bool) int {
	now := m.clock.Now()

	m.mu.Lock()
	var victims []*TraceContext
	for tc := range m.inflight {
		if match(tc) {
			victims = append(victims, tc)
			delete(m.inflight, tc)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, tc := range victims {
		if tc.finish(stateDiscarded, now) {
			n++
		}
	}
	m.observer.TracesDiscarded(n)
	return n
}

type nopObserver struct{}

func (nopObserver) TraceStarted(bool) {}
func (nopObserver) TraceCompleted(string, int, time.Duration, bool) {}
func (nopObserver) TracesDiscarded(int) {}
func (nopObserver) SpanRecorded(string) {}
func (nopObserver) SpanDropped(string) {}
