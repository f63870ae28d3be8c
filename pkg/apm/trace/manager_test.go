package trace

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

type memorySink struct {
	mu     sync.Mutex
	traces []*Trace
}

func (s *memorySink) Enqueue(t *Trace) {
	s.mu.Lock()
	s.traces = append(s.traces, t)
	s.mu.Unlock()
}

func (s *memorySink) all() []*Trace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Trace(nil), s.traces...)
}

type countingObserver struct {
	mu        sync.Mutex
	started   int
	completed int
	discarded int
	recorded  int
	dropped   map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{dropped: map[string]int{}}
}

func (o *countingObserver) TraceStarted(bool) {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *countingObserver) TraceCompleted(string, int, time.Duration, bool) {
	o.mu.Lock()
	o.completed++
	o.mu.Unlock()
}

func (o *countingObserver) TracesDiscarded(n int) {
	o.mu.Lock()
	o.discarded += n
	o.mu.Unlock()
}

func (o *countingObserver) SpanRecorded(string) {
	o.mu.Lock()
	o.recorded++
	o.mu.Unlock()
}

func (o *countingObserver) SpanDropped(reason string) {
	o.mu.Lock()
	o.dropped[reason]++
	o.mu.Unlock()
}

func dbSpan(tc *TraceContext, table string) Span {
	now := tc.Now()
	return NewDBSpan(DBSpanParams{
		TraceID:      tc.TraceID(),
		ParentSpanID: tc.ActiveSpanID(),
		DBType:       "postgresql",
		Operation:    "SELECT",
		Table:        table,
		Query:        "SELECT * FROM " + table,
		Start:        now,
		End:          now,
	})
}

func TestOpenCurrentComplete(t *testing.T) {
	sink := &memorySink{}
	mgr := NewManager(WithSink(sink), WithService(ServiceInfo{Name: "orders", ID: "svc-1", AgentID: "agent-1"}))

	assert.Nil(t, Current(context.Background()))

	ctx, tc := mgr.Open(context.Background(), "", "", map[string]any{MetaEndpoint: "GET /orders"})
	require.NotNil(t, tc)
	assert.Same(t, tc, Current(ctx))
	assert.Same(t, tc, Active(ctx))
	assert.Len(t, tc.TraceID(), 32)
	assert.Equal(t, 1, mgr.InFlight())

	assert.True(t, Append(ctx, dbSpan(tc, "orders")))

	tr := mgr.Complete(ctx)
	require.NotNil(t, tr)
	assert.Equal(t, tc.TraceID(), tr.TraceID)
	assert.Equal(t, "orders", tr.ServiceName)
	assert.Equal(t, "svc-1", tr.ServiceID)
	assert.Equal(t, "GET /orders", tr.Endpoint)
	assert.Equal(t, "agent-1", tr.Metadata[MetaAgentID])
	assert.Len(t, tr.Spans, 1)
	assert.Equal(t, 0, mgr.InFlight())
	assert.Len(t, sink.all(), 1)

	assert.Nil(t, Active(ctx), "completed context is no longer active")
}

func TestCompleteIsExactlyOnce(t *testing.T) {
	sink := &memorySink{}
	mgr := NewManager(WithSink(sink))
	ctx, _ := mgr.Open(context.Background(), "", "", nil)

	var wg sync.WaitGroup
	results := make(chan *Trace, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- mgr.Complete(ctx)
		}()
	}
	wg.Wait()
	close(results)

	nonNil := 0
	for r := range results {
		if r != nil {
			nonNil++
		}
	}
	assert.Equal(t, 1, nonNil)
	assert.Len(t, sink.all(), 1)

	assert.NotPanics(t, func() { assert.Nil(t, mgr.Complete(ctx)) })
	assert.Nil(t, mgr.Complete(context.Background()))
}

func TestAppendWithoutContextIsNoop(t *testing.T) {
	assert.False(t, Append(context.Background(), Span{TraceID: "x"}))
}

func TestLateSpanDropped(t *testing.T) {
	obs := newCountingObserver()
	mgr := NewManager(WithObserver(obs))
	ctx, tc := mgr.Open(context.Background(), "", "", nil)

	span := dbSpan(tc, "users")
	require.NotNil(t, mgr.Complete(ctx))

	assert.NotPanics(t, func() {
		assert.False(t, tc.Append(span))
	})
	assert.Equal(t, 1, obs.dropped[DropLate])
	assert.Empty(t, tc.Spans())
}

func TestTraceIDMismatchRejected(t *testing.T) {
	obs := newCountingObserver()
	mgr := NewManager(WithObserver(obs))
	_, a := mgr.Open(context.Background(), "", "", nil)
	_, b := mgr.Open(context.Background(), "", "", nil)

	assert.False(t, a.Append(dbSpan(b, "users")))
	assert.Equal(t, 1, obs.dropped[DropMismatch])
	assert.Empty(t, a.Spans())
}

func TestNestedOpenShadowsForDescendantsOnly(t *testing.T) {
	mgr := NewManager()
	outerCtx, outer := mgr.Open(context.Background(), "", "", nil)
	innerCtx, inner := mgr.Open(outerCtx, "", "", nil)

	assert.Same(t, inner, Current(innerCtx))
	assert.Same(t, outer, Current(outerCtx))

	mgr.Complete(innerCtx)
	assert.True(t, outer.Open())
}

func TestConcurrentFlowsDoNotCrossContaminate(t *testing.T) {
	sink := &memorySink{}
	mgr := NewManager(WithSink(sink))

	const flows = 50
	const spansPerFlow = 20

	var wg sync.WaitGroup
	for i := 0; i < flows; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, _ := mgr.Open(context.Background(), "", "", nil)

			var inner sync.WaitGroup
			for j := 0; j < spansPerFlow; j++ {
				inner.Add(1)
				go func() {
					defer inner.Done()
					// each nested goroutine only sees ctx
					tc := Active(ctx)
					if tc != nil {
						tc.Append(dbSpan(tc, "t"))
					}
				}()
			}
			inner.Wait()
			mgr.Complete(ctx)
		}()
	}
	wg.Wait()

	traces := sink.all()
	require.Len(t, traces, flows)

	seen := map[string]bool{}
	for _, tr := range traces {
		assert.False(t, seen[tr.TraceID])
		seen[tr.TraceID] = true

		assert.Len(t, tr.Spans, spansPerFlow)
		for _, s := range tr.Spans {
			assert.Equal(t, tr.TraceID, s.TraceID)
		}
	}
}

func TestClearIsIdempotent(t *testing.T) {
	obs := newCountingObserver()
	mgr := NewManager(WithObserver(obs))
	ctx, tc := mgr.Open(context.Background(), "", "", nil)
	mgr.Open(context.Background(), "", "", nil)

	assert.NotPanics(t, func() {
		mgr.Clear()
		mgr.Clear()
	})

	assert.Equal(t, 0, mgr.InFlight())
	assert.Equal(t, 2, obs.discarded)
	assert.False(t, tc.Append(dbSpan(tc, "users")))
	assert.Nil(t, mgr.Complete(ctx))
}

func TestReap(t *testing.T) {
	clock := clockz.NewFakeClock()
	mgr := NewManager(WithClock(clock))

	staleCtx, _ := mgr.Open(context.Background(), "", "", nil)
	clock.Advance(10 * time.Minute)
	mgr.Open(context.Background(), "", "", nil)

	assert.Equal(t, 1, mgr.Reap(5*time.Minute))
	assert.Equal(t, 1, mgr.InFlight())
	assert.Nil(t, mgr.Complete(staleCtx))
	assert.Equal(t, 0, mgr.Reap(5*time.Minute))
}

func TestRootSpanDrivesTraceFields(t *testing.T) {
	clock := clockz.NewFakeClock()
	mgr := NewManager(WithClock(clock))
	ctx, tc := mgr.Open(context.Background(), "", "", map[string]any{MetaEndpoint: "POST /orders"},
		WithRemoteParent("00f067aa0ba902b7"))

	start := tc.Now()
	clock.Advance(5 * time.Millisecond)
	child := dbSpan(tc, "orders")
	tc.Append(child)
	clock.Advance(5 * time.Millisecond)

	tc.SetRoot(NewHTTPSpan(HTTPSpanParams{
		SpanID:     tc.ActiveSpanID(),
		TraceID:    tc.TraceID(),
		Method:     "POST",
		URL:        "/orders",
		StatusCode: 502,
		Start:      start,
		End:        tc.Now(),
	}))

	tr := mgr.Complete(ctx)
	require.NotNil(t, tr)
	assert.Equal(t, 502, tr.StatusCode)
	assert.True(t, tr.Error)
	assert.Equal(t, 10.0, tr.DurationMS)
	assert.Equal(t, start, tr.Timestamp)
	assert.Equal(t, "00f067aa0ba902b7", tr.Metadata[MetaRemoteParent])

	require.Len(t, tr.Spans, 2)
	assert.True(t, tr.Spans[0].IsRoot())
	assert.Equal(t, []Span{child}, tr.Children())
}

func TestSamplingRateZeroExportsNothing(t *testing.T) {
	for _, tc := range []struct {
		rate float64
		want int
	}{
		{rate: 0, want: 0},
		{rate: 1, want: 100},
	} {
		sink := &memorySink{}
		mgr := NewManager(WithSink(sink), WithSampler(NewSampler(tc.rate)))

		for i := 0; i < 100; i++ {
			ctx, _ := mgr.Open(context.Background(), "", "", nil)
			if active := Active(ctx); active != nil {
				active.Append(dbSpan(active, "users"))
			}
			mgr.Complete(ctx)
		}

		assert.Len(t, sink.all(), tc.want, "rate %v", tc.rate)
		assert.Equal(t, 0, mgr.InFlight())
	}
}
