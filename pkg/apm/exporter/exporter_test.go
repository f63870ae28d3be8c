package exporter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GriffinCanCode/apm-agent/pkg/apm/trace"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

type fakeTransport struct {
	mu       sync.Mutex
	payloads [][]byte
	attempts int
	closed   int
	// fail returns the error for the nth attempt (1-based), nil to succeed.
	fail func(attempt int) error
}

func (f *fakeTransport) Send(_ context.Context, payload []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.fail != nil {
		if err := f.fail(f.attempts); err != nil {
			return err
		}
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.payloads...)
}

func (f *fakeTransport) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type recordingObserver struct {
	mu      sync.Mutex
	evicted int
	results map[string]int
}

func (o *recordingObserver) QueueDepthChanged(int) {}

func (o *recordingObserver) TraceEvicted() {
	o.mu.Lock()
	o.evicted++
	o.mu.Unlock()
}

func (o *recordingObserver) BatchExported(result string, _ int, _ time.Duration) {
	o.mu.Lock()
	if o.results == nil {
		o.results = map[string]int{}
	}
	o.results[result]++
	o.mu.Unlock()
}

func testConfig() Config {
	return Config{
		BatchSize:       2,
		QueueSize:       10,
		Interval:        time.Second,
		MaxRetries:      2,
		RetryWaitMin:    time.Millisecond,
		RetryWaitMax:    2 * time.Millisecond,
		Timeout:         time.Second,
		ShutdownTimeout: time.Second,
	}
}

func newTrace(id string) *trace.Trace {
	return &trace.Trace{TraceID: id, ServiceName: "checkout", Endpoint: "GET /", StatusCode: 200}
}

func decodeIDs(t *testing.T, payload []byte) []string {
	t.Helper()
	var batch []trace.Trace
	require.NoError(t, sonic.Unmarshal(payload, &batch))
	ids := make([]string, len(batch))
	for i, tr := range batch {
		ids[i] = tr.TraceID
	}
	return ids
}

func TestFlushSendsInBatches(t *testing.T) {
	tr := &fakeTransport{}
	e := New(testConfig(), tr, JSONEncoder{})

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		e.Enqueue(newTrace(id))
	}
	assert.Equal(t, StateAccumulating, e.State())

	require.NoError(t, e.Flush(context.Background()))

	sent := tr.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, []string{"a", "b"}, decodeIDs(t, sent[0]))
	assert.Equal(t, []string{"c", "d"}, decodeIDs(t, sent[1]))
	assert.Equal(t, []string{"e"}, decodeIDs(t, sent[2]))
	assert.Equal(t, StateIdle, e.State())
	assert.Zero(t, e.Len())
}

func TestSizeThresholdTriggersFlush(t *testing.T) {
	tr := &fakeTransport{}
	cfg := testConfig()
	cfg.Interval = time.Hour
	e := New(cfg, tr, JSONEncoder{})
	e.Start()
	defer e.Stop(context.Background())

	e.Enqueue(newTrace("a"))
	e.Enqueue(newTrace("b"))

	require.Eventually(t, func() bool { return len(tr.sent()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestIntervalTriggersFlush(t *testing.T) {
	tr := &fakeTransport{}
	clock := clockz.NewFakeClock()
	cfg := testConfig()
	cfg.BatchSize = 100
	cfg.QueueSize = 100
	e := New(cfg, tr, JSONEncoder{}, WithClock(clock))
	e.Start()
	defer e.Stop(context.Background())

	e.Enqueue(newTrace("a"))
	assert.Empty(t, tr.sent())

	require.Eventually(t, func() bool {
		clock.Advance(cfg.Interval)
		return len(tr.sent()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRetryThenSuccess(t *testing.T) {
	tr := &fakeTransport{fail: func(n int) error {
		if n < 3 {
			return errors.New("connection refused")
		}
		return nil
	}}
	obs := &recordingObserver{}
	e := New(testConfig(), tr, JSONEncoder{}, WithObserver(obs))

	e.Enqueue(newTrace("a"))
	require.NoError(t, e.Flush(context.Background()))

	assert.Equal(t, 3, tr.attemptCount())
	assert.Len(t, tr.sent(), 1)
	assert.Equal(t, 1, obs.results[ResultSuccess])
}

func TestRetriesExhaustedDropsBatch(t *testing.T) {
	tr := &fakeTransport{fail: func(int) error { return &StatusError{StatusCode: 503} }}
	obs := &recordingObserver{}
	e := New(testConfig(), tr, JSONEncoder{}, WithObserver(obs))

	e.Enqueue(newTrace("a"))
	err := e.Flush(context.Background())
	require.Error(t, err)

	assert.Equal(t, 3, tr.attemptCount(), "one attempt plus MaxRetries")
	assert.Zero(t, e.Len())
	assert.Equal(t, 1, obs.results[ResultDropped])
}

func TestPermanentErrorNotRetried(t *testing.T) {
	tr := &fakeTransport{fail: func(int) error { return &StatusError{StatusCode: 400, Body: "bad payload"} }}
	e := New(testConfig(), tr, JSONEncoder{})

	e.Enqueue(newTrace("a"))
	err := e.Flush(context.Background())

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 400, se.StatusCode)
	assert.Equal(t, 1, tr.attemptCount())
}

func TestQueueEvictsOldestUnderBackpressure(t *testing.T) {
	tr := &fakeTransport{fail: func(int) error { return errors.New("backend down") }}
	obs := &recordingObserver{}
	cfg := testConfig()
	cfg.QueueSize = 3
	e := New(cfg, tr, JSONEncoder{}, WithObserver(obs))

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		e.Enqueue(newTrace(id))
	}
	assert.Equal(t, 3, e.Len())
	assert.Equal(t, 2, obs.evicted)

	assert.Error(t, e.Flush(context.Background()))
	assert.Zero(t, e.Len())

	// Still accepting after the failed flush.
	e.Enqueue(newTrace("f"))
	assert.Equal(t, 1, e.Len())

	tr.mu.Lock()
	tr.fail = nil
	tr.mu.Unlock()
	require.NoError(t, e.Flush(context.Background()))
	sent := tr.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"f"}, decodeIDs(t, sent[0]))
}

func TestEnqueueNeverBlocksWhileSendStalls(t *testing.T) {
	release := make(chan struct{})
	tr := &blockingTransport{release: release}
	cfg := testConfig()
	cfg.QueueSize = 4
	e := New(cfg, tr, JSONEncoder{})
	e.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			e.Enqueue(newTrace("t"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a stalled transport")
	}
	assert.LessOrEqual(t, e.Len(), 4)

	close(release)
	require.NoError(t, e.Stop(context.Background()))
}

type blockingTransport struct {
	release chan struct{}
}

func (b *blockingTransport) Send(ctx context.Context, _ []byte, _ string) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingTransport) Close() error { return nil }

func TestStopDrainsAndIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	cfg := testConfig()
	cfg.Interval = time.Hour
	cfg.BatchSize = 100
	cfg.QueueSize = 100
	e := New(cfg, tr, JSONEncoder{})
	e.Start()

	e.Enqueue(newTrace("a"))
	e.Enqueue(newTrace("b"))

	require.NoError(t, e.Stop(context.Background()))
	require.NoError(t, e.Stop(context.Background()))

	sent := tr.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"a", "b"}, decodeIDs(t, sent[0]))
	assert.Equal(t, 1, tr.closed)

	e.Enqueue(newTrace("late"))
	assert.Zero(t, e.Len())
	assert.ErrorIs(t, e.Flush(context.Background()), ErrExporterStopped)
}

func TestStopWithoutStart(t *testing.T) {
	tr := &fakeTransport{}
	e := New(testConfig(), tr, JSONEncoder{})
	e.Enqueue(newTrace("a"))

	require.NoError(t, e.Stop(context.Background()))
	assert.Len(t, tr.sent(), 1)
}

func TestStopBoundedByShutdownTimeout(t *testing.T) {
	tr := &blockingTransport{release: make(chan struct{})}
	cfg := testConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	cfg.MaxRetries = 0
	e := New(cfg, tr, JSONEncoder{})
	e.Enqueue(newTrace("a"))

	start := time.Now()
	err := e.Stop(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConfigDefaults(t *testing.T) {
	c := Config{BatchSize: 20, QueueSize: 5}.withDefaults()
	assert.Equal(t, 20, c.QueueSize, "queue holds at least one batch")
	assert.Equal(t, DefaultConfig().Interval, c.Interval)
	assert.Equal(t, DefaultConfig().RetryWaitMin, c.RetryWaitMin)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "accumulating", StateAccumulating.String())
	assert.Equal(t, "flushing", StateFlushing.String())
}
