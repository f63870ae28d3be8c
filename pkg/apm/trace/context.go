package trace

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

type state int

const (
	stateOpen state = iota
	stateCompleted
	stateDiscarded
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateCompleted:
		return "completed"
	default:
		return "discarded"
	}
}

// Span drop reasons reported to the Observer.
const (
	DropLate     = "late"
	DropMismatch = "trace_mismatch"
)

// TraceContext is the mutable state of one in-flight request flow. It is
// safe for concurrent use by the goroutines serving that request.
type TraceContext struct {
	traceID      string
	rootSpanID   string
	remoteParent string
	sampled      bool
	startTime    time.Time

	clock    clockz.Clock
	logger   *zap.Logger
	observer Observer

	mu         sync.Mutex
	state      state
	spans      []Span
	root       *Span
	metadata   map[string]any
	endTime    time.Time
	statusCode int
}

// TraceID returns the trace identifier.
func (tc *TraceContext) TraceID() string { return tc.traceID }

// ActiveSpanID returns the span children should name as their parent.
func (tc *TraceContext) ActiveSpanID() string { return tc.rootSpanID }

// RemoteParentSpanID returns the caller's span id when the trace was
// continued from an incoming request, or "".
func (tc *TraceContext) RemoteParentSpanID() string { return tc.remoteParent }

// Sampled reports the sampling decision made when the context was opened.
func (tc *TraceContext) Sampled() bool { return tc.sampled }

// StartTime returns when the context was opened.
func (tc *TraceContext) StartTime() time.Time { return tc.startTime }

// Now reads the clock the context was opened with.
func (tc *TraceContext) Now() time.Time { return tc.clock.Now() }

// Open reports whether the context still accepts spans.
func (tc *TraceContext) Open() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.state == stateOpen
}

// Append adds a finished child span. It returns false when the span was
// refused: the span belongs to another trace or the context has already
// been completed or discarded. Refusals are logged, never raised.
func (tc *TraceContext) Append(span Span) bool {
	if span.TraceID != tc.traceID {
		tc.logger.Warn("span rejected: trace id mismatch",
			zap.String("trace_id", tc.traceID),
			zap.String("span_trace_id", span.TraceID),
			zap.String("span", span.Name),
		)
		tc.observer.SpanDropped(DropMismatch)
		return false
	}

	tc.mu.Lock()
	if tc.state != stateOpen {
		st := tc.state
		tc.mu.Unlock()
		tc.logger.Debug("late span dropped",
			zap.String("trace_id", tc.traceID),
			zap.String("span", span.Name),
			zap.Stringer("state", st),
		)
		tc.observer.SpanDropped(DropLate)
		return false
	}
	tc.spans = append(tc.spans, span)
	tc.mu.Unlock()

	tc.observer.SpanRecorded(string(span.Type))
	return true
}

// SetRoot records the root span. Its status code becomes the trace status.
func (tc *TraceContext) SetRoot(span Span) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.state != stateOpen {
		return
	}
	tc.root = &span
	if code, ok := span.Metadata[MetaHTTPStatusCode].(int); ok {
		tc.statusCode = code
	}
}

// SetStatus overrides the status code reported for the trace.
func (tc *TraceContext) SetStatus(code int) {
	tc.mu.Lock()
	tc.statusCode = code
	tc.mu.Unlock()
}

// SetMetadata adds a key to the trace metadata.
func (tc *TraceContext) SetMetadata(key string, value any) {
	tc.mu.Lock()
	tc.metadata[key] = value
	tc.mu.Unlock()
}

// Spans returns a copy of the child spans in completion order.
func (tc *TraceContext) Spans() []Span {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]Span(nil), tc.spans...)
}

// Metadata returns a copy of the trace metadata.
func (tc *TraceContext) Metadata() map[string]any {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return copyMeta(tc.metadata)
}

// finish moves the context out of the open state exactly once.
func (tc *TraceContext) finish(to state, now time.Time) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.state != stateOpen {
		return false
	}
	tc.state = to
	tc.endTime = now
	return true
}

type contextKey struct{}

// Current returns the trace context carried by ctx, or nil.
func Current(ctx context.Context) *TraceContext {
	if ctx == nil {
		return nil
	}
	tc, _ := ctx.Value(contextKey{}).(*TraceContext)
	return tc
}

// Active returns the trace context carried by ctx only when it is sampled
// and still open. Integrations pass through untouched when it returns nil.
func Active(ctx context.Context) *TraceContext {
	tc := Current(ctx)
	if tc == nil || !tc.sampled || !tc.Open() {
		return nil
	}
	return tc
}

// Append adds span to the trace carried by ctx. Without a trace it is a no-op.
func Append(ctx context.Context, span Span) bool {
	tc := Current(ctx)
	if tc == nil {
		return false
	}
	return tc.Append(span)
}

func copyMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
