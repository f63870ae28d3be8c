/*
Package trace holds the agent's trace model: span and trace records, their
constructors, the sampling policy and the per-request trace context.

# Context propagation

The active TraceContext travels inside the request's context.Context. Every
goroutine or callback handed that context (or one derived from it) sees the
same trace; two requests never share a context.Context, so they never see
each other's trace.

	ctx, tc := manager.Open(r.Context(), "", "", map[string]any{"endpoint": "GET /users/:id"})
	defer manager.Complete(ctx)

	// anywhere below, given ctx
	if tc := trace.Active(ctx); tc != nil {
		start := tc.Now()
		err := doWork(ctx)
		tc.Append(trace.NewDBSpan(trace.DBSpanParams{
			TraceID:      tc.TraceID(),
			ParentSpanID: tc.ActiveSpanID(),
			DBType:       "postgresql",
			Operation:    "SELECT",
			Table:        "users",
			Err:          err,
			Start:        start,
			End:          tc.Now(),
		}))
	}

# Lifecycle

A context is opened once per root operation and finishes exactly once, by
Complete or by being discarded (Clear, Reap). After that it refuses spans;
refusals are logged and counted, never raised.
*/
package trace
