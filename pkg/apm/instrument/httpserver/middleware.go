// Package httpserver instruments inbound HTTP: a net/http middleware and a
// gin middleware. Each request opens a root trace context on entry and
// completes it once the handler returns, including when the handler panics.
package httpserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/GriffinCanCode/apm-agent/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/instrument"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/trace"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	integrationNetHTTP = "nethttp"
	integrationGin     = "gin"
)

// Middleware returns net/http middleware recording one trace per request.
func Middleware(mgr *trace.Manager, opts ...instrument.Option) func(http.Handler) http.Handler {
	o := instrument.Apply(opts...)
	log := o.Logger.Named(integrationNetHTTP)

	return func(next http.Handler) http.Handler {
		if mgr == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, tc := begin(mgr, r, r.Method+" "+NormalizePath(r.URL.Path), o, log, integrationNetHTTP)
			if tc == nil {
				next.ServeHTTP(w, r)
				return
			}
			if o.PropagateHeaders {
				tracing.Inject(tracing.HeaderCarrier(w.Header()), tc.TraceID(), tc.ActiveSpanID())
			}

			rec := &statusRecorder{ResponseWriter: w}
			req := r.WithContext(ctx)

			defer func() {
				if p := recover(); p != nil {
					finish(mgr, tc, r, http.StatusInternalServerError, fmt.Errorf("panic: %v", p), "", log, integrationNetHTTP)
					panic(p)
				}
				// ServeMux records the matched pattern on the request it was handed.
				finish(mgr, tc, r, rec.Status(), nil, req.Pattern, log, integrationNetHTTP)
			}()

			next.ServeHTTP(rec, req)
		})
	}
}

// Gin returns gin middleware recording one trace per request. The trace
// context is carried by c.Request.Context().
func Gin(mgr *trace.Manager, opts ...instrument.Option) gin.HandlerFunc {
	o := instrument.Apply(opts...)
	log := o.Logger.Named(integrationGin)

	return func(c *gin.Context) {
		if mgr == nil {
			c.Next()
			return
		}

		route := c.FullPath()
		if route == "" {
			route = NormalizePath(c.Request.URL.Path)
		}

		r := c.Request
		ctx, tc := begin(mgr, r, r.Method+" "+route, o, log, integrationGin)
		if tc == nil {
			c.Next()
			return
		}
		if o.PropagateHeaders {
			tracing.Inject(tracing.HeaderCarrier(c.Writer.Header()), tc.TraceID(), tc.ActiveSpanID())
		}
		c.Request = r.WithContext(ctx)

		defer func() {
			if p := recover(); p != nil {
				finish(mgr, tc, r, http.StatusInternalServerError, fmt.Errorf("panic: %v", p), "", log, integrationGin)
				panic(p)
			}
			var err error
			if last := c.Errors.Last(); last != nil {
				err = last.Err
			}
			finish(mgr, tc, r, c.Writer.Status(), err, "", log, integrationGin)
		}()

		c.Next()
	}
}

// begin opens the root context. A nil TraceContext means instrumentation
// failed and the request must proceed untouched.
func begin(mgr *trace.Manager, r *http.Request, endpoint string, o instrument.Options, log *zap.Logger, integration string) (ctx context.Context, tc *trace.TraceContext) {
	instrument.Guard(log, integration, func() {
		var traceID, parent string
		if o.PropagateHeaders {
			traceID, parent = tracing.Extract(tracing.HeaderCarrier(r.Header))
		}
		ctx, tc = mgr.Open(r.Context(), traceID, "",
			map[string]any{trace.MetaEndpoint: endpoint},
			trace.WithRemoteParent(parent),
		)
	})
	return ctx, tc
}

func finish(mgr *trace.Manager, tc *trace.TraceContext, r *http.Request, status int, err error, pattern string, log *zap.Logger, integration string) {
	instrument.Guard(log, integration, func() {
		if pattern != "" {
			tc.SetMetadata(trace.MetaEndpoint, r.Method+" "+patternPath(pattern))
		}
		tc.SetRoot(trace.NewHTTPSpan(trace.HTTPSpanParams{
			SpanID:     tc.ActiveSpanID(),
			TraceID:    tc.TraceID(),
			Method:     r.Method,
			URL:        trace.Sanitize(r.URL.RequestURI()),
			StatusCode: status,
			Err:        err,
			Start:      tc.StartTime(),
			End:        tc.Now(),
		}))
		mgr.CompleteContext(tc)
	})
}

// statusRecorder captures the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Status returns the written status, 200 when the handler wrote nothing.
func (w *statusRecorder) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("response writer does not support hijacking")
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
