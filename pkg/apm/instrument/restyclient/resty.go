// Package restyclient instruments go-resty clients through the client's
// request and completion hooks. Completion hooks fire once per Execute,
// after retries, so the span carries the final attempt's outcome.
package restyclient

import (
	"context"
	"errors"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/apm-agent/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/instrument"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/trace"
	"github.com/go-resty/resty/v2"
)

const integration = "resty"

// callState is attached to the request context in the before-request hook
// and read back by whichever completion hook fires.
type callState struct {
	tc      *trace.TraceContext
	spanID  string
	start   time.Time
	emitted atomic.Bool
}

type stateKey struct{}

// Instrument installs the tracing hooks on client and returns it. A nil
// client is returned unchanged.
func Instrument(client *resty.Client, opts ...instrument.Option) *resty.Client {
	if client == nil {
		return nil
	}
	o := instrument.Apply(opts...)
	log := o.Logger.Named(integration)

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		instrument.Guard(log, integration, func() { before(req, o) })
		return nil
	})
	client.OnSuccess(func(_ *resty.Client, resp *resty.Response) {
		instrument.Guard(log, integration, func() {
			if resp == nil || resp.Request == nil {
				return
			}
			record(resp.Request, resp.StatusCode(), nil)
		})
	})
	client.OnError(func(req *resty.Request, err error) {
		instrument.Guard(log, integration, func() {
			status := 0
			var respErr *resty.ResponseError
			if errors.As(err, &respErr) && respErr.Response != nil {
				status = respErr.Response.StatusCode()
				err = respErr.Err
			}
			record(req, status, err)
		})
	})
	client.OnInvalid(func(req *resty.Request, err error) {
		instrument.Guard(log, integration, func() { record(req, 0, err) })
	})
	client.OnPanic(func(req *resty.Request, err error) {
		instrument.Guard(log, integration, func() { record(req, 0, err) })
	})
	return client
}

func before(req *resty.Request, o instrument.Options) {
	ctx := req.Context()
	if st, ok := ctx.Value(stateKey{}).(*callState); ok && st != nil {
		// Retry of a request already being measured.
		if o.PropagateHeaders {
			tracing.Inject(tracing.HeaderCarrier(req.Header), st.tc.TraceID(), st.spanID)
		}
		return
	}

	tc := trace.Active(ctx)
	if tc == nil {
		return
	}
	st := &callState{tc: tc, spanID: trace.NewSpanID(), start: tc.Now()}
	req.SetContext(context.WithValue(ctx, stateKey{}, st))
	if o.PropagateHeaders {
		tracing.Inject(tracing.HeaderCarrier(req.Header), tc.TraceID(), st.spanID)
	}
}

func record(req *resty.Request, status int, err error) {
	if req == nil {
		return
	}
	st, ok := req.Context().Value(stateKey{}).(*callState)
	if !ok || st == nil || !st.emitted.CompareAndSwap(false, true) {
		return
	}

	raw := req.URL
	host := ""
	if req.RawRequest != nil && req.RawRequest.URL != nil {
		raw = req.RawRequest.URL.String()
		host = req.RawRequest.URL.Host
	} else if u, perr := url.Parse(req.URL); perr == nil {
		host = u.Host
	}

	st.tc.Append(trace.NewExternalSpan(trace.ExternalSpanParams{
		SpanID:       st.spanID,
		TraceID:      st.tc.TraceID(),
		ParentSpanID: st.tc.ActiveSpanID(),
		Host:         host,
		Method:       req.Method,
		URL:          trace.Sanitize(raw),
		StatusCode:   status,
		Err:          err,
		Start:        st.start,
		End:          st.tc.Now(),
	}))
}
