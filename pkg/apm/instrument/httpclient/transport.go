// Package httpclient instruments outbound requests made through net/http by
// wrapping the client's RoundTripper.
package httpclient

import (
	"net/http"

	"github.com/GriffinCanCode/apm-agent/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/instrument"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/trace"
)

const integration = "httpclient"

// Transport records an external span for every request whose context
// carries an active trace. Requests without one pass straight to Base.
type Transport struct {
	Base http.RoundTripper
	opts instrument.Options
}

// NewTransport wraps base, or http.DefaultTransport when base is nil.
func NewTransport(base http.RoundTripper, opts ...instrument.Option) *Transport {
	return &Transport{Base: base, opts: instrument.Apply(opts...)}
}

// Wrap returns a shallow copy of client whose transport is instrumented.
func Wrap(client *http.Client, opts ...instrument.Option) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	c := *client
	c.Transport = NewTransport(client.Transport, opts...)
	return &c
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	tc := trace.Active(req.Context())
	if tc == nil {
		return t.base().RoundTrip(req)
	}
	o := t.opts
	if o.Logger == nil {
		// Zero-value Transport: use the defaults.
		o = instrument.Apply()
	}
	log := o.Logger.Named(integration)

	spanID := trace.NewSpanID()
	start := tc.Now()

	out := req
	if o.PropagateHeaders {
		instrument.Guard(log, integration, func() {
			out = req.Clone(req.Context())
			tracing.Inject(tracing.HeaderCarrier(out.Header), tc.TraceID(), spanID)
		})
	}

	resp, err := t.base().RoundTrip(out)

	instrument.Guard(log, integration, func() {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		tc.Append(trace.NewExternalSpan(trace.ExternalSpanParams{
			SpanID:       spanID,
			TraceID:      tc.TraceID(),
			ParentSpanID: tc.ActiveSpanID(),
			Host:         req.URL.Host,
			Method:       req.Method,
			URL:          trace.Sanitize(req.URL.String()),
			StatusCode:   status,
			Err:          err,
			Start:        start,
			End:          tc.Now(),
		}))
	})

	return resp, err
}
