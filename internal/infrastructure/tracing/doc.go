/*
Package tracing provides trace context propagation across service boundaries.

# Overview

Inbound integrations read the caller's trace identity from request headers or
gRPC metadata so a downstream service continues the caller's trace instead of
starting a new one. Outbound integrations write the current identity into the
request they send.

# Headers

Two encodings are written and accepted:
  - X-Trace-ID / X-Span-ID: full 128-bit identifiers, preferred when present
  - traceparent: W3C Trace Context, for interop with other tracers

# Usage

	// Server side
	traceID, parentID := tracing.Extract(tracing.HeaderCarrier(r.Header))

	// Client side
	tracing.Inject(tracing.HeaderCarrier(req.Header), traceID, spanID)

	// gRPC
	ctx = tracing.AppendToOutgoingContext(ctx, traceID, spanID)
*/
package tracing
