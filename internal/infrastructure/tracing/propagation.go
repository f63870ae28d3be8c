package tracing

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/GriffinCanCode/apm-agent/internal/shared/id"
	"google.golang.org/grpc/metadata"
)

// Propagation headers. X-Trace-ID/X-Span-ID carry full identifiers between
// services running this agent; traceparent is the W3C form understood by
// everything else.
const (
	HeaderTraceID     = "X-Trace-ID"
	HeaderSpanID      = "X-Span-ID"
	HeaderTraceparent = "traceparent"
)

// Carrier reads and writes propagation fields.
type Carrier interface {
	Get(key string) string
	Set(key, value string)
}

// HeaderCarrier adapts http.Header.
type HeaderCarrier http.Header

func (c HeaderCarrier) Get(key string) string { return http.Header(c).Get(key) }
func (c HeaderCarrier) Set(key, value string) { http.Header(c).Set(key, value) }

// MetadataCarrier adapts gRPC metadata, whose keys are lower-case.
type MetadataCarrier metadata.MD

func (c MetadataCarrier) Get(key string) string {
	vals := metadata.MD(c).Get(key)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func (c MetadataCarrier) Set(key, value string) { metadata.MD(c).Set(key, value) }

// Extract returns the remote trace id and parent span id, or empty strings
// when the carrier holds nothing usable. X-Trace-ID takes precedence over
// traceparent.
func Extract(c Carrier) (traceID, parentSpanID string) {
	if t := strings.ToLower(c.Get(HeaderTraceID)); id.IsValid(t) {
		traceID = t
		if s := strings.ToLower(c.Get(HeaderSpanID)); s != "" && isHex(s) {
			parentSpanID = s
		}
		return traceID, parentSpanID
	}
	return parseTraceparent(c.Get(HeaderTraceparent))
}

// Inject writes traceID and spanID into the carrier.
func Inject(c Carrier, traceID, spanID string) {
	if traceID == "" {
		return
	}
	c.Set(HeaderTraceID, traceID)
	if spanID != "" {
		c.Set(HeaderSpanID, spanID)
	}
	if tp := Traceparent(traceID, spanID, true); tp != "" {
		c.Set(HeaderTraceparent, tp)
	}
}

// Traceparent renders a W3C traceparent value. The parent id is the low 64
// bits of spanID.
func Traceparent(traceID, spanID string, sampled bool) string {
	if !id.IsValid(traceID) || len(spanID) < 16 || !isHex(spanID) {
		return ""
	}
	flags := "00"
	if sampled {
		flags = "01"
	}
	return fmt.Sprintf("00-%s-%s-%s", strings.ToLower(traceID), strings.ToLower(spanID[len(spanID)-16:]), flags)
}

func parseTraceparent(v string) (traceID, parentSpanID string) {
	parts := strings.Split(strings.TrimSpace(strings.ToLower(v)), "-")
	if len(parts) < 4 || len(parts[0]) != 2 || parts[0] == "ff" {
		return "", ""
	}
	if !id.IsValid(parts[1]) || parts[1] == strings.Repeat("0", id.HexLength) {
		return "", ""
	}
	if len(parts[2]) != 16 || !isHex(parts[2]) || parts[2] == strings.Repeat("0", 16) {
		return parts[1], ""
	}
	return parts[1], parts[2]
}

// FromIncomingContext extracts remote identifiers from gRPC server metadata.
func FromIncomingContext(ctx context.Context) (traceID, parentSpanID string) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ""
	}
	return Extract(MetadataCarrier(md))
}

// AppendToOutgoingContext adds propagation fields to gRPC client metadata.
func AppendToOutgoingContext(ctx context.Context, traceID, spanID string) context.Context {
	md, ok := metadata.FromOutgoingContext(ctx)
	if ok {
		md = md.Copy()
	} else {
		md = metadata.MD{}
	}
	Inject(MetadataCarrier(md), traceID, spanID)
	return metadata.NewOutgoingContext(ctx, md)
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return s != ""
}
