package exporter

import (
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/GriffinCanCode/apm-agent/internal/infrastructure/config"
	"github.com/GriffinCanCode/apm-agent/internal/shared/id"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/trace"
	"github.com/bytedance/sonic"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

// Content types written by the encoders.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

const scopeName = "github.com/GriffinCanCode/apm-agent"

// Encoder turns a batch into a request body.
type Encoder interface {
	ContentType() string
	Encode(batch []*trace.Trace) ([]byte, error)
}

// NewEncoder returns the encoder for a configured format.
func NewEncoder(format string) (Encoder, error) {
	switch format {
	case "", config.FormatJSON:
		return JSONEncoder{}, nil
	case config.FormatOTLP:
		return NewOTLPEncoder(), nil
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}

// JSONEncoder writes the batch as a JSON array of trace records.
type JSONEncoder struct{}

func (JSONEncoder) ContentType() string { return ContentTypeJSON }

func (JSONEncoder) Encode(batch []*trace.Trace) ([]byte, error) {
	if batch == nil {
		batch = []*trace.Trace{}
	}
	return sonic.Marshal(batch)
}

// OTLPEncoder writes an OTLP ExportTraceServiceRequest.
type OTLPEncoder struct {
	hostname string
}

// NewOTLPEncoder captures host attributes once.
func NewOTLPEncoder() *OTLPEncoder {
	host, _ := os.Hostname()
	return &OTLPEncoder{hostname: host}
}

func (*OTLPEncoder) ContentType() string { return ContentTypeProtobuf }

func (e *OTLPEncoder) Encode(batch []*trace.Trace) ([]byte, error) {
	return proto.Marshal(e.Request(batch))
}

// Request builds the OTLP request, one ResourceSpans per trace.
func (e *OTLPEncoder) Request(batch []*trace.Trace) *coltracepb.ExportTraceServiceRequest {
	req := &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: make([]*tracepb.ResourceSpans, 0, len(batch)),
	}
	for _, t := range batch {
		if t == nil {
			continue
		}
		req.ResourceSpans = append(req.ResourceSpans, &tracepb.ResourceSpans{
			Resource: e.resource(t),
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{Name: scopeName},
				Spans: otlpSpans(t),
			}},
		})
	}
	return req
}

func (e *OTLPEncoder) resource(t *trace.Trace) *resourcepb.Resource {
	attrs := []*commonpb.KeyValue{
		stringAttr("service.name", t.ServiceName),
		stringAttr("os.type", runtime.GOOS),
	}
	if t.ServiceID != "" {
		attrs = append(attrs, stringAttr("service.instance.id", t.ServiceID))
	}
	if e.hostname != "" {
		attrs = append(attrs, stringAttr("host.name", e.hostname))
	}
	return &resourcepb.Resource{Attributes: attrs}
}

func otlpSpans(t *trace.Trace) []*tracepb.Span {
	traceID := idBytes(t.TraceID, 16)
	remoteParent, _ := t.Metadata[trace.MetaRemoteParent].(string)

	out := make([]*tracepb.Span, 0, len(t.Spans))
	for _, s := range t.Spans {
		parent := s.ParentSpanID
		if s.IsRoot() {
			parent = remoteParent
		}

		kind := tracepb.Span_SPAN_KIND_CLIENT
		if s.Type == trace.SpanHTTP {
			kind = tracepb.Span_SPAN_KIND_SERVER
		}

		status := &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK}
		if s.IsError() {
			status.Code = tracepb.Status_STATUS_CODE_ERROR
			status.Message, _ = s.Metadata[trace.MetaErrorMessage].(string)
		}

		out = append(out, &tracepb.Span{
			TraceId:           traceID,
			SpanId:            idBytes(s.SpanID, 8),
			ParentSpanId:      idBytes(parent, 8),
			Name:              s.Name,
			Kind:              kind,
			StartTimeUnixNano: unixNano(s.StartTime),
			EndTimeUnixNano:   unixNano(s.EndTime),
			Attributes:        attributes(s),
			Status:            status,
		})
	}
	return out
}

func attributes(s trace.Span) []*commonpb.KeyValue {
	keys := make([]string, 0, len(s.Metadata)+1)
	for k := range s.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]*commonpb.KeyValue, 0, len(keys)+1)
	attrs = append(attrs, stringAttr("span.type", string(s.Type)))
	for _, k := range keys {
		attrs = append(attrs, &commonpb.KeyValue{Key: k, Value: anyValue(s.Metadata[k])})
	}
	return attrs
}

func anyValue(v any) *commonpb.AnyValue {
	switch x := v.(type) {
	case string:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: x}}
	case bool:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: x}}
	case int:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(x)}}
	case int64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: x}}
	case float64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: x}}
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: fmt.Sprint(x)}}
	}
}

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}}}
}

// idBytes decodes an id into size bytes, keeping the low-order bytes of
// longer ids and left-padding shorter ones. Agent ids decode through the id
// package; shorter ids come from foreign callers via traceparent. Unparseable
// ids yield nil.
func idBytes(s string, size int) []byte {
	var b []byte
	if raw, err := id.Bytes(s); err == nil {
		b = raw[:]
	} else if len(s) > 0 && len(s) < id.HexLength {
		if b, err = hex.DecodeString(s); err != nil {
			return nil
		}
	} else {
		return nil
	}
	if len(b) >= size {
		return b[len(b)-size:]
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

func unixNano(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}
