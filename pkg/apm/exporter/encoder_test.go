package exporter

import (
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/GriffinCanCode/apm-agent/internal/shared/id"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/trace"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

func sampleTrace() *trace.Trace {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	traceID := trace.NewTraceID()
	rootID := trace.NewSpanID()

	root := trace.NewHTTPSpan(trace.HTTPSpanParams{
		SpanID: rootID, TraceID: traceID, Method: "GET", URL: "/users/1",
		StatusCode: 500, Start: start, End: start.Add(30 * time.Millisecond),
	})
	db := trace.NewDBSpan(trace.DBSpanParams{
		TraceID: traceID, ParentSpanID: rootID, DBType: "postgresql", Operation: "SELECT",
		Table: "users", Query: "SELECT * FROM users", Err: errors.New("timeout"),
		Start: start.Add(time.Millisecond), End: start.Add(20 * time.Millisecond),
	})

	return trace.NewTrace(trace.TraceParams{
		TraceID:     traceID,
		ServiceName: "checkout",
		ServiceID:   "svc-1",
		Endpoint:    "GET /users/:id",
		DurationMS:  30,
		StatusCode:  500,
		Timestamp:   start,
		Spans:       []trace.Span{root, db},
		Metadata:    map[string]any{trace.MetaRemoteParent: "00f067aa0ba902b7"},
	})
}

func TestJSONEncoder(t *testing.T) {
	tr := sampleTrace()
	payload, err := JSONEncoder{}.Encode([]*trace.Trace{tr})
	require.NoError(t, err)

	var out []map[string]any
	require.NoError(t, sonic.Unmarshal(payload, &out))
	require.Len(t, out, 1)
	assert.Equal(t, tr.TraceID, out[0]["trace_id"])
	assert.Equal(t, "checkout", out[0]["service_name"])
	assert.Equal(t, true, out[0]["error"])
	assert.Len(t, out[0]["spans"], 2)

	empty, err := JSONEncoder{}.Encode(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(empty))
}

func TestOTLPEncoder(t *testing.T) {
	tr := sampleTrace()
	enc := NewOTLPEncoder()

	payload, err := enc.Encode([]*trace.Trace{tr})
	require.NoError(t, err)
	assert.Equal(t, ContentTypeProtobuf, enc.ContentType())

	var req coltracepb.ExportTraceServiceRequest
	require.NoError(t, proto.Unmarshal(payload, &req))
	require.Len(t, req.GetResourceSpans(), 1)

	rs := req.GetResourceSpans()[0]
	attrs := map[string]string{}
	for _, kv := range rs.GetResource().GetAttributes() {
		attrs[kv.GetKey()] = kv.GetValue().GetStringValue()
	}
	assert.Equal(t, "checkout", attrs["service.name"])
	assert.Equal(t, "svc-1", attrs["service.instance.id"])

	spans := rs.GetScopeSpans()[0].GetSpans()
	require.Len(t, spans, 2)

	root, db := spans[0], spans[1]
	wantTraceID, _ := hex.DecodeString(tr.TraceID)
	assert.Equal(t, wantTraceID, root.GetTraceId())
	assert.Len(t, root.GetSpanId(), 8)
	assert.Equal(t, tracepb.Span_SPAN_KIND_SERVER, root.GetKind())
	assert.Equal(t, "00f067aa0ba902b7", hex.EncodeToString(root.GetParentSpanId()))
	assert.Equal(t, tracepb.Status_STATUS_CODE_ERROR, root.GetStatus().GetCode())

	assert.Equal(t, tracepb.Span_SPAN_KIND_CLIENT, db.GetKind())
	assert.Equal(t, root.GetSpanId(), db.GetParentSpanId())
	assert.Equal(t, "timeout", db.GetStatus().GetMessage())
	assert.Equal(t, uint64(tr.Spans[1].StartTime.UnixNano()), db.GetStartTimeUnixNano())
}

func TestNewEncoder(t *testing.T) {
	enc, err := NewEncoder("json")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeJSON, enc.ContentType())

	enc, err = NewEncoder("otlp")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeProtobuf, enc.ContentType())

	_, err = NewEncoder("xml")
	assert.Error(t, err)
}

func TestIDBytes(t *testing.T) {
	assert.Nil(t, idBytes("", 8))
	assert.Nil(t, idBytes("zz", 8))
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 1}, idBytes("01", 8))
	assert.Equal(t, []byte{9, 10, 11, 12, 13, 14, 15, 16}, idBytes("0102030405060708090a0b0c0d0e0f10", 8))
	assert.Equal(t, []byte{9, 10, 11, 12, 13, 14, 15, 16}, idBytes("0102030405060708090A0B0C0D0E0F10", 8))
	assert.Nil(t, idBytes("0102030405060708090a0b0c0d0e0f1011", 16), "longer than an agent id")

	generated := trace.NewTraceID()
	raw, err := id.Bytes(generated)
	require.NoError(t, err)
	assert.Equal(t, raw[:], idBytes(generated, 16))
}
