package trace

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewHTTPSpan(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	span := NewHTTPSpan(HTTPSpanParams{
		TraceID:    "t1",
		Method:     "GET",
		URL:        "/users/42",
		StatusCode: 404,
		Start:      start,
		End:        start.Add(1500 * time.Microsecond),
	})

	assert.Equal(t, SpanHTTP, span.Type)
	assert.Equal(t, "GET /users/42", span.Name)
	assert.Equal(t, 1.5, span.DurationMS)
	assert.True(t, span.IsRoot())
	assert.True(t, span.IsError())
	assert.Equal(t, 404, span.Metadata[MetaHTTPStatusCode])
	assert.Len(t, span.SpanID, 32)
}

func TestNewExternalSpan(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		err       error
		wantError bool
	}{
		{name: "ok", status: 200},
		{name: "server error", status: 503, wantError: true},
		{name: "network error", err: errors.New("dial tcp: connection refused"), wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			span := NewExternalSpan(ExternalSpanParams{
				TraceID:      "t1",
				ParentSpanID: "p1",
				Host:         "api.example.com",
				Method:       "post",
				URL:          "https://api.example.com/v1/pay",
				StatusCode:   tt.status,
				Err:          tt.err,
			})

			assert.Equal(t, SpanExternal, span.Type)
			assert.Equal(t, "POST api.example.com", span.Name)
			assert.Equal(t, tt.wantError, span.IsError())
			if tt.err != nil {
				assert.Equal(t, tt.err.Error(), span.Metadata[MetaErrorMessage])
			} else {
				assert.NotContains(t, span.Metadata, MetaErrorMessage)
			}
		})
	}
}

func TestNewDBSpan(t *testing.T) {
	span := NewDBSpan(DBSpanParams{
		TraceID:    "t1",
		DBType:     "mongodb",
		Operation:  "find",
		Collection: "users",
		Query:      `{"filter":{"password":"hunter2"}}`,
	})

	assert.Equal(t, "mongodb: find users", span.Name)
	assert.Equal(t, "users", span.Metadata[MetaDBCollection])
	assert.NotContains(t, span.Metadata, MetaDBTable)
	assert.NotContains(t, span.Metadata[MetaDBQuery], "hunter2")
	assert.False(t, span.IsError())

	failed := NewDBSpan(DBSpanParams{
		DBType:    "postgresql",
		Operation: "INSERT",
		Table:     "users",
		Err:       errors.New("duplicate key"),
		ErrorCode: "23505",
	})
	assert.Equal(t, "postgresql: INSERT users", failed.Name)
	assert.True(t, failed.IsError())
	assert.Equal(t, "23505", failed.Metadata[MetaDBErrorCode])
	assert.Equal(t, "duplicate key", failed.Metadata[MetaErrorMessage])
}

func TestNewTraceDefaults(t *testing.T) {
	tr := NewTrace(TraceParams{TraceID: "t1", StatusCode: 500})

	assert.Equal(t, "unknown", tr.Endpoint)
	assert.True(t, tr.Error)
	assert.NotNil(t, tr.Spans)
	assert.NotNil(t, tr.Metadata)
}

func TestDurationMSNeverNegative(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 0.0, DurationMS(now, now.Add(-time.Second)))
}

func TestIDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewSpanID()
		assert.False(t, seen[id])
		assert.Equal(t, strings.ToLower(id), id)
		seen[id] = true
	}
}
