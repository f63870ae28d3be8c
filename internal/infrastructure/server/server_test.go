package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/apm-agent/internal/infrastructure/config"
	"github.com/GriffinCanCode/apm-agent/pkg/apm"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/trace"
)

type captureTransport struct {
	mu      sync.Mutex
	batches [][]trace.Trace
}

func (c *captureTransport) Send(_ context.Context, payload []byte, _ string) error {
	var batch []trace.Trace
	if err := sonic.Unmarshal(payload, &batch); err != nil {
		return err
	}
	c.mu.Lock()
	c.batches = append(c.batches, batch)
	c.mu.Unlock()
	return nil
}

func (c *captureTransport) Close() error { return nil }

func (c *captureTransport) all() []trace.Trace {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []trace.Trace
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

type memoryOrders struct {
	mu   sync.Mutex
	docs []interface{}
}

func (m *memoryOrders) Name() string { return "orders" }

func (m *memoryOrders) ReplaceOne(_ context.Context, _, replacement interface{}, _ ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, replacement)
	return &mongo.UpdateResult{UpsertedCount: 1}, nil
}

func newAgent(t *testing.T) (*apm.Agent, *captureTransport) {
	t.Helper()
	cfg := config.Default()
	cfg.Instrumentation.Enabled = true
	cfg.Service.Name = "demo"
	cfg.Exporter.Interval = time.Hour

	tr := &captureTransport{}
	agent, err := apm.New(cfg,
		apm.WithTransport(tr),
		apm.WithLogger(zap.NewNop()),
		apm.WithRegistry(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = agent.Shutdown(context.Background()) })
	return agent, tr
}

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHealthAndMetrics(t *testing.T) {
	agent, _ := newAgent(t)
	srv := New(Config{Port: "0"}, agent, Deps{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tracing":true`)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "apm_traces_started_total")
	assert.Contains(t, rec.Body.String(), `apm_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestGetUserTracesQuery(t *testing.T) {
	agent, tr := newAgent(t)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectQuery("SELECT name FROM users").
		WithArgs("7").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("grace"))

	srv := New(Config{Port: "0"}, agent, Deps{DB: db})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/7", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "grace")

	require.NoError(t, agent.Flush(context.Background()))
	traces := tr.all()
	require.Len(t, traces, 1)
	assert.Equal(t, "GET /users/:id", traces[0].Endpoint)
	require.Len(t, traces[0].Children(), 1)
	assert.Equal(t, trace.SpanDB, traces[0].Children()[0].Type)
}

func TestGetUserNotFound(t *testing.T) {
	agent, tr := newAgent(t)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectQuery("SELECT name FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	srv := New(Config{Port: "0"}, agent, Deps{DB: db})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/404", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, agent.Flush(context.Background()))
	traces := tr.all()
	require.Len(t, traces, 1)
	assert.Equal(t, http.StatusNotFound, traces[0].StatusCode)
	assert.True(t, traces[0].Error)
}

func TestSaveOrder(t *testing.T) {
	agent, tr := newAgent(t)
	orders := &memoryOrders{}
	srv := New(Config{Port: "0"}, agent, Deps{Orders: orders})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/orders/A-1", strings.NewReader(`{"total":12.5}`))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, orders.docs, 1)

	require.NoError(t, agent.Flush(context.Background()))
	traces := tr.all()
	require.Len(t, traces, 1)
	require.Len(t, traces[0].Children(), 1)
	span := traces[0].Children()[0]
	assert.Equal(t, "mongodb: save orders", span.Name)
}

func TestSaveOrderWithoutStore(t *testing.T) {
	agent, _ := newAgent(t)
	srv := New(Config{Port: "0"}, agent, Deps{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders/A-1", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
