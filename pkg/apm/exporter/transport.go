package exporter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/GriffinCanCode/apm-agent/internal/infrastructure/resilience"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

// Transport delivers an encoded batch to the backend.
type Transport interface {
	Send(ctx context.Context, payload []byte, contentType string) error
	Close() error
}

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether retrying cannot help: client errors other than
// request timeout and rate limiting.
func (e *StatusError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 &&
		e.StatusCode != http.StatusRequestTimeout &&
		e.StatusCode != http.StatusTooManyRequests
}

// IsPermanent reports whether err is a permanent StatusError.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// HTTPOptions configures an HTTPTransport.
type HTTPOptions struct {
	URL     string
	Token   string
	Timeout time.Duration
	// RateLimit caps sends per second; zero or negative means unlimited.
	RateLimit float64
	// OnBreakerChange is told about circuit breaker transitions.
	OnBreakerChange func(name string, from, to resilience.State)
}

// HTTPTransport posts batches with resty over a pooled retryablehttp
// transport, behind a rate limiter and a circuit breaker. Retries belong to
// the Exporter, so resty's own retry is off.
type HTTPTransport struct {
	client  *resty.Client
	url     string
	limiter *rate.Limiter
	breaker *resilience.Breaker
}

// NewHTTPTransport builds an HTTPTransport.
func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil

	client := resty.New().
		SetTransport(retryClient.HTTPClient.Transport).
		SetRetryCount(0).
		SetHeader("User-Agent", "apm-agent-go/1.0")
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	if opts.Token != "" {
		client.SetAuthToken(opts.Token)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	breaker := resilience.New("exporter-http", resilience.Settings{
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		// A rejected payload says nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
		OnStateChange: opts.OnBreakerChange,
	})

	return &HTTPTransport{
		client:  client,
		url:     opts.URL,
		limiter: limiter,
		breaker: breaker,
	}
}

// Client exposes the underlying resty client.
func (t *HTTPTransport) Client() *resty.Client { return t.client }

// Breaker exposes the circuit breaker.
func (t *HTTPTransport) Breaker() *resilience.Breaker { return t.breaker }

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, payload []byte, contentType string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	return t.breaker.Execute(func() error {
		resp, err := t.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", contentType).
			SetBody(payload).
			Post(t.url)
		if err != nil {
			return fmt.Errorf("post %s: %w", t.url, err)
		}
		if resp.IsError() {
			body := resp.String()
			if len(body) > 256 {
				body = body[:256]
			}
			return &StatusError{StatusCode: resp.StatusCode(), Body: body}
		}
		return nil
	})
}

// Close releases idle connections.
func (t *HTTPTransport) Close() error {
	t.client.GetClient().CloseIdleConnections()
	return nil
}
