package apm

import (
	"context"
	"net/http"

	"github.com/GriffinCanCode/apm-agent/internal/infrastructure/config"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/instrument"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/instrument/grpcapm"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/instrument/httpclient"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/instrument/httpserver"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/instrument/mongoapm"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/instrument/pgapm"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/instrument/restyclient"
	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"go.mongodb.org/mongo-driver/event"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// enabled resolves an integration's capability flag, logging when it is
// skipped.
func (a *Agent) enabled(name string) bool {
	if a == nil || a.manager == nil {
		return false
	}
	if !a.cfg.FrameworkEnabled(name) {
		a.logger.Debug("integration skipped", zap.String("integration", name))
		return false
	}
	return true
}

// HTTPMiddleware returns net/http middleware tracing inbound requests.
func (a *Agent) HTTPMiddleware() func(http.Handler) http.Handler {
	if !a.enabled(config.FrameworkNetHTTP) {
		return func(next http.Handler) http.Handler { return next }
	}
	return httpserver.Middleware(a.manager, a.opts...)
}

// GinMiddleware returns gin middleware tracing inbound requests.
func (a *Agent) GinMiddleware() gin.HandlerFunc {
	if !a.enabled(config.FrameworkGin) {
		return func(c *gin.Context) { c.Next() }
	}
	return httpserver.Gin(a.manager, a.opts...)
}

// UnaryServerInterceptor traces inbound unary RPCs.
func (a *Agent) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	if !a.enabled(config.FrameworkGRPC) {
		return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			return handler(ctx, req)
		}
	}
	return grpcapm.UnaryServerInterceptor(a.manager, a.opts...)
}

// UnaryClientInterceptor traces outbound unary RPCs.
func (a *Agent) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	if !a.enabled(config.FrameworkGRPC) {
		return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
			return invoker(ctx, method, req, reply, cc, opts...)
		}
	}
	return grpcapm.UnaryClientInterceptor(a.opts...)
}

// StreamServerInterceptor traces streaming RPCs served by this process.
func (a *Agent) StreamServerInterceptor() grpc.StreamServerInterceptor {
	if !a.enabled(config.FrameworkGRPC) {
		return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			return handler(srv, ss)
		}
	}
	return grpcapm.StreamServerInterceptor(a.manager, a.opts...)
}

// StreamClientInterceptor records outgoing streams as external spans.
func (a *Agent) StreamClientInterceptor() grpc.StreamClientInterceptor {
	if !a.enabled(config.FrameworkGRPC) {
		return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
			return streamer(ctx, desc, cc, method, opts...)
		}
	}
	return grpcapm.StreamClientInterceptor(a.opts...)
}

// WrapTransport instruments an http.RoundTripper. A nil base means
// http.DefaultTransport.
func (a *Agent) WrapTransport(base http.RoundTripper) http.RoundTripper {
	if !a.enabled(config.FrameworkHTTPClient) {
		if base == nil {
			return http.DefaultTransport
		}
		return base
	}
	return httpclient.NewTransport(base, a.opts...)
}

// InstrumentResty installs tracing hooks on client.
func (a *Agent) InstrumentResty(client *resty.Client) *resty.Client {
	if client == nil || !a.enabled(config.FrameworkResty) {
		return client
	}
	return restyclient.Instrument(client, a.opts...)
}

// MongoMonitor returns a command monitor for options.Client().SetMonitor,
// chaining next. When the integration is off, next is returned as is.
func (a *Agent) MongoMonitor(next *event.CommandMonitor) *event.CommandMonitor {
	if !a.enabled(config.FrameworkMongoDB) {
		return next
	}
	return mongoapm.NewMonitor(next, a.opts...)
}

// MongoSaver returns a Saver for coll. It records nothing while the
// integration is off.
func (a *Agent) MongoSaver(coll mongoapm.Replacer) *mongoapm.Saver {
	if coll == nil {
		return nil
	}
	return mongoapm.NewSaver(coll, a.with(config.FrameworkMongoDB)...)
}

// WrapDB instruments a database/sql querier opened with lib/pq. It records
// nothing while the integration is off.
func (a *Agent) WrapDB(q pgapm.Queryer) *pgapm.DB {
	if q == nil {
		return nil
	}
	return pgapm.Wrap(q, a.with(config.FrameworkPostgreSQL)...)
}

func (a *Agent) with(name string) []instrument.Option {
	return append(append([]instrument.Option(nil), a.opts...), instrument.WithDisabled(!a.enabled(name)))
}
