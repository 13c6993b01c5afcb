package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kandev/acpbridge/internal/tracing"
)

// OtelTracing starts a server span per request. A WebSocket upgrade keeps
// its span open until the connection closes, so the span covers the whole
// UI session on that socket.
func OtelTracing(serverName string) gin.HandlerFunc {
	tracer := tracing.Tracer(serverName)

	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		upgrade := c.GetHeader("Upgrade") == "websocket"

		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(c.Request.Method),
				semconv.HTTPRouteKey.String(route),
				semconv.ClientAddress(c.ClientIP()),
				attribute.Bool("acpbridge.websocket", upgrade),
			))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		if upgrade {
			// The hijacked connection never reports a status through gin.
			return
		}
		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCodeKey.Int(status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
