package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder 记录下游写出的状态码
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush 透传给底层 writer
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// UnmatchedRoute 未注册路径统一使用的路由标签
const UnmatchedRoute = "unmatched"

// RouteFunc 返回请求对应的路由模板，作为指标标签必须是有限集合
type RouteFunc func(*http.Request) string

// KnownRoutes 路径与给定路由之一完全相同时原样返回，其余归为 UnmatchedRoute
func KnownRoutes(paths ...string) RouteFunc {
	known := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		known[p] = struct{}{}
	}
	return func(r *http.Request) string {
		if _, ok := known[r.URL.Path]; ok {
			return r.URL.Path
		}
		return UnmatchedRoute
	}
}

// Middleware 为每个请求提取 W3C trace context、开启 span、记录耗时并输出完成日志。
// route 为 nil 时所有请求都记为 UnmatchedRoute。
func Middleware(m *Metrics, logger *slog.Logger, route RouteFunc) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}
	if logger == nil {
		logger = slog.Default()
	}
	if route == nil {
		route = func(*http.Request) string { return UnmatchedRoute }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			routeName := route(r)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+routeName,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.HTTPRoute(routeName),
				),
			)
			defer span.End()

			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))
			r = r.WithContext(ctx)

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", routeName),
					attribute.String("status", strconv.Itoa(rec.statusCode)),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			Logger(ctx, logger).LogAttrs(ctx, slog.LevelInfo, "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", routeName),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
				slog.String("request_id", w.Header().Get("X-Request-ID")),
			)
		})
	}
}
