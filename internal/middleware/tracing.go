package middleware

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultTracerName = "github.com/hitoshi/ryoa/internal/middleware"

// NewTracingMiddleware はリクエストごとにサーバースパンを作成するミドルウェアを返す。
// トレーサーはグローバルのTracerProviderから取得する。未設定の場合は何も記録されない。
func NewTracingMiddleware() func(next http.Handler) http.Handler {
	tracer := otel.Tracer(defaultTracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			// ルーティング後に確定したパターンでスパン名を置き換える
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					span.SetName(r.Method + " " + pattern)
					span.SetAttributes(attribute.String("http.route", pattern))
				}
			}
			span.SetAttributes(attribute.Int("http.response.status_code", rec.statusCode))
			if rec.statusCode >= 500 {
				span.SetStatus(codes.Error, fmt.Sprintf("status %d", rec.statusCode))
			}
		})
	}
}
