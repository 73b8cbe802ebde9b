package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/tierline/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestGinMiddlewareRecordsRouteAndUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{ServiceName: "tierline-test", SkipPaths: []string{"/health"}}))
	r.Use(func(c *gin.Context) {
		c.Request = c.Request.WithContext(obscontext.WithUserID(c.Request.Context(), "42"))
		c.Next()
	})
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/plans/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/admin/renewals/run", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if len(recorder.Ended()) != 0 {
		t.Fatalf("expected skipped path to produce no span")
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/plans/7", nil))
	if rec.Header().Get(TraceIDHeader) == "" {
		t.Fatalf("expected trace id header")
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/renewals/run", nil))

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if got := spans[0].Name(); got != "HTTP GET /api/plans/:id" {
		t.Fatalf("unexpected span name %q", got)
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs["tierline.user_id"].AsString() != "42" {
		t.Fatalf("expected user id attribute, got %v", attrs)
	}
	if attrs["http.status_code"].AsInt64() != http.StatusOK {
		t.Fatalf("expected status 200, got %v", attrs["http.status_code"])
	}
	if spans[1].Status().Code != codes.Error {
		t.Fatalf("expected 5xx span to be marked as error")
	}
}
