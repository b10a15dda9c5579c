package tracing

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func attrMap(attrs []attribute.KeyValue) map[attribute.Key]string {
	out := make(map[attribute.Key]string, len(attrs))
	for _, attr := range attrs {
		out[attr.Key] = attr.Value.Emit()
	}
	return out
}

func TestGinMiddlewareNamesSpanAfterRouteAndDropsUserID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := recordSpans(t)

	r := gin.New()
	r.Use(GinMiddleware())
	r.GET("/ops/balances/:user_id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/ops/batches/:id/requeue", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ops/balances/user-1", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/ops/batches/42/requeue", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "ops GET /ops/balances/:user_id", spans[0].Name())
	balance := attrMap(spans[0].Attributes())
	assert.NotContains(t, balance, attribute.Key("user_id"))
	assert.Equal(t, "/ops/balances/:user_id", balance["http.route"])

	requeue := attrMap(spans[1].Attributes())
	assert.Equal(t, "42", requeue["id"])
	assert.Equal(t, "200", requeue["http.status_code"])
}

func TestGinMiddlewareMarksServerErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := recordSpans(t)

	r := gin.New()
	r.Use(GinMiddleware())
	r.GET("/boom", func(c *gin.Context) {
		_ = c.Error(fmt.Errorf("load balance for user-1: %w", errors.New("connection reset")))
		c.Status(http.StatusInternalServerError)
	})
	r.GET("/ops/price", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ops/price", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "connection reset", attrMap(spans[0].Events()[0].Attributes)["exception.message"])

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "dependency unavailable", spans[1].Status().Description)
	assert.Empty(t, spans[1].Events())
}

func TestSafeErrorKeepsInnermostCause(t *testing.T) {
	assert.Nil(t, SafeError(nil))
	err := fmt.Errorf("outer user-1: %w", fmt.Errorf("mid: %w", errors.New("root")))
	assert.Equal(t, "root", SafeError(err).Error())
}
