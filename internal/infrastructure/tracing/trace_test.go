package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

func TestStartSpanContinuesTrace(t *testing.T) {
	tracer := New("test", nil)
	defer tracer.Close()

	root, ctx := tracer.StartSpan(context.Background(), "root")
	child, childCtx := tracer.StartSpan(ctx, "child")

	assert.NotEmpty(t, root.TraceID)
	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, root.SpanID, child.ParentID)
	assert.Equal(t, child.SpanID, GetSpanID(childCtx))

	headers := map[string]string{}
	InjectTraceContext(childCtx, headers)
	traceID, spanID := ExtractTraceContext(headers)
	assert.Equal(t, root.TraceID, traceID)
	assert.Equal(t, child.SpanID, spanID)
}

func TestCloseFlushesSpans(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	tracer := New("test", zap.New(core))

	span, _ := tracer.StartSpan(context.Background(), "op")
	span.Finish()
	tracer.Submit(span)
	tracer.Close()
	tracer.Close()

	assert.Equal(t, 1, logs.FilterMessage("span completed").Len())
	assert.NotPanics(t, func() { tracer.Submit(span) })
}

func TestHTTPMiddlewarePropagatesTraceID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	tracer := New("test", zap.New(core))

	var seen TraceID
	router := gin.New()
	router.Use(HTTPMiddleware(tracer))
	router.GET("/health", func(c *gin.Context) {
		seen = GetTraceID(c.Request.Context())
		c.Status(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(TraceHeader, "trace-123")
	router.ServeHTTP(w, req)
	tracer.Close()

	assert.Equal(t, TraceID("trace-123"), seen)
	assert.Equal(t, "trace-123", w.Header().Get(TraceHeader))
	assert.NotEmpty(t, w.Header().Get(SpanHeader))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "418", entries[0].ContextMap()["http.status"])
}

func TestGRPCUnaryInterceptorReadsMetadata(t *testing.T) {
	tracer := New("test", nil)
	defer tracer.Close()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-trace-id", "abc"))
	var seen TraceID
	_, err := GRPCUnaryInterceptor(tracer)(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			seen = GetTraceID(ctx)
			return nil, nil
		})

	require.NoError(t, err)
	assert.Equal(t, TraceID("abc"), seen)
}
