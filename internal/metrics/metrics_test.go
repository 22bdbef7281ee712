package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	eventbus "github.com/hanpama/graphloader/internal/eventbus"
	events "github.com/hanpama/graphloader/internal/events"
)

func subscribed(t *testing.T) *Collector {
	t.Helper()
	eventbus.Use(eventbus.New())
	t.Cleanup(func() { eventbus.Use(nil) })
	c := New()
	t.Cleanup(c.Subscribe())
	return c
}

func TestBatchFlushCounters(t *testing.T) {
	c := subscribed(t)
	ctx := context.Background()
	eventbus.Publish(ctx, events.BatchFlush{Type: "Book", Keys: 5, CacheHits: 2, Shared: 1, Fetched: 2, Duration: time.Millisecond})
	eventbus.Publish(ctx, events.BatchFlush{Type: "Book", Keys: 1, Fetched: 1, Err: errors.New("boom")})

	require.Equal(t, 2.0, testutil.ToFloat64(c.batchKeys.WithLabelValues("Book", "hit")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.batchKeys.WithLabelValues("Book", "shared")))
	require.Equal(t, 3.0, testutil.ToFloat64(c.batchKeys.WithLabelValues("Book", "fetched")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.batchFlushes.WithLabelValues("Book", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.batchFlushes.WithLabelValues("Book", "error")))
}

func TestCacheAndInvalidationCounters(t *testing.T) {
	c := subscribed(t)
	ctx := context.Background()
	eventbus.Publish(ctx, events.CacheFailure{Op: "get", Key: "Book:1", Err: errors.New("down")})
	eventbus.Publish(ctx, events.Invalidated{Kind: "tag", Value: "book:1", Removed: 3})
	eventbus.Publish(ctx, events.Invalidated{Kind: "tag", Value: "book:2", Removed: 0})

	require.Equal(t, 1.0, testutil.ToFloat64(c.cacheFailures.WithLabelValues("get")))
	require.Equal(t, 2.0, testutil.ToFloat64(c.invalidations.WithLabelValues("tag")))
	require.Equal(t, 3.0, testutil.ToFloat64(c.evicted.WithLabelValues("tag")))
}

func TestRequestAndSubgraphCounters(t *testing.T) {
	c := subscribed(t)
	ctx := context.Background()
	eventbus.Publish(ctx, events.HTTPFinish{Status: 200, Operations: 1})
	eventbus.Publish(ctx, events.QueryFinish{OperationType: "query", Errors: []error{errors.New("x")}})
	eventbus.Publish(ctx, events.GRPCClientFinish{Service: "reviews", Method: "FetchEntities", Code: codes.Unavailable})
	eventbus.Publish(ctx, events.GRPCServerFinish{Service: "reviews", Method: "FetchEntities", Items: 4, Code: codes.OK})

	require.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("200")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("query", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.subgraphCalls.WithLabelValues("reviews", "FetchEntities", "Unavailable")))
	require.Equal(t, 4.0, testutil.ToFloat64(c.servedItems.WithLabelValues("reviews", "FetchEntities", "OK")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := subscribed(t)
	eventbus.Publish(context.Background(), events.Invalidated{Kind: "key", Value: "Book:1", Removed: 1})

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body := w.Body.String()
	require.True(t, strings.Contains(body, `graphloader_cache_invalidations_total{kind="key"} 1`), body)
	require.Contains(t, body, "go_goroutines")
}
