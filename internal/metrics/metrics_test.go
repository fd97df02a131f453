package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector(time.Second, 30*time.Second, 15*time.Second)

	c.StoreErrorInc("update")
	c.StoreErrorInc("update")
	c.RoutingRequestInc("fallback")
	c.CacheRefreshInc()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.StoreErrors.WithLabelValues("update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.RoutingRequests.WithLabelValues("fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CacheRefreshes))
	assert.Equal(t, 30.0, testutil.ToFloat64(c.JitterInterval))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector(time.Second, 0, 15*time.Second)
	c.ActiveBuses.Set(3)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tracker_active_buses 3")
	assert.Contains(t, string(body), "tracker_refresh_interval_seconds 15")
}
