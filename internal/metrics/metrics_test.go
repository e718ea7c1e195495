package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Observations(t *testing.T) {
	c := NewCollector(30*time.Second, 7*24*time.Hour)

	c.CacheLookup("miss")
	c.CacheLookup("miss")
	c.CacheLookup("exact")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.CacheLookups.WithLabelValues("miss")))

	c.PlanObserved("ok", "", 120*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Plans.WithLabelValues("ok", "none")))

	c.RefreshObserved("rapid-bus-kl", nil, time.Second, 120, 3)
	c.RefreshObserved("rapid-bus-kl", errors.New("timeout"), time.Second, 0, 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Refreshes.WithLabelValues("rapid-bus-kl", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Refreshes.WithLabelValues("rapid-bus-kl", "error")))
	assert.Equal(t, 120.0, testutil.ToFloat64(c.VehiclesStored.WithLabelValues("rapid-bus-kl")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.VehiclesSkipped.WithLabelValues("rapid-bus-kl")))

	c.DBSwitched("update")
	c.DBSwitched("ping_failure")
	c.DBSwitched("update")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.DBSwitches.WithLabelValues("update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.DBSwitches.WithLabelValues("ping_failure")))

	assert.Equal(t, 30.0, testutil.ToFloat64(c.RefreshInterval))
	assert.Equal(t, 168.0, testutil.ToFloat64(c.CacheTTL))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector(time.Minute, time.Hour)
	c.CacheLookup("nearby")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `transit_planner_cache_lookups_total{result="nearby"} 1`)
}
