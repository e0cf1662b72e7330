package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCollector() *Collector {
	return NewCollector(Params{Logger: zap.NewNop()})
}

func TestCollector_Counters(t *testing.T) {
	c := newTestCollector()

	c.RecordRun("completed")
	c.RecordRun("completed")
	c.RecordRun("blocked")
	c.RecordAction("click")
	c.RecordParseError("unknown_action_id")
	c.RecordFallback()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("blocked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.actionsTotal.WithLabelValues("click")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.parseErrorsTotal.WithLabelValues("unknown_action_id")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.providerFallbacks))
}

func TestCollector_ProviderRequests(t *testing.T) {
	c := newTestCollector()

	c.RecordProviderRequest("local", 40*time.Millisecond, errors.New("connection refused"))
	c.RecordProviderRequest("remote", 1200*time.Millisecond, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.providerRequestsTotal.WithLabelValues("local", OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.providerRequestsTotal.WithLabelValues("remote", OutcomeSuccess)))
	assert.Equal(t, 2, testutil.CollectAndCount(c.providerLatency))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.RecordRun("failed")
		c.RecordAction("scroll")
		c.RecordParseError("invalid_json")
		c.RecordProviderRequest("remote", time.Second, nil)
		c.RecordFallback()
	})
}

func TestCollector_Handler(t *testing.T) {
	c := newTestCollector()
	c.RecordRun("cancelled")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `agent_runs_total{state="cancelled"} 1`))
}
