package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.OrderSubmitted(ResultAccepted)
	m.OrderSubmitted(ResultAccepted)
	m.OrderSubmitted(ResultDuplicate)
	m.OrderRejected("InvalidPrice")
	m.TradeExecuted("m1", decimal.RequireFromString("2.5"))
	m.TradeExecuted("m1", decimal.RequireFromString("1.5"))
	m.CancelHandled(true)
	m.CancelHandled(false)
	m.CancelHandled(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.orders.WithLabelValues(ResultAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orders.WithLabelValues(ResultDuplicate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orders.WithLabelValues(ResultRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("InvalidPrice")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.trades.WithLabelValues("m1")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.volume.WithLabelValues("m1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cancels.WithLabelValues("true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cancels.WithLabelValues("false")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveMatch(3 * time.Millisecond)
	m.EventPublishFailed()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "predmatch_match_duration_seconds_count 1"))
	assert.True(t, strings.Contains(body, "predmatch_events_publish_failed_total 1"))
}

func TestSeparateRegistries(t *testing.T) {
	a, b := New(), New()
	a.OrderSubmitted(ResultAccepted)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.orders.WithLabelValues(ResultAccepted)))
}
