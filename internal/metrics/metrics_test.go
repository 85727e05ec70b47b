package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordPurchase(t *testing.T) {
	before := testutil.ToFloat64(purchases.WithLabelValues("product", "granted"))
	creditsBefore := testutil.ToFloat64(creditsGranted)

	RecordPurchase("product", "granted", 10)

	assert.Equal(t, before+1, testutil.ToFloat64(purchases.WithLabelValues("product", "granted")))
	assert.Equal(t, creditsBefore+10, testutil.ToFloat64(creditsGranted))
}

func TestRequestStarted(t *testing.T) {
	done := RequestStarted()
	assert.Equal(t, float64(1), testutil.ToFloat64(httpInFlight))
	done("GET", "/api/health", 200)
	assert.Equal(t, float64(0), testutil.ToFloat64(httpInFlight))
	assert.Equal(t, float64(1), testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/health", "2xx")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordJob("purge_revoked_tokens", true)

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dream_analyzer_jobs_runs_total")
}
