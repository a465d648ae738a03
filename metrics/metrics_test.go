package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsServerExposesCounters(t *testing.T) {
	srv, err := New("threshold_seal", "")
	require.NoError(t, err)

	srv.KeyServer.FetchKey("ok", time.Now())
	srv.KeyServer.FetchKey("unauthorized", time.Now())
	srv.KeyServer.PolicyEvaluation("approved")
	srv.KeyServer.ServiceRequest()

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `threshold_seal_fetch_key_requests_total{result="ok"} 1`)
	assert.Contains(t, string(body), `threshold_seal_fetch_key_requests_total{result="unauthorized"} 1`)
	assert.Contains(t, string(body), `threshold_seal_policy_evaluations_total{outcome="approved"} 1`)
	assert.Contains(t, string(body), "threshold_seal_service_requests_total 1")
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *KeyServerMetrics
	assert.NotPanics(t, func() {
		m.FetchKey("ok", time.Now())
		m.PolicyEvaluation("denied")
		m.ServiceRequest()
	})
}
