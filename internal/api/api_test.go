package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/selfheal/internal/annealing"
	"github.com/sentinelops/selfheal/internal/degradation"
	"github.com/sentinelops/selfheal/internal/engine"
	"github.com/sentinelops/selfheal/internal/health"
	"github.com/sentinelops/selfheal/internal/recovery"
	"github.com/sentinelops/selfheal/pkg/clock"
)

func newTestRouter(t *testing.T) (*gin.Engine, *health.Monitor) {
	t.Helper()

	sched := clock.NewScheduler(clockwork.NewFakeClock(), nil)
	t.Cleanup(sched.CancelAll)

	monitor := health.NewMonitor(sched, nil, nil)
	recoveryConfig := recovery.DefaultConfig()
	recoveryConfig.SettleDelay = 0
	recoveryMgr := recovery.NewManager(monitor, nil, sched, nil, nil, recoveryConfig)
	optimizer := annealing.NewOptimizer(annealing.DefaultConfig(), nil)
	degradationMgr := degradation.NewManager(nil, nil)

	eng := engine.New(monitor, recoveryMgr, optimizer, degradationMgr, sched, nil, engine.DefaultConfig())
	t.Cleanup(eng.Close)

	return NewRouter(nil, eng, nil, nil), monitor
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	var response APIResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	return recorder, response
}

func TestAPI_Healthz(t *testing.T) {
	router, _ := newTestRouter(t)

	recorder, response := doJSON(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.True(t, response.Success)
	assert.NotEmpty(t, recorder.Header().Get("X-Request-ID"))
}

func TestAPI_RegisterAndGetService(t *testing.T) {
	router, _ := newTestRouter(t)

	payload := map[string]interface{}{
		"id":                "payments",
		"criticality":       2,
		"failure_threshold": 3,
		"probe":             map[string]string{"type": "static"},
	}
	recorder, response := doJSON(t, router, http.MethodPost, "/api/v1/services", payload)
	require.Equal(t, http.StatusCreated, recorder.Code)
	assert.True(t, response.Success)

	recorder, response = doJSON(t, router, http.MethodGet, "/api/v1/services/payments", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	data, ok := response.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "payments", data["service_id"])
	assert.Equal(t, string(health.StatusUnknown), data["status"])
}

func TestAPI_RegisterService_Validation(t *testing.T) {
	router, _ := newTestRouter(t)

	recorder, response := doJSON(t, router, http.MethodPost, "/api/v1/services", map[string]interface{}{
		"id":    "payments",
		"probe": map[string]string{"type": "bogus"},
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.False(t, response.Success)
	require.NotNil(t, response.Error)

	// Missing id is rejected by the engine
	recorder, _ = doJSON(t, router, http.MethodPost, "/api/v1/services", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	// Storage probes need a redis backend, which this router lacks
	recorder, _ = doJSON(t, router, http.MethodPost, "/api/v1/services", map[string]interface{}{
		"id":    "blob-store",
		"probe": map[string]string{"type": "storage"},
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestAPI_UnregisterService(t *testing.T) {
	router, monitor := newTestRouter(t)
	require.NoError(t, monitor.RegisterService(health.ServiceConfig{ID: "payments"}))

	recorder, _ := doJSON(t, router, http.MethodDelete, "/api/v1/services/payments", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)

	recorder, _ = doJSON(t, router, http.MethodDelete, "/api/v1/services/payments", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestAPI_CheckService(t *testing.T) {
	router, monitor := newTestRouter(t)
	require.NoError(t, monitor.RegisterService(health.ServiceConfig{ID: "payments"}))

	recorder, response := doJSON(t, router, http.MethodPost, "/api/v1/services/payments/check", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	data, ok := response.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, string(health.StatusHealthy), data["status"])

	recorder, _ = doJSON(t, router, http.MethodPost, "/api/v1/services/ghost/check", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestAPI_RecoverService(t *testing.T) {
	router, monitor := newTestRouter(t)
	require.NoError(t, monitor.RegisterService(health.ServiceConfig{
		ID:               "payments",
		FailureThreshold: 3,
		FallbackServices: []string{"backup"},
	}))
	require.NoError(t, monitor.RegisterService(health.ServiceConfig{ID: "backup"}))
	require.NoError(t, monitor.RecordSuccess("backup", time.Millisecond))

	for i := 0; i < 3; i++ {
		require.NoError(t, monitor.RecordFailure("payments", assert.AnError))
	}

	recorder, response := doJSON(t, router, http.MethodPost, "/api/v1/services/payments/recover", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	data, ok := response.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, data["recovered"])
}

func TestAPI_GetHealthAndMetrics(t *testing.T) {
	router, monitor := newTestRouter(t)
	require.NoError(t, monitor.RegisterService(health.ServiceConfig{ID: "payments"}))
	require.NoError(t, monitor.RecordSuccess("payments", time.Millisecond))

	recorder, response := doJSON(t, router, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	data, ok := response.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, data, "services")
	assert.Contains(t, data, "overall")
	assert.Contains(t, data, "message")

	recorder, response = doJSON(t, router, http.MethodGet, "/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	data, ok = response.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, data, "current")
	assert.Contains(t, data, "annealing_state")
}

func TestAPI_Features(t *testing.T) {
	router, _ := newTestRouter(t)

	recorder, response := doJSON(t, router, http.MethodGet, "/api/v1/features/recommendations", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	data, ok := response.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, data["enabled"])
}

func TestAPI_Fallbacks(t *testing.T) {
	router, _ := newTestRouter(t)

	recorder, _ := doJSON(t, router, http.MethodGet, "/api/v1/fallbacks/search", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	recorder, _ = doJSON(t, router, http.MethodPut, "/api/v1/fallbacks/search",
		map[string]string{"results": "unavailable"})
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder, response := doJSON(t, router, http.MethodGet, "/api/v1/fallbacks/search", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	data, ok := response.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"results": "unavailable"}, data["value"])
}

func TestAPI_Events(t *testing.T) {
	router, monitor := newTestRouter(t)
	require.NoError(t, monitor.RegisterService(health.ServiceConfig{ID: "payments", FailureThreshold: 2}))
	for i := 0; i < 2; i++ {
		require.NoError(t, monitor.RecordFailure("payments", assert.AnError))
	}

	recorder, response := doJSON(t, router, http.MethodGet, "/api/v1/events?limit=1", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	events, ok := response.Data.([]interface{})
	require.True(t, ok)
	assert.Len(t, events, 1)

	recorder, _ = doJSON(t, router, http.MethodGet, "/api/v1/events?limit=nope", nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}
