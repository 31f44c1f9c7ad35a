package siem

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medic-agent/medic/internal/config"
	"github.com/medic-agent/medic/internal/core"
	"github.com/medic-agent/medic/internal/logging"
	"github.com/medic-agent/medic/internal/metrics"
)

func testConfig(baseURL string) config.SIEMConfig {
	return config.SIEMConfig{
		Enabled:   true,
		BaseURL:   baseURL,
		TimeoutMs: 2000,
		Breaker: config.BreakerConfig{
			ConsecutiveFailures: 3,
			CooldownS:           30,
		},
	}
}

func newTestClient(t *testing.T, baseURL string) *HTTPClient {
	t.Helper()
	return NewHTTP(testConfig(baseURL), logging.NewNop(), metrics.New(prometheus.NewRegistry()))
}

func testReport() *core.KillReport {
	return &core.KillReport{
		KillID:       "kill-001",
		Timestamp:    time.Now().UTC(),
		TargetModule: "payment-processor",
		KillReason:   core.ReasonThreatDetected,
		Severity:     core.SeverityHigh,
	}
}

func TestEnrichSuccess(t *testing.T) {
	t.Setenv("SIEM_TOKEN", "test-token-abc")

	var gotAuth string
	var gotBody queryRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/query", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(queryResponse{
			RiskScore:            0.72,
			FalsePositiveHistory: 2,
			Recommendation:       "investigate",
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	result := client.Enrich(context.Background(), testReport())

	assert.Equal(t, "Bearer test-token-abc", gotAuth)
	assert.Equal(t, "kill-001", gotBody.KillID)
	assert.Equal(t, "payment-processor", gotBody.TargetModule)
	assert.Equal(t, 24, gotBody.WindowHours)

	assert.InDelta(t, 0.72, result.RiskScore, 1e-9)
	assert.Equal(t, 2, result.FalsePositiveHistory)
	assert.Equal(t, "investigate", result.Recommendation)
}

func TestEnrichBasicAuthFallback(t *testing.T) {
	t.Setenv("SIEM_TOKEN", "")
	t.Setenv("SIEM_USERNAME", "medic")
	t.Setenv("SIEM_PASSWORD", "s3cret")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "medic", user)
		assert.Equal(t, "s3cret", pass)
		json.NewEncoder(w).Encode(queryResponse{RiskScore: 0.1, Recommendation: "benign"})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	result := client.Enrich(context.Background(), testReport())
	assert.InDelta(t, 0.1, result.RiskScore, 1e-9)
}

func TestEnrichServerErrorFallsBackToNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	result := client.Enrich(context.Background(), testReport())
	assert.Equal(t, core.NoopSIEMResult(), result)
}

func TestEnrichNetworkFailureFallsBackToNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := newTestClient(t, srv.URL)
	result := client.Enrich(context.Background(), testReport())
	assert.Equal(t, core.NoopSIEMResult(), result)
}

func TestEnrichTimeoutFallsBackToNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		json.NewEncoder(w).Encode(queryResponse{RiskScore: 0.5})
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.TimeoutMs = 50
	client := NewHTTP(cfg, logging.NewNop(), metrics.New(prometheus.NewRegistry()))

	result := client.Enrich(context.Background(), testReport())
	assert.Equal(t, core.NoopSIEMResult(), result)
}

func TestEnrichInvalidRiskScoreFallsBackToNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(queryResponse{RiskScore: 1.5, Recommendation: "corrupt"})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	result := client.Enrich(context.Background(), testReport())
	assert.Equal(t, core.NoopSIEMResult(), result)
}

func TestEnrichTruncatesOversizeRecommendation(t *testing.T) {
	long := strings.Repeat("x", core.MaxRecommendationByte+500)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(queryResponse{RiskScore: 0.4, Recommendation: long})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	result := client.Enrich(context.Background(), testReport())
	assert.Len(t, result.Recommendation, core.MaxRecommendationByte)
}

func TestEnrichRetriesOnceOn429(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(queryResponse{RiskScore: 0.3, Recommendation: "retry ok"})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	result := client.Enrich(context.Background(), testReport())

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.InDelta(t, 0.3, result.RiskScore, 1e-9)
	assert.Equal(t, "retry ok", result.Recommendation)
}

func TestEnrichGivesUpAfterSecond429(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	result := client.Enrich(context.Background(), testReport())

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, core.NoopSIEMResult(), result)
}

func TestEnrichBreakerFailsFastAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Breaker.ConsecutiveFailures = 2
	cfg.Breaker.CooldownS = 60
	client := NewHTTP(cfg, logging.NewNop(), metrics.New(prometheus.NewRegistry()))

	kr := testReport()
	client.Enrich(context.Background(), kr)
	client.Enrich(context.Background(), kr)

	// Breaker is open now; further calls must not reach the endpoint.
	result := client.Enrich(context.Background(), kr)
	assert.Equal(t, core.NoopSIEMResult(), result)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHealthCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	require.NoError(t, newTestClient(t, healthy.URL).HealthCheck(context.Background()))
	require.Error(t, newTestClient(t, unhealthy.URL).HealthCheck(context.Background()))
}

func TestNoopClient(t *testing.T) {
	client := NewNoop(metrics.New(prometheus.NewRegistry()))
	result := client.Enrich(context.Background(), testReport())
	assert.Equal(t, core.NoopSIEMResult(), result)
	assert.NoError(t, client.HealthCheck(context.Background()))
}

func TestFactorySelectsNoopWhenDisabled(t *testing.T) {
	cfg := config.SIEMConfig{Enabled: false}
	client := New(cfg, logging.NewNop(), metrics.New(prometheus.NewRegistry()))
	_, ok := client.(*NoopClient)
	assert.True(t, ok)
}
