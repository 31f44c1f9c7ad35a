// Package siem enriches kill reports with security context from an
// external SIEM endpoint. Enrichment is advisory: any failure degrades
// to a neutral sentinel result and the pipeline keeps moving.
package siem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/medic-agent/medic/internal/circuitbreaker"
	"github.com/medic-agent/medic/internal/config"
	"github.com/medic-agent/medic/internal/core"
	"github.com/medic-agent/medic/internal/metrics"
)

// enrichment query defaults
const (
	defaultTimeout = 5 * time.Second
	queryWindowHrs = 24
	retryAfterWait = 2 * time.Second
)

// Client enriches kill reports. Implementations never surface errors
// into the pipeline; a failed lookup yields the neutral sentinel.
type Client interface {
	// Enrich returns security context for the kill, or the no-op
	// sentinel when enrichment is unavailable.
	Enrich(ctx context.Context, kr *core.KillReport) core.SIEMResult

	// HealthCheck reports whether the endpoint is reachable.
	HealthCheck(ctx context.Context) error
}

// New builds the client selected by config: the HTTP client when
// enrichment is enabled, the no-op client otherwise.
func New(cfg config.SIEMConfig, logger *zap.Logger, m *metrics.Metrics) Client {
	if !cfg.Enabled {
		logger.Info("siem enrichment disabled, using noop client")
		return NewNoop(m)
	}
	return NewHTTP(cfg, logger, m)
}

// ============================================================================
// HTTP CLIENT
// ============================================================================

type queryRequest struct {
	KillID       string `json:"kill_id"`
	TargetModule string `json:"target_module"`
	WindowHours  int    `json:"window_hours"`
}

type queryResponse struct {
	RiskScore            float64 `json:"risk_score"`
	FalsePositiveHistory int     `json:"false_positive_history"`
	Recommendation       string  `json:"recommendation"`
}

// HTTPClient queries a SIEM endpoint over HTTP. One POST per kill report,
// bearer or basic credentials from the environment, and a circuit breaker
// that fails fast while the endpoint is down.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
	metrics    *metrics.Metrics

	// Credentials are process environment only. They are never logged
	// and never serialized.
	token    string
	username string
	password string
}

// NewHTTP builds the real client. Credentials come from SIEM_TOKEN, or
// SIEM_USERNAME/SIEM_PASSWORD for basic auth.
func NewHTTP(cfg config.SIEMConfig, logger *zap.Logger, m *metrics.Metrics) *HTTPClient {
	timeout := defaultTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	breakerCfg := circuitbreaker.EnrichmentConfig(
		"siem",
		uint32(cfg.Breaker.ConsecutiveFailures),
		time.Duration(cfg.Breaker.CooldownS)*time.Second,
	)
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		logger.Warn("siem circuit state change",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return &HTTPClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    circuitbreaker.New(breakerCfg),
		logger:     logger,
		metrics:    m,
		token:      os.Getenv("SIEM_TOKEN"),
		username:   os.Getenv("SIEM_USERNAME"),
		password:   os.Getenv("SIEM_PASSWORD"),
	}
}

// Enrich queries the SIEM for one kill. Timeouts, network failures, 5xx
// and malformed responses all degrade to the sentinel; a 429 is retried
// once after the server-indicated wait.
func (c *HTTPClient) Enrich(ctx context.Context, kr *core.KillReport) core.SIEMResult {
	start := time.Now()

	result, err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return c.query(ctx, kr, true)
	})
	if err != nil {
		status := "fallback"
		if err == circuitbreaker.ErrCircuitOpen || err == circuitbreaker.ErrTooManyRequests {
			status = "breaker_open"
		}
		c.recordQuery(status, start)
		c.logger.Warn("siem enrichment failed, using noop sentinel",
			zap.String("kill_id", kr.KillID),
			zap.String("target_module", kr.TargetModule),
			zap.Error(err),
		)
		return core.NoopSIEMResult()
	}

	c.recordQuery("ok", start)
	return result.(core.SIEMResult)
}

func (c *HTTPClient) query(ctx context.Context, kr *core.KillReport, allowRetry bool) (core.SIEMResult, error) {
	body, err := json.Marshal(queryRequest{
		KillID:       kr.KillID,
		TargetModule: kr.TargetModule,
		WindowHours:  queryWindowHrs,
	})
	if err != nil {
		return core.SIEMResult{}, fmt.Errorf("encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return core.SIEMResult{}, fmt.Errorf("build query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.SIEMResult{}, fmt.Errorf("siem query: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return c.decode(resp)

	case resp.StatusCode == http.StatusTooManyRequests && allowRetry:
		wait := retryAfterWait
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		select {
		case <-ctx.Done():
			return core.SIEMResult{}, ctx.Err()
		case <-time.After(wait):
		}
		return c.query(ctx, kr, false)

	default:
		return core.SIEMResult{}, fmt.Errorf("siem query returned status %d", resp.StatusCode)
	}
}

func (c *HTTPClient) decode(resp *http.Response) (core.SIEMResult, error) {
	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return core.SIEMResult{}, fmt.Errorf("decode siem response: %w", err)
	}
	if err := core.ValidateScore("risk_score", qr.RiskScore); err != nil {
		return core.SIEMResult{}, fmt.Errorf("siem response: %w", err)
	}
	if qr.FalsePositiveHistory < 0 {
		return core.SIEMResult{}, fmt.Errorf("siem response: negative false_positive_history %d", qr.FalsePositiveHistory)
	}

	recommendation := qr.Recommendation
	if len(recommendation) > core.MaxRecommendationByte {
		recommendation = recommendation[:core.MaxRecommendationByte]
	}
	if recommendation == "" {
		recommendation = "unknown"
	}

	return core.SIEMResult{
		RiskScore:            qr.RiskScore,
		FalsePositiveHistory: qr.FalsePositiveHistory,
		Recommendation:       recommendation,
	}, nil
}

// HealthCheck issues GET /health against the endpoint.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("siem health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("siem health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}
}

func (c *HTTPClient) recordQuery(status string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordSIEMQuery(status, time.Since(start))
	}
}

// ============================================================================
// NOOP CLIENT
// ============================================================================

// NoopClient returns the neutral sentinel for every kill. Used when
// enrichment is disabled.
type NoopClient struct {
	metrics *metrics.Metrics
}

func NewNoop(m *metrics.Metrics) *NoopClient {
	return &NoopClient{metrics: m}
}

func (c *NoopClient) Enrich(ctx context.Context, kr *core.KillReport) core.SIEMResult {
	if c.metrics != nil {
		c.metrics.RecordSIEMQuery("disabled", 0)
	}
	return core.NoopSIEMResult()
}

func (c *NoopClient) HealthCheck(ctx context.Context) error {
	return nil
}
