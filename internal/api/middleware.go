package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// statusRecorder captures the status code for the request log. Hijack is
// forwarded so the websocket upgrade still works behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)),
		)
	})
}

// requireAPIKey guards mutating routes with a bearer token checked against
// the configured bcrypt hash. An empty hash leaves the route open; the key
// itself never appears in configuration or logs.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKeyHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, prefix) {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		key := strings.TrimPrefix(auth, prefix)
		if bcrypt.CompareHashAndPassword([]byte(s.cfg.APIKeyHash), []byte(key)) != nil {
			s.logger.Warn("rejected api key", zap.String("remote", remoteHost(r)))
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter enforces a fixed per-minute request budget per remote host.
// Windows for hosts that went quiet are swept periodically.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	limit   int
	logger  *zap.Logger
}

type rateWindow struct {
	count int
	start time.Time
}

// newRateLimiter builds a limiter allowing perMinute requests per host.
// A limit of zero or less disables limiting entirely.
func newRateLimiter(perMinute int, logger *zap.Logger) *rateLimiter {
	return &rateLimiter{
		windows: make(map[string]*rateWindow),
		limit:   perMinute,
		logger:  logger,
	}
}

// allow counts one request against the caller's current minute window.
func (rl *rateLimiter) allow(key string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	win, ok := rl.windows[key]
	if !ok || now.Sub(win.start) > time.Minute {
		rl.windows[key] = &rateWindow{count: 1, start: now}
		return true
	}
	win.count++
	return win.count <= rl.limit
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		host := remoteHost(r)
		if !rl.allow(host, time.Now()) {
			rl.logger.Warn("rate limit exceeded", zap.String("remote", host))
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sweep drops stale windows until ctx is canceled.
func (rl *rateLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			for key, win := range rl.windows {
				if now.Sub(win.start) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
