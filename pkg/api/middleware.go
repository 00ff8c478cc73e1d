package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/bcrypt"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testoor_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"method", "route", "code"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "testoor_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// instrument records request counts and latency per route pattern.
func (s *server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// requireWriteToken checks the Bearer token against the configured bcrypt
// hash. Without a configured hash every request passes.
func (s *server) requireWriteToken(next http.Handler) http.Handler {
	hash := []byte(s.cfg.Auth.WriteTokenHash)

	var tokens tokenCache

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(hash) == 0 {
			next.ServeHTTP(w, r)

			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, errKindUnauthorized, "bearer token required")

			return
		}

		if !tokens.verify(hash, authHeader[7:]) {
			writeError(w, http.StatusUnauthorized, errKindUnauthorized, "invalid token")

			return
		}

		next.ServeHTTP(w, r)
	})
}

// tokenCache holds the digest of the last token that matched the bcrypt
// hash, so a reporter streaming events pays the bcrypt cost once.
type tokenCache struct {
	verified atomic.Pointer[[sha256.Size]byte]
}

func (c *tokenCache) verify(hash []byte, token string) bool {
	sum := sha256.Sum256([]byte(token))

	if last := c.verified.Load(); last != nil && subtle.ConstantTimeCompare(sum[:], last[:]) == 1 {
		return true
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
		return false
	}

	c.verified.Store(&sum)

	return true
}
