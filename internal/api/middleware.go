package api

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/meetbot/internal/ratelimit"
	"github.com/shehryarbajwa/meetbot/pkg/logger"
	"github.com/shehryarbajwa/meetbot/pkg/metrics"
)

// SecretHeader carries the shared API secret.
const SecretHeader = "x-api-secret"

// statusRecorder remembers the response status. It passes Hijack through so
// websocket upgrades keep working behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

// SecretMiddleware rejects requests without the shared secret. An empty
// secret disables the check.
func SecretMiddleware(secret string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			provided := r.Header.Get(SecretHeader)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				failure(w, http.StatusForbidden, "forbidden", "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware limits requests per caller. Callers are identified by
// X-User-ID, then the userId query parameter, then the client address.
func RateLimitMiddleware(limiter *ratelimit.Limiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			key := callerKey(r)
			limit := strconv.Itoa(limiter.PerHour())
			if !limiter.Allow(key) {
				w.Header().Set("X-RateLimit-Limit", limit)
				w.Header().Set("X-RateLimit-Remaining", "0")
				failure(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded, maximum "+limit+" requests per hour")
				return
			}

			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(limiter.Remaining(key)))
			next.ServeHTTP(w, r)
		})
	}
}

func callerKey(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return "user:" + id
	}
	if id := r.URL.Query().Get("userId"); id != "" {
		return "user:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// accessLog writes a concise structured access log and records latency.
func accessLog(next http.Handler) http.Handler {
	log := logger.WithModule("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		metrics.APILatency.WithLabelValues(r.Method, path, strconv.Itoa(status)).Observe(duration.Seconds())

		log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("remote", r.RemoteAddr),
		)
	})
}

// recovery converts panics into a 500 response.
func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				logger.WithModule("http").Error("panic",
					zap.String("path", r.URL.Path),
					zap.Any("error", p),
				)
				failure(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+SecretHeader+", X-User-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
