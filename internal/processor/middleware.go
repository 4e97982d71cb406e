package processor

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/security"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/tracing"
)

// knownRoutes bounds the route label on request metrics
var knownRoutes = map[string]bool{
	"/":              true,
	"/process/zeek":  true,
	"/process/batch": true,
	"/test/enrich":   true,
	"/health":        true,
}

// openRoutes skip authentication and rate limiting
var openRoutes = map[string]bool{
	"/":       true,
	"/health": true,
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// recoverMiddleware turns a handler panic into a 500
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("Handler panicked")
				writeDetail(w, http.StatusInternalServerError, "Processing error: internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows any origin, method and header
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "*")
		h.Set("Access-Control-Allow-Headers", "*")
		h.Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrumentMiddleware joins the caller's trace and counts responses
func (s *Server) instrumentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(tracing.Extract(r.Context(), r.Header))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if !knownRoutes[route] {
			route = "other"
		}
		if s.metrics != nil {
			s.metrics.ProcessorRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		}
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

// rateLimitMiddleware applies a token bucket per client address
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RateLimit <= 0 || openRoutes[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		if !s.limiterFor(clientAddr(r)).Allow() {
			if s.metrics != nil {
				s.metrics.ProcessorRateLimited.Inc()
			}
			s.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("Rate limit exceeded")
			writeDetail(w, http.StatusTooManyRequests, "Too Many Requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks API keys when any are configured
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.APIKeys) == 0 || openRoutes[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		if !security.ValidAPIKey(security.APIKeyFromRequest(r), s.cfg.APIKeys) {
			s.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("Authentication failed")
			writeDetail(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limiterFor returns the client's limiter, dropping limiters idle for
// longer than idleLimiter
func (s *Server) limiterFor(addr string) *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()

	now := time.Now()
	if now.Sub(s.lastSweep) > s.idleLimiter {
		for k, cl := range s.limiters {
			if now.Sub(cl.lastSeen) > s.idleLimiter {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}

	cl, ok := s.limiters[addr]
	if !ok {
		cl = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateLimit*2),
		}
		s.limiters[addr] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
