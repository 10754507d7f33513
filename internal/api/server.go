// Package api exposes the matching service over HTTP: the WebSocket upgrade
// endpoint, health and metrics, and read-only room lookups.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/peerprep/matching/internal/auth"
	"github.com/peerprep/matching/internal/logger"
	"github.com/peerprep/matching/internal/metrics"
	"github.com/peerprep/matching/internal/question"
	"github.com/peerprep/matching/internal/ratelimit"
	"github.com/peerprep/matching/internal/room"
)

// Transport is the WebSocket endpoint mounted at /ws.
type Transport interface {
	HandleUpgrade(w http.ResponseWriter, r *http.Request)
	ConnectionCount() int
}

// PoolStats reports engine occupancy for /health.
type PoolStats interface {
	PoolSize() int
	Sessions() int
}

// Limiter throttles WebSocket upgrades per client IP.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Deps are the collaborators behind the routes. Limiter may be nil.
// Forwarded client addresses are honoured only when the socket peer is in
// TrustedProxies.
type Deps struct {
	Transport      Transport
	Engine         PoolStats
	Rooms          room.Store
	Catalog        question.Catalog
	Verifier       *auth.Verifier
	Limiter        Limiter
	TrustedProxies []*net.IPNet
}

// ParseTrustedProxies parses CIDR ranges. A bare address is taken as a
// single-host range.
func ParseTrustedProxies(entries []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("api: invalid trusted proxy %q", e)
			}
			if ip.To4() != nil {
				e += "/32"
			} else {
				e += "/128"
			}
		}
		_, network, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("api: invalid trusted proxy %q: %w", e, err)
		}
		out = append(out, network)
	}
	return out, nil
}

// Server represents the HTTP API server.
type Server struct {
	deps           Deps
	allowedOrigins []string
	router         *chi.Mux
	startedAt      time.Time
}

// NewServer creates the API server and configures its routes.
func NewServer(deps Deps, allowedOrigins []string) *Server {
	s := &Server{
		deps:           deps,
		allowedOrigins: allowedOrigins,
		startedAt:      time.Now(),
	}
	s.setupRouter()
	return s
}

// Router returns the configured router.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.realIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	// The upgrade hijacks the connection, so no request timeout here.
	r.With(s.connectLimit).Get("/ws", s.deps.Transport.HandleUpgrade)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Use(s.deps.Verifier.Middleware)

		r.Get("/rooms/{roomID}", s.handleGetRoom)
		r.Get("/users/{userID}/rooms", s.handleListUserRooms)
	})

	s.router = r
}

// connectLimit throttles upgrade attempts per client IP.
func (s *Server) connectLimit(next http.Handler) http.Handler {
	if s.deps.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 200*time.Millisecond)
		allowed, _ := s.deps.Limiter.Allow(ctx, clientIP(r), ratelimit.RuleConnect)
		cancel()
		if !allowed {
			respondError(w, http.StatusTooManyRequests, "too many connection attempts")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// realIP applies chi's RealIP only to requests whose socket peer is a
// trusted proxy. Anyone else keeps their own address.
func (s *Server) realIP(next http.Handler) http.Handler {
	forwarded := middleware.RealIP(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.trustedPeer(clientIP(r)) {
			forwarded.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) trustedPeer(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, network := range s.deps.TrustedProxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			logger.Debug("http request",
				"component", "api",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
