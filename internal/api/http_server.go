package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bookpay/internal/config"
	"bookpay/internal/database"
	"bookpay/internal/metrics"
	"bookpay/internal/service"
	"bookpay/internal/webhook"

	"github.com/rs/zerolog"
)

// Services is everything the transport layer calls into.
type Services struct {
	DB       *database.DB
	Bookings *service.BookingService
	Refunds  *service.RefundService
	Groups   *service.GroupService
	Webhooks *service.WebhookProcessor
	Verifier webhook.Verifier
}

// HTTPServer exposes the booking API and the processor callback endpoint.
type HTTPServer struct {
	cfg          config.APIConfig
	maxBodyBytes int64
	svc          Services
	server       *http.Server
	auth         *HTTPAuth
	log          zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, maxBodyBytes int64, svc Services, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{cfg: cfg, maxBodyBytes: maxBodyBytes, svc: svc, log: zerolog.Nop()}
	if logger != nil {
		srv.log = logger.With().Str("component", "http").Logger()
	}
	if srv.maxBodyBytes <= 0 {
		srv.maxBodyBytes = 1 << 20
	}
	srv.auth = NewHTTPAuth(cfg)

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/v1/bookings", srv.handleCreateBooking)
	apiMux.HandleFunc("GET /api/v1/bookings/{id}", srv.handleGetBooking)
	apiMux.HandleFunc("POST /api/v1/bookings/{id}/transitions", srv.handleTransition)
	apiMux.HandleFunc("POST /api/v1/bookings/{id}/refunds", srv.handleRefund)
	apiMux.HandleFunc("GET /api/v1/bookings/{id}/refunds", srv.handleListRefunds)
	apiMux.HandleFunc("POST /api/v1/bookings/{id}/group", srv.handleCreateGroup)
	apiMux.HandleFunc("GET /api/v1/groups/{id}", srv.handleGetGroup)
	apiMux.HandleFunc("POST /api/v1/groups/{id}/participants", srv.handleInvite)
	apiMux.HandleFunc("POST /api/v1/groups/{id}/participants/{pid}/{action}", srv.handleParticipantAction)
	apiMux.HandleFunc("GET /api/v1/quote", srv.handleQuote)

	mux := http.NewServeMux()
	// callbacks authenticate by signature, not API key
	mux.HandleFunc("POST /webhooks/payments", srv.handleWebhook)
	mux.HandleFunc("GET /healthz", srv.handleHealth)
	mux.Handle("/api/", srv.auth.Wrap(apiMux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

// Handler returns the root handler with middleware applied.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg     config.APIConfig
	clients map[string]config.APIClientKey
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	return &HTTPAuth{cfg: cfg, clients: m, limiter: newRateLimiter(&cfg)}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(r); err != nil {
				statusCode := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					statusCode = http.StatusForbidden
				}
				writeError(w, statusCode, err.Error())
				return
			}
		}

		if retryAfter := a.checkRateLimit(r); retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

var errPermissionDenied = errors.New("permission denied")

func (a *HTTPAuth) checkAuth(r *http.Request) error {
	apiKey := strings.TrimSpace(r.Header.Get(headerOrDefault(a.cfg.Auth.HeaderAPIKey, apiKeyHeaderDefault)))
	extra := strings.TrimSpace(r.Header.Get(headerOrDefault(a.cfg.Auth.HeaderExtra, apiExtraHeaderDefault)))
	if apiKey == "" || extra == "" {
		return fmt.Errorf("missing api key headers")
	}

	client, ok := a.clients[apiKey]
	if !ok {
		return fmt.Errorf("invalid api key")
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return fmt.Errorf("invalid extra header")
	}

	if !hasPermission(client, requiredPermissionHTTP(r)) {
		return errPermissionDenied
	}
	return nil
}

func requiredPermissionHTTP(r *http.Request) string {
	path := r.URL.Path
	switch {
	case path == "/api/v1/quote":
		return permQuote
	case strings.HasSuffix(path, "/refunds") && r.Method == http.MethodPost:
		return permRefund
	case strings.HasPrefix(path, "/api/v1/groups") || strings.HasSuffix(path, "/group"):
		return permGroups
	case r.Method == http.MethodGet:
		return permReadBookings
	default:
		return permWriteBookings
	}
}

// checkRateLimit returns the Retry-After value in seconds when the client is
// over its budget, zero otherwise.
func (a *HTTPAuth) checkRateLimit(r *http.Request) int {
	if ok, wait := a.limiter.allow(a.clientKey(r)); !ok {
		return retryAfterSeconds(wait)
	}
	return 0
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(headerOrDefault(a.cfg.Auth.HeaderAPIKey, apiKeyHeaderDefault))); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.IncHTTP(route)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
