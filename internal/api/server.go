// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/gorilla/mux"

	"github.com/token-gate/internal/config"
	"github.com/token-gate/internal/identity"
	"github.com/token-gate/internal/logging"
	"github.com/token-gate/internal/models"
	"github.com/token-gate/internal/service"
	"github.com/token-gate/internal/types"
)

// Service interfaces for dependency injection and testing

// SessionRegistry owns the live gate sessions
type SessionRegistry interface {
	Gate(id string) (service.GateRuntime, bool)
	GateIDs() []string
	Create(ctx context.Context, gateID string) (*service.Workflow, error)
	Get(id string) (*service.Workflow, error)
	End(id string) error
}

// ChallengeIssuer issues signing challenges for the injected connector
type ChallengeIssuer interface {
	IssueChallenge(ctx context.Context, sessionID string) (*models.Challenge, error)
}

// PairingManager drives the remote connector pairing handshake
type PairingManager interface {
	StartPairing(ctx context.Context, sessionID string) (*models.Pairing, error)
	Approve(ctx context.Context, topic, account string, chainID types.ChainID, signature string) (*models.Pairing, error)
	Reject(ctx context.Context, topic string) error
	AcknowledgeChain(ctx context.Context, topic string, chainID types.ChainID, accepted bool) (*models.Pairing, error)
}

// IdentityVerifier verifies Telegram login payloads
type IdentityVerifier interface {
	VerifyWidget(values url.Values) (*models.TelegramIdentity, error)
	VerifyInitData(raw string) (*models.TelegramIdentity, error)
}

// ReadinessCheck is a dependency probed by /ready
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server

	registry   SessionRegistry
	tokens     *TokenIssuer
	challenges ChallengeIssuer
	pairings   PairingManager
	verifier   IdentityVerifier
	bus        identity.Bus
	telegram   config.TelegramConfig
	readiness  []ReadinessCheck

	rateLimiter *RateLimiter
	config      *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	// PublicURL is the externally visible base URL used for the widget callback
	PublicURL         string
	RequestsPerSecond float64
	Burst             int
	TrustedProxies    []netip.Prefix
}

// Dependencies groups the collaborators of the server
type Dependencies struct {
	Registry   SessionRegistry
	Tokens     *TokenIssuer
	Challenges ChallengeIssuer
	Pairings   PairingManager
	Verifier   IdentityVerifier
	Bus        identity.Bus
	Telegram   config.TelegramConfig
	Readiness  []ReadinessCheck
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Dependencies) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		registry:   deps.Registry,
		tokens:     deps.Tokens,
		challenges: deps.Challenges,
		pairings:   deps.Pairings,
		verifier:   deps.Verifier,
		bus:        deps.Bus,
		telegram:   deps.Telegram,
		readiness:  deps.Readiness,
		config:     config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.rateLimiter = NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst, s.config.TrustedProxies...)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(RateLimitMiddleware(s.rateLimiter))
	s.router.Use(CompressionMiddleware)

	// Set up routes
	s.setupRoutes()

	// CORS wraps the router so preflight requests are answered before route matching
	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(s.config.Host, s.config.Port),
		Handler:      CORSMiddleware(s.config.AllowedOrigins)(s.router),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health check endpoints
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ready", s.handleReady).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Gate endpoints
	api.HandleFunc("/gates", s.handleListGates).Methods("GET")
	api.HandleFunc("/gates/{gate}/sessions", s.handleCreateSession).Methods("POST")

	// Telegram login endpoints
	api.HandleFunc("/telegram/widget", s.handleWidgetSettings).Methods("GET")
	api.HandleFunc("/telegram/auth", s.handleTelegramAuth).Methods("GET")

	// Remote wallet endpoints, called by the wallet app holding the pairing topic
	api.HandleFunc("/pairings/{topic}/approve", s.handleApprovePairing).Methods("POST")
	api.HandleFunc("/pairings/{topic}/chain", s.handlePairingChain).Methods("POST")

	// Session endpoints
	sessions := api.PathPrefix("/sessions/{id}").Subrouter()
	sessions.Use(SessionAuthMiddleware(s.tokens))
	sessions.HandleFunc("", s.handleGetSession).Methods("GET")
	sessions.HandleFunc("", s.handleEndSession).Methods("DELETE")
	sessions.HandleFunc("/challenge", s.handleIssueChallenge).Methods("POST")
	sessions.HandleFunc("/pairing", s.handleStartPairing).Methods("POST")
	sessions.HandleFunc("/connect", s.handleConnect).Methods("POST")
	sessions.HandleFunc("/chain", s.handleEnsureChain).Methods("POST")
	sessions.HandleFunc("/wallet-events", s.handleWalletEvent).Methods("POST")
	sessions.HandleFunc("/check", s.handleCheckEligibility).Methods("POST")
	sessions.HandleFunc("/identity", s.handleSubmitIdentity).Methods("POST")
	sessions.HandleFunc("/telegram/webapp", s.handleTelegramWebApp).Methods("POST")
}

// Handler returns the root handler, including CORS
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "token-gate",
	})
}

// handleReady probes the backing stores
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.readiness))
	ready := true
	for _, check := range s.readiness {
		if err := check.Check(ctx); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("dependency", check.Name).Warn("Readiness check failed")
			checks[check.Name] = "unavailable"
			ready = false
			continue
		}
		checks[check.Name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	respondJSON(w, status, map[string]interface{}{
		"status": state,
		"checks": checks,
	})
}

// Run expires idle rate limiter entries until ctx is cancelled
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rateLimiter.Cleanup()
		}
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
