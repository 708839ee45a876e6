// Package api exposes the HTTP surface: the streaming chat endpoint,
// conversation listing, and health probes, behind the standard
// middleware stack.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillchat/quill/internal/auth"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger      *slog.Logger
	Streamer    Streamer          // Required: runs chat turns
	Store       ConversationStore // Required: list/fetch conversations
	Pool        *pgxpool.Pool     // Optional: nil disables the database probe in /ready
	AuthSecret  []byte            // Required: 32+ bytes, signs bearer tokens
	CORSOrigins []string          // Allowed origins for CORS
	IsDev       bool              // Disables HSTS
	TrustProxy  bool              // Trust X-Real-IP/X-Forwarded-For (behind reverse proxy)
	RateBurst   int               // Rate limiter burst size per IP (0 = default 60)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Streamer == nil {
		return nil, errors.New("streamer is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("conversation store is required")
	}
	if len(cfg.AuthSecret) < 32 {
		return nil, errors.New("auth secret must be at least 32 bytes")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	verifier := auth.NewVerifier(cfg.AuthSecret)
	ch := &chatHandler{streamer: cfg.Streamer, logger: logger}
	cs := &chatsHandler{store: cfg.Store, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chat/stream", ch.streamChat)
	mux.HandleFunc("GET /api/v1/chats", cs.listChats)
	mux.HandleFunc("GET /api/v1/chats/{id}", cs.getChat)

	// Rate limiter: per-IP token bucket (1 token/sec refill)
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → RateLimit → Auth → Routes
	// RequestID must be before Logging so request_id is available in
	// log attributes. CORS must be before RateLimit so preflight
	// OPTIONS gets proper CORS headers.
	var handler http.Handler = mux
	handler = authMiddleware(verifier, logger)(handler)
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	isDev := cfg.IsDev
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w, isDev)
		handler.ServeHTTP(w, r)
	})

	// Health probes bypass auth and rate limiting.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool, logger))
	topMux.Handle("/", final)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
