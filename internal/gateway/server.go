package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emberchat/relay/internal/config"
	"github.com/emberchat/relay/internal/identity"
	"github.com/emberchat/relay/internal/logging"
	"github.com/emberchat/relay/internal/store"
)

// Server is one relay instance: an HTTP + WebSocket listener with its own
// registry, binding table, and token namespace. Several instances usually
// run side by side in one process, sharing the store but nothing else.
type Server struct {
	cfg      config.InstanceConfig
	log      *logging.Logger
	reg      *Registry
	bindings *BindingTable
	tokens   *identity.Service
	history  *store.HistoryStore
	offline  *store.OfflineStore
	router   *Router

	startedAt  time.Time
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// New creates a relay instance server from its config slice.
func New(cfg config.InstanceConfig, tokens *identity.Service,
	history *store.HistoryStore, offline *store.OfflineStore, log *logging.Logger) *Server {
	log = log.With("instance", cfg.Name)
	reg := NewRegistry(log.Sub("registry"))
	bindings := NewBindingTable()
	hb := Heartbeat{
		ReadIdle:  time.Duration(cfg.Heartbeat.ReadIdleSeconds) * time.Second,
		WriteIdle: time.Duration(cfg.Heartbeat.WriteIdleSeconds) * time.Second,
	}

	return &Server{
		cfg:      cfg,
		log:      log.Sub("gateway"),
		reg:      reg,
		bindings: bindings,
		tokens:   tokens,
		history:  history,
		offline:  offline,
		router:   NewRouter(reg, bindings, tokens, history, offline, hb, log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.AllowedOrigins),
		},
	}
}

// checkWebSocketOrigin returns the Origin validator for the upgrader. An
// absent Origin header (non-browser clients) is always allowed; otherwise
// the origin must match the configured list.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return isOriginAllowed(origin, allowed)
	}
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.InstanceConfig) string {
	switch cfg.Bind {
	case "loopback":
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	case "lan":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start begins listening. It blocks until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg)

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	handler := withMiddleware(mux, s.log, s.cfg.AllowedOrigins)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(l net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if s.cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertPath, s.cfg.TLS.KeyPath)
		if err != nil {
			ln.Close()
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		s.log.Info().Msg("TLS enabled")
	} else if s.cfg.Bind != "loopback" {
		s.log.Warn().Msg("TLS is not enabled, tokens will travel in cleartext")
	}

	s.startedAt = time.Now()

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("prefix", s.cfg.PathPrefix).
		Str("namespace", s.cfg.Namespace).
		Msg("relay instance ready")

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down relay instance")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.reg.CloseAll()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the configured listen address, or empty before Start.
func (s *Server) Addr() string {
	if s.httpServer != nil {
		return s.httpServer.Addr
	}
	return ""
}
