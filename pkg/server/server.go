// Package server exposes the tezit federation engine over HTTP: the
// well-known discovery document, the inbound delivery endpoint, the trust
// handshake, and the privileged admin trust API.
package server

import (
	"context"
	"net/http"
	"strings"
	"unicode"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"tezit/pkg/config"
	"tezit/pkg/federation"
	"tezit/pkg/identity"
	"tezit/pkg/store"
	"tezit/pkg/types"
)

// Server wires the federation engine to its HTTP surface.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *store.Store
	identity *identity.ServerIdentity

	discoverer *federation.Discoverer
	inbox      *federation.InboxPipeline
	outbox     *federation.OutboxPipeline

	router *mux.Router
	httpd  *http.Server
}

// New assembles a server from its dependencies.
func New(cfg *config.Config, st *store.Store, id *identity.ServerIdentity, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	fc := cfg.Federation
	discoverer := federation.NewDiscoverer(st, fc.DiscoveryTTL, fc.RequestTimeout, fc.Scheme, logger)
	deliverer := federation.NewHTTPDeliverer(id, fc.RequestTimeout, fc.Scheme, logger)

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		identity:   id,
		discoverer: discoverer,
	}
	s.inbox = federation.NewInboxPipeline(
		cfg.Host,
		types.FederationMode(fc.Mode),
		fc.MaxBundleBytes,
		st, st, discoverer,
		&storeResolver{st: st},
		textSanitizer{},
		logger,
	)
	s.outbox = federation.NewOutboxPipeline(id, discoverer, st, deliverer, logger)
	s.router = s.routes()
	return s
}

// Router returns the HTTP handler, for embedding and tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Discoverer exposes the discovery cache for explicit invalidation.
func (s *Server) Discoverer() *federation.Discoverer {
	return s.discoverer
}

// Outbox exposes the outbound pipeline for schedulers and tests.
func (s *Server) Outbox() *federation.OutboxPipeline {
	return s.outbox
}

// Start serves HTTP on the configured listen address, blocking until the
// listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpd = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.router,
	}
	s.logger.Info("tezit server listening",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("host", s.cfg.Host),
		zap.String("server_id", s.identity.ServerID),
		zap.String("federation_mode", s.cfg.Federation.Mode))
	err := s.httpd.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpd == nil {
		return nil
	}
	return s.httpd.Shutdown(ctx)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc(federation.WellKnownPath, s.handleDiscoveryDocument).Methods(http.MethodGet)
	r.HandleFunc(federation.DefaultInboxPath, s.handleInbox).Methods(http.MethodPost)
	r.HandleFunc("/federation/verify", s.handleVerify).Methods(http.MethodPost)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)

	admin := r.PathPrefix("/api").Subrouter()
	admin.Use(s.requireOperator)
	admin.HandleFunc("/federation/servers", s.handleListServers).Methods(http.MethodGet)
	admin.HandleFunc("/federation/servers/{host}", s.handleUpdateTrust).Methods(http.MethodPatch)
	admin.HandleFunc("/federation/servers/{host}", s.handleDeleteServer).Methods(http.MethodDelete)
	admin.HandleFunc("/tez", s.handleCreateTez).Methods(http.MethodPost)

	return r
}

// storeResolver maps address local-parts to local users via the store.
type storeResolver struct {
	st *store.Store
}

func (r *storeResolver) ResolveLocalPart(ctx context.Context, localPart string) (*types.User, error) {
	u, err := r.st.GetUserByUsername(ctx, localPart)
	if err == store.ErrNotFound {
		return nil, nil
	}
	return u, err
}

// textSanitizer strips control characters from untrusted external text.
// Newlines and tabs survive; everything else non-printable is dropped.
type textSanitizer struct{}

func (textSanitizer) Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
