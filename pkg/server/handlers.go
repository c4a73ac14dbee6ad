package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tezit/pkg/federation"
	"tezit/pkg/identity"
	"tezit/pkg/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDiscoveryDocument serves this server's public identity. Peers use
// it to learn our key and inbox path. Not found when federation is off.
func (s *Server) handleDiscoveryDocument(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Federation.Enabled {
		WriteError(w, http.StatusNotFound, "federation_disabled", "Federation is not enabled on this server")
		return
	}
	WriteJSON(w, http.StatusOK, federation.ServerInfo{
		Host:            s.cfg.Host,
		ServerID:        s.identity.ServerID,
		PublicKey:       s.identity.PublicKeyBase64(),
		ProtocolVersion: federation.ProtocolVersion,
		Profiles:        []string{"tez-core"},
		Federation: federation.FederationInfo{
			Enabled: true,
			Mode:    s.cfg.Federation.Mode,
			Inbox:   federation.DefaultInboxPath,
		},
	})
}

// handleInbox receives a signed bundle from a remote server.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	// Hard read cap; the protocol-level size gate runs inside the
	// pipeline, after authentication, against the configured limit.
	body, err := io.ReadAll(io.LimitReader(r.Body, 2*s.cfg.Federation.MaxBundleBytes+1))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "unreadable_body", "Could not read request body")
		return
	}

	req := &federation.InboundRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Headers: federation.SignatureHeaders{
			Server:    r.Header.Get(federation.HeaderServer),
			Date:      r.Header.Get(federation.HeaderDate),
			Digest:    r.Header.Get(federation.HeaderDigest),
			Nonce:     r.Header.Get(federation.HeaderNonce),
			Signature: r.Header.Get(federation.HeaderSignature),
		},
		Body:          body,
		ContentLength: r.ContentLength,
	}

	result, err := s.inbox.Handle(r.Context(), req)
	if err != nil {
		s.writeInboxError(w, err)
		return
	}

	status := http.StatusOK
	if result.Partial {
		status = http.StatusMultiStatus
	}
	WriteJSON(w, status, result)
}

func (s *Server) writeInboxError(w http.ResponseWriter, err error) {
	rej, ok := err.(*federation.Rejection)
	if !ok {
		s.logger.Error("inbound delivery failed unexpectedly", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "internal_error", "Delivery processing failed")
		return
	}
	WriteError(w, rejectionStatus(rej.Code), string(rej.Code), rej.Message)
}

// rejectionStatus maps protocol reject codes to HTTP statuses:
// authentication failures to 401, authorization to 403, size to 413,
// integrity and unresolvable recipients to 422, idempotency to 409.
func rejectionStatus(code federation.RejectCode) int {
	switch code {
	case federation.RejectMissingSignature,
		federation.RejectStaleOrFutureDate,
		federation.RejectDigestMismatch,
		federation.RejectSignatureInvalid,
		federation.RejectNonceReused:
		return http.StatusUnauthorized
	case federation.RejectUnknownServer,
		federation.RejectUndiscoverableServer,
		federation.RejectServerBlocked,
		federation.RejectServerPending:
		return http.StatusForbidden
	case federation.RejectBundleTooLarge:
		return http.StatusRequestEntityTooLarge
	case federation.RejectDuplicateBundle:
		return http.StatusConflict
	case federation.RejectInvalidBundle,
		federation.RejectNoLocalRecipients,
		federation.RejectAllRecipientsFailed:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// verifyRequest is the handshake body a remote server self-announces with.
type verifyRequest struct {
	Host        string `json:"host"`
	ServerID    string `json:"server_id"`
	PublicKey   string `json:"public_key"`
	DisplayName string `json:"display_name,omitempty"`
}

type verifyResponse struct {
	Host       string `json:"host"`
	TrustLevel string `json:"trust_level"`
}

// handleVerify registers or refreshes a remote server. A known host is
// refreshed without changing its trust level; a new host gets trusted in
// open mode and pending otherwise.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Host == "" || req.ServerID == "" || req.PublicKey == "" {
		WriteError(w, http.StatusBadRequest, "invalid_request", "host, server_id and public_key are required")
		return
	}
	if _, err := identity.ParsePublicKey(req.PublicKey); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_key", "public_key is not a valid Ed25519 key")
		return
	}

	ctx := r.Context()
	existing, err := s.store.GetServer(ctx, req.Host)
	if err != nil {
		s.logger.Error("handshake registry lookup failed", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "internal_error", "Registry lookup failed")
		return
	}

	fs := &types.FederatedServer{
		Host:            req.Host,
		ServerID:        req.ServerID,
		PublicKey:       req.PublicKey,
		ProtocolVersion: federation.ProtocolVersion,
		DisplayName:     req.DisplayName,
	}

	if existing != nil {
		// Key rotation by a known peer is accepted opportunistically;
		// trust level is untouched.
		if err := s.store.RefreshServer(ctx, fs); err != nil {
			s.logger.Error("handshake refresh failed", zap.Error(err))
			WriteError(w, http.StatusInternalServerError, "internal_error", "Registry update failed")
			return
		}
		s.discoverer.InvalidateHost(req.Host)
		WriteJSON(w, http.StatusOK, verifyResponse{Host: req.Host, TrustLevel: string(existing.TrustLevel)})
		return
	}

	fs.TrustLevel = types.TrustPending
	if types.FederationMode(s.cfg.Federation.Mode) == types.ModeOpen {
		fs.TrustLevel = types.TrustTrusted
	}
	if err := s.store.RegisterServer(ctx, fs); err != nil {
		s.logger.Error("handshake registration failed", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "internal_error", "Registration failed")
		return
	}
	s.logger.Info("server registered via handshake",
		zap.String("host", req.Host),
		zap.String("trust_level", string(fs.TrustLevel)))
	WriteJSON(w, http.StatusCreated, verifyResponse{Host: req.Host, TrustLevel: string(fs.TrustLevel)})
}

// createTezRequest is the local send surface that feeds the outbox.
type createTezRequest struct {
	From        string   `json:"from"`
	To          []string `json:"to"`
	SurfaceText string   `json:"surface_text"`
	Context     []struct {
		Kind    string `json:"kind"`
		Content string `json:"content"`
	} `json:"context"`
}

type createTezResponse struct {
	TezID       string   `json:"tez_id"`
	Queued      int      `json:"queued"`
	RemoteHosts []string `json:"remote_hosts"`
}

// handleCreateTez creates a local tez and routes any remote recipients
// through the outbox. Remote delivery failures are recorded, not raised.
func (s *Server) handleCreateTez(w http.ResponseWriter, r *http.Request) {
	var req createTezRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.From == "" || req.SurfaceText == "" || len(req.To) == 0 {
		WriteError(w, http.StatusBadRequest, "invalid_request", "from, to and surface_text are required")
		return
	}
	for _, raw := range req.To {
		if _, err := federation.ParseAddress(raw); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_recipient", err.Error())
			return
		}
	}

	tez := &types.Tez{
		FromAddress: req.From,
		SurfaceText: req.SurfaceText,
		CreatedAt:   time.Now(),
	}
	items := make([]types.ContextItem, 0, len(req.Context))
	for i, c := range req.Context {
		items = append(items, types.ContextItem{Kind: c.Kind, Content: c.Content, Position: i})
	}

	ctx := r.Context()
	if err := s.store.CreateTez(ctx, tez, items); err != nil {
		s.logger.Error("tez creation failed", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "internal_error", "Could not create tez")
		return
	}

	route, err := s.outbox.RouteToFederation(ctx, tez, items, req.To)
	if err != nil {
		s.logger.Error("federation routing failed", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "internal_error", "Could not route tez")
		return
	}

	WriteJSON(w, http.StatusCreated, createTezResponse{
		TezID:       tez.ID,
		Queued:      route.Queued,
		RemoteHosts: route.RemoteHosts,
	})
}
