package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"tezit/pkg/config"
	"tezit/pkg/federation"
	"tezit/pkg/identity"
	"tezit/pkg/store"
	"tezit/pkg/types"
)

// testServer is a full server reachable over loopback HTTP. Its canonical
// host is its own loopback address, so two instances can federate with
// each other through real requests.
type testServer struct {
	cfg  *config.Config
	st   *store.Store
	id   *identity.ServerIdentity
	srv  *Server
	url  string
	host string
}

func newTestServer(t *testing.T, mode string) *testServer {
	t.Helper()
	ts := &testServer{}

	// The handler closes over ts.srv, which is wired below once the
	// listener's address (our canonical host) is known.
	h := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.srv.Router().ServeHTTP(w, r)
	}))
	t.Cleanup(h.Close)
	ts.url = h.URL
	ts.host = strings.TrimPrefix(h.URL, "http://")

	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Host = ts.host
	cfg.DataDir = dir
	cfg.DBPath = filepath.Join(dir, "tezit.db")
	cfg.Federation.Mode = mode
	cfg.Federation.Scheme = "http"
	cfg.Federation.RequestTimeout = 2 * time.Second
	ts.cfg = cfg

	st, err := store.Open(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ts.st = st

	id, err := identity.LoadOrCreate(dir, ts.host)
	require.NoError(t, err)
	ts.id = id

	ts.srv = New(cfg, st, id, zap.NewNop())
	return ts
}

// enableAdmin configures operator credentials and returns a valid token.
func (ts *testServer) enableAdmin(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	ts.cfg.Admin.Username = "admin"
	ts.cfg.Admin.PasswordHash = string(hash)
	ts.cfg.Admin.JWTSecret = "test-secret"

	resp := ts.postJSON(t, "/api/auth/login", "",
		map[string]string{"username": "admin", "password": password})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Token)
	return body.Token
}

func (ts *testServer) postJSON(t *testing.T, path, token string, payload interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.url+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// trustPeer registers a peer identity in ts's registry at the given level.
func (ts *testServer) trustPeer(t *testing.T, peer *identity.ServerIdentity, level types.TrustLevel) {
	t.Helper()
	require.NoError(t, ts.st.RegisterServer(context.Background(), &types.FederatedServer{
		Host:            peer.Host,
		ServerID:        peer.ServerID,
		PublicKey:       peer.PublicKeyBase64(),
		TrustLevel:      level,
		ProtocolVersion: federation.ProtocolVersion,
	}))
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	return e
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "allowlist")
	resp, err := http.Get(ts.url + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDiscoveryDocument(t *testing.T) {
	ts := newTestServer(t, "open")

	resp, err := http.Get(ts.url + federation.WellKnownPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info federation.ServerInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, ts.host, info.Host)
	assert.Equal(t, ts.id.ServerID, info.ServerID)
	assert.Equal(t, ts.id.PublicKeyBase64(), info.PublicKey)
	assert.True(t, info.Federation.Enabled)
	assert.Equal(t, "open", info.Federation.Mode)
	assert.Equal(t, federation.DefaultInboxPath, info.Federation.Inbox)
}

func TestDiscoveryDocument_FederationDisabled(t *testing.T) {
	ts := newTestServer(t, "open")
	ts.cfg.Federation.Enabled = false

	resp, err := http.Get(ts.url + federation.WellKnownPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVerifyHandshake(t *testing.T) {
	ts := newTestServer(t, "allowlist")
	peer := newPeerIdentity(t, "peer.example.org")

	// First contact: registered pending in allowlist mode.
	resp := ts.postJSON(t, "/federation/verify", "", map[string]string{
		"host":       peer.Host,
		"server_id":  peer.ServerID,
		"public_key": peer.PublicKeyBase64(),
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		Host       string `json:"host"`
		TrustLevel string `json:"trust_level"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "pending", body.TrustLevel)

	// Operator promotes; a later handshake with a rotated key refreshes
	// identity but leaves the earned trust alone.
	require.NoError(t, ts.st.UpdateTrustLevel(context.Background(), peer.Host, types.TrustTrusted))

	rotated := newPeerIdentity(t, peer.Host)
	resp2 := ts.postJSON(t, "/federation/verify", "", map[string]string{
		"host":       rotated.Host,
		"server_id":  rotated.ServerID,
		"public_key": rotated.PublicKeyBase64(),
	})
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.Equal(t, "trusted", body.TrustLevel)

	fs, err := ts.st.GetServer(context.Background(), peer.Host)
	require.NoError(t, err)
	assert.Equal(t, rotated.PublicKeyBase64(), fs.PublicKey)
	assert.Equal(t, types.TrustTrusted, fs.TrustLevel)
}

func TestVerifyHandshake_OpenModeTrusts(t *testing.T) {
	ts := newTestServer(t, "open")
	peer := newPeerIdentity(t, "peer.example.org")

	resp := ts.postJSON(t, "/federation/verify", "", map[string]string{
		"host":       peer.Host,
		"server_id":  peer.ServerID,
		"public_key": peer.PublicKeyBase64(),
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		TrustLevel string `json:"trust_level"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "trusted", body.TrustLevel)
}

func TestVerifyHandshake_RejectsBadKey(t *testing.T) {
	ts := newTestServer(t, "open")

	resp := ts.postJSON(t, "/federation/verify", "", map[string]string{
		"host":       "peer.example.org",
		"server_id":  "sid",
		"public_key": "dG9vLXNob3J0",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_key", decodeError(t, resp).Code)
}

func newPeerIdentity(t *testing.T, host string) *identity.ServerIdentity {
	t.Helper()
	id, err := identity.LoadOrCreate(t.TempDir(), host)
	require.NoError(t, err)
	return id
}

func TestAdminAPI(t *testing.T) {
	ts := newTestServer(t, "allowlist")
	peer := newPeerIdentity(t, "peer.example.org")
	ts.trustPeer(t, peer, types.TrustPending)

	// Unconfigured operator access is off entirely.
	req, _ := http.NewRequest(http.MethodGet, ts.url+"/api/federation/servers", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	token := ts.enableAdmin(t, "hunter2")

	// Wrong password.
	badLogin := ts.postJSON(t, "/api/auth/login", "",
		map[string]string{"username": "admin", "password": "wrong"})
	badLogin.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, badLogin.StatusCode)

	// No token.
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Authenticated listing.
	authed, _ := http.NewRequest(http.MethodGet, ts.url+"/api/federation/servers", nil)
	authed.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(authed)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Servers []struct {
			Host       string `json:"host"`
			TrustLevel string `json:"trust_level"`
		} `json:"servers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	require.Len(t, listing.Servers, 1)
	assert.Equal(t, "pending", listing.Servers[0].TrustLevel)

	// Promote.
	patch := func(host, level string) *http.Response {
		raw, _ := json.Marshal(map[string]string{"trust_level": level})
		r, _ := http.NewRequest(http.MethodPatch,
			ts.url+"/api/federation/servers/"+host, bytes.NewReader(raw))
		r.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(r)
		require.NoError(t, err)
		return resp
	}

	pr := patch(peer.Host, "trusted")
	pr.Body.Close()
	assert.Equal(t, http.StatusOK, pr.StatusCode)
	fs, err := ts.st.GetServer(context.Background(), peer.Host)
	require.NoError(t, err)
	assert.Equal(t, types.TrustTrusted, fs.TrustLevel)

	pr = patch(peer.Host, "sketchy")
	pr.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, pr.StatusCode)

	pr = patch("missing.example.org", "blocked")
	pr.Body.Close()
	assert.Equal(t, http.StatusNotFound, pr.StatusCode)

	// Remove.
	del, _ := http.NewRequest(http.MethodDelete, ts.url+"/api/federation/servers/"+peer.Host, nil)
	del.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(del)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	fs, err = ts.st.GetServer(context.Background(), peer.Host)
	require.NoError(t, err)
	assert.Nil(t, fs)
}

// postBundle signs and posts a bundle to a server's inbox the way a real
// peer would.
func postBundle(t *testing.T, url string, sender *identity.ServerIdentity, bundle *federation.Bundle) *http.Response {
	t.Helper()
	body, err := json.Marshal(bundle)
	require.NoError(t, err)

	h := federation.SignRequest(http.MethodPost, federation.DefaultInboxPath, body, sender)
	req, err := http.NewRequest(http.MethodPost, url+federation.DefaultInboxPath, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(federation.HeaderServer, h.Server)
	req.Header.Set(federation.HeaderDate, h.Date)
	req.Header.Set(federation.HeaderDigest, h.Digest)
	req.Header.Set(federation.HeaderNonce, h.Nonce)
	req.Header.Set(federation.HeaderSignature, h.Signature)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func inboxBundle(t *testing.T, sender *identity.ServerIdentity, text string, to ...string) *federation.Bundle {
	t.Helper()
	b, err := federation.CreateBundle(
		federation.TezPayload{
			ID:          fmt.Sprintf("tez-%d", time.Now().UnixNano()),
			SurfaceText: text,
			CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		},
		[]federation.ContextPayload{{Kind: "note", Content: "context for " + text}},
		"alice@"+sender.Host, to, sender)
	require.NoError(t, err)
	return b
}

func TestInboxHTTP(t *testing.T) {
	ts := newTestServer(t, "allowlist")
	sender := newPeerIdentity(t, "remote.example.org")
	ts.trustPeer(t, sender, types.TrustTrusted)
	require.NoError(t, ts.st.CreateUser(context.Background(), &types.User{Username: "bob"}))

	bundle := inboxBundle(t, sender, "first delivery", "bob@"+ts.host)

	resp := postBundle(t, ts.url, sender, bundle)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result federation.DeliveryResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, []string{"bob@" + ts.host}, result.Delivered)
	assert.False(t, result.Partial)

	// Same bundle, fresh signature: idempotency conflict.
	dup := postBundle(t, ts.url, sender, bundle)
	defer dup.Body.Close()
	assert.Equal(t, http.StatusConflict, dup.StatusCode)
	assert.Equal(t, "DUPLICATE_BUNDLE", decodeError(t, dup).Code)

	n, err := ts.st.CountTez(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInboxHTTP_PartialDelivery(t *testing.T) {
	ts := newTestServer(t, "allowlist")
	sender := newPeerIdentity(t, "remote.example.org")
	ts.trustPeer(t, sender, types.TrustTrusted)
	require.NoError(t, ts.st.CreateUser(context.Background(), &types.User{Username: "bob"}))

	bundle := inboxBundle(t, sender, "mixed recipients", "bob@"+ts.host, "ghost@"+ts.host)

	resp := postBundle(t, ts.url, sender, bundle)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMultiStatus, resp.StatusCode)

	var result federation.DeliveryResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Partial)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "ghost@"+ts.host, result.Failed[0].Address)
}

func TestInboxHTTP_TrustGating(t *testing.T) {
	ts := newTestServer(t, "allowlist")
	require.NoError(t, ts.st.CreateUser(context.Background(), &types.User{Username: "bob"}))

	unknown := newPeerIdentity(t, "unknown.example.org")
	resp := postBundle(t, ts.url, unknown, inboxBundle(t, unknown, "hi", "bob@"+ts.host))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "UNKNOWN_SERVER", decodeError(t, resp).Code)

	blocked := newPeerIdentity(t, "blocked.example.org")
	ts.trustPeer(t, blocked, types.TrustBlocked)
	resp2 := postBundle(t, ts.url, blocked, inboxBundle(t, blocked, "hi", "bob@"+ts.host))
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)
	assert.Equal(t, "SERVER_BLOCKED", decodeError(t, resp2).Code)

	pending := newPeerIdentity(t, "pending.example.org")
	ts.trustPeer(t, pending, types.TrustPending)
	resp3 := postBundle(t, ts.url, pending, inboxBundle(t, pending, "hi", "bob@"+ts.host))
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp3.StatusCode)
	assert.Equal(t, "SERVER_PENDING", decodeError(t, resp3).Code)
}

func TestInboxHTTP_BadSignature(t *testing.T) {
	ts := newTestServer(t, "allowlist")
	require.NoError(t, ts.st.CreateUser(context.Background(), &types.User{Username: "bob"}))

	// Registered under one key, signing with another.
	claimed := newPeerIdentity(t, "remote.example.org")
	ts.trustPeer(t, claimed, types.TrustTrusted)
	impostor := newPeerIdentity(t, "remote.example.org")

	resp := postBundle(t, ts.url, impostor, inboxBundle(t, impostor, "hi", "bob@"+ts.host))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "SIGNATURE_INVALID", decodeError(t, resp).Code)
}

// TestFederationEndToEnd runs two servers over loopback HTTP: a tez created
// on server A with a recipient on server B is bundled, signed, delivered
// and materialized on B.
func TestFederationEndToEnd(t *testing.T) {
	a := newTestServer(t, "allowlist")
	b := newTestServer(t, "allowlist")

	// Each side trusts the other; B hosts the recipient.
	a.trustPeer(t, b.id, types.TrustTrusted)
	b.trustPeer(t, a.id, types.TrustTrusted)
	require.NoError(t, b.st.CreateUser(context.Background(), &types.User{Username: "bob"}))

	token := a.enableAdmin(t, "hunter2")
	resp := a.postJSON(t, "/api/tez", token, map[string]interface{}{
		"from":         "alice@" + a.host,
		"to":           []string{"bob@" + b.host, "alice@" + a.host},
		"surface_text": "cross-server hello",
		"context": []map[string]string{
			{"kind": "note", "content": "sent across federation"},
		},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		TezID       string   `json:"tez_id"`
		Queued      int      `json:"queued"`
		RemoteHosts []string `json:"remote_hosts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, 1, created.Queued, "local recipient must not produce an outbox entry")
	assert.Equal(t, []string{b.host}, created.RemoteHosts)

	// A's outbox entry is delivered.
	entries, err := a.st.ListOutboxForTez(context.Background(), created.TezID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.OutboxDelivered, entries[0].Status)

	// The tez materialized on B with its context.
	n, err := b.st.CountTez(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var bundle federation.Bundle
	require.NoError(t, json.Unmarshal(entries[0].Bundle, &bundle))
	has, err := b.st.HasBundle(context.Background(), bundle.BundleHash)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestCreateTez_Validation(t *testing.T) {
	ts := newTestServer(t, "allowlist")
	token := ts.enableAdmin(t, "hunter2")

	resp := ts.postJSON(t, "/api/tez", token, map[string]interface{}{
		"from":         "alice@" + ts.host,
		"to":           []string{"not-an-address"},
		"surface_text": "hi",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_recipient", decodeError(t, resp).Code)

	resp2 := ts.postJSON(t, "/api/tez", token, map[string]interface{}{
		"from": "alice@" + ts.host,
		"to":   []string{"bob@other.example.org"},
	})
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestSanitizerStripsControlCharacters(t *testing.T) {
	s := textSanitizer{}
	assert.Equal(t, "hello\nworld\ttab", s.Sanitize("hello\nworld\ttab"))
	assert.Equal(t, "cleaned", s.Sanitize("cle\x00an\x1bed"))
}
