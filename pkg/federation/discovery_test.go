package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tezit/pkg/types"
)

type fakeRegistry struct {
	servers map[string]*types.FederatedServer
}

func (r *fakeRegistry) GetServer(ctx context.Context, host string) (*types.FederatedServer, error) {
	return r.servers[host], nil
}

// wellKnownServer runs a loopback peer that serves a discovery document and
// counts how many times it was fetched.
func wellKnownServer(t *testing.T, info ServerInfo, hits *atomic.Int32) (*httptest.Server, string) {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != WellKnownPath {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		doc := info
		if doc.Host == "" {
			doc.Host = r.Host
		}
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(ts.Close)
	return ts, strings.TrimPrefix(ts.URL, "http://")
}

func TestDiscoverer_FetchesWellKnown(t *testing.T) {
	id := testIdentity(t, "peer.example.org")
	var hits atomic.Int32
	_, host := wellKnownServer(t, ServerInfo{
		ServerID:        id.ServerID,
		PublicKey:       id.PublicKeyBase64(),
		ProtocolVersion: ProtocolVersion,
		Federation:      FederationInfo{Enabled: true, Mode: "open"},
	}, &hits)

	d := NewDiscoverer(nil, time.Minute, 2*time.Second, "http", nil)

	info, err := d.Discover(context.Background(), host)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, host, info.Host)
	assert.Equal(t, id.ServerID, info.ServerID)
	assert.Equal(t, id.PublicKeyBase64(), info.PublicKey)
	assert.Equal(t, DefaultInboxPath, info.Federation.Inbox, "missing inbox path gets the default")
}

func TestDiscoverer_CachesWithinTTL(t *testing.T) {
	id := testIdentity(t, "peer.example.org")
	var hits atomic.Int32
	_, host := wellKnownServer(t, ServerInfo{
		ServerID:   id.ServerID,
		PublicKey:  id.PublicKeyBase64(),
		Federation: FederationInfo{Enabled: true},
	}, &hits)

	d := NewDiscoverer(nil, time.Minute, 2*time.Second, "http", nil)

	for i := 0; i < 3; i++ {
		info, err := d.Discover(context.Background(), host)
		require.NoError(t, err)
		require.NotNil(t, info)
	}
	assert.Equal(t, int32(1), hits.Load(), "repeat lookups inside the TTL must hit the cache")

	d.Invalidate()
	_, err := d.Discover(context.Background(), host)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load(), "invalidation forces a fresh fetch")

	d.InvalidateHost(host)
	_, err = d.Discover(context.Background(), host)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestDiscoverer_RegistryFallback(t *testing.T) {
	// Host is unreachable on the network but previously learned; discovery
	// serves the registered identity instead of failing.
	reg := &fakeRegistry{servers: map[string]*types.FederatedServer{
		"offline.invalid": {
			Host:            "offline.invalid",
			ServerID:        "sid-1",
			PublicKey:       "cHVibGljLWtleQ==",
			TrustLevel:      types.TrustTrusted,
			ProtocolVersion: ProtocolVersion,
			Metadata:        types.ServerMetadata{InboxPath: "/inbox/custom"},
		},
	}}
	d := NewDiscoverer(reg, time.Minute, 200*time.Millisecond, "http", nil)

	info, err := d.Discover(context.Background(), "offline.invalid")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "sid-1", info.ServerID)
	assert.Equal(t, "/inbox/custom", info.Federation.Inbox)
}

func TestDiscoverer_UnknownHost(t *testing.T) {
	d := NewDiscoverer(&fakeRegistry{servers: map[string]*types.FederatedServer{}},
		time.Minute, 200*time.Millisecond, "http", nil)

	info, err := d.Discover(context.Background(), "nowhere.invalid")
	require.NoError(t, err)
	assert.Nil(t, info, "unknown host resolves to nil, not an error")
}

func TestDiscoverer_RejectsDisabledDocument(t *testing.T) {
	var hits atomic.Int32
	_, host := wellKnownServer(t, ServerInfo{
		ServerID:   "sid",
		PublicKey:  "cHVibGljLWtleQ==",
		Federation: FederationInfo{Enabled: false},
	}, &hits)

	d := NewDiscoverer(nil, time.Minute, 2*time.Second, "http", nil)

	info, err := d.Discover(context.Background(), host)
	require.NoError(t, err)
	assert.Nil(t, info, "a document with federation disabled is not a usable identity")
}
