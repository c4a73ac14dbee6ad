package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"tezit/pkg/types"
)

// WellKnownPath is where every federation-enabled host publishes its
// discovery document.
const WellKnownPath = "/.well-known/tezit.json"

// DefaultInboxPath is assumed when a peer's metadata does not name one.
const DefaultInboxPath = "/api/federation/inbox"

// ServerInfo is the public identity a host publishes in its discovery
// document and the shape discovery hands back to callers.
type ServerInfo struct {
	Host            string         `json:"host"`
	ServerID        string         `json:"server_id"`
	PublicKey       string         `json:"public_key"`
	ProtocolVersion string         `json:"protocol_version"`
	Profiles        []string       `json:"profiles"`
	Federation      FederationInfo `json:"federation"`
}

// FederationInfo is the federation sub-object of a discovery document.
type FederationInfo struct {
	Enabled bool   `json:"enabled"`
	Mode    string `json:"mode"`
	Inbox   string `json:"inbox"`
}

// RegistryReader is the slice of the trust registry discovery falls back
// to when the network is unreachable.
type RegistryReader interface {
	GetServer(ctx context.Context, host string) (*types.FederatedServer, error)
}

type discoveryCacheEntry struct {
	info      *ServerInfo
	expiresAt time.Time
}

// Discoverer resolves a remote host's public identity. Resolution order:
// TTL cache, network fetch of the well-known document, trust-registry
// fallback (previously learned identity treated as a cached fact, not
// requiring liveness), else nil. The cache is an owned object, not
// package state; Invalidate gives test harnesses a clean slate.
type Discoverer struct {
	mu    sync.RWMutex
	cache map[string]discoveryCacheEntry

	ttl      time.Duration
	scheme   string
	client   *http.Client
	registry RegistryReader
	logger   *zap.Logger
}

// NewDiscoverer creates a discoverer. scheme is normally "https"; test
// harnesses running peers on loopback pass "http".
func NewDiscoverer(registry RegistryReader, ttl time.Duration, timeout time.Duration, scheme string, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if scheme == "" {
		scheme = "https"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Discoverer{
		cache:    make(map[string]discoveryCacheEntry),
		ttl:      ttl,
		scheme:   scheme,
		client:   &http.Client{Timeout: timeout},
		registry: registry,
		logger:   logger,
	}
}

// Discover resolves host. Returns (nil, nil) when the host is unknown to
// both the network and the registry.
func (d *Discoverer) Discover(ctx context.Context, host string) (*ServerInfo, error) {
	d.mu.RLock()
	entry, ok := d.cache[host]
	d.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.info, nil
	}

	if info := d.fetch(ctx, host); info != nil {
		d.store(host, info)
		return info, nil
	}

	if d.registry != nil {
		fs, err := d.registry.GetServer(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("registry fallback for %s: %w", host, err)
		}
		if fs != nil {
			info := infoFromRegistry(fs)
			d.store(host, info)
			d.logger.Debug("discovery resolved from registry fallback",
				zap.String("host", host))
			return info, nil
		}
	}

	return nil, nil
}

// Invalidate clears the whole cache, forcing fresh resolution on next call.
func (d *Discoverer) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = make(map[string]discoveryCacheEntry)
}

// InvalidateHost drops a single host from the cache.
func (d *Discoverer) InvalidateHost(host string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cache, host)
}

func (d *Discoverer) store(host string, info *ServerInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache[host] = discoveryCacheEntry{info: info, expiresAt: time.Now().Add(d.ttl)}
}

func (d *Discoverer) fetch(ctx context.Context, host string) *ServerInfo {
	url := fmt.Sprintf("%s://%s%s", d.scheme, host, WellKnownPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Debug("discovery fetch failed",
			zap.String("host", host), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil
	}
	var info ServerInfo
	if err := json.Unmarshal(body, &info); err != nil {
		d.logger.Debug("discovery document unparseable",
			zap.String("host", host), zap.Error(err))
		return nil
	}
	if info.Host == "" || info.PublicKey == "" || !info.Federation.Enabled {
		return nil
	}
	if info.Federation.Inbox == "" {
		info.Federation.Inbox = DefaultInboxPath
	}
	return &info
}

func infoFromRegistry(fs *types.FederatedServer) *ServerInfo {
	inbox := fs.Metadata.InboxPath
	if inbox == "" {
		inbox = DefaultInboxPath
	}
	return &ServerInfo{
		Host:            fs.Host,
		ServerID:        fs.ServerID,
		PublicKey:       fs.PublicKey,
		ProtocolVersion: fs.ProtocolVersion,
		Profiles:        fs.Metadata.Profiles,
		Federation: FederationInfo{
			Enabled: true,
			Inbox:   inbox,
		},
	}
}
