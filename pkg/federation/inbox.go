package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tezit/pkg/identity"
	"tezit/pkg/store"
	"tezit/pkg/types"
)

// Registry is the slice of the trust registry the inbox pipeline needs.
type Registry interface {
	RegistryReader
	RegisterServer(ctx context.Context, fs *types.FederatedServer) error
	TouchServer(ctx context.Context, host string, at time.Time) error
}

// DeliveryStore materializes inbound deliveries and answers dedup lookups.
type DeliveryStore interface {
	HasBundle(ctx context.Context, bundleHash string) (bool, error)
	MaterializeInbound(ctx context.Context, d *store.InboundDelivery) error
}

// RecipientResolver maps an address local-part to a local user. It is
// owned by the surrounding application, not by this engine. A nil user
// with nil error means the local-part is unknown.
type RecipientResolver interface {
	ResolveLocalPart(ctx context.Context, localPart string) (*types.User, error)
}

// Sanitizer strips or escapes untrusted external text before it is stored.
// Owned by the surrounding application.
type Sanitizer interface {
	Sanitize(s string) string
}

// InboundRequest is a signed delivery as received off the wire.
type InboundRequest struct {
	Method        string
	Path          string
	Headers       SignatureHeaders
	Body          []byte
	ContentLength int64
}

// AddressFailure reports one recipient address that could not be delivered.
type AddressFailure struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

// DeliveryResult is the outcome of a successfully processed delivery.
// Partial reports that some, but not all, recipients failed to resolve.
type DeliveryResult struct {
	LocalTezID string           `json:"local_tez_id"`
	Delivered  []string         `json:"delivered"`
	Failed     []AddressFailure `json:"failed,omitempty"`
	Partial    bool             `json:"partial"`
}

// InboxPipeline authenticates, validates, deduplicates and materializes
// inbound federated deliveries.
type InboxPipeline struct {
	localHost      string
	mode           types.FederationMode
	maxBundleBytes int64

	registry   Registry
	deliveries DeliveryStore
	discoverer *Discoverer
	nonces     *NonceCache
	resolver   RecipientResolver
	sanitizer  Sanitizer
	logger     *zap.Logger
}

// NewInboxPipeline wires an inbox pipeline.
func NewInboxPipeline(localHost string, mode types.FederationMode, maxBundleBytes int64,
	registry Registry, deliveries DeliveryStore, discoverer *Discoverer,
	resolver RecipientResolver, sanitizer Sanitizer, logger *zap.Logger) *InboxPipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InboxPipeline{
		localHost:      localHost,
		mode:           mode,
		maxBundleBytes: maxBundleBytes,
		registry:       registry,
		deliveries:     deliveries,
		discoverer:     discoverer,
		nonces:         NewNonceCache(),
		resolver:       resolver,
		sanitizer:      sanitizer,
		logger:         logger,
	}
}

// Handle runs one inbound delivery through the pipeline. A *Rejection
// error is a terminal protocol refusal; any other error is unexpected.
func (p *InboxPipeline) Handle(ctx context.Context, req *InboundRequest) (*DeliveryResult, error) {
	sender := req.Headers.Server
	if sender == "" {
		return nil, reject(RejectMissingSignature, "sender header missing")
	}

	fs, err := p.admitSender(ctx, sender)
	if err != nil {
		return nil, err
	}

	pub, err := identity.ParsePublicKey(fs.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("registered key for %s unusable: %w", sender, err)
	}
	if rej := VerifyRequest(req.Method, req.Path, req.Body, req.Headers, pub, time.Now()); rej != nil {
		p.logger.Warn("inbound delivery failed verification",
			zap.String("sender", sender),
			zap.String("reason", string(rej.Code)))
		return nil, rej
	}
	if p.nonces.Remember(sender, req.Headers.Nonce) {
		return nil, reject(RejectNonceReused, "nonce already used by %s", sender)
	}

	if req.ContentLength > p.maxBundleBytes || int64(len(req.Body)) > p.maxBundleBytes {
		return nil, reject(RejectBundleTooLarge, "bundle exceeds %d bytes", p.maxBundleBytes)
	}

	var bundle Bundle
	if err := json.Unmarshal(req.Body, &bundle); err != nil {
		return nil, reject(RejectInvalidBundle, "bundle is not valid JSON")
	}
	if err := ValidateBundle(&bundle); err != nil {
		return nil, reject(RejectInvalidBundle, "%v", err)
	}

	dup, err := p.deliveries.HasBundle(ctx, bundle.BundleHash)
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}
	if dup {
		return nil, reject(RejectDuplicateBundle, "bundle %s already delivered", bundle.BundleHash)
	}

	recipients, failed, rej := p.resolveRecipients(ctx, bundle.To)
	if rej != nil {
		return nil, rej
	}

	result, err := p.materialize(ctx, fs, &bundle, recipients, failed)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// admitSender applies the trust gate: registry lookup, mode-dependent
// admission of unknown servers, and the blocked/pending checks. Trust is
// never silently upgraded by inbound traffic; open-mode auto-registration
// is the only path that creates a record here.
func (p *InboxPipeline) admitSender(ctx context.Context, sender string) (*types.FederatedServer, error) {
	fs, err := p.registry.GetServer(ctx, sender)
	if err != nil {
		return nil, fmt.Errorf("registry lookup for %s: %w", sender, err)
	}

	if fs == nil {
		if p.mode != types.ModeOpen {
			return nil, reject(RejectUnknownServer, "server %s is not registered", sender)
		}
		info, err := p.discoverer.Discover(ctx, sender)
		if err != nil {
			return nil, fmt.Errorf("discovery for %s: %w", sender, err)
		}
		if info == nil {
			return nil, reject(RejectUndiscoverableServer, "server %s could not be discovered", sender)
		}
		fs = &types.FederatedServer{
			Host:            info.Host,
			ServerID:        info.ServerID,
			PublicKey:       info.PublicKey,
			TrustLevel:      types.TrustTrusted,
			ProtocolVersion: info.ProtocolVersion,
			Metadata: types.ServerMetadata{
				InboxPath: info.Federation.Inbox,
				Profiles:  info.Profiles,
			},
		}
		if err := p.registry.RegisterServer(ctx, fs); err != nil {
			return nil, fmt.Errorf("auto-register %s: %w", sender, err)
		}
		p.logger.Info("auto-registered server in open mode",
			zap.String("host", sender))
	}

	switch fs.TrustLevel {
	case types.TrustBlocked:
		return nil, reject(RejectServerBlocked, "server %s is blocked", sender)
	case types.TrustPending:
		return nil, reject(RejectServerPending, "server %s is pending operator approval", sender)
	}
	return fs, nil
}

// resolveRecipients filters the bundle's to-list down to deliverable local
// users, collecting per-address failures. Resolution happens before any
// record is created so a bundle that cannot reach anyone leaves no trace.
func (p *InboxPipeline) resolveRecipients(ctx context.Context, to []string) ([]types.Recipient, []AddressFailure, *Rejection) {
	var local []*Address
	var failed []AddressFailure
	for _, raw := range to {
		addr, err := ParseAddress(raw)
		if err != nil {
			failed = append(failed, AddressFailure{Address: raw, Reason: "unparseable address"})
			continue
		}
		if !addr.IsLocal(p.localHost) {
			continue
		}
		local = append(local, addr)
	}
	if len(local) == 0 {
		return nil, nil, reject(RejectNoLocalRecipients, "no recipients belong to %s", p.localHost)
	}

	var recipients []types.Recipient
	seen := make(map[string]bool)
	for _, addr := range local {
		user, err := p.resolver.ResolveLocalPart(ctx, addr.LocalPart)
		if err != nil || user == nil {
			failed = append(failed, AddressFailure{Address: addr.String(), Reason: "unknown recipient"})
			continue
		}
		// A repeated address is still one delivery; collapse it so the
		// recipient rows stay unique per user.
		if seen[user.ID] {
			continue
		}
		seen[user.ID] = true
		recipients = append(recipients, types.Recipient{
			UserID:  user.ID,
			Address: addr.String(),
		})
	}
	if len(recipients) == 0 {
		return nil, nil, reject(RejectAllRecipientsFailed, "no recipient address could be resolved")
	}
	return recipients, failed, nil
}

func (p *InboxPipeline) materialize(ctx context.Context, fs *types.FederatedServer, bundle *Bundle,
	recipients []types.Recipient, failed []AddressFailure) (*DeliveryResult, error) {

	createdAt, err := time.Parse(time.RFC3339, bundle.Tez.CreatedAt)
	if err != nil {
		createdAt = time.Now()
	}
	tez := &types.Tez{
		FromAddress: bundle.From,
		SurfaceText: p.sanitizer.Sanitize(bundle.Tez.SurfaceText),
		CreatedAt:   createdAt,
	}
	items := make([]types.ContextItem, 0, len(bundle.Context))
	for i, c := range bundle.Context {
		items = append(items, types.ContextItem{
			Kind:     c.Kind,
			Content:  p.sanitizer.Sanitize(c.Content),
			Position: i,
		})
	}

	err = p.deliveries.MaterializeInbound(ctx, &store.InboundDelivery{
		Tez:         tez,
		Context:     items,
		Recipients:  recipients,
		RemoteTezID: bundle.Tez.ID,
		RemoteHost:  fs.Host,
		BundleHash:  bundle.BundleHash,
	})
	if errors.Is(err, store.ErrDuplicateBundle) {
		// Lost the insert race to a concurrent identical delivery.
		return nil, reject(RejectDuplicateBundle, "bundle %s already delivered", bundle.BundleHash)
	}
	if err != nil {
		return nil, fmt.Errorf("materialize inbound tez: %w", err)
	}

	if err := p.registry.TouchServer(ctx, fs.Host, time.Now()); err != nil {
		p.logger.Warn("failed to update sender last seen",
			zap.String("host", fs.Host), zap.Error(err))
	}

	delivered := make([]string, 0, len(recipients))
	for _, r := range recipients {
		delivered = append(delivered, r.Address)
	}
	p.logger.Info("inbound tez materialized",
		zap.String("sender", fs.Host),
		zap.String("local_tez_id", tez.ID),
		zap.String("bundle_hash", bundle.BundleHash),
		zap.Int("delivered", len(delivered)),
		zap.Int("failed", len(failed)))

	return &DeliveryResult{
		LocalTezID: tez.ID,
		Delivered:  delivered,
		Failed:     failed,
		Partial:    len(failed) > 0,
	}, nil
}
