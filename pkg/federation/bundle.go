package federation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"tezit/pkg/identity"
)

// ProtocolVersion is the federation protocol version this engine speaks.
const ProtocolVersion = "1.0"

// BundleTypeDelivery is the only bundle type currently defined.
const BundleTypeDelivery = "federation_delivery"

// TezPayload is the message portion of a bundle. CreatedAt travels as an
// RFC3339 string so the serialized form is byte-stable across servers.
type TezPayload struct {
	ID          string `json:"id"`
	SurfaceText string `json:"surface_text"`
	CreatedAt   string `json:"created_at"`
}

// ContextPayload is one supporting context item carried with a tez.
type ContextPayload struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// Bundle is the wire format for a federated delivery: envelope fields
// describing routing, payload fields carrying the tez and its context,
// and a content hash over the payload only.
type Bundle struct {
	ProtocolVersion string           `json:"protocol_version"`
	BundleType      string           `json:"bundle_type"`
	SenderServer    string           `json:"sender_server"`
	SenderServerID  string           `json:"sender_server_id"`
	From            string           `json:"from"`
	To              []string         `json:"to"`
	Tez             TezPayload       `json:"tez"`
	Context         []ContextPayload `json:"context"`
	BundleHash      string           `json:"bundle_hash"`
}

// bundlePayload is the exact shape the bundle hash covers. Envelope fields
// are excluded so the hash is sender- and recipient-independent: the same
// payload re-addressed or relayed produces the same digest, which the
// dedup ledger relies on.
type bundlePayload struct {
	Tez     TezPayload       `json:"tez"`
	Context []ContextPayload `json:"context"`
}

// ComputeBundleHash returns the hex SHA-256 digest over the canonical
// serialization of the tez and context payload. Deterministic for
// identical input.
func ComputeBundleHash(tez TezPayload, context []ContextPayload) (string, error) {
	if context == nil {
		context = []ContextPayload{}
	}
	b, err := json.Marshal(bundlePayload{Tez: tez, Context: context})
	if err != nil {
		return "", fmt.Errorf("serialize bundle payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// CreateBundle builds a delivery bundle from this server to the given
// recipients, stamping the envelope and embedding the payload hash.
func CreateBundle(tez TezPayload, context []ContextPayload, from string, to []string, id *identity.ServerIdentity) (*Bundle, error) {
	if len(to) == 0 {
		return nil, fmt.Errorf("bundle requires at least one recipient")
	}
	if context == nil {
		context = []ContextPayload{}
	}
	hash, err := ComputeBundleHash(tez, context)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		ProtocolVersion: ProtocolVersion,
		BundleType:      BundleTypeDelivery,
		SenderServer:    id.Host,
		SenderServerID:  id.ServerID,
		From:            from,
		To:              to,
		Tez:             tez,
		Context:         context,
		BundleHash:      hash,
	}, nil
}

// ValidateBundle checks structure then recomputes the payload hash and
// compares it to the embedded one. Any payload mutation, whether to the
// tez text, a context item, or the shape of the context array, is reported
// uniformly as an integrity failure; the codec does not localize the field.
func ValidateBundle(b *Bundle) error {
	if b == nil {
		return fmt.Errorf("bundle is nil")
	}
	if b.BundleType != BundleTypeDelivery {
		return fmt.Errorf("unsupported bundle type %q", b.BundleType)
	}
	if b.SenderServer == "" {
		return fmt.Errorf("sender_server is required")
	}
	if b.SenderServerID == "" {
		return fmt.Errorf("sender_server_id is required")
	}
	if b.From == "" {
		return fmt.Errorf("from is required")
	}
	if len(b.To) == 0 {
		return fmt.Errorf("to must not be empty")
	}
	if b.Tez.ID == "" || b.Tez.SurfaceText == "" {
		return fmt.Errorf("tez payload is required")
	}
	if b.BundleHash == "" {
		return fmt.Errorf("bundle_hash is required")
	}

	hash, err := ComputeBundleHash(b.Tez, b.Context)
	if err != nil {
		return err
	}
	if hash != b.BundleHash {
		return fmt.Errorf("bundle hash mismatch: payload does not match embedded hash")
	}
	return nil
}
