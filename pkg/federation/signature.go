package federation

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tezit/pkg/identity"
)

// Header names carried on every signed federation request.
const (
	HeaderServer    = "X-Tezit-Server"
	HeaderSignature = "X-Tezit-Signature"
	HeaderDate      = "X-Tezit-Date"
	HeaderDigest    = "X-Tezit-Digest"
	HeaderNonce     = "X-Request-Nonce"
)

// ClockSkewWindow bounds how far a request date may drift from the
// verifier's clock before the request is rejected as a replay risk.
const ClockSkewWindow = 60 * time.Second

// SignatureHeaders holds the five header values of a signed request.
// Server is the sending server's canonical host; the canonical string is
// bound to it so a signature cannot be replayed under another identity.
type SignatureHeaders struct {
	Server    string
	Date      string
	Digest    string
	Nonce     string
	Signature string
}

// canonicalString joins the signed request fields, newline-separated with
// no trailing newline: METHOD\nPATH\nHOST\nDATE\nBODY_DIGEST\nNONCE.
func canonicalString(method, path, host, date, digest, nonce string) string {
	return strings.Join([]string{method, path, host, date, digest, nonce}, "\n")
}

// BodyDigest returns the hex SHA-256 digest of the exact request body bytes.
func BodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// SignRequest produces the signed header set for an outbound request.
func SignRequest(method, path string, body []byte, id *identity.ServerIdentity) SignatureHeaders {
	date := time.Now().UTC().Format(time.RFC3339)
	digest := BodyDigest(body)
	nonce := uuid.NewString()

	canonical := canonicalString(method, path, id.Host, date, digest, nonce)
	sig := ed25519.Sign(id.PrivateKey, []byte(canonical))

	return SignatureHeaders{
		Server:    id.Host,
		Date:      date,
		Digest:    digest,
		Nonce:     nonce,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
}

// VerifyRequest checks a signed request against the sender's known public
// key. It is pure: the key must come from the caller's trust registry,
// never from the request itself. Checks run fail-fast in cost order —
// header presence, date freshness (cheap rejection of stale replays
// before hashing a potentially large body), body digest (cheap rejection
// of tampering before asymmetric crypto), then the Ed25519 signature.
func VerifyRequest(method, path string, body []byte, h SignatureHeaders, pub ed25519.PublicKey, now time.Time) *Rejection {
	if h.Server == "" || h.Date == "" || h.Digest == "" || h.Nonce == "" || h.Signature == "" {
		return reject(RejectMissingSignature, "one or more signature headers missing")
	}

	sent, err := time.Parse(time.RFC3339, h.Date)
	if err != nil {
		return reject(RejectStaleOrFutureDate, "unparseable request date %q", h.Date)
	}
	drift := now.Sub(sent)
	if drift > ClockSkewWindow || drift < -ClockSkewWindow {
		return reject(RejectStaleOrFutureDate, "request date outside freshness window")
	}

	if BodyDigest(body) != h.Digest {
		return reject(RejectDigestMismatch, "body digest does not match header digest")
	}

	sig, err := base64.StdEncoding.DecodeString(h.Signature)
	if err != nil {
		return reject(RejectSignatureInvalid, "signature is not valid base64")
	}
	canonical := canonicalString(method, path, h.Server, h.Date, h.Digest, h.Nonce)
	if !ed25519.Verify(pub, []byte(canonical), sig) {
		return reject(RejectSignatureInvalid, "signature does not verify against registered key")
	}
	return nil
}

// NonceCache remembers recently seen (host, nonce) pairs so a signed
// request cannot be replayed inside the freshness window. Entries expire
// after twice the window; expired entries are purged opportunistically.
type NonceCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

// NewNonceCache creates a nonce cache sized to the signature window.
func NewNonceCache() *NonceCache {
	return &NonceCache{
		seen: make(map[string]time.Time),
		ttl:  2 * ClockSkewWindow,
	}
}

// Remember records the pair and reports whether it was already present.
func (c *NonceCache) Remember(host, nonce string) bool {
	key := host + "\x00" + nonce
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, exp := range c.seen {
		if now.After(exp) {
			delete(c.seen, k)
		}
	}

	if _, dup := c.seen[key]; dup {
		return true
	}
	c.seen[key] = now.Add(c.ttl)
	return false
}
