package types

import (
	"time"
)

// TrustLevel gates whether a remote server's inbound deliveries are processed.
type TrustLevel string

const (
	TrustPending TrustLevel = "pending"
	TrustTrusted TrustLevel = "trusted"
	TrustBlocked TrustLevel = "blocked"
)

// Valid reports whether l is one of the three recognized trust levels.
func (l TrustLevel) Valid() bool {
	switch l {
	case TrustPending, TrustTrusted, TrustBlocked:
		return true
	}
	return false
}

// FederationMode controls admission of previously unknown servers.
type FederationMode string

const (
	// ModeOpen auto-trusts unknown servers that pass discovery.
	ModeOpen FederationMode = "open"
	// ModeAllowlist rejects deliveries from servers not already registered.
	ModeAllowlist FederationMode = "allowlist"
)

// FederatedServer is one row per known remote host in the trust registry.
type FederatedServer struct {
	Host            string
	ServerID        string
	PublicKey       string // base64 Ed25519 public key
	TrustLevel      TrustLevel
	ProtocolVersion string
	DisplayName     string
	Metadata        ServerMetadata
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
}

// ServerMetadata holds capabilities learned through discovery.
type ServerMetadata struct {
	InboxPath string   `json:"inbox_path,omitempty"`
	Profiles  []string `json:"profiles,omitempty"`
}

// Tez is a context-bearing message unit exchanged between users.
type Tez struct {
	ID          string
	FromAddress string
	SurfaceText string
	CreatedAt   time.Time
}

// ContextItem carries one piece of supporting context attached to a tez.
type ContextItem struct {
	Kind     string
	Content  string
	Position int
}

// Recipient links a tez to a resolved local user.
type Recipient struct {
	TezID       string
	UserID      string
	Address     string
	DeliveredAt time.Time
}

// User is a local identity that can send and receive tez.
type User struct {
	ID          string
	Username    string
	DisplayName string
}

// FederationDirection marks which way a tez crossed the federation boundary.
type FederationDirection string

const (
	DirectionInbound  FederationDirection = "inbound"
	DirectionOutbound FederationDirection = "outbound"
)

// FederatedTez is the link/dedup record for a tez that crossed federation.
// BundleHash is unique per store; that uniqueness is the replay defense.
type FederatedTez struct {
	ID          string
	LocalTezID  string
	RemoteTezID string
	RemoteHost  string
	Direction   FederationDirection
	BundleHash  string
	FederatedAt time.Time
}

// OutboxStatus tracks the delivery state of an outbound bundle.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxDelivered OutboxStatus = "delivered"
	OutboxFailed    OutboxStatus = "failed"
)

// OutboxEntry records one signed bundle bound for one remote host.
type OutboxEntry struct {
	ID         string
	TezID      string
	TargetHost string
	Bundle     []byte // the signed bundle exactly as sent
	Status     OutboxStatus
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
