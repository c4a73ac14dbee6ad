package federation

import (
	"fmt"
	"strings"
)

// Address represents a tez address in user@host format.
// Examples:
//   - alice@hub.example.org
//   - support@tezit.company.com
type Address struct {
	LocalPart string // alice
	Host      string // hub.example.org
}

// ParseAddress parses an address string into its components.
func ParseAddress(addr string) (*Address, error) {
	if addr == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}

	parts := strings.Split(addr, "@")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid address format: must contain exactly one @ symbol")
	}

	localPart := parts[0]
	host := parts[1]

	if localPart == "" {
		return nil, fmt.Errorf("local part cannot be empty")
	}
	if host == "" {
		return nil, fmt.Errorf("host cannot be empty")
	}
	if !strings.Contains(host, ".") {
		return nil, fmt.Errorf("host must contain at least one dot (e.g. hub.example.org)")
	}

	return &Address{LocalPart: localPart, Host: host}, nil
}

// String returns the canonical string representation of the address.
func (a *Address) String() string {
	if a == nil {
		return ""
	}
	return fmt.Sprintf("%s@%s", a.LocalPart, a.Host)
}

// IsLocal returns true if this address belongs to the specified host.
// Comparison is case-insensitive, as hostnames are.
func (a *Address) IsLocal(myHost string) bool {
	if a == nil {
		return false
	}
	return strings.EqualFold(a.Host, myHost)
}

// Equal returns true if two addresses are equivalent.
func (a *Address) Equal(other *Address) bool {
	if a == nil && other == nil {
		return true
	}
	if a == nil || other == nil {
		return false
	}
	return a.LocalPart == other.LocalPart && strings.EqualFold(a.Host, other.Host)
}
