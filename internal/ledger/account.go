package ledger

import (
	"fmt"
)

// Identity is an opaque participant address (wallet / signer id)
type Identity string

// Amount is an unsigned token quantity in the smallest unit
type Amount = uint64

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeAvailable AccountSubType = iota

	// System sub-types
	SubTypeSystemEscrow

	// External sub-types
	SubTypeExternalDeposits
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope   AccountScope
	Owner   Identity // empty for system and external accounts
	SubType AccountSubType
}

// NewUserAccountKey creates the spendable account of a participant
func NewUserAccountKey(id Identity) AccountKey {
	return AccountKey{
		Scope:   AccountScopeUser,
		Owner:   id,
		SubType: SubTypeAvailable,
	}
}

// EscrowAccountKey is the ledger-held account staked funds sit in
func EscrowAccountKey() AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: SubTypeSystemEscrow,
	}
}

// ExternalDepositsKey is the boundary account deposits are drawn from
func ExternalDepositsKey() AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: SubTypeExternalDeposits,
	}
}

// IsExternal reports whether the account sits outside the ledger boundary.
// External accounts are not balance-constrained.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", k.Owner, k.subTypeName())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeAvailable:
		return "available"
	case SubTypeSystemEscrow:
		return "escrow"
	case SubTypeExternalDeposits:
		return "deposits"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath, used when restoring snapshots.
func ParseAccountPath(path string) (AccountKey, error) {
	switch path {
	case "system:escrow":
		return EscrowAccountKey(), nil
	case "external:deposits":
		return ExternalDepositsKey(), nil
	}

	const prefix, suffix = "user:", ":available"
	if len(path) > len(prefix)+len(suffix) &&
		path[:len(prefix)] == prefix &&
		path[len(path)-len(suffix):] == suffix {
		return NewUserAccountKey(Identity(path[len(prefix) : len(path)-len(suffix)])), nil
	}

	return AccountKey{}, fmt.Errorf("unknown account path: %q", path)
}

// AccountFor maps an optional transfer endpoint to an account.
// A nil identity denotes the escrow account.
func AccountFor(id *Identity) AccountKey {
	if id == nil {
		return EscrowAccountKey()
	}
	return NewUserAccountKey(*id)
}
