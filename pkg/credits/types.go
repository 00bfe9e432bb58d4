package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CreditAmount is a non-negative count of generation credits.
type CreditAmount int64

// PositiveCreditAmount is a strictly positive count of generation credits.
type PositiveCreditAmount int64

// Identity identifies an account owner. The value is the opaque subject
// string issued by the external identity provider.
type Identity struct {
	value string
}

// SessionID identifies a completed checkout session at the payment gateway.
type SessionID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// Account is the stored balance row for one identity.
type Account struct {
	Identity         Identity
	BalanceCredits   CreditAmount
	LastGrantUnixUTC int64
}

// SettlementRecord is the immutable record of one settled checkout session.
type SettlementRecord struct {
	SessionID        SessionID
	Identity         Identity
	MetadataJSON     MetadataJSON
	SettledAtUnixUTC int64
}

// SettlementOutcome reports what a settlement attempt did. A duplicate
// session is not an error: Settled is false and Reason explains why.
type SettlementOutcome struct {
	Settled bool
	Reason  string
	Balance CreditAmount
}

// NewIdentity validates and normalizes an identity subject.
func NewIdentity(raw string) (Identity, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Identity{}, fmt.Errorf("%w: empty value", ErrInvalidIdentity)
	}
	return Identity{value: trimmed}, nil
}

// String returns the normalized subject.
func (identity Identity) String() string {
	return identity.value
}

// NewSessionID validates and normalizes a checkout session id.
func NewSessionID(raw string) (SessionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SessionID{}, fmt.Errorf("%w: empty value", ErrInvalidSessionID)
	}
	return SessionID{value: trimmed}, nil
}

// String returns the normalized session id.
func (sessionID SessionID) String() string {
	return sessionID.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewCreditAmount validates an amount and ensures it is not negative.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw credit count.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// NewPositiveCreditAmount validates an amount and ensures it is strictly positive.
func NewPositiveCreditAmount(raw int64) (PositiveCreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return PositiveCreditAmount(raw), nil
}

// ToCreditAmount widens a positive amount to a plain amount.
func (amount PositiveCreditAmount) ToCreditAmount() CreditAmount {
	return CreditAmount(amount)
}

// Int64 returns the raw credit count.
func (amount PositiveCreditAmount) Int64() int64 {
	return int64(amount)
}

// Store is the persistence contract used by Service. Implementations must
// serialize balance mutations per identity and enforce a uniqueness
// constraint on the settlement session id; the service relies on both
// instead of application-level locking.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, identity Identity) (Account, error)
	DeductBalance(ctx context.Context, identity Identity, amount PositiveCreditAmount) (bool, error)
	AddBalance(ctx context.Context, identity Identity, amount PositiveCreditAmount, grantedAtUnixUTC int64) error
	FindSettlement(ctx context.Context, sessionID SessionID) (SettlementRecord, bool, error)
	InsertSettlement(ctx context.Context, record SettlementRecord) error
	ListSettlements(ctx context.Context, identity Identity, limit int) ([]SettlementRecord, error)
}
