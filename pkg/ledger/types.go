package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/easymo/txcore/pkg/eventlog"
	"github.com/easymo/txcore/pkg/idempotency"
)

// AccountID identifies a balance holder (a user profile or a vendor).
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// Currency identifies the unit an account balances in ("KES", "TOKEN", ...).
type Currency struct {
	value string
}

// NewCurrency validates and normalizes a currency code.
func NewCurrency(raw string) (Currency, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if normalized == "" {
		return Currency{}, fmt.Errorf("%w: empty value", ErrInvalidCurrency)
	}
	return Currency{value: normalized}, nil
}

// String returns the normalized code.
func (currency Currency) String() string {
	return currency.value
}

// Amount is a strictly positive quantity in integer minor units.
type Amount struct {
	value int64
}

// NewAmount validates an amount and ensures it is strictly positive.
func NewAmount(raw int64) (Amount, error) {
	if raw <= 0 {
		return Amount{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount{value: raw}, nil
}

// Minor returns the amount in minor units.
func (amount Amount) Minor() int64 {
	return amount.value
}

// Metadata stores arbitrary request metadata as JSON.
type Metadata struct {
	value string
}

// NewMetadata validates a metadata string (defaulting to "{}" for empty inputs).
func NewMetadata(raw string) (Metadata, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return Metadata{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadata)
	}
	return Metadata{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata Metadata) String() string {
	return metadata.value
}

// Account is the materialized balance row. BalanceMinor always equals the
// sum of committed entries for the account.
type Account struct {
	AccountID      string
	Currency       string
	BalanceMinor   int64
	AllowOverdraft bool
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// Entry is a single immutable line in the ledger. AmountMinor is signed;
// BalanceAfterMinor snapshots the resulting balance for fast audit.
type Entry struct {
	EntryID           string
	AccountID         string
	AmountMinor       int64
	BalanceAfterMinor int64
	IdempotencyKey    string
	MetadataJSON      string
	CreatedUnixUTC    int64
}

// TransferResult reports a committed (or replayed) transfer.
type TransferResult struct {
	FromBalanceMinor int64  `json:"from_balance_minor"`
	ToBalanceMinor   int64  `json:"to_balance_minor"`
	DebitEntryID     string `json:"debit_entry_id"`
	CreditEntryID    string `json:"credit_entry_id"`
}

// Receipt reports a committed (or replayed) single-sided adjustment.
type Receipt struct {
	EntryID      string `json:"entry_id"`
	BalanceMinor int64  `json:"balance_minor"`
}

// Store is the persistence contract used by Service. The Idempotency and
// Events accessors expose the same underlying transaction, so guard records
// and audit events commit or roll back together with the ledger rows.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	Idempotency() idempotency.Store
	Events() eventlog.Store
	CreateAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, accountID string) (Account, error)
	GetAccountForUpdate(ctx context.Context, accountID string) (Account, error)
	UpdateAccountBalance(ctx context.Context, accountID string, balanceMinor int64, updatedUnixUTC int64) error
	InsertEntry(ctx context.Context, entry Entry) error
	ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Entry, error)
}
