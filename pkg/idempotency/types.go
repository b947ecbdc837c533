package idempotency

import (
	"context"
	"fmt"
	"strings"
)

// Key scopes duplicate detection. Callers prefix keys per operation type,
// e.g. "wallet-transfer:ord-991".
type Key struct {
	value string
}

// NewKey validates and normalizes an idempotency key.
func NewKey(raw string) (Key, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Key{}, fmt.Errorf("%w: empty value", ErrInvalidKey)
	}
	return Key{value: trimmed}, nil
}

// String returns the normalized key.
func (key Key) String() string {
	return key.value
}

// RecordStatus defines the record lifecycle.
type RecordStatus string

const (
	RecordStatusPending   RecordStatus = "pending"
	RecordStatusCompleted RecordStatus = "completed"
)

// Record maps a key to the outcome of the first successful execution.
type Record struct {
	Key              string
	RequestHash      string
	Status           RecordStatus
	Result           []byte
	CreatedUnixUTC   int64
	CompletedUnixUTC int64
	ExpiresAtUnixUTC int64
}

// Decision is the outcome of Begin.
type Decision struct {
	Replayed bool
	Result   []byte
}

// Store is the persistence contract used by Guard. InsertPending must be
// atomic against concurrent callers: exactly one insert for a live key
// succeeds, later ones fail with ErrKeyExists without raising a statement
// error, since Begin often runs inside the caller's transaction. A row whose
// expiry has passed counts as absent and is replaced.
type Store interface {
	InsertPending(ctx context.Context, record Record) error
	GetRecord(ctx context.Context, key string) (Record, error)
	CompleteRecord(ctx context.Context, key string, result []byte, completedUnixUTC int64) error
	DeleteExpiredRecords(ctx context.Context, nowUnixUTC int64) (int64, error)
}
