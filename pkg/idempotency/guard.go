package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/easymo/txcore/pkg/txcore"
)

const (
	defaultRetentionSeconds int64 = 24 * 60 * 60

	errorOperationGuard = "idempotency"
	errorSubjectRecord  = "record"
	errorCodeBegin      = "begin"
	errorCodeCommit     = "commit"
	errorCodeSweep      = "sweep"
)

// Guard deduplicates operations by caller-supplied key. Begin decides
// first-run versus replay; Commit durably stores the first-run result.
type Guard struct {
	store            Store
	nowFn            func() int64
	retentionSeconds int64
}

// GuardOption configures a Guard instance.
type GuardOption func(*Guard)

// WithRetention overrides how long committed records stay replayable.
func WithRetention(seconds int64) GuardOption {
	return func(guard *Guard) {
		if seconds > 0 {
			guard.retentionSeconds = seconds
		}
	}
}

// NewGuard wires a Guard.
func NewGuard(store Store, now func() int64, options ...GuardOption) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidConfig)
	}
	guard := &Guard{store: store, nowFn: now, retentionSeconds: defaultRetentionSeconds}
	for _, option := range options {
		if option != nil {
			option(guard)
		}
	}
	return guard, nil
}

// Begin resolves the idempotency decision for key. Exactly one concurrent
// caller per key proceeds; the rest observe ErrInProgress until Commit has
// written a result, then receive the stored result as a replay. Reuse of a
// key with a different requestHash is a conflict.
func (guard *Guard) Begin(ctx context.Context, key Key, requestHash string) (Decision, error) {
	nowUnixUTC := guard.nowFn()
	record := Record{
		Key:              key.String(),
		RequestHash:      requestHash,
		Status:           RecordStatusPending,
		CreatedUnixUTC:   nowUnixUTC,
		ExpiresAtUnixUTC: nowUnixUTC + guard.retentionSeconds,
	}
	insertError := guard.store.InsertPending(ctx, record)
	if insertError == nil {
		return Decision{}, nil
	}
	if !errors.Is(insertError, ErrKeyExists) {
		return Decision{}, txcore.WrapError(errorOperationGuard, errorSubjectRecord, errorCodeBegin, insertError)
	}
	existing, err := guard.store.GetRecord(ctx, key.String())
	if err != nil {
		return Decision{}, txcore.WrapError(errorOperationGuard, errorSubjectRecord, errorCodeBegin, err)
	}
	if existing.RequestHash != requestHash {
		return Decision{}, ErrKeyReused
	}
	if existing.Status != RecordStatusCompleted {
		return Decision{}, ErrInProgress
	}
	return Decision{Replayed: true, Result: existing.Result}, nil
}

// Commit stores the first-run result for key. Committing a key twice, or a
// key without a pending record, fails loudly.
func (guard *Guard) Commit(ctx context.Context, key Key, result []byte) error {
	err := guard.store.CompleteRecord(ctx, key.String(), result, guard.nowFn())
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAlreadyCommitted) || errors.Is(err, ErrUnknownKey) {
		return err
	}
	return txcore.WrapError(errorOperationGuard, errorSubjectRecord, errorCodeCommit, err)
}

// Sweep deletes records past their retention window. Not required for
// correctness within the window; housekeeping only.
func (guard *Guard) Sweep(ctx context.Context) (int64, error) {
	deleted, err := guard.store.DeleteExpiredRecords(ctx, guard.nowFn())
	if err != nil {
		return 0, txcore.WrapError(errorOperationGuard, errorSubjectRecord, errorCodeSweep, err)
	}
	return deleted, nil
}
