package convlock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/easymo/txcore/pkg/eventlog"
	"github.com/easymo/txcore/pkg/txcore"
	"github.com/google/uuid"
)

const (
	defaultGraceMultiple int64 = 3

	aggregateTypeConversation = "conversation"
	eventLockForceReleased    = "conversation_lock_force_released"

	errorOperationLock = "convlock"
	errorSubjectLock   = "lock"
	errorCodeAcquire   = "acquire"
	errorCodeRelease   = "release"
	errorCodeRenew     = "renew"
	errorCodeSweep     = "sweep"
)

// Domain-level error values returned by the lock manager.
var (
	ErrInvalidConversationID = fmt.Errorf("%w: invalid conversation id", txcore.ErrValidation)
	ErrInvalidHolderID       = fmt.Errorf("%w: invalid holder id", txcore.ErrValidation)
	ErrInvalidTTL            = fmt.Errorf("%w: ttl seconds must be positive", txcore.ErrValidation)
	ErrInvalidConfig         = fmt.Errorf("%w: invalid lock manager config", txcore.ErrValidation)
	ErrBusy                  = fmt.Errorf("%w: conversation locked by another holder", txcore.ErrConflict)
	ErrNotHeld               = fmt.Errorf("%w: lock not held under this token", txcore.ErrConflict)
)

// Lease is a granted conversation lock.
type Lease struct {
	ConversationID   string
	Token            string
	HolderID         string
	ExpiresAtUnixUTC int64
}

// Lock is the stored lock row.
type Lock struct {
	ConversationID    string
	Token             string
	HolderID          string
	TTLSeconds        int64
	AcquiredAtUnixUTC int64
	ExpiresAtUnixUTC  int64
}

// Store is the persistence contract used by Manager. AcquireLock must be an
// atomic insert-if-absent-or-expired; ReleaseLock and RenewLock are
// token-checked conditional updates.
type Store interface {
	AcquireLock(ctx context.Context, lock Lock) (bool, error)
	ReleaseLock(ctx context.Context, conversationID string, token string) (bool, error)
	RenewLock(ctx context.Context, conversationID string, token string, expiresAtUnixUTC int64) (bool, error)
	ListExpiredLocks(ctx context.Context, cutoffUnixUTC int64, limit int) ([]Lock, error)
	DeleteLock(ctx context.Context, conversationID string, token string) (bool, error)
}

// Manager hands out short-lived mutual-exclusion locks over a logical
// conversation so concurrent message handling is serialized.
type Manager struct {
	store  Store
	events eventlog.Store
	nowFn  func() int64
}

// NewManager wires a Manager. The event store is optional; when present the
// stuck-lock sweep emits a diagnostic event per force-released lock.
func NewManager(store Store, events eventlog.Store, now func() int64) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidConfig)
	}
	return &Manager{store: store, events: events, nowFn: now}, nil
}

// Acquire grants the lock when no valid (non-expired) token exists for the
// conversation, otherwise returns ErrBusy.
func (manager *Manager) Acquire(ctx context.Context, conversationID string, holderID string, ttlSeconds int64) (Lease, error) {
	if strings.TrimSpace(conversationID) == "" {
		return Lease{}, ErrInvalidConversationID
	}
	if strings.TrimSpace(holderID) == "" {
		return Lease{}, ErrInvalidHolderID
	}
	if ttlSeconds <= 0 {
		return Lease{}, ErrInvalidTTL
	}
	nowUnixUTC := manager.nowFn()
	lock := Lock{
		ConversationID:    conversationID,
		Token:             uuid.NewString(),
		HolderID:          holderID,
		TTLSeconds:        ttlSeconds,
		AcquiredAtUnixUTC: nowUnixUTC,
		ExpiresAtUnixUTC:  nowUnixUTC + ttlSeconds,
	}
	acquired, err := manager.store.AcquireLock(ctx, lock)
	if err != nil {
		return Lease{}, txcore.WrapError(errorOperationLock, errorSubjectLock, errorCodeAcquire, err)
	}
	if !acquired {
		return Lease{}, ErrBusy
	}
	return Lease{
		ConversationID:   lock.ConversationID,
		Token:            lock.Token,
		HolderID:         lock.HolderID,
		ExpiresAtUnixUTC: lock.ExpiresAtUnixUTC,
	}, nil
}

// Release frees the lock if token still holds it.
func (manager *Manager) Release(ctx context.Context, conversationID string, token string) error {
	released, err := manager.store.ReleaseLock(ctx, conversationID, token)
	if err != nil {
		return txcore.WrapError(errorOperationLock, errorSubjectLock, errorCodeRelease, err)
	}
	if !released {
		return ErrNotHeld
	}
	return nil
}

// Renew extends the lease if token still holds it.
func (manager *Manager) Renew(ctx context.Context, conversationID string, token string, ttlSeconds int64) (Lease, error) {
	if ttlSeconds <= 0 {
		return Lease{}, ErrInvalidTTL
	}
	expiresAt := manager.nowFn() + ttlSeconds
	renewed, err := manager.store.RenewLock(ctx, conversationID, token, expiresAt)
	if err != nil {
		return Lease{}, txcore.WrapError(errorOperationLock, errorSubjectLock, errorCodeRenew, err)
	}
	if !renewed {
		return Lease{}, ErrNotHeld
	}
	return Lease{ConversationID: conversationID, Token: token, ExpiresAtUnixUTC: expiresAt}, nil
}

// SweepStuck force-releases locks whose holder stopped renewing more than
// graceMultiple TTLs ago, so a crashed worker cannot permanently wedge a
// conversation. Each release emits a diagnostic event.
func (manager *Manager) SweepStuck(ctx context.Context, graceMultiple int64, limit int) (int64, error) {
	if graceMultiple <= 0 {
		graceMultiple = defaultGraceMultiple
	}
	nowUnixUTC := manager.nowFn()
	stuck, err := manager.store.ListExpiredLocks(ctx, nowUnixUTC, limit)
	if err != nil {
		return 0, txcore.WrapError(errorOperationLock, errorSubjectLock, errorCodeSweep, err)
	}
	var released int64
	for _, lock := range stuck {
		// Recently expired locks are left for Acquire's takeover path;
		// only locks stale past the grace window are force-released.
		if lock.ExpiresAtUnixUTC+(graceMultiple-1)*lock.TTLSeconds > nowUnixUTC {
			continue
		}
		deleted, err := manager.store.DeleteLock(ctx, lock.ConversationID, lock.Token)
		if err != nil {
			return released, txcore.WrapError(errorOperationLock, errorSubjectLock, errorCodeSweep, err)
		}
		if !deleted {
			continue
		}
		released++
		if err := manager.emitForceRelease(ctx, lock, nowUnixUTC); err != nil {
			return released, txcore.WrapError(errorOperationLock, errorSubjectLock, errorCodeSweep, err)
		}
	}
	return released, nil
}

func (manager *Manager) emitForceRelease(ctx context.Context, lock Lock, nowUnixUTC int64) error {
	if manager.events == nil {
		return nil
	}
	eventLog, err := eventlog.NewLog(manager.events, manager.nowFn)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{
		"holder_id":     lock.HolderID,
		"expired_at":    lock.ExpiresAtUnixUTC,
		"stale_seconds": nowUnixUTC - lock.ExpiresAtUnixUTC,
	})
	if err != nil {
		return err
	}
	_, err = eventLog.Append(ctx, eventlog.AppendInput{
		AggregateID:   lock.ConversationID,
		AggregateType: aggregateTypeConversation,
		EventType:     eventLockForceReleased,
		Payload:       payload,
	})
	return err
}
