package queue

import (
	"context"

	"github.com/easymo/txcore/pkg/eventlog"
)

// Status enumerates the queue item lifecycle. succeeded, dead and replayed
// are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusDead       Status = "dead"
	StatusReplayed   Status = "replayed"
)

// Item is a unit of deferred work. Attempts counts finished (failed)
// attempts; the claim currently in flight is not included.
type Item struct {
	ItemID                string
	QueueName             string
	Payload               []byte
	Priority              int
	ScheduledAtUnixUTC    int64
	Status                Status
	Attempts              int
	MaxAttempts           int
	LastError             string
	IdempotencyKey        string
	ClaimToken            string
	ClaimedBy             string
	LeaseExpiresAtUnixUTC int64
	CreatedUnixUTC        int64
	UpdatedUnixUTC        int64
}

// EnqueueOptions tune a new item. Zero values fall back to defaults
// (priority 0, scheduled now, 5 attempts, no dedup key).
type EnqueueOptions struct {
	Priority           int
	ScheduledAtUnixUTC int64
	IdempotencyKey     string
	MaxAttempts        int
}

// Store is the persistence contract used by Queue. ClaimNextItem must be a
// single conditional update so concurrent workers never claim the same item;
// the token-checked transitions must verify status and claim token in the
// same statement. InsertItem must report a lost dedup race as
// ErrDuplicateItem without raising a driver error, since it runs inside the
// enqueue transaction. FindItemByKey matches live (pending or processing)
// items, plus items that succeeded after succeededSinceUnixUTC.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	Events() eventlog.Store
	InsertItem(ctx context.Context, item Item) error
	GetItem(ctx context.Context, itemID string) (Item, error)
	FindItemByKey(ctx context.Context, queueName string, idempotencyKey string, succeededSinceUnixUTC int64) (Item, error)
	ClaimNextItem(ctx context.Context, queueName string, nowUnixUTC int64, claimToken string, claimedBy string, leaseExpiresAtUnixUTC int64) (Item, error)
	CompleteItem(ctx context.Context, itemID string, claimToken string, nowUnixUTC int64) error
	RetryItem(ctx context.Context, itemID string, claimToken string, nextRunUnixUTC int64, lastError string, nowUnixUTC int64) error
	RequeueItem(ctx context.Context, itemID string, claimToken string, nextRunUnixUTC int64, nowUnixUTC int64) error
	DeadLetterItem(ctx context.Context, itemID string, claimToken string, lastError string, nowUnixUTC int64) error
	MarkReplayed(ctx context.Context, itemID string, nowUnixUTC int64) error
	ReclaimExpiredItems(ctx context.Context, nowUnixUTC int64) (int64, error)
	ListDeadItems(ctx context.Context, queueName string, limit int) ([]Item, error)
}
