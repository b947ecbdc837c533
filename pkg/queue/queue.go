package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/easymo/txcore/pkg/eventlog"
	"github.com/easymo/txcore/pkg/txcore"
	"github.com/google/uuid"
)

const (
	defaultMaxAttempts  = 5
	defaultLeaseSeconds = 60
	defaultDedupSeconds = 24 * 60 * 60

	aggregateTypeQueueItem = "queue_item"

	eventItemEnqueued     = "queue_item_enqueued"
	eventItemDeadLettered = "queue_item_dead_lettered"
	eventItemReplayed     = "queue_item_replayed"

	errorOperationQueue = "queue"
	errorSubjectItem    = "item"
	errorCodeEnqueue    = "enqueue"
	errorCodeClaim      = "claim"
	errorCodeComplete   = "complete"
	errorCodeFail       = "fail"
	errorCodeRequeue    = "requeue"
	errorCodeReclaim    = "reclaim"
	errorCodeDeadLetter = "dead_letter"
	errorCodeReplay     = "replay"
)

// Queue is a generic prioritized, scheduled work queue with retry, backoff
// and dead-lettering, shared by notifications, webhooks and background jobs.
type Queue struct {
	store        Store
	nowFn        func() int64
	backoff      BackoffPolicy
	leaseSeconds int64
	dedupSeconds int64
}

// Option configures a Queue instance.
type Option func(*Queue)

// WithBackoffPolicy overrides the retry backoff policy.
func WithBackoffPolicy(policy BackoffPolicy) Option {
	return func(queue *Queue) {
		queue.backoff = policy
	}
}

// WithLeaseSeconds overrides how long a claim lease lasts before the item is
// reclaimable.
func WithLeaseSeconds(seconds int64) Option {
	return func(queue *Queue) {
		if seconds > 0 {
			queue.leaseSeconds = seconds
		}
	}
}

// WithDedupWindow overrides how long a succeeded item keeps absorbing
// re-enqueues of its idempotency key.
func WithDedupWindow(seconds int64) Option {
	return func(queue *Queue) {
		if seconds > 0 {
			queue.dedupSeconds = seconds
		}
	}
}

// New wires a Queue.
func New(store Store, now func() int64, options ...Option) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidConfig)
	}
	queue := &Queue{
		store:        store,
		nowFn:        now,
		backoff:      DefaultBackoffPolicy(),
		leaseSeconds: defaultLeaseSeconds,
		dedupSeconds: defaultDedupSeconds,
	}
	for _, option := range options {
		if option != nil {
			option(queue)
		}
	}
	return queue, nil
}

// Enqueue schedules payload on queueName and returns the item id. When an
// idempotency key is supplied and the key is live or succeeded within the
// dedup window, the existing item id is returned instead of inserting a
// duplicate.
func (queue *Queue) Enqueue(ctx context.Context, queueName string, payload []byte, options EnqueueOptions) (string, error) {
	if strings.TrimSpace(queueName) == "" {
		return "", ErrInvalidQueueName
	}
	if options.MaxAttempts < 0 || options.Priority < 0 {
		return "", fmt.Errorf("%w: negative priority or max attempts", ErrInvalidItem)
	}
	nowUnixUTC := queue.nowFn()
	item := Item{
		ItemID:             uuid.NewString(),
		QueueName:          queueName,
		Payload:            payload,
		Priority:           options.Priority,
		ScheduledAtUnixUTC: options.ScheduledAtUnixUTC,
		Status:             StatusPending,
		MaxAttempts:        options.MaxAttempts,
		IdempotencyKey:     options.IdempotencyKey,
		CreatedUnixUTC:     nowUnixUTC,
		UpdatedUnixUTC:     nowUnixUTC,
	}
	if item.ScheduledAtUnixUTC == 0 {
		item.ScheduledAtUnixUTC = nowUnixUTC
	}
	if item.MaxAttempts == 0 {
		item.MaxAttempts = defaultMaxAttempts
	}
	dedupCutoff := nowUnixUTC - queue.dedupSeconds
	var itemID string
	operationError := queue.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if item.IdempotencyKey != "" {
			existing, err := txStore.FindItemByKey(ctx, queueName, item.IdempotencyKey, dedupCutoff)
			if err == nil {
				itemID = existing.ItemID
				return nil
			}
			if !errors.Is(err, ErrNoItem) {
				return err
			}
		}
		if err := txStore.InsertItem(ctx, item); err != nil {
			// A concurrent enqueue won the key between the read and the
			// insert; resolve to the row it committed.
			if errors.Is(err, ErrDuplicateItem) && item.IdempotencyKey != "" {
				existing, findErr := txStore.FindItemByKey(ctx, queueName, item.IdempotencyKey, dedupCutoff)
				if findErr != nil {
					return err
				}
				itemID = existing.ItemID
				return nil
			}
			return err
		}
		itemID = item.ItemID
		return queue.appendItemEvent(ctx, txStore, item.ItemID, eventItemEnqueued, map[string]any{
			"queue":        queueName,
			"priority":     item.Priority,
			"scheduled_at": item.ScheduledAtUnixUTC,
		})
	})
	if operationError != nil {
		return "", txcore.WrapError(errorOperationQueue, errorSubjectItem, errorCodeEnqueue, operationError)
	}
	return itemID, nil
}

// ClaimNext atomically claims the due pending item with the highest
// (priority desc, scheduled_at asc) rank and transitions it to processing
// under a fresh claim token and lease. Returns ErrNoItem when nothing is due.
func (queue *Queue) ClaimNext(ctx context.Context, queueName string, workerID string) (Item, error) {
	if strings.TrimSpace(queueName) == "" {
		return Item{}, ErrInvalidQueueName
	}
	nowUnixUTC := queue.nowFn()
	claimToken := uuid.NewString()
	item, err := queue.store.ClaimNextItem(ctx, queueName, nowUnixUTC, claimToken, workerID, nowUnixUTC+queue.leaseSeconds)
	if err != nil {
		if errors.Is(err, ErrNoItem) {
			return Item{}, ErrNoItem
		}
		return Item{}, txcore.WrapError(errorOperationQueue, errorSubjectItem, errorCodeClaim, err)
	}
	return item, nil
}

// Complete transitions processing -> succeeded if the claim token still
// matches. A stale claim (reclaimed after lease expiry) is a conflict.
func (queue *Queue) Complete(ctx context.Context, itemID string, claimToken string) error {
	err := queue.store.CompleteItem(ctx, itemID, claimToken, queue.nowFn())
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStaleClaim) {
		return err
	}
	return txcore.WrapError(errorOperationQueue, errorSubjectItem, errorCodeComplete, err)
}

// Fail records a failed attempt. Below the attempt budget the item returns
// to pending at a backoff-delayed time; at the budget it is dead-lettered
// and surfaced through the dead-letter view, never silently dropped.
func (queue *Queue) Fail(ctx context.Context, itemID string, claimToken string, handlerErr error) error {
	failureMessage := "unknown failure"
	if handlerErr != nil {
		failureMessage = handlerErr.Error()
	}
	operationError := queue.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		item, err := txStore.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if item.Status != StatusProcessing || item.ClaimToken != claimToken {
			return ErrStaleClaim
		}
		nowUnixUTC := queue.nowFn()
		finishedAttempts := item.Attempts + 1
		if finishedAttempts < item.MaxAttempts {
			nextRun := nowUnixUTC + queue.backoff.NextDelaySeconds(finishedAttempts)
			return txStore.RetryItem(ctx, itemID, claimToken, nextRun, failureMessage, nowUnixUTC)
		}
		if err := txStore.DeadLetterItem(ctx, itemID, claimToken, failureMessage, nowUnixUTC); err != nil {
			return err
		}
		return queue.appendItemEvent(ctx, txStore, itemID, eventItemDeadLettered, map[string]any{
			"queue":      item.QueueName,
			"attempts":   finishedAttempts,
			"last_error": failureMessage,
		})
	})
	if operationError == nil {
		return nil
	}
	if errors.Is(operationError, ErrStaleClaim) {
		return operationError
	}
	return txcore.WrapError(errorOperationQueue, errorSubjectItem, errorCodeFail, operationError)
}

// Requeue returns a claimed item to pending without consuming an attempt.
// Used when processing was deferred (throttled, shutting down) rather than
// attempted and failed.
func (queue *Queue) Requeue(ctx context.Context, itemID string, claimToken string, delaySeconds int64) error {
	nowUnixUTC := queue.nowFn()
	if delaySeconds < 0 {
		delaySeconds = 0
	}
	err := queue.store.RequeueItem(ctx, itemID, claimToken, nowUnixUTC+delaySeconds, nowUnixUTC)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStaleClaim) {
		return err
	}
	return txcore.WrapError(errorOperationQueue, errorSubjectItem, errorCodeRequeue, err)
}

// ReclaimExpired returns items whose processing lease lapsed without
// completion (worker crash) to pending, consuming an attempt; items already
// at their attempt budget go straight to the dead letter view.
func (queue *Queue) ReclaimExpired(ctx context.Context) (int64, error) {
	reclaimed, err := queue.store.ReclaimExpiredItems(ctx, queue.nowFn())
	if err != nil {
		return 0, txcore.WrapError(errorOperationQueue, errorSubjectItem, errorCodeReclaim, err)
	}
	return reclaimed, nil
}

// DeadLetters lists dead items for manual inspection, newest first.
func (queue *Queue) DeadLetters(ctx context.Context, queueName string, limit int) ([]Item, error) {
	if strings.TrimSpace(queueName) == "" {
		return nil, ErrInvalidQueueName
	}
	items, err := queue.store.ListDeadItems(ctx, queueName, limit)
	if err != nil {
		return nil, txcore.WrapError(errorOperationQueue, errorSubjectItem, errorCodeDeadLetter, err)
	}
	return items, nil
}

// Replay re-enqueues a dead item as a fresh item with a reset attempt budget
// and marks the dead row replayed. The new item carries no dedup key: replay
// is a deliberate operator action.
func (queue *Queue) Replay(ctx context.Context, itemID string) (string, error) {
	var replayID string
	operationError := queue.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		item, err := txStore.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if item.Status != StatusDead {
			return ErrNotDead
		}
		nowUnixUTC := queue.nowFn()
		if err := txStore.MarkReplayed(ctx, itemID, nowUnixUTC); err != nil {
			return err
		}
		fresh := Item{
			ItemID:             uuid.NewString(),
			QueueName:          item.QueueName,
			Payload:            item.Payload,
			Priority:           item.Priority,
			ScheduledAtUnixUTC: nowUnixUTC,
			Status:             StatusPending,
			MaxAttempts:        item.MaxAttempts,
			CreatedUnixUTC:     nowUnixUTC,
			UpdatedUnixUTC:     nowUnixUTC,
		}
		if err := txStore.InsertItem(ctx, fresh); err != nil {
			return err
		}
		replayID = fresh.ItemID
		return queue.appendItemEvent(ctx, txStore, itemID, eventItemReplayed, map[string]any{
			"queue":       item.QueueName,
			"replay_item": fresh.ItemID,
		})
	})
	if operationError != nil {
		if errors.Is(operationError, ErrNotDead) || errors.Is(operationError, ErrUnknownItem) {
			return "", operationError
		}
		return "", txcore.WrapError(errorOperationQueue, errorSubjectItem, errorCodeReplay, operationError)
	}
	return replayID, nil
}

func (queue *Queue) appendItemEvent(ctx context.Context, txStore Store, itemID string, eventType string, payload map[string]any) error {
	eventLog, err := eventlog.NewLog(txStore.Events(), queue.nowFn)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = eventLog.Append(ctx, eventlog.AppendInput{
		AggregateID:   itemID,
		AggregateType: aggregateTypeQueueItem,
		EventType:     eventType,
		Payload:       encoded,
	})
	return err
}
