package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/easymo/txcore/pkg/eventlog"
	"github.com/easymo/txcore/pkg/queue"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorSubjectQueueItem = "queue_item"
	errorCodeClaim        = "claim"
	errorCodeReclaim      = "reclaim"

	reclaimFailureMessage = "lease expired before completion"
)

// queueStore implements queue.Store on the same GORM handle as Store.
type queueStore struct {
	db *gorm.DB
}

func (store *queueStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore queue.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &queueStore{db: transaction})
	})
}

func (store *queueStore) Events() eventlog.Store {
	return &eventStore{db: store.db}
}

// InsertItem inserts the item unless the live-key unique index already holds
// its dedup key. The lost race surfaces as ErrDuplicateItem through
// RowsAffected, never as a statement error that would poison the enqueue
// transaction on postgres.
func (store *queueStore) InsertItem(ctx context.Context, item queue.Item) error {
	row := toQueueItemRow(item)
	insert := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if insert.Error != nil {
		return wrapStoreError(errorSubjectQueueItem, errorCodeInsert, insert.Error)
	}
	if insert.RowsAffected == 0 {
		return queue.ErrDuplicateItem
	}
	return nil
}

func (store *queueStore) GetItem(ctx context.Context, itemID string) (queue.Item, error) {
	var row QueueItem
	err := store.db.WithContext(ctx).Where("item_id = ?", itemID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return queue.Item{}, queue.ErrUnknownItem
	}
	if err != nil {
		return queue.Item{}, wrapStoreError(errorSubjectQueueItem, errorCodeGet, err)
	}
	return fromQueueItemRow(row), nil
}

// FindItemByKey resolves the item carrying the dedup key: live (pending or
// processing), or succeeded after the cutoff. The latest row wins when a key
// has both a finished and a re-enqueued incarnation.
func (store *queueStore) FindItemByKey(ctx context.Context, queueName string, idempotencyKey string, succeededSinceUnixUTC int64) (queue.Item, error) {
	var row QueueItem
	err := store.db.WithContext(ctx).
		Where("queue_name = ? AND idempotency_key = ?", queueName, idempotencyKey).
		Where("status IN ? OR (status = ? AND updated_at > ?)",
			[]string{string(queue.StatusPending), string(queue.StatusProcessing)},
			string(queue.StatusSucceeded), time.Unix(succeededSinceUnixUTC, 0).UTC()).
		Order("updated_at DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return queue.Item{}, queue.ErrNoItem
	}
	if err != nil {
		return queue.Item{}, wrapStoreError(errorSubjectQueueItem, errorCodeGet, err)
	}
	return fromQueueItemRow(row), nil
}

// ClaimNextItem claims the best due pending item with one conditional update.
// Two workers racing for the same row both pass the subselect but only one
// update matches the pending predicate; the loser observes no claimable item.
func (store *queueStore) ClaimNextItem(ctx context.Context, queueName string, nowUnixUTC int64, claimToken string, claimedBy string, leaseExpiresAtUnixUTC int64) (queue.Item, error) {
	candidate := store.db.Session(&gorm.Session{NewDB: true}).
		Model(&QueueItem{}).
		Select("item_id").
		Where("queue_name = ? AND status = ? AND scheduled_at_unix_utc <= ?",
			queueName, string(queue.StatusPending), nowUnixUTC).
		Order("priority DESC, scheduled_at_unix_utc ASC, created_at ASC").
		Limit(1)
	result := store.db.WithContext(ctx).
		Model(&QueueItem{}).
		Where("status = ? AND item_id IN (?)", string(queue.StatusPending), candidate).
		Updates(map[string]interface{}{
			"status":                    string(queue.StatusProcessing),
			"claim_token":               claimToken,
			"claimed_by":                claimedBy,
			"lease_expires_at_unix_utc": leaseExpiresAtUnixUTC,
			"updated_at":                time.Unix(nowUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return queue.Item{}, wrapStoreError(errorSubjectQueueItem, errorCodeClaim, result.Error)
	}
	if result.RowsAffected == 0 {
		return queue.Item{}, queue.ErrNoItem
	}
	var row QueueItem
	if err := store.db.WithContext(ctx).Where("claim_token = ?", claimToken).Take(&row).Error; err != nil {
		return queue.Item{}, wrapStoreError(errorSubjectQueueItem, errorCodeClaim, err)
	}
	return fromQueueItemRow(row), nil
}

func (store *queueStore) CompleteItem(ctx context.Context, itemID string, claimToken string, nowUnixUTC int64) error {
	return store.transitionClaimed(ctx, itemID, claimToken, map[string]interface{}{
		"status":     string(queue.StatusSucceeded),
		"updated_at": time.Unix(nowUnixUTC, 0).UTC(),
	})
}

func (store *queueStore) RetryItem(ctx context.Context, itemID string, claimToken string, nextRunUnixUTC int64, lastError string, nowUnixUTC int64) error {
	return store.transitionClaimed(ctx, itemID, claimToken, map[string]interface{}{
		"status":                    string(queue.StatusPending),
		"attempts":                  gorm.Expr("attempts + 1"),
		"scheduled_at_unix_utc":     nextRunUnixUTC,
		"last_error":                lastError,
		"claim_token":               "",
		"claimed_by":                "",
		"lease_expires_at_unix_utc": int64(0),
		"updated_at":                time.Unix(nowUnixUTC, 0).UTC(),
	})
}

func (store *queueStore) RequeueItem(ctx context.Context, itemID string, claimToken string, nextRunUnixUTC int64, nowUnixUTC int64) error {
	return store.transitionClaimed(ctx, itemID, claimToken, map[string]interface{}{
		"status":                    string(queue.StatusPending),
		"scheduled_at_unix_utc":     nextRunUnixUTC,
		"claim_token":               "",
		"claimed_by":                "",
		"lease_expires_at_unix_utc": int64(0),
		"updated_at":                time.Unix(nowUnixUTC, 0).UTC(),
	})
}

func (store *queueStore) DeadLetterItem(ctx context.Context, itemID string, claimToken string, lastError string, nowUnixUTC int64) error {
	return store.transitionClaimed(ctx, itemID, claimToken, map[string]interface{}{
		"status":                    string(queue.StatusDead),
		"attempts":                  gorm.Expr("attempts + 1"),
		"last_error":                lastError,
		"claim_token":               "",
		"claimed_by":                "",
		"lease_expires_at_unix_utc": int64(0),
		"updated_at":                time.Unix(nowUnixUTC, 0).UTC(),
	})
}

func (store *queueStore) transitionClaimed(ctx context.Context, itemID string, claimToken string, assignments map[string]interface{}) error {
	result := store.db.WithContext(ctx).
		Model(&QueueItem{}).
		Where("item_id = ? AND status = ? AND claim_token = ?",
			itemID, string(queue.StatusProcessing), claimToken).
		Updates(assignments)
	if result.Error != nil {
		return wrapStoreError(errorSubjectQueueItem, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return queue.ErrStaleClaim
	}
	return nil
}

func (store *queueStore) MarkReplayed(ctx context.Context, itemID string, nowUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&QueueItem{}).
		Where("item_id = ? AND status = ?", itemID, string(queue.StatusDead)).
		Updates(map[string]interface{}{
			"status":     string(queue.StatusReplayed),
			"updated_at": time.Unix(nowUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectQueueItem, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return queue.ErrNotDead
	}
	return nil
}

// ReclaimExpiredItems returns lapsed processing items to pending, consuming
// the attempt that was in flight; items already at their budget go to the
// dead letter view instead.
func (store *queueStore) ReclaimExpiredItems(ctx context.Context, nowUnixUTC int64) (int64, error) {
	updatedAt := time.Unix(nowUnixUTC, 0).UTC()
	deadLettered := store.db.WithContext(ctx).
		Model(&QueueItem{}).
		Where("status = ? AND lease_expires_at_unix_utc <= ? AND attempts + 1 >= max_attempts",
			string(queue.StatusProcessing), nowUnixUTC).
		Updates(map[string]interface{}{
			"status":                    string(queue.StatusDead),
			"attempts":                  gorm.Expr("attempts + 1"),
			"last_error":                reclaimFailureMessage,
			"claim_token":               "",
			"claimed_by":                "",
			"lease_expires_at_unix_utc": int64(0),
			"updated_at":                updatedAt,
		})
	if deadLettered.Error != nil {
		return 0, wrapStoreError(errorSubjectQueueItem, errorCodeReclaim, deadLettered.Error)
	}
	requeued := store.db.WithContext(ctx).
		Model(&QueueItem{}).
		Where("status = ? AND lease_expires_at_unix_utc <= ?",
			string(queue.StatusProcessing), nowUnixUTC).
		Updates(map[string]interface{}{
			"status":                    string(queue.StatusPending),
			"attempts":                  gorm.Expr("attempts + 1"),
			"last_error":                reclaimFailureMessage,
			"claim_token":               "",
			"claimed_by":                "",
			"lease_expires_at_unix_utc": int64(0),
			"updated_at":                updatedAt,
		})
	if requeued.Error != nil {
		return deadLettered.RowsAffected, wrapStoreError(errorSubjectQueueItem, errorCodeReclaim, requeued.Error)
	}
	return deadLettered.RowsAffected + requeued.RowsAffected, nil
}

func (store *queueStore) ListDeadItems(ctx context.Context, queueName string, limit int) ([]queue.Item, error) {
	var rows []QueueItem
	err := store.db.WithContext(ctx).
		Where("queue_name = ? AND status = ?", queueName, string(queue.StatusDead)).
		Order("updated_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectQueueItem, errorCodeList, err)
	}
	items := make([]queue.Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, fromQueueItemRow(row))
	}
	return items, nil
}

func toQueueItemRow(item queue.Item) QueueItem {
	return QueueItem{
		ItemID:                item.ItemID,
		QueueName:             item.QueueName,
		Payload:               item.Payload,
		Priority:              item.Priority,
		ScheduledAtUnixUTC:    item.ScheduledAtUnixUTC,
		Status:                string(item.Status),
		Attempts:              item.Attempts,
		MaxAttempts:           item.MaxAttempts,
		LastError:             item.LastError,
		IdempotencyKey:        item.IdempotencyKey,
		ClaimToken:            item.ClaimToken,
		ClaimedBy:             item.ClaimedBy,
		LeaseExpiresAtUnixUTC: item.LeaseExpiresAtUnixUTC,
		CreatedAt:             time.Unix(item.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:             time.Unix(item.UpdatedUnixUTC, 0).UTC(),
	}
}

func fromQueueItemRow(row QueueItem) queue.Item {
	return queue.Item{
		ItemID:                row.ItemID,
		QueueName:             row.QueueName,
		Payload:               row.Payload,
		Priority:              row.Priority,
		ScheduledAtUnixUTC:    row.ScheduledAtUnixUTC,
		Status:                queue.Status(row.Status),
		Attempts:              row.Attempts,
		MaxAttempts:           row.MaxAttempts,
		LastError:             row.LastError,
		IdempotencyKey:        row.IdempotencyKey,
		ClaimToken:            row.ClaimToken,
		ClaimedBy:             row.ClaimedBy,
		LeaseExpiresAtUnixUTC: row.LeaseExpiresAtUnixUTC,
		CreatedUnixUTC:        row.CreatedAt.Unix(),
		UpdatedUnixUTC:        row.UpdatedAt.Unix(),
	}
}
