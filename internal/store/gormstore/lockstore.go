package gormstore

import (
	"context"

	"github.com/easymo/txcore/pkg/convlock"
	"gorm.io/gorm/clause"
)

const (
	errorSubjectLock = "conversation_lock"
	errorCodeAcquire = "acquire"
	errorCodeRelease = "release"
	errorCodeRenew   = "renew"
)

// AcquireLock inserts the lock, or takes over a row whose lease has lapsed.
// Both paths are single conditional statements, so concurrent acquirers on
// one conversation resolve to exactly one holder.
func (store *Store) AcquireLock(ctx context.Context, lock convlock.Lock) (bool, error) {
	row := ConversationLock{
		ConversationID:    lock.ConversationID,
		Token:             lock.Token,
		HolderID:          lock.HolderID,
		TTLSeconds:        lock.TTLSeconds,
		AcquiredAtUnixUTC: lock.AcquiredAtUnixUTC,
		ExpiresAtUnixUTC:  lock.ExpiresAtUnixUTC,
	}
	insert := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if insert.Error != nil {
		return false, wrapStoreError(errorSubjectLock, errorCodeAcquire, insert.Error)
	}
	if insert.RowsAffected > 0 {
		return true, nil
	}
	takeover := store.db.WithContext(ctx).
		Model(&ConversationLock{}).
		Where("conversation_id = ? AND expires_at_unix_utc <= ?", lock.ConversationID, lock.AcquiredAtUnixUTC).
		Updates(map[string]interface{}{
			"token":                lock.Token,
			"holder_id":            lock.HolderID,
			"ttl_seconds":          lock.TTLSeconds,
			"acquired_at_unix_utc": lock.AcquiredAtUnixUTC,
			"expires_at_unix_utc":  lock.ExpiresAtUnixUTC,
		})
	if takeover.Error != nil {
		return false, wrapStoreError(errorSubjectLock, errorCodeAcquire, takeover.Error)
	}
	return takeover.RowsAffected > 0, nil
}

func (store *Store) ReleaseLock(ctx context.Context, conversationID string, token string) (bool, error) {
	result := store.db.WithContext(ctx).
		Where("conversation_id = ? AND token = ?", conversationID, token).
		Delete(&ConversationLock{})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectLock, errorCodeRelease, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) RenewLock(ctx context.Context, conversationID string, token string, expiresAtUnixUTC int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&ConversationLock{}).
		Where("conversation_id = ? AND token = ?", conversationID, token).
		Update("expires_at_unix_utc", expiresAtUnixUTC)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectLock, errorCodeRenew, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) ListExpiredLocks(ctx context.Context, cutoffUnixUTC int64, limit int) ([]convlock.Lock, error) {
	var rows []ConversationLock
	err := store.db.WithContext(ctx).
		Where("expires_at_unix_utc <= ?", cutoffUnixUTC).
		Order("expires_at_unix_utc ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectLock, errorCodeList, err)
	}
	locks := make([]convlock.Lock, 0, len(rows))
	for _, row := range rows {
		locks = append(locks, convlock.Lock{
			ConversationID:    row.ConversationID,
			Token:             row.Token,
			HolderID:          row.HolderID,
			TTLSeconds:        row.TTLSeconds,
			AcquiredAtUnixUTC: row.AcquiredAtUnixUTC,
			ExpiresAtUnixUTC:  row.ExpiresAtUnixUTC,
		})
	}
	return locks, nil
}

func (store *Store) DeleteLock(ctx context.Context, conversationID string, token string) (bool, error) {
	result := store.db.WithContext(ctx).
		Where("conversation_id = ? AND token = ?", conversationID, token).
		Delete(&ConversationLock{})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectLock, errorCodeRelease, result.Error)
	}
	return result.RowsAffected > 0, nil
}
