package gormstore

import (
	"context"
	"errors"

	"github.com/easymo/txcore/pkg/throttle"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorSubjectCounter = "throttle_counter"
	errorCodeConsume    = "consume"
)

// TryIncrementWindow bumps the window counter only while it is below cap. The
// guarded update and the insert race are both safe: a lost insert falls back
// to the update path on the next loop turn.
func (store *Store) TryIncrementWindow(ctx context.Context, bucketID string, windowStartUnixUTC int64, expiresAtUnixUTC int64, cap int64) (throttle.Admission, error) {
	for attempt := 0; attempt < 2; attempt++ {
		result := store.db.WithContext(ctx).
			Model(&ThrottleCounter{}).
			Where("bucket_id = ? AND window_start_unix_utc = ? AND count < ?", bucketID, windowStartUnixUTC, cap).
			Update("count", gorm.Expr("count + 1"))
		if result.Error != nil {
			return throttle.Admission{}, wrapStoreError(errorSubjectCounter, errorCodeConsume, result.Error)
		}
		if result.RowsAffected > 0 {
			counter, err := store.getCounter(ctx, bucketID, windowStartUnixUTC)
			if err != nil {
				return throttle.Admission{}, err
			}
			return throttle.Admission{Allowed: true, Count: counter.Count}, nil
		}
		counter, err := store.getCounter(ctx, bucketID, windowStartUnixUTC)
		if err == nil {
			return throttle.Admission{Allowed: false, Count: counter.Count}, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return throttle.Admission{}, err
		}
		insert := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&ThrottleCounter{
				BucketID:           bucketID,
				WindowStartUnixUTC: windowStartUnixUTC,
				Count:              1,
				Cap:                cap,
				ExpiresAtUnixUTC:   expiresAtUnixUTC,
			})
		if insert.Error != nil {
			return throttle.Admission{}, wrapStoreError(errorSubjectCounter, errorCodeConsume, insert.Error)
		}
		if insert.RowsAffected > 0 {
			return throttle.Admission{Allowed: true, Count: 1}, nil
		}
	}
	return throttle.Admission{}, wrapStoreError(errorSubjectCounter, errorCodeConsume, gorm.ErrInvalidTransaction)
}

func (store *Store) getCounter(ctx context.Context, bucketID string, windowStartUnixUTC int64) (ThrottleCounter, error) {
	var counter ThrottleCounter
	err := store.db.WithContext(ctx).
		Where("bucket_id = ? AND window_start_unix_utc = ?", bucketID, windowStartUnixUTC).
		Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ThrottleCounter{}, err
	}
	if err != nil {
		return ThrottleCounter{}, wrapStoreError(errorSubjectCounter, errorCodeGet, err)
	}
	return counter, nil
}

func (store *Store) DeleteExpiredWindows(ctx context.Context, nowUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("expires_at_unix_utc <= ?", nowUnixUTC).
		Delete(&ThrottleCounter{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectCounter, "delete_expired", result.Error)
	}
	return result.RowsAffected, nil
}
