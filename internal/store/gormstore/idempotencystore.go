package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/easymo/txcore/pkg/idempotency"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorSubjectRecord = "idempotency_record"
)

func (store *Store) InsertPending(ctx context.Context, record idempotency.Record) error {
	row := IdempotencyRecord{
		Key:                record.Key,
		RequestHash:        record.RequestHash,
		Status:             string(record.Status),
		Result:             record.Result,
		CompletedAtUnixUTC: record.CompletedUnixUTC,
		ExpiresAtUnixUTC:   record.ExpiresAtUnixUTC,
		CreatedAt:          time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	// Begin runs inside the caller's transaction; a raised unique violation
	// would poison it on postgres before the replay read. The conflict is
	// reported through RowsAffected instead of a statement error.
	insert := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if insert.Error != nil {
		return wrapStoreError(errorSubjectRecord, errorCodeInsert, insert.Error)
	}
	if insert.RowsAffected > 0 {
		return nil
	}
	// An expired row counts as absent. The conditional update makes the
	// replacement atomic against a concurrent caller racing for the key.
	result := store.db.WithContext(ctx).
		Model(&IdempotencyRecord{}).
		Where("key = ? AND expires_at_unix_utc <= ?", record.Key, record.CreatedUnixUTC).
		Updates(map[string]interface{}{
			"request_hash":          record.RequestHash,
			"status":                string(record.Status),
			"result":                record.Result,
			"completed_at_unix_utc": int64(0),
			"expires_at_unix_utc":   record.ExpiresAtUnixUTC,
			"created_at":            time.Unix(record.CreatedUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectRecord, errorCodeInsert, result.Error)
	}
	if result.RowsAffected == 0 {
		return idempotency.ErrKeyExists
	}
	return nil
}

func (store *Store) GetRecord(ctx context.Context, key string) (idempotency.Record, error) {
	var row IdempotencyRecord
	err := store.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return idempotency.Record{}, idempotency.ErrUnknownKey
	}
	if err != nil {
		return idempotency.Record{}, wrapStoreError(errorSubjectRecord, errorCodeGet, err)
	}
	return idempotency.Record{
		Key:              row.Key,
		RequestHash:      row.RequestHash,
		Status:           idempotency.RecordStatus(row.Status),
		Result:           row.Result,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
		CompletedUnixUTC: row.CompletedAtUnixUTC,
		ExpiresAtUnixUTC: row.ExpiresAtUnixUTC,
	}, nil
}

func (store *Store) CompleteRecord(ctx context.Context, key string, result []byte, completedUnixUTC int64) error {
	update := store.db.WithContext(ctx).
		Model(&IdempotencyRecord{}).
		Where("key = ? AND status = ?", key, string(idempotency.RecordStatusPending)).
		Updates(map[string]interface{}{
			"status":                string(idempotency.RecordStatusCompleted),
			"result":                result,
			"completed_at_unix_utc": completedUnixUTC,
		})
	if update.Error != nil {
		return wrapStoreError(errorSubjectRecord, errorCodeUpdate, update.Error)
	}
	if update.RowsAffected > 0 {
		return nil
	}
	var row IdempotencyRecord
	err := store.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return idempotency.ErrUnknownKey
	}
	if err != nil {
		return wrapStoreError(errorSubjectRecord, errorCodeGet, err)
	}
	return idempotency.ErrAlreadyCommitted
}

func (store *Store) DeleteExpiredRecords(ctx context.Context, nowUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("expires_at_unix_utc <= ?", nowUnixUTC).
		Delete(&IdempotencyRecord{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectRecord, "delete_expired", result.Error)
	}
	return result.RowsAffected, nil
}
