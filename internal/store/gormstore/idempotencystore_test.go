package gormstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/easymo/txcore/pkg/idempotency"
	"github.com/easymo/txcore/pkg/ledger"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("db handle: %v", err)
	}
	// One connection, or each pooled connection gets its own :memory: db.
	sqlDB.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func TestInsertPendingDuplicateKeepsTransactionUsable(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	record := idempotency.Record{
		Key:              "transfer:ord-1",
		RequestHash:      "hash-1",
		Status:           idempotency.RecordStatusPending,
		CreatedUnixUTC:   1000,
		ExpiresAtUnixUTC: 1000 + 86400,
	}
	if err := store.InsertPending(ctx, record); err != nil {
		test.Fatalf("insert pending: %v", err)
	}
	if err := store.CompleteRecord(ctx, record.Key, []byte(`{"ok":true}`), 1005); err != nil {
		test.Fatalf("complete: %v", err)
	}

	// A retried operation hits the duplicate inside its own transaction.
	// The conflict must not leave that transaction unusable for the replay
	// read that follows.
	err := store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		guardStore := txStore.Idempotency()
		retry := record
		retry.CreatedUnixUTC = 1010
		retry.ExpiresAtUnixUTC = 1010 + 86400
		if err := guardStore.InsertPending(ctx, retry); !errors.Is(err, idempotency.ErrKeyExists) {
			return fmt.Errorf("expected ErrKeyExists, got %v", err)
		}
		stored, err := guardStore.GetRecord(ctx, record.Key)
		if err != nil {
			return fmt.Errorf("read after duplicate: %w", err)
		}
		if stored.Status != idempotency.RecordStatusCompleted || string(stored.Result) != `{"ok":true}` {
			return fmt.Errorf("unexpected stored record: %+v", stored)
		}
		return nil
	})
	if err != nil {
		test.Fatalf("transaction: %v", err)
	}
}

func TestInsertPendingReplacesExpiredRecord(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	stale := idempotency.Record{
		Key:              "transfer:ord-2",
		RequestHash:      "hash-old",
		Status:           idempotency.RecordStatusCompleted,
		CreatedUnixUTC:   1000,
		ExpiresAtUnixUTC: 1500,
	}
	if err := store.InsertPending(ctx, stale); err != nil {
		test.Fatalf("insert stale: %v", err)
	}
	fresh := idempotency.Record{
		Key:              "transfer:ord-2",
		RequestHash:      "hash-new",
		Status:           idempotency.RecordStatusPending,
		CreatedUnixUTC:   2000,
		ExpiresAtUnixUTC: 2000 + 86400,
	}
	if err := store.InsertPending(ctx, fresh); err != nil {
		test.Fatalf("takeover of expired record: %v", err)
	}
	stored, err := store.GetRecord(ctx, "transfer:ord-2")
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored.RequestHash != "hash-new" || stored.Status != idempotency.RecordStatusPending {
		test.Fatalf("expected replaced record, got %+v", stored)
	}
}
