package gormstore

import (
	"context"
	"errors"
	"testing"

	"github.com/easymo/txcore/pkg/queue"
)

func TestFindItemByKeyCoversSucceededWindow(test *testing.T) {
	test.Parallel()
	store := openTestStore(test).Queue()
	ctx := context.Background()
	done := queue.Item{
		ItemID:         "item-done",
		QueueName:      "notifications",
		Status:         queue.StatusSucceeded,
		IdempotencyKey: "send-1",
		MaxAttempts:    5,
		CreatedUnixUTC: 1000,
		UpdatedUnixUTC: 1200,
	}
	if err := store.InsertItem(ctx, done); err != nil {
		test.Fatalf("insert: %v", err)
	}
	found, err := store.FindItemByKey(ctx, "notifications", "send-1", 1100)
	if err != nil {
		test.Fatalf("find inside window: %v", err)
	}
	if found.ItemID != "item-done" {
		test.Fatalf("expected item-done, got %s", found.ItemID)
	}
	if _, err := store.FindItemByKey(ctx, "notifications", "send-1", 1200); !errors.Is(err, queue.ErrNoItem) {
		test.Fatalf("expected ErrNoItem outside window, got %v", err)
	}
}

func TestInsertItemDuplicateLiveKeyReportsConflict(test *testing.T) {
	test.Parallel()
	store := openTestStore(test).Queue()
	ctx := context.Background()
	first := queue.Item{
		ItemID:         "item-1",
		QueueName:      "webhooks",
		Status:         queue.StatusPending,
		IdempotencyKey: "hook-1",
		MaxAttempts:    5,
		CreatedUnixUTC: 1000,
		UpdatedUnixUTC: 1000,
	}
	if err := store.InsertItem(ctx, first); err != nil {
		test.Fatalf("insert first: %v", err)
	}
	second := first
	second.ItemID = "item-2"
	if err := store.InsertItem(ctx, second); !errors.Is(err, queue.ErrDuplicateItem) {
		test.Fatalf("expected ErrDuplicateItem, got %v", err)
	}
	// Keyless items are outside the unique index and never collide.
	for _, id := range []string{"item-3", "item-4"} {
		item := queue.Item{
			ItemID:         id,
			QueueName:      "webhooks",
			Status:         queue.StatusPending,
			MaxAttempts:    5,
			CreatedUnixUTC: 1000,
			UpdatedUnixUTC: 1000,
		}
		if err := store.InsertItem(ctx, item); err != nil {
			test.Fatalf("insert %s: %v", id, err)
		}
	}
}
