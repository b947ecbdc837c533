package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/easymo/txcore/pkg/eventlog"
)

// memStore is an in-memory queue.Store mirroring the conditional-update
// semantics the relational store provides.
type memStore struct {
	mutex    sync.Mutex
	items    map[string]Item
	versions map[string]int64
	events   []eventlog.Event
}

func newMemStore() *memStore {
	return &memStore{items: map[string]Item{}, versions: map[string]int64{}}
}

func (store *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return fn(ctx, &memTxStore{store})
}

func (store *memStore) Events() eventlog.Store { return &memEventStore{store} }

func (store *memStore) InsertItem(ctx context.Context, item Item) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&memTxStore{store}).InsertItem(ctx, item)
}

func (store *memStore) GetItem(ctx context.Context, itemID string) (Item, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&memTxStore{store}).GetItem(ctx, itemID)
}

func (store *memStore) FindItemByKey(ctx context.Context, queueName string, idempotencyKey string, succeededSinceUnixUTC int64) (Item, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&memTxStore{store}).FindItemByKey(ctx, queueName, idempotencyKey, succeededSinceUnixUTC)
}

func (store *memStore) ClaimNextItem(_ context.Context, queueName string, nowUnixUTC int64, claimToken string, claimedBy string, leaseExpiresAtUnixUTC int64) (Item, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var candidates []Item
	for _, item := range store.items {
		if item.QueueName == queueName && item.Status == StatusPending && item.ScheduledAtUnixUTC <= nowUnixUTC {
			candidates = append(candidates, item)
		}
	}
	if len(candidates) == 0 {
		return Item{}, ErrNoItem
	}
	sort.Slice(candidates, func(left, right int) bool {
		if candidates[left].Priority != candidates[right].Priority {
			return candidates[left].Priority > candidates[right].Priority
		}
		return candidates[left].ScheduledAtUnixUTC < candidates[right].ScheduledAtUnixUTC
	})
	claimed := candidates[0]
	claimed.Status = StatusProcessing
	claimed.ClaimToken = claimToken
	claimed.ClaimedBy = claimedBy
	claimed.LeaseExpiresAtUnixUTC = leaseExpiresAtUnixUTC
	claimed.UpdatedUnixUTC = nowUnixUTC
	store.items[claimed.ItemID] = claimed
	return claimed, nil
}

func (store *memStore) CompleteItem(_ context.Context, itemID string, claimToken string, nowUnixUTC int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	item, found := store.items[itemID]
	if !found || item.Status != StatusProcessing || item.ClaimToken != claimToken {
		return ErrStaleClaim
	}
	item.Status = StatusSucceeded
	item.UpdatedUnixUTC = nowUnixUTC
	store.items[itemID] = item
	return nil
}

func (store *memStore) RetryItem(_ context.Context, itemID string, claimToken string, nextRunUnixUTC int64, lastError string, nowUnixUTC int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	item, found := store.items[itemID]
	if !found || item.Status != StatusProcessing || item.ClaimToken != claimToken {
		return ErrStaleClaim
	}
	item.Status = StatusPending
	item.Attempts++
	item.ScheduledAtUnixUTC = nextRunUnixUTC
	item.LastError = lastError
	item.ClaimToken = ""
	item.UpdatedUnixUTC = nowUnixUTC
	store.items[itemID] = item
	return nil
}

func (store *memStore) RequeueItem(_ context.Context, itemID string, claimToken string, nextRunUnixUTC int64, nowUnixUTC int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	item, found := store.items[itemID]
	if !found || item.Status != StatusProcessing || item.ClaimToken != claimToken {
		return ErrStaleClaim
	}
	item.Status = StatusPending
	item.ScheduledAtUnixUTC = nextRunUnixUTC
	item.ClaimToken = ""
	item.UpdatedUnixUTC = nowUnixUTC
	store.items[itemID] = item
	return nil
}

func (store *memStore) DeadLetterItem(_ context.Context, itemID string, claimToken string, lastError string, nowUnixUTC int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	item, found := store.items[itemID]
	if !found || item.Status != StatusProcessing || item.ClaimToken != claimToken {
		return ErrStaleClaim
	}
	item.Status = StatusDead
	item.Attempts++
	item.LastError = lastError
	item.ClaimToken = ""
	item.UpdatedUnixUTC = nowUnixUTC
	store.items[itemID] = item
	return nil
}

func (store *memStore) MarkReplayed(_ context.Context, itemID string, nowUnixUTC int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	item, found := store.items[itemID]
	if !found || item.Status != StatusDead {
		return ErrNotDead
	}
	item.Status = StatusReplayed
	item.UpdatedUnixUTC = nowUnixUTC
	store.items[itemID] = item
	return nil
}

func (store *memStore) ReclaimExpiredItems(_ context.Context, nowUnixUTC int64) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var reclaimed int64
	for id, item := range store.items {
		if item.Status != StatusProcessing || item.LeaseExpiresAtUnixUTC > nowUnixUTC {
			continue
		}
		item.Attempts++
		item.ClaimToken = ""
		item.UpdatedUnixUTC = nowUnixUTC
		if item.Attempts >= item.MaxAttempts {
			item.Status = StatusDead
			item.LastError = "processing lease expired"
		} else {
			item.Status = StatusPending
			item.ScheduledAtUnixUTC = nowUnixUTC
		}
		store.items[id] = item
		reclaimed++
	}
	return reclaimed, nil
}

func (store *memStore) ListDeadItems(_ context.Context, queueName string, limit int) ([]Item, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var dead []Item
	for _, item := range store.items {
		if item.QueueName == queueName && item.Status == StatusDead {
			dead = append(dead, item)
		}
	}
	sort.Slice(dead, func(left, right int) bool { return dead[left].UpdatedUnixUTC > dead[right].UpdatedUnixUTC })
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	return dead, nil
}

// memTxStore runs with the outer mutex held.
type memTxStore struct {
	root *memStore
}

func (store *memTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *memTxStore) Events() eventlog.Store { return &memEventStore{store.root} }

// InsertItem mirrors the live-key unique index of the relational store.
func (store *memTxStore) InsertItem(_ context.Context, item Item) error {
	if item.IdempotencyKey != "" {
		for _, existing := range store.root.items {
			if existing.QueueName == item.QueueName &&
				existing.IdempotencyKey == item.IdempotencyKey &&
				(existing.Status == StatusPending || existing.Status == StatusProcessing) {
				return ErrDuplicateItem
			}
		}
	}
	store.root.items[item.ItemID] = item
	return nil
}

func (store *memTxStore) GetItem(_ context.Context, itemID string) (Item, error) {
	item, found := store.root.items[itemID]
	if !found {
		return Item{}, ErrUnknownItem
	}
	return item, nil
}

// FindItemByKey mirrors the relational predicate: live items always match,
// succeeded items only within the dedup window, latest row wins.
func (store *memTxStore) FindItemByKey(_ context.Context, queueName string, idempotencyKey string, succeededSinceUnixUTC int64) (Item, error) {
	var matched Item
	found := false
	for _, item := range store.root.items {
		if item.QueueName != queueName || item.IdempotencyKey != idempotencyKey {
			continue
		}
		live := item.Status == StatusPending || item.Status == StatusProcessing
		recent := item.Status == StatusSucceeded && item.UpdatedUnixUTC > succeededSinceUnixUTC
		if !live && !recent {
			continue
		}
		if !found || item.UpdatedUnixUTC > matched.UpdatedUnixUTC {
			matched = item
			found = true
		}
	}
	if !found {
		return Item{}, ErrNoItem
	}
	return matched, nil
}

func (store *memTxStore) ClaimNextItem(ctx context.Context, queueName string, nowUnixUTC int64, claimToken string, claimedBy string, leaseExpiresAtUnixUTC int64) (Item, error) {
	panic("claim inside transaction not used")
}

func (store *memTxStore) CompleteItem(_ context.Context, itemID string, claimToken string, nowUnixUTC int64) error {
	panic("complete inside transaction not used")
}

func (store *memTxStore) RetryItem(_ context.Context, itemID string, claimToken string, nextRunUnixUTC int64, lastError string, nowUnixUTC int64) error {
	item, found := store.root.items[itemID]
	if !found || item.Status != StatusProcessing || item.ClaimToken != claimToken {
		return ErrStaleClaim
	}
	item.Status = StatusPending
	item.Attempts++
	item.ScheduledAtUnixUTC = nextRunUnixUTC
	item.LastError = lastError
	item.ClaimToken = ""
	item.UpdatedUnixUTC = nowUnixUTC
	store.root.items[itemID] = item
	return nil
}

func (store *memTxStore) RequeueItem(_ context.Context, itemID string, claimToken string, nextRunUnixUTC int64, nowUnixUTC int64) error {
	panic("requeue inside transaction not used")
}

func (store *memTxStore) DeadLetterItem(_ context.Context, itemID string, claimToken string, lastError string, nowUnixUTC int64) error {
	item, found := store.root.items[itemID]
	if !found || item.Status != StatusProcessing || item.ClaimToken != claimToken {
		return ErrStaleClaim
	}
	item.Status = StatusDead
	item.Attempts++
	item.LastError = lastError
	item.ClaimToken = ""
	item.UpdatedUnixUTC = nowUnixUTC
	store.root.items[itemID] = item
	return nil
}

func (store *memTxStore) MarkReplayed(_ context.Context, itemID string, nowUnixUTC int64) error {
	item, found := store.root.items[itemID]
	if !found || item.Status != StatusDead {
		return ErrNotDead
	}
	item.Status = StatusReplayed
	item.UpdatedUnixUTC = nowUnixUTC
	store.root.items[itemID] = item
	return nil
}

func (store *memTxStore) ReclaimExpiredItems(_ context.Context, nowUnixUTC int64) (int64, error) {
	panic("reclaim inside transaction not used")
}

func (store *memTxStore) ListDeadItems(_ context.Context, queueName string, limit int) ([]Item, error) {
	panic("list dead inside transaction not used")
}

type memEventStore struct {
	root *memStore
}

func (store *memEventStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore eventlog.Store) error) error {
	return fn(ctx, store)
}

func (store *memEventStore) NextStreamVersion(_ context.Context, aggregateID string, _ string) (int64, error) {
	store.root.versions[aggregateID]++
	return store.root.versions[aggregateID], nil
}

func (store *memEventStore) InsertEvent(_ context.Context, event eventlog.Event) error {
	store.root.events = append(store.root.events, event)
	return nil
}

func (store *memEventStore) ListEvents(_ context.Context, aggregateID string, fromVersion int64, limit int) ([]eventlog.Event, error) {
	var matched []eventlog.Event
	for _, event := range store.root.events {
		if event.AggregateID == aggregateID && event.Version >= fromVersion {
			matched = append(matched, event)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}
