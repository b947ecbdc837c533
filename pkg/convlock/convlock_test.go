package convlock

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type stubStore struct {
	mutex sync.Mutex
	locks map[string]Lock
}

func newStubStore() *stubStore {
	return &stubStore{locks: map[string]Lock{}}
}

func (store *stubStore) AcquireLock(_ context.Context, lock Lock) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	existing, found := store.locks[lock.ConversationID]
	if found && existing.ExpiresAtUnixUTC > lock.AcquiredAtUnixUTC {
		return false, nil
	}
	store.locks[lock.ConversationID] = lock
	return true, nil
}

func (store *stubStore) ReleaseLock(_ context.Context, conversationID string, token string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	existing, found := store.locks[conversationID]
	if !found || existing.Token != token {
		return false, nil
	}
	delete(store.locks, conversationID)
	return true, nil
}

func (store *stubStore) RenewLock(_ context.Context, conversationID string, token string, expiresAtUnixUTC int64) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	existing, found := store.locks[conversationID]
	if !found || existing.Token != token {
		return false, nil
	}
	existing.ExpiresAtUnixUTC = expiresAtUnixUTC
	store.locks[conversationID] = existing
	return true, nil
}

func (store *stubStore) ListExpiredLocks(_ context.Context, cutoffUnixUTC int64, limit int) ([]Lock, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var expired []Lock
	for _, lock := range store.locks {
		if lock.ExpiresAtUnixUTC <= cutoffUnixUTC {
			expired = append(expired, lock)
		}
		if limit > 0 && len(expired) >= limit {
			break
		}
	}
	return expired, nil
}

func (store *stubStore) DeleteLock(_ context.Context, conversationID string, token string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	existing, found := store.locks[conversationID]
	if !found || existing.Token != token {
		return false, nil
	}
	delete(store.locks, conversationID)
	return true, nil
}

func mustManager(test *testing.T, store Store, now func() int64) *Manager {
	test.Helper()
	manager, err := NewManager(store, nil, now)
	if err != nil {
		test.Fatalf("manager init failed: %v", err)
	}
	return manager
}

func TestAcquireIsExclusiveWhileLeaseValid(test *testing.T) {
	test.Parallel()
	manager := mustManager(test, newStubStore(), func() int64 { return 1000 })
	lease, err := manager.Acquire(context.Background(), "conv-1", "worker-a", 30)
	if err != nil {
		test.Fatalf("first acquire: %v", err)
	}
	if lease.Token == "" || lease.ExpiresAtUnixUTC != 1030 {
		test.Fatalf("unexpected lease: %+v", lease)
	}
	if _, err := manager.Acquire(context.Background(), "conv-1", "worker-b", 30); !errors.Is(err, ErrBusy) {
		test.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestAcquireTakesOverExpiredLease(test *testing.T) {
	test.Parallel()
	clock := int64(1000)
	manager := mustManager(test, newStubStore(), func() int64 { return clock })
	first, err := manager.Acquire(context.Background(), "conv-2", "worker-a", 30)
	if err != nil {
		test.Fatalf("first acquire: %v", err)
	}
	clock = 1031
	second, err := manager.Acquire(context.Background(), "conv-2", "worker-b", 30)
	if err != nil {
		test.Fatalf("takeover acquire: %v", err)
	}
	if second.Token == first.Token {
		test.Fatalf("takeover reused token")
	}
	if err := manager.Release(context.Background(), "conv-2", first.Token); !errors.Is(err, ErrNotHeld) {
		test.Fatalf("expected stale token release to fail, got %v", err)
	}
}

func TestConcurrentAcquireGrantsSingleLease(test *testing.T) {
	test.Parallel()
	manager := mustManager(test, newStubStore(), func() int64 { return 1000 })
	const callers = 16
	var wait sync.WaitGroup
	granted := make(chan Lease, callers)
	for i := 0; i < callers; i++ {
		wait.Add(1)
		go func() {
			defer wait.Done()
			lease, err := manager.Acquire(context.Background(), "conv-3", "worker", 30)
			if err == nil {
				granted <- lease
				return
			}
			if !errors.Is(err, ErrBusy) {
				test.Errorf("acquire: %v", err)
			}
		}()
	}
	wait.Wait()
	close(granted)
	count := 0
	for range granted {
		count++
	}
	if count != 1 {
		test.Fatalf("expected exactly one lease, got %d", count)
	}
}

func TestReleaseThenReacquire(test *testing.T) {
	test.Parallel()
	manager := mustManager(test, newStubStore(), func() int64 { return 1000 })
	lease, err := manager.Acquire(context.Background(), "conv-4", "worker-a", 30)
	if err != nil {
		test.Fatalf("acquire: %v", err)
	}
	if err := manager.Release(context.Background(), "conv-4", lease.Token); err != nil {
		test.Fatalf("release: %v", err)
	}
	if _, err := manager.Acquire(context.Background(), "conv-4", "worker-b", 30); err != nil {
		test.Fatalf("reacquire after release: %v", err)
	}
}

func TestRenewExtendsLease(test *testing.T) {
	test.Parallel()
	clock := int64(1000)
	manager := mustManager(test, newStubStore(), func() int64 { return clock })
	lease, err := manager.Acquire(context.Background(), "conv-5", "worker-a", 30)
	if err != nil {
		test.Fatalf("acquire: %v", err)
	}
	clock = 1025
	renewed, err := manager.Renew(context.Background(), "conv-5", lease.Token, 30)
	if err != nil {
		test.Fatalf("renew: %v", err)
	}
	if renewed.ExpiresAtUnixUTC != 1055 {
		test.Fatalf("expected expiry 1055, got %d", renewed.ExpiresAtUnixUTC)
	}
	clock = 1040
	if _, err := manager.Acquire(context.Background(), "conv-5", "worker-b", 30); !errors.Is(err, ErrBusy) {
		test.Fatalf("expected renewed lease to block, got %v", err)
	}
	if _, err := manager.Renew(context.Background(), "conv-5", "wrong-token", 30); !errors.Is(err, ErrNotHeld) {
		test.Fatalf("expected ErrNotHeld for wrong token, got %v", err)
	}
}

func TestSweepStuckForceReleasesStaleLocks(test *testing.T) {
	test.Parallel()
	clock := int64(1000)
	store := newStubStore()
	manager := mustManager(test, store, func() int64 { return clock })
	if _, err := manager.Acquire(context.Background(), "conv-stale", "worker-a", 30); err != nil {
		test.Fatalf("acquire stale: %v", err)
	}
	clock = 1040
	if _, err := manager.Acquire(context.Background(), "conv-fresh", "worker-b", 30); err != nil {
		test.Fatalf("acquire fresh: %v", err)
	}

	// Stale lock expired at 1030. With grace multiple 3 it becomes
	// sweepable only past 1030 + 2*30 = 1090.
	clock = 1080
	released, err := manager.SweepStuck(context.Background(), 3, 100)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if released != 0 {
		test.Fatalf("expected no releases inside grace window, got %d", released)
	}

	clock = 1095
	released, err = manager.SweepStuck(context.Background(), 3, 100)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if released != 1 {
		test.Fatalf("expected 1 force release, got %d", released)
	}
	if _, found := store.locks["conv-stale"]; found {
		test.Fatalf("stale lock still present after sweep")
	}
	if _, found := store.locks["conv-fresh"]; !found {
		test.Fatalf("fresh lock removed by sweep")
	}
}

func TestAcquireValidatesInput(test *testing.T) {
	test.Parallel()
	manager := mustManager(test, newStubStore(), func() int64 { return 1000 })
	if _, err := manager.Acquire(context.Background(), " ", "worker", 30); !errors.Is(err, ErrInvalidConversationID) {
		test.Fatalf("expected ErrInvalidConversationID, got %v", err)
	}
	if _, err := manager.Acquire(context.Background(), "conv", " ", 30); !errors.Is(err, ErrInvalidHolderID) {
		test.Fatalf("expected ErrInvalidHolderID, got %v", err)
	}
	if _, err := manager.Acquire(context.Background(), "conv", "worker", 0); !errors.Is(err, ErrInvalidTTL) {
		test.Fatalf("expected ErrInvalidTTL, got %v", err)
	}
}
