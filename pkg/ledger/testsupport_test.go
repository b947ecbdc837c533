package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/easymo/txcore/pkg/eventlog"
	"github.com/easymo/txcore/pkg/idempotency"
)

// stubStore is an in-memory ledger.Store. A coarse mutex stands in for the
// row locks a relational store would take, which is enough to exercise the
// service's transactional orchestration.
type stubStore struct {
	mutex    sync.Mutex
	accounts map[string]Account
	entries  []Entry
	records  map[string]idempotency.Record
	versions map[string]int64
	events   []eventlog.Event
}

func newStubStore() *stubStore {
	return &stubStore{
		accounts: map[string]Account{},
		records:  map[string]idempotency.Record{},
		versions: map[string]int64{},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return fn(ctx, &txStubStore{store})
}

func (store *stubStore) Idempotency() idempotency.Store { return &txIdemStore{store} }
func (store *stubStore) Events() eventlog.Store         { return &txEventStore{store} }

func (store *stubStore) CreateAccount(ctx context.Context, account Account) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&txStubStore{store}).CreateAccount(ctx, account)
}

func (store *stubStore) GetAccount(ctx context.Context, accountID string) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&txStubStore{store}).GetAccount(ctx, accountID)
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, accountID string) (Account, error) {
	return store.GetAccount(ctx, accountID)
}

func (store *stubStore) UpdateAccountBalance(_ context.Context, accountID string, balanceMinor int64, updatedUnixUTC int64) error {
	account := store.accounts[accountID]
	account.BalanceMinor = balanceMinor
	account.UpdatedUnixUTC = updatedUnixUTC
	store.accounts[accountID] = account
	return nil
}

func (store *stubStore) InsertEntry(_ context.Context, entry Entry) error {
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubStore) ListEntries(_ context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	var matched []Entry
	for _, entry := range store.entries {
		if entry.AccountID == accountID && (beforeUnixUTC == 0 || entry.CreatedUnixUTC < beforeUnixUTC) {
			matched = append(matched, entry)
		}
	}
	sort.Slice(matched, func(left, right int) bool {
		return matched[left].CreatedUnixUTC > matched[right].CreatedUnixUTC
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// txStubStore is the view handed to WithTx callbacks; the outer mutex is
// already held, so methods touch the maps directly.
type txStubStore struct {
	root *stubStore
}

func (store *txStubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *txStubStore) Idempotency() idempotency.Store { return &txIdemStore{store.root} }
func (store *txStubStore) Events() eventlog.Store         { return &txEventStore{store.root} }

func (store *txStubStore) CreateAccount(_ context.Context, account Account) error {
	if _, found := store.root.accounts[account.AccountID]; found {
		return ErrAccountExists
	}
	store.root.accounts[account.AccountID] = account
	return nil
}

func (store *txStubStore) GetAccount(_ context.Context, accountID string) (Account, error) {
	account, found := store.root.accounts[accountID]
	if !found {
		return Account{}, ErrUnknownAccount
	}
	return account, nil
}

func (store *txStubStore) GetAccountForUpdate(ctx context.Context, accountID string) (Account, error) {
	return store.GetAccount(ctx, accountID)
}

func (store *txStubStore) UpdateAccountBalance(ctx context.Context, accountID string, balanceMinor int64, updatedUnixUTC int64) error {
	return store.root.UpdateAccountBalance(ctx, accountID, balanceMinor, updatedUnixUTC)
}

func (store *txStubStore) InsertEntry(ctx context.Context, entry Entry) error {
	return store.root.InsertEntry(ctx, entry)
}

func (store *txStubStore) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	return store.root.ListEntries(ctx, accountID, beforeUnixUTC, limit)
}

type txIdemStore struct {
	root *stubStore
}

func (store *txIdemStore) InsertPending(_ context.Context, record idempotency.Record) error {
	existing, found := store.root.records[record.Key]
	if found && existing.ExpiresAtUnixUTC > record.CreatedUnixUTC {
		return idempotency.ErrKeyExists
	}
	store.root.records[record.Key] = record
	return nil
}

func (store *txIdemStore) GetRecord(_ context.Context, key string) (idempotency.Record, error) {
	record, found := store.root.records[key]
	if !found {
		return idempotency.Record{}, idempotency.ErrUnknownKey
	}
	return record, nil
}

func (store *txIdemStore) CompleteRecord(_ context.Context, key string, result []byte, completedUnixUTC int64) error {
	record, found := store.root.records[key]
	if !found {
		return idempotency.ErrUnknownKey
	}
	if record.Status == idempotency.RecordStatusCompleted {
		return idempotency.ErrAlreadyCommitted
	}
	record.Status = idempotency.RecordStatusCompleted
	record.Result = result
	record.CompletedUnixUTC = completedUnixUTC
	store.root.records[key] = record
	return nil
}

func (store *txIdemStore) DeleteExpiredRecords(_ context.Context, nowUnixUTC int64) (int64, error) {
	var deleted int64
	for key, record := range store.root.records {
		if record.ExpiresAtUnixUTC <= nowUnixUTC {
			delete(store.root.records, key)
			deleted++
		}
	}
	return deleted, nil
}

type txEventStore struct {
	root *stubStore
}

func (store *txEventStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore eventlog.Store) error) error {
	return fn(ctx, store)
}

func (store *txEventStore) NextStreamVersion(_ context.Context, aggregateID string, _ string) (int64, error) {
	store.root.versions[aggregateID]++
	return store.root.versions[aggregateID], nil
}

func (store *txEventStore) InsertEvent(_ context.Context, event eventlog.Event) error {
	store.root.events = append(store.root.events, event)
	return nil
}

func (store *txEventStore) ListEvents(_ context.Context, aggregateID string, fromVersion int64, limit int) ([]eventlog.Event, error) {
	var matched []eventlog.Event
	for _, event := range store.root.events {
		if event.AggregateID == aggregateID && event.Version >= fromVersion {
			matched = append(matched, event)
		}
	}
	sort.Slice(matched, func(left, right int) bool { return matched[left].Version < matched[right].Version })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id %q: %v", raw, err)
	}
	return accountID
}

func mustCurrency(test *testing.T, raw string) Currency {
	test.Helper()
	currency, err := NewCurrency(raw)
	if err != nil {
		test.Fatalf("currency %q: %v", raw, err)
	}
	return currency
}

func mustAmount(test *testing.T, raw int64) Amount {
	test.Helper()
	amount, err := NewAmount(raw)
	if err != nil {
		test.Fatalf("amount %d: %v", raw, err)
	}
	return amount
}

func mustKey(test *testing.T, raw string) idempotency.Key {
	test.Helper()
	key, err := idempotency.NewKey(raw)
	if err != nil {
		test.Fatalf("key %q: %v", raw, err)
	}
	return key
}

func mustMetadata(test *testing.T, raw string) Metadata {
	test.Helper()
	metadata, err := NewMetadata(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}

func mustSeedAccount(test *testing.T, service *Service, store *stubStore, id string, currency string, balance int64, overdraft bool) AccountID {
	test.Helper()
	accountID := mustAccountID(test, id)
	if _, err := service.CreateAccount(context.Background(), accountID, mustCurrency(test, currency), overdraft); err != nil {
		test.Fatalf("create account %s: %v", id, err)
	}
	if balance != 0 {
		store.mutex.Lock()
		account := store.accounts[id]
		account.BalanceMinor = balance
		store.accounts[id] = account
		store.mutex.Unlock()
	}
	return accountID
}
