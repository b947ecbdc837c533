package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/easymo/txcore/pkg/eventlog"
	"github.com/easymo/txcore/pkg/idempotency"
	"github.com/easymo/txcore/pkg/ledger"
	"github.com/easymo/txcore/pkg/queue"
	"github.com/easymo/txcore/pkg/txcore"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore = "store"
	errorSubjectAccount = "account"
	errorSubjectEntry   = "entry"
	errorCodeCreate     = "create"
	errorCodeGet        = "get"
	errorCodeInsert     = "insert"
	errorCodeList       = "list"
	errorCodeUpdate     = "update"
)

// Store implements ledger.Store, idempotency.Store, throttle.Store and
// convlock.Store on one GORM handle. The event log and queue views hang off
// Events and Queue because their contracts carry their own WithTx.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction. Nested calls collapse into the
// ambient transaction via savepoints.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// Idempotency exposes the guard records bound to the same handle, so guard
// writes commit atomically with ledger rows inside WithTx.
func (store *Store) Idempotency() idempotency.Store {
	return store
}

// Events exposes the event log bound to the same handle.
func (store *Store) Events() eventlog.Store {
	return &eventStore{db: store.db}
}

// Queue exposes the delivery queue bound to the same handle.
func (store *Store) Queue() queue.Store {
	return &queueStore{db: store.db}
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	row := Account{
		AccountID:      account.AccountID,
		Currency:       account.Currency,
		BalanceMinor:   account.BalanceMinor,
		AllowOverdraft: account.AllowOverdraft,
		CreatedAt:      time.Unix(account.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:      time.Unix(account.UpdatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, ledger.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, accountID string) (ledger.Account, error) {
	return store.getAccount(ctx, accountID, false)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, accountID string) (ledger.Account, error) {
	return store.getAccount(ctx, accountID, true)
}

func (store *Store) getAccount(ctx context.Context, accountID string, forUpdate bool) (ledger.Account, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row Account
	err := query.Where("account_id = ?", accountID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUnknownAccount)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return ledger.Account{
		AccountID:      row.AccountID,
		Currency:       row.Currency,
		BalanceMinor:   row.BalanceMinor,
		AllowOverdraft: row.AllowOverdraft,
		CreatedUnixUTC: row.CreatedAt.Unix(),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}, nil
}

func (store *Store) UpdateAccountBalance(ctx context.Context, accountID string, balanceMinor int64, updatedUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"balance_minor": balanceMinor,
			"updated_at":    time.Unix(updatedUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	row := LedgerEntry{
		EntryID:           entry.EntryID,
		AccountID:         entry.AccountID,
		AmountMinor:       entry.AmountMinor,
		BalanceAfterMinor: entry.BalanceAfterMinor,
		IdempotencyKey:    entry.IdempotencyKey,
		Metadata:          datatypesJSON(entry.MetadataJSON),
		CreatedAt:         time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, ledger.Entry{
			EntryID:           row.EntryID,
			AccountID:         row.AccountID,
			AmountMinor:       row.AmountMinor,
			BalanceAfterMinor: row.BalanceAfterMinor,
			IdempotencyKey:    row.IdempotencyKey,
			MetadataJSON:      string(row.Metadata),
			CreatedUnixUTC:    row.CreatedAt.Unix(),
		})
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return txcore.WrapError(errorOperationStore, subject, code, err)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
