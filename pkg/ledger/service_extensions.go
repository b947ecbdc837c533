package ledger

import (
	"context"
	"encoding/json"

	"github.com/easymo/txcore/pkg/eventlog"
	"github.com/easymo/txcore/pkg/idempotency"
	"github.com/google/uuid"
)

// CreateAccount provisions a balance holder. Accounts are created explicitly
// (not on first touch) because the overdraft class must be declared up front.
func (service *Service) CreateAccount(ctx context.Context, accountID AccountID, currency Currency, allowOverdraft bool) (Account, error) {
	nowUnixUTC := service.nowFn()
	account := Account{
		AccountID:      accountID.String(),
		Currency:       currency.String(),
		AllowOverdraft: allowOverdraft,
		CreatedUnixUTC: nowUnixUTC,
		UpdatedUnixUTC: nowUnixUTC,
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.CreateAccount(ctx, account); err != nil {
			return err
		}
		eventLog, err := eventlog.NewLog(transactionStore.Events(), service.nowFn)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(map[string]any{
			"currency":        account.Currency,
			"allow_overdraft": account.AllowOverdraft,
		})
		if err != nil {
			return err
		}
		_, err = eventLog.Append(ctx, eventlog.AppendInput{
			AggregateID:   account.AccountID,
			AggregateType: aggregateTypeAccount,
			EventType:     eventAccountCreated,
			Payload:       payload,
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCreateAccount,
		AccountID: accountID,
		Error:     operationError,
	})
	if operationError != nil {
		return Account{}, operationError
	}
	return account, nil
}

// Credit applies a single-sided positive adjustment (e.g. a promotional
// grant) using the same locking and idempotency discipline as Transfer.
func (service *Service) Credit(ctx context.Context, accountID AccountID, amount Amount, key idempotency.Key, metadata Metadata) (Receipt, error) {
	return service.adjust(ctx, operationCredit, eventCredited, accountID, amount.Minor(), key, metadata)
}

// Debit applies a single-sided negative adjustment. Accounts without the
// overdraft flag may not go below zero.
func (service *Service) Debit(ctx context.Context, accountID AccountID, amount Amount, key idempotency.Key, metadata Metadata) (Receipt, error) {
	return service.adjust(ctx, operationDebit, eventDebited, accountID, -amount.Minor(), key, metadata)
}

func (service *Service) adjust(ctx context.Context, operation string, eventType string, accountID AccountID, deltaMinor int64, key idempotency.Key, metadata Metadata) (Receipt, error) {
	var receipt Receipt
	var replayed bool
	requestHash := requestFingerprint(operation, accountID.String(), deltaMinor)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		guard, err := idempotency.NewGuard(transactionStore.Idempotency(), service.nowFn)
		if err != nil {
			return err
		}
		decision, err := guard.Begin(ctx, key, requestHash)
		if err != nil {
			return err
		}
		if decision.Replayed {
			replayed = true
			return json.Unmarshal(decision.Result, &receipt)
		}
		account, err := transactionStore.GetAccountForUpdate(ctx, accountID.String())
		if err != nil {
			return err
		}
		balanceAfter := account.BalanceMinor + deltaMinor
		if balanceAfter < 0 && !account.AllowOverdraft {
			return ErrInsufficientFunds
		}
		nowUnixUTC := service.nowFn()
		entry := Entry{
			EntryID:           uuid.NewString(),
			AccountID:         account.AccountID,
			AmountMinor:       deltaMinor,
			BalanceAfterMinor: balanceAfter,
			IdempotencyKey:    key.String(),
			MetadataJSON:      metadata.String(),
			CreatedUnixUTC:    nowUnixUTC,
		}
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		if err := transactionStore.UpdateAccountBalance(ctx, account.AccountID, balanceAfter, nowUnixUTC); err != nil {
			return err
		}
		receipt = Receipt{EntryID: entry.EntryID, BalanceMinor: balanceAfter}
		encoded, err := json.Marshal(receipt)
		if err != nil {
			return err
		}
		if err := guard.Commit(ctx, key, encoded); err != nil {
			return err
		}
		eventLog, err := eventlog.NewLog(transactionStore.Events(), service.nowFn)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(map[string]any{
			"amount_minor": deltaMinor,
			"entry_id":     entry.EntryID,
		})
		if err != nil {
			return err
		}
		_, err = eventLog.Append(ctx, eventlog.AppendInput{
			AggregateID:   account.AccountID,
			AggregateType: aggregateTypeAccount,
			EventType:     eventType,
			Payload:       payload,
			CorrelationID: key.String(),
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operation,
		AccountID:   accountID,
		AmountMinor: deltaMinor,
		Key:         key,
		Replayed:    replayed,
		Error:       operationError,
	})
	if operationError != nil {
		return Receipt{}, operationError
	}
	return receipt, nil
}

// Balance reads the current balance, consistent with the latest committed entry.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (int64, error) {
	account, err := service.store.GetAccount(ctx, accountID.String())
	if err != nil {
		return 0, err
	}
	return account.BalanceMinor, nil
}

// ListEntries lists ledger entries for an account before a cutoff time,
// newest first.
func (service *Service) ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	return service.store.ListEntries(ctx, accountID.String(), beforeUnixUTC, limit)
}
