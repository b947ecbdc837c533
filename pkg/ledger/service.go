package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/easymo/txcore/pkg/eventlog"
	"github.com/easymo/txcore/pkg/idempotency"
	"github.com/google/uuid"
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Transfer moves amount from one account to another atomically. Retried
// submissions with the same idempotency key replay the first result without
// writing new entries. Account rows are locked in ascending id order so
// concurrent opposite-direction transfers cannot deadlock.
func (service *Service) Transfer(ctx context.Context, from AccountID, to AccountID, amount Amount, key idempotency.Key, metadata Metadata) (TransferResult, error) {
	var result TransferResult
	var replayed bool
	operationError := func() error {
		if from == to {
			return ErrSameAccount
		}
		requestHash := requestFingerprint(operationTransfer, from.String(), to.String(), amount.Minor())
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
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
				return json.Unmarshal(decision.Result, &result)
			}
			fromAccount, toAccount, err := lockAccountPair(ctx, transactionStore, from, to)
			if err != nil {
				return err
			}
			if fromAccount.Currency != toAccount.Currency {
				return ErrCurrencyMismatch
			}
			if !fromAccount.AllowOverdraft && fromAccount.BalanceMinor < amount.Minor() {
				return ErrInsufficientFunds
			}
			nowUnixUTC := service.nowFn()
			debitEntry := Entry{
				EntryID:           uuid.NewString(),
				AccountID:         fromAccount.AccountID,
				AmountMinor:       -amount.Minor(),
				BalanceAfterMinor: fromAccount.BalanceMinor - amount.Minor(),
				IdempotencyKey:    key.String(),
				MetadataJSON:      metadata.String(),
				CreatedUnixUTC:    nowUnixUTC,
			}
			creditEntry := Entry{
				EntryID:           uuid.NewString(),
				AccountID:         toAccount.AccountID,
				AmountMinor:       amount.Minor(),
				BalanceAfterMinor: toAccount.BalanceMinor + amount.Minor(),
				IdempotencyKey:    key.String(),
				MetadataJSON:      metadata.String(),
				CreatedUnixUTC:    nowUnixUTC,
			}
			if err := transactionStore.InsertEntry(ctx, debitEntry); err != nil {
				return err
			}
			if err := transactionStore.InsertEntry(ctx, creditEntry); err != nil {
				return err
			}
			if err := transactionStore.UpdateAccountBalance(ctx, fromAccount.AccountID, debitEntry.BalanceAfterMinor, nowUnixUTC); err != nil {
				return err
			}
			if err := transactionStore.UpdateAccountBalance(ctx, toAccount.AccountID, creditEntry.BalanceAfterMinor, nowUnixUTC); err != nil {
				return err
			}
			result = TransferResult{
				FromBalanceMinor: debitEntry.BalanceAfterMinor,
				ToBalanceMinor:   creditEntry.BalanceAfterMinor,
				DebitEntryID:     debitEntry.EntryID,
				CreditEntryID:    creditEntry.EntryID,
			}
			encoded, err := json.Marshal(result)
			if err != nil {
				return err
			}
			if err := guard.Commit(ctx, key, encoded); err != nil {
				return err
			}
			return service.appendTransferEvents(ctx, transactionStore, key, debitEntry, creditEntry)
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:     operationTransfer,
		AccountID:     from,
		PeerAccountID: to,
		AmountMinor:   amount.Minor(),
		Key:           key,
		Replayed:      replayed,
		Error:         operationError,
	})
	if operationError != nil {
		return TransferResult{}, operationError
	}
	return result, nil
}

func (service *Service) appendTransferEvents(ctx context.Context, transactionStore Store, key idempotency.Key, debitEntry Entry, creditEntry Entry) error {
	eventLog, err := eventlog.NewLog(transactionStore.Events(), service.nowFn)
	if err != nil {
		return err
	}
	debitPayload, err := json.Marshal(map[string]any{
		"peer_account_id": creditEntry.AccountID,
		"amount_minor":    debitEntry.AmountMinor,
		"entry_id":        debitEntry.EntryID,
	})
	if err != nil {
		return err
	}
	if _, err := eventLog.Append(ctx, eventlog.AppendInput{
		AggregateID:   debitEntry.AccountID,
		AggregateType: aggregateTypeAccount,
		EventType:     eventTransferDebited,
		Payload:       debitPayload,
		CorrelationID: key.String(),
	}); err != nil {
		return err
	}
	creditPayload, err := json.Marshal(map[string]any{
		"peer_account_id": debitEntry.AccountID,
		"amount_minor":    creditEntry.AmountMinor,
		"entry_id":        creditEntry.EntryID,
	})
	if err != nil {
		return err
	}
	_, err = eventLog.Append(ctx, eventlog.AppendInput{
		AggregateID:   creditEntry.AccountID,
		AggregateType: aggregateTypeAccount,
		EventType:     eventTransferCredited,
		Payload:       creditPayload,
		CorrelationID: key.String(),
	})
	return err
}

// lockAccountPair locks both rows in ascending account id order and returns
// them mapped back to (from, to).
func lockAccountPair(ctx context.Context, transactionStore Store, from AccountID, to AccountID) (Account, Account, error) {
	firstID, secondID := from.String(), to.String()
	if strings.Compare(firstID, secondID) > 0 {
		firstID, secondID = secondID, firstID
	}
	first, err := transactionStore.GetAccountForUpdate(ctx, firstID)
	if err != nil {
		return Account{}, Account{}, err
	}
	second, err := transactionStore.GetAccountForUpdate(ctx, secondID)
	if err != nil {
		return Account{}, Account{}, err
	}
	if first.AccountID == from.String() {
		return first, second, nil
	}
	return second, first, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// requestFingerprint hashes the business payload of an operation so key
// reuse with a different payload is detectable as a conflict.
func requestFingerprint(operation string, parts ...any) string {
	hasher := sha256.New()
	hasher.Write([]byte(operation))
	for _, part := range parts {
		hasher.Write([]byte{0})
		switch value := part.(type) {
		case string:
			hasher.Write([]byte(value))
		case int64:
			hasher.Write([]byte(strconv.FormatInt(value, 10)))
		default:
			hasher.Write([]byte(fmt.Sprint(value)))
		}
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
