package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/easymo/txcore/pkg/eventlog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorSubjectEvent  = "event"
	errorSubjectStream = "stream"
	errorCodeVersion   = "next_version"
)

// eventStore implements eventlog.Store on the same GORM handle as Store.
type eventStore struct {
	db *gorm.DB
}

func (store *eventStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore eventlog.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &eventStore{db: transaction})
	})
}

// NextStreamVersion advances the stream head under a row lock, so concurrent
// appenders on one aggregate serialize and versions stay gapless.
func (store *eventStore) NextStreamVersion(ctx context.Context, aggregateID string, aggregateType string) (int64, error) {
	head, err := store.lockStreamHead(ctx, aggregateID, aggregateType)
	if err != nil {
		return 0, wrapStoreError(errorSubjectStream, errorCodeVersion, err)
	}
	next := head.Version + 1
	result := store.db.WithContext(ctx).
		Model(&EventStream{}).
		Where("aggregate_id = ?", aggregateID).
		Updates(map[string]interface{}{
			"version":    next,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectStream, errorCodeVersion, result.Error)
	}
	return next, nil
}

func (store *eventStore) lockStreamHead(ctx context.Context, aggregateID string, aggregateType string) (EventStream, error) {
	var head EventStream
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("aggregate_id = ?", aggregateID).
		Take(&head).Error
	if err == nil {
		return head, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return EventStream{}, err
	}
	create := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&EventStream{AggregateID: aggregateID, AggregateType: aggregateType, UpdatedAt: time.Now().UTC()})
	if create.Error != nil {
		return EventStream{}, create.Error
	}
	// Re-take with the lock: either our insert or the concurrent winner's.
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("aggregate_id = ?", aggregateID).
		Take(&head).Error
	if err != nil {
		return EventStream{}, err
	}
	return head, nil
}

func (store *eventStore) InsertEvent(ctx context.Context, event eventlog.Event) error {
	row := Event{
		EventID:       event.EventID,
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     event.EventType,
		Version:       event.Version,
		Payload:       event.Payload,
		CorrelationID: event.CorrelationID,
		CausationID:   event.CausationID,
		CreatedAt:     time.Unix(event.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, eventlog.ErrVersionConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func (store *eventStore) ListEvents(ctx context.Context, aggregateID string, fromVersion int64, limit int) ([]eventlog.Event, error) {
	var rows []Event
	err := store.db.WithContext(ctx).
		Where("aggregate_id = ? AND version >= ?", aggregateID, fromVersion).
		Order("version ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	events := make([]eventlog.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, eventlog.Event{
			EventID:        row.EventID,
			AggregateID:    row.AggregateID,
			AggregateType:  row.AggregateType,
			EventType:      row.EventType,
			Version:        row.Version,
			Payload:        row.Payload,
			CorrelationID:  row.CorrelationID,
			CausationID:    row.CausationID,
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return events, nil
}
