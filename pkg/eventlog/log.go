package eventlog

import (
	"context"
	"fmt"

	"github.com/easymo/txcore/pkg/txcore"
	"github.com/google/uuid"
)

const (
	defaultStreamBatchSize = 100

	errorOperationEventLog = "eventlog"
	errorSubjectEvent      = "event"
	errorSubjectStream     = "stream"
	errorCodeAppend        = "append"
	errorCodeRead          = "read"
)

// Log appends versioned events and reads them back per aggregate. It is an
// audit/replay trail, not the source of truth for current state.
type Log struct {
	store Store
	nowFn func() int64
}

// NewLog wires a Log.
func NewLog(store Store, now func() int64) (*Log, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidConfig)
	}
	return &Log{store: store, nowFn: now}, nil
}

// Append writes the next event of the aggregate's stream. Version assignment
// and the event insert happen in one transaction, so versions are gapless
// even under concurrent appenders. When called inside an ambient store
// transaction the nested transaction collapses into it.
func (log *Log) Append(ctx context.Context, input AppendInput) (Event, error) {
	if err := input.validate(); err != nil {
		return Event{}, err
	}
	var appended Event
	operationError := log.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		version, err := txStore.NextStreamVersion(ctx, input.AggregateID, input.AggregateType)
		if err != nil {
			return err
		}
		appended = Event{
			EventID:        uuid.NewString(),
			AggregateID:    input.AggregateID,
			AggregateType:  input.AggregateType,
			EventType:      input.EventType,
			Version:        version,
			Payload:        input.Payload,
			CorrelationID:  input.CorrelationID,
			CausationID:    input.CausationID,
			CreatedUnixUTC: log.nowFn(),
		}
		return txStore.InsertEvent(ctx, appended)
	})
	if operationError != nil {
		return Event{}, txcore.WrapError(errorOperationEventLog, errorSubjectEvent, errorCodeAppend, operationError)
	}
	return appended, nil
}

// ReadStream returns a restartable cursor over the aggregate's events,
// ordered by version ascending, starting at fromVersion (inclusive).
func (log *Log) ReadStream(aggregateID string, fromVersion int64) *StreamCursor {
	if fromVersion < 1 {
		fromVersion = 1
	}
	return &StreamCursor{
		log:         log,
		aggregateID: aggregateID,
		nextVersion: fromVersion,
		batchSize:   defaultStreamBatchSize,
	}
}

// StreamCursor pages through one aggregate's events lazily. Next returns an
// empty batch once the stream is exhausted; calling Next again picks up
// events appended in the meantime, which makes the cursor restartable.
type StreamCursor struct {
	log         *Log
	aggregateID string
	nextVersion int64
	batchSize   int
}

// Next returns the next batch of events.
func (cursor *StreamCursor) Next(ctx context.Context) ([]Event, error) {
	events, err := cursor.log.store.ListEvents(ctx, cursor.aggregateID, cursor.nextVersion, cursor.batchSize)
	if err != nil {
		return nil, txcore.WrapError(errorOperationEventLog, errorSubjectStream, errorCodeRead, err)
	}
	if len(events) > 0 {
		cursor.nextVersion = events[len(events)-1].Version + 1
	}
	return events, nil
}
