package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Event is an immutable audit record. (AggregateID, Version) is unique and
// versions are gapless per aggregate.
type Event struct {
	EventID        string
	AggregateID    string
	AggregateType  string
	EventType      string
	Version        int64
	Payload        []byte
	CorrelationID  string
	CausationID    string
	CreatedUnixUTC int64
}

// AppendInput carries the fields of a new event. CorrelationID and
// CausationID are optional.
type AppendInput struct {
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       []byte
	CorrelationID string
	CausationID   string
}

func (input AppendInput) validate() error {
	if strings.TrimSpace(input.AggregateID) == "" {
		return fmt.Errorf("%w: empty aggregate id", ErrInvalidAggregateID)
	}
	if strings.TrimSpace(input.AggregateType) == "" {
		return fmt.Errorf("%w: empty aggregate type", ErrInvalidAggregateType)
	}
	if strings.TrimSpace(input.EventType) == "" {
		return fmt.Errorf("%w: empty event type", ErrInvalidEventType)
	}
	if len(input.Payload) > 0 && !json.Valid(input.Payload) {
		return fmt.Errorf("%w: payload must be valid json", ErrInvalidPayload)
	}
	return nil
}

// Store is the persistence contract used by Log. NextStreamVersion must
// serialize concurrent appenders on the same aggregate (row lock on the
// stream head) so versions stay gapless.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	NextStreamVersion(ctx context.Context, aggregateID string, aggregateType string) (int64, error)
	InsertEvent(ctx context.Context, event Event) error
	ListEvents(ctx context.Context, aggregateID string, fromVersion int64, limit int) ([]Event, error)
}
