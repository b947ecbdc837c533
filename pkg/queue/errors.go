package queue

import (
	"errors"
	"fmt"

	"github.com/easymo/txcore/pkg/txcore"
)

// Domain-level error values returned by the queue.
var (
	// ErrNoItem signals an empty claim, not a failure.
	ErrNoItem = errors.New("no claimable item")

	ErrInvalidQueueName = fmt.Errorf("%w: invalid queue name", txcore.ErrValidation)
	ErrInvalidItem      = fmt.Errorf("%w: invalid queue item", txcore.ErrValidation)
	ErrInvalidConfig    = fmt.Errorf("%w: invalid queue config", txcore.ErrValidation)
	ErrUnknownItem      = fmt.Errorf("%w: unknown queue item", txcore.ErrValidation)
	ErrDuplicateItem    = fmt.Errorf("%w: idempotency key already enqueued", txcore.ErrConflict)
	ErrStaleClaim       = fmt.Errorf("%w: claim token mismatch or lease expired", txcore.ErrConflict)
	ErrNotDead          = fmt.Errorf("%w: item is not dead-lettered", txcore.ErrValidation)
	ErrDeadLettered     = fmt.Errorf("%w: item moved to dead letter", txcore.ErrExhaustedRetries)
)
