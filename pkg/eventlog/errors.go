package eventlog

import (
	"fmt"

	"github.com/easymo/txcore/pkg/txcore"
)

// Domain-level error values returned by the event log.
var (
	ErrInvalidAggregateID   = fmt.Errorf("%w: invalid aggregate id", txcore.ErrValidation)
	ErrInvalidAggregateType = fmt.Errorf("%w: invalid aggregate type", txcore.ErrValidation)
	ErrInvalidEventType     = fmt.Errorf("%w: invalid event type", txcore.ErrValidation)
	ErrInvalidPayload       = fmt.Errorf("%w: invalid event payload", txcore.ErrValidation)
	ErrInvalidConfig        = fmt.Errorf("%w: invalid event log config", txcore.ErrValidation)
	ErrVersionConflict      = fmt.Errorf("%w: concurrent append on aggregate", txcore.ErrTransient)
)
