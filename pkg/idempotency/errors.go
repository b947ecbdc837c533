package idempotency

import (
	"fmt"

	"github.com/easymo/txcore/pkg/txcore"
)

// Domain-level error values returned by the guard.
var (
	ErrInvalidKey       = fmt.Errorf("%w: invalid idempotency key", txcore.ErrValidation)
	ErrKeyExists        = fmt.Errorf("%w: idempotency key exists", txcore.ErrConflict)
	ErrKeyReused        = fmt.Errorf("%w: idempotency key reused with a different request", txcore.ErrConflict)
	ErrInProgress       = fmt.Errorf("%w: first run for this idempotency key has not committed yet", txcore.ErrTransient)
	ErrUnknownKey       = fmt.Errorf("%w: no pending record for idempotency key", txcore.ErrConflict)
	ErrAlreadyCommitted = fmt.Errorf("%w: idempotency key committed twice", txcore.ErrConflict)
	ErrInvalidConfig    = fmt.Errorf("%w: invalid guard config", txcore.ErrValidation)
)
