package ledger

import (
	"fmt"

	"github.com/easymo/txcore/pkg/txcore"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds    = fmt.Errorf("%w: account balance too low", txcore.ErrInsufficientFunds)
	ErrUnknownAccount       = fmt.Errorf("%w: unknown account", txcore.ErrValidation)
	ErrAccountExists        = fmt.Errorf("%w: account already exists", txcore.ErrConflict)
	ErrSameAccount          = fmt.Errorf("%w: transfer endpoints must differ", txcore.ErrValidation)
	ErrCurrencyMismatch     = fmt.Errorf("%w: transfer endpoints hold different currencies", txcore.ErrValidation)
	ErrInvalidAccountID     = fmt.Errorf("%w: invalid account id", txcore.ErrValidation)
	ErrInvalidCurrency      = fmt.Errorf("%w: invalid currency", txcore.ErrValidation)
	ErrInvalidAmount        = fmt.Errorf("%w: invalid amount", txcore.ErrValidation)
	ErrInvalidMetadata      = fmt.Errorf("%w: invalid metadata json", txcore.ErrValidation)
	ErrInvalidServiceConfig = fmt.Errorf("%w: invalid service config", txcore.ErrValidation)
)
