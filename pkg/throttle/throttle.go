package throttle

import (
	"context"
	"fmt"
	"strings"

	"github.com/easymo/txcore/pkg/txcore"
)

const (
	errorOperationThrottle = "throttle"
	errorSubjectCounter    = "counter"
	errorCodeConsume       = "consume"
	errorCodeSweep         = "sweep"
)

// Domain-level error values returned by the limiter.
var (
	ErrInvalidBucketID = fmt.Errorf("%w: invalid bucket id", txcore.ErrValidation)
	ErrInvalidWindow   = fmt.Errorf("%w: window seconds must be positive", txcore.ErrValidation)
	ErrInvalidCap      = fmt.Errorf("%w: cap must be positive", txcore.ErrValidation)
	ErrInvalidConfig   = fmt.Errorf("%w: invalid limiter config", txcore.ErrValidation)
)

// Admission is the outcome of TryConsume. Count is the number of admissions
// in the current window, including this one when allowed.
type Admission struct {
	Allowed bool
	Count   int64
}

// Counter is one fixed-window bucket row.
type Counter struct {
	BucketID           string
	WindowStartUnixUTC int64
	Count              int64
	Cap                int64
	ExpiresAtUnixUTC   int64
}

// Store is the persistence contract used by Limiter. TryIncrementWindow must
// increment-and-compare in one atomic operation: the count is never pushed
// past cap, and the increment is visible to concurrent callers before the
// comparison is finalized.
type Store interface {
	TryIncrementWindow(ctx context.Context, bucketID string, windowStartUnixUTC int64, expiresAtUnixUTC int64, cap int64) (Admission, error)
	DeleteExpiredWindows(ctx context.Context, nowUnixUTC int64) (int64, error)
}

// Limiter bounds operation frequency per subject with fixed-window counters
// kept as durable rows, so the bound holds across worker processes.
type Limiter struct {
	store Store
	nowFn func() int64
}

// NewLimiter wires a Limiter.
func NewLimiter(store Store, now func() int64) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidConfig)
	}
	return &Limiter{store: store, nowFn: now}, nil
}

// TryConsume admits one operation for bucketID within the current fixed
// window of windowSeconds, bounded by cap. Expired windows are not touched
// on this path; a new window simply starts a fresh counter.
func (limiter *Limiter) TryConsume(ctx context.Context, bucketID string, windowSeconds int64, cap int64) (Admission, error) {
	if strings.TrimSpace(bucketID) == "" {
		return Admission{}, ErrInvalidBucketID
	}
	if windowSeconds <= 0 {
		return Admission{}, ErrInvalidWindow
	}
	if cap <= 0 {
		return Admission{}, ErrInvalidCap
	}
	nowUnixUTC := limiter.nowFn()
	windowStart := nowUnixUTC - nowUnixUTC%windowSeconds
	expiresAt := windowStart + windowSeconds
	admission, err := limiter.store.TryIncrementWindow(ctx, bucketID, windowStart, expiresAt, cap)
	if err != nil {
		return Admission{}, txcore.WrapError(errorOperationThrottle, errorSubjectCounter, errorCodeConsume, err)
	}
	return admission, nil
}

// Sweep removes rows whose window has expired. Lazy expiry makes this purely
// housekeeping.
func (limiter *Limiter) Sweep(ctx context.Context) (int64, error) {
	deleted, err := limiter.store.DeleteExpiredWindows(ctx, limiter.nowFn())
	if err != nil {
		return 0, txcore.WrapError(errorOperationThrottle, errorSubjectCounter, errorCodeSweep, err)
	}
	return deleted, nil
}
