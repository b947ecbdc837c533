// Package worker runs the delivery loop: claim an item, gate it through the
// rate limiter, execute the registered handler and settle the claim. A
// background sweeper reclaims lapsed leases and expires guard records, rate
// windows and stuck conversation locks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/easymo/txcore/internal/metrics"
	"github.com/easymo/txcore/pkg/convlock"
	"github.com/easymo/txcore/pkg/idempotency"
	"github.com/easymo/txcore/pkg/queue"
	"github.com/easymo/txcore/pkg/throttle"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	defaultPollInterval  = time.Second
	defaultSweepInterval = 30 * time.Second
	defaultLockGrace     = int64(3)
	sweepBatchLimit      = 100
)

// Handler processes one claimed item. A nil return settles the claim as
// succeeded; an error counts as a failed attempt.
type Handler func(ctx context.Context, item queue.Item) error

// ThrottleRule bounds how often items of one queue run per subject. SubjectFn
// extracts the bucket subject from the item (sender, recipient, campaign).
type ThrottleRule struct {
	WindowSeconds int64
	Cap           int64
	SubjectFn     func(item queue.Item) string
}

// Config wires a Pool. Limiter, Guard and Locks are optional; absent
// dependencies disable the corresponding gate or sweep.
type Config struct {
	Queue         *queue.Queue
	Limiter       *throttle.Limiter
	Guard         *idempotency.Guard
	Locks         *convlock.Manager
	Logger        *zap.Logger
	WorkerID      string
	PollInterval  time.Duration
	SweepInterval time.Duration
}

// Pool drains registered queues until its context is cancelled.
type Pool struct {
	queue         *queue.Queue
	limiter       *throttle.Limiter
	guard         *idempotency.Guard
	locks         *convlock.Manager
	logger        *zap.Logger
	workerID      string
	pollInterval  time.Duration
	sweepInterval time.Duration
	handlers      map[string]Handler
	rules         map[string]ThrottleRule
}

// NewPool wires a Pool from config.
func NewPool(config Config) (*Pool, error) {
	if config.Queue == nil {
		return nil, errors.New("worker: queue dependency is nil")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.WorkerID == "" {
		config.WorkerID = "worker"
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaultSweepInterval
	}
	return &Pool{
		queue:         config.Queue,
		limiter:       config.Limiter,
		guard:         config.Guard,
		locks:         config.Locks,
		logger:        config.Logger,
		workerID:      config.WorkerID,
		pollInterval:  config.PollInterval,
		sweepInterval: config.SweepInterval,
		handlers:      map[string]Handler{},
		rules:         map[string]ThrottleRule{},
	}, nil
}

// Register binds handler to queueName. Must be called before Run.
func (pool *Pool) Register(queueName string, handler Handler) {
	pool.handlers[queueName] = handler
}

// Throttle attaches a rate limit rule to queueName. Claims denied by the rule
// return to pending without consuming an attempt.
func (pool *Pool) Throttle(queueName string, rule ThrottleRule) {
	pool.rules[queueName] = rule
}

// Run drains every registered queue until ctx is cancelled. One goroutine per
// queue plus the sweeper; Run returns after all of them stop.
func (pool *Pool) Run(ctx context.Context) error {
	done := make(chan struct{})
	running := 0
	for queueName := range pool.handlers {
		running++
		go func(name string) {
			defer func() { done <- struct{}{} }()
			pool.drainQueue(ctx, name)
		}(queueName)
	}
	running++
	go func() {
		defer func() { done <- struct{}{} }()
		pool.runSweeper(ctx)
	}()
	for finished := 0; finished < running; finished++ {
		<-done
	}
	return ctx.Err()
}

func (pool *Pool) drainQueue(ctx context.Context, queueName string) {
	for {
		processed, err := pool.runOnce(ctx, queueName)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			pool.logger.Error("queue loop error",
				zap.String("queue", queueName),
				zap.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pool.pollInterval):
		}
	}
}

// runOnce claims and settles at most one item. The bool reports whether a
// claim was made, so the caller knows to poll again immediately or back off.
func (pool *Pool) runOnce(ctx context.Context, queueName string) (bool, error) {
	item, err := pool.queue.ClaimNext(ctx, queueName, pool.workerID)
	if errors.Is(err, queue.ErrNoItem) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	metrics.QueueClaimsTotal.WithLabelValues(queueName).Inc()

	deferred, deferSeconds, err := pool.throttled(ctx, queueName, item)
	if err != nil {
		return true, err
	}
	if deferred {
		metrics.ThrottleRejectionsTotal.WithLabelValues(queueName).Inc()
		if err := pool.queue.Requeue(ctx, item.ItemID, item.ClaimToken, deferSeconds); err != nil {
			return true, err
		}
		pool.logger.Debug("item deferred by rate limit",
			zap.String("queue", queueName),
			zap.String("item_id", item.ItemID),
			zap.Int64("defer_seconds", deferSeconds))
		return true, nil
	}

	handler := pool.handlers[queueName]
	timer := prometheus.NewTimer(metrics.HandlerDuration.WithLabelValues(queueName))
	handlerErr := handler(ctx, item)
	timer.ObserveDuration()
	if handlerErr == nil {
		metrics.QueueCompletionsTotal.WithLabelValues(queueName).Inc()
		return true, pool.queue.Complete(ctx, item.ItemID, item.ClaimToken)
	}
	metrics.QueueFailuresTotal.WithLabelValues(queueName).Inc()
	pool.logger.Warn("handler failed",
		zap.String("queue", queueName),
		zap.String("item_id", item.ItemID),
		zap.Int("attempts", item.Attempts+1),
		zap.Error(handlerErr))
	if failErr := pool.queue.Fail(ctx, item.ItemID, item.ClaimToken, handlerErr); failErr != nil {
		return true, failErr
	}
	if item.Attempts+1 >= item.MaxAttempts {
		metrics.QueueDeadLettersTotal.WithLabelValues(queueName).Inc()
	}
	return true, nil
}

func (pool *Pool) throttled(ctx context.Context, queueName string, item queue.Item) (bool, int64, error) {
	rule, bound := pool.rules[queueName]
	if !bound || pool.limiter == nil {
		return false, 0, nil
	}
	subject := queueName
	if rule.SubjectFn != nil {
		subject = rule.SubjectFn(item)
	}
	bucketID := fmt.Sprintf("%s:%s", queueName, subject)
	admission, err := pool.limiter.TryConsume(ctx, bucketID, rule.WindowSeconds, rule.Cap)
	if err != nil {
		return false, 0, err
	}
	if admission.Allowed {
		return false, 0, nil
	}
	return true, rule.WindowSeconds, nil
}

func (pool *Pool) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(pool.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pool.sweep(ctx)
		}
	}
}

func (pool *Pool) sweep(ctx context.Context) {
	reclaimed, err := pool.queue.ReclaimExpired(ctx)
	if err != nil {
		pool.logger.Error("lease reclaim failed", zap.Error(err))
	} else if reclaimed > 0 {
		metrics.QueueReclaimedTotal.Add(float64(reclaimed))
		pool.logger.Info("reclaimed lapsed leases", zap.Int64("count", reclaimed))
	}
	if pool.guard != nil {
		if _, err := pool.guard.Sweep(ctx); err != nil {
			pool.logger.Error("idempotency sweep failed", zap.Error(err))
		}
	}
	if pool.limiter != nil {
		if _, err := pool.limiter.Sweep(ctx); err != nil {
			pool.logger.Error("throttle sweep failed", zap.Error(err))
		}
	}
	if pool.locks != nil {
		released, err := pool.locks.SweepStuck(ctx, defaultLockGrace, sweepBatchLimit)
		if err != nil {
			pool.logger.Error("stuck lock sweep failed", zap.Error(err))
		} else if released > 0 {
			metrics.LocksForceReleasedTotal.Add(float64(released))
			pool.logger.Warn("force-released stuck locks", zap.Int64("count", released))
		}
	}
}
