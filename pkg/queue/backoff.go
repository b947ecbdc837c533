package queue

import "math/rand/v2"

const (
	defaultBackoffBaseSeconds int64 = 5
	defaultBackoffCapSeconds  int64 = 15 * 60
)

// BackoffPolicy computes retry delays: base * 2^attempts, capped, plus
// randomized jitter so a burst of failures does not retry in lockstep.
type BackoffPolicy struct {
	BaseSeconds int64
	CapSeconds  int64
	jitterFn    func(maxExclusive int64) int64
}

// DefaultBackoffPolicy returns the policy used when none is configured.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{BaseSeconds: defaultBackoffBaseSeconds, CapSeconds: defaultBackoffCapSeconds}
}

// NextDelaySeconds returns the delay before retry number attempts (1-based
// count of finished attempts).
func (policy BackoffPolicy) NextDelaySeconds(attempts int) int64 {
	base := policy.BaseSeconds
	if base <= 0 {
		base = defaultBackoffBaseSeconds
	}
	cap := policy.CapSeconds
	if cap <= 0 {
		cap = defaultBackoffCapSeconds
	}
	delay := base
	for i := 0; i < attempts; i++ {
		if delay >= cap {
			delay = cap
			break
		}
		delay *= 2
	}
	if delay > cap {
		delay = cap
	}
	jitterRange := delay/2 + 1
	jitter := policy.jitter(jitterRange)
	if delay+jitter > cap {
		return cap
	}
	return delay + jitter
}

func (policy BackoffPolicy) jitter(maxExclusive int64) int64 {
	if maxExclusive <= 1 {
		return 0
	}
	if policy.jitterFn != nil {
		return policy.jitterFn(maxExclusive)
	}
	return rand.Int64N(maxExclusive)
}
