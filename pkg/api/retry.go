package api

import (
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strconv"
	"time"
)

// StepSemantics selects how an interrupted attempt is accounted when the
// execution is replayed after a crash.
type StepSemantics int

const (
	// AtMostOncePerRetry charges an attempt the moment it is dispatched.
	// If the process dies between dispatch and the result checkpoint, the
	// interrupted attempt is not repeated: replay advances the attempt
	// counter through the retry policy instead. This is the default.
	AtMostOncePerRetry StepSemantics = iota

	// AtLeastOncePerRetry re-runs an interrupted attempt under the same
	// attempt number. Use for idempotent side effects where a duplicate
	// call is cheaper than a lost one.
	AtLeastOncePerRetry
)

// RetryPolicy controls how a failed operation attempt is retried.
//
// MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// The delay before attempt n+1 is InitialBackoff * BackoffMultiplier^(n-1),
// capped at MaxBackoff. A multiplier of 1 gives a fixed delay. With Jitter
// the delay is randomized within [delay/2, delay], seeded from the
// execution ID, operation path and attempt number so that replays compute
// the identical delay without consulting the wall clock.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	Jitter            bool

	// RetryOn, if non-empty, is an allow-list of error kinds that may be
	// retried. When empty, transient and timeout failures are retryable.
	RetryOn []ErrorKind

	// NoRetryOn is a deny-list and wins over RetryOn. Unrecoverable and
	// divergence failures are never retried no matter what.
	NoRetryOn []ErrorKind
}

// Evaluate decides whether the attempt that just failed (1-based) should be
// retried, and after what delay. It is a pure function of its arguments:
// given the same execution ID, path, error kind and attempt it always
// returns the same answer, which keeps replays deterministic.
func (p *RetryPolicy) Evaluate(executionID, path string, err error, attempt int) (bool, time.Duration) {
	if p == nil {
		return false, 0
	}
	kind := KindOf(err)
	if kind == ErrorUnrecoverable || kind == ErrorDivergence {
		return false, 0
	}
	for _, k := range p.NoRetryOn {
		if k == kind {
			return false, 0
		}
	}
	if len(p.RetryOn) > 0 {
		allowed := false
		for _, k := range p.RetryOn {
			if k == kind {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, 0
		}
	} else if kind != ErrorTransient && kind != ErrorTimeout {
		return false, 0
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if attempt >= maxAttempts {
		return false, 0
	}
	return true, p.delay(executionID, path, attempt)
}

func (p *RetryPolicy) delay(executionID, path string, attempt int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	rate := p.BackoffMultiplier
	if rate <= 0 {
		rate = 2
	}
	d := time.Duration(float64(p.InitialBackoff) * math.Pow(rate, float64(attempt-1)))
	if d <= 0 || (p.MaxBackoff > 0 && d > p.MaxBackoff) {
		// Overflowed or capped.
		d = p.MaxBackoff
		if d <= 0 {
			d = p.InitialBackoff
		}
	}
	if p.Jitter && d > 1 {
		rng := replayRand(executionID, path, attempt)
		half := int64(d) / 2
		d = time.Duration(half + rng.Int64N(half+1))
	}
	return d
}

// replayRand builds a deterministic RNG for one (execution, path, attempt)
// triple. Both replays of an interrupted execution and the evaluator tests
// rely on this being stable across processes.
func replayRand(executionID, path string, attempt int) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(executionID))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(attempt)))
	seed := h.Sum64()
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
