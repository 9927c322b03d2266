package saga

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/avast/retry-go/v4"

	"saga/event"
)

// stepSettings are the effective execution limits of one step.
type stepSettings struct {
	timeout      time.Duration
	maxRetries   int
	interval     time.Duration
	maxInterval  time.Duration
	inFlightSafe bool
}

func resolveStepSettings(cfg Config, step Step) stepSettings {
	s := stepSettings{
		timeout:     cfg.StepTimeout,
		maxRetries:  cfg.MaxRetries,
		interval:    cfg.RetryInterval,
		maxInterval: cfg.RetryMaxInterval,
	}
	if sc := step.Config(); sc != nil {
		if sc.Timeout > 0 {
			s.timeout = sc.Timeout
		}
		if sc.MaxRetries > 0 {
			s.maxRetries = sc.MaxRetries
		} else if sc.MaxRetries < 0 {
			s.maxRetries = 0
		}
		if sc.RetryInterval > 0 {
			s.interval = sc.RetryInterval
		}
		s.inFlightSafe = sc.InFlightSafe
	}
	return s
}

// backoff returns the delay before retry n (0-based), matching retry.BackOffDelay.
func (s stepSettings) backoff(n int) time.Duration {
	if s.interval <= 0 {
		return 0
	}
	// The shift is capped so the delay cannot overflow.
	if limit := 63 - bits.Len64(uint64(s.interval)); n > limit {
		n = limit
	}
	d := s.interval << n
	if s.maxInterval > 0 && d > s.maxInterval {
		return s.maxInterval
	}
	return d
}

// worstCase is the longest a step can take with every attempt timing out.
func (s stepSettings) worstCase() time.Duration {
	total := s.timeout * time.Duration(s.maxRetries+1)
	for n := 0; n < s.maxRetries; n++ {
		total += s.backoff(n)
	}
	return total
}

// WorstCaseDuration returns how long the forward step chain of def can run
// when every attempt of every step times out.
func WorstCaseDuration(cfg Config, def *Definition) time.Duration {
	return worstCaseFrom(cfg, def, 0)
}

// worstCaseFrom is WorstCaseDuration for the steps from index from onward.
func worstCaseFrom(cfg Config, def *Definition, from int) time.Duration {
	var total time.Duration
	for _, step := range def.steps[min(max(from, 0), len(def.steps)):] {
		total += resolveStepSettings(cfg, step).worstCase()
	}
	return total
}

// retryable decides whether a failed attempt is tried again.
func (s stepSettings) retryable(res Result, compensating bool) bool {
	kind := res.Kind()
	if retryableKinds[kind] {
		return true
	}
	// A timed-out forward call may still have taken effect; only steps that
	// key the external call can safely repeat it. Rollbacks must be idempotent.
	return kind == KindTimeout && (s.inFlightSafe || compensating)
}

// tripsBreaker reports whether a failure counts against the step's circuit.
// Business outcomes say nothing about the health of the collaborator.
func tripsBreaker(kind ErrorKind) bool {
	switch kind {
	case "", KindValidation, KindBusiness, KindRejected, KindCancelled:
		return false
	default:
		return true
	}
}

// run executes action for step with retries, a per-attempt timeout, panic
// recovery and the optional circuit breaker. It always returns a normalized
// result carrying the attempt count.
func (w *Workflow) run(ctx context.Context, step Step, action StepFunc, compensating bool) Result {
	name := step.Name()
	settings := resolveStepSettings(w.rt.config, step)

	var (
		last     Result
		attempts int
	)
	err := retry.Do(
		func() error {
			attempts++
			last = w.invoke(ctx, step, action, attempts, settings)
			return last.Err()
		},
		retry.Attempts(uint(settings.maxRetries+1)),
		retry.Delay(settings.interval),
		retry.MaxDelay(settings.maxInterval),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(error) bool {
			return settings.retryable(last, compensating)
		}),
		retry.OnRetry(func(n uint, err error) {
			if int(n) >= settings.maxRetries {
				return
			}
			w.rt.metrics.StepRetried(w.rec.Type, name)
			w.rt.logger.Warn().
				Err(err).
				Str("saga_id", w.rec.ID).
				Str("step", name).
				Uint("attempt", n+1).
				Bool("rollback", compensating).
				Msg("step attempt failed, retrying")
			w.publish(ctx, w.newEvent(event.EventStepRetrying).
				WithStepName(name).
				WithData("attempt", n+1).
				WithError(err))
		}),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if attempts == 0 {
		// The context ended before the first attempt.
		switch {
		case ctx.Err() != nil:
			last = FailWith(ctx.Err())
		case err != nil:
			last = FailWith(err)
		default:
			last = Fail(KindCancelled, "step was not attempted")
		}
	}

	last = last.normalize(name)
	last.Attempts = attempts
	return last
}

// invoke runs a single attempt.
func (w *Workflow) invoke(ctx context.Context, step Step, action StepFunc, attempt int, settings stepSettings) Result {
	sc := w.stepContext(step.Name(), attempt, settings.maxRetries+1)

	var (
		res Result
		ran bool
	)
	call := func() error {
		ran = true
		res = callWithTimeout(ctx, step.Name(), action, sc, settings.timeout)
		if tripsBreaker(res.Kind()) {
			return res.Err()
		}
		return nil
	}

	if w.rt.breaker == nil {
		call()
		return res
	}
	err := w.rt.breaker.Get(step.Name()).Execute(ctx, call)
	if !ran {
		return FailWith(err)
	}
	return res
}

// callWithTimeout runs action on its own goroutine so a step that ignores its
// context cannot hold the saga past the timeout.
func callWithTimeout(ctx context.Context, name string, action StepFunc, sc *StepContext, timeout time.Duration) Result {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Failf(KindInternal, "step %s panicked: %v", name, r)
			}
		}()
		done <- action(callCtx, sc)
	}()

	select {
	case res := <-done:
		return res
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return Fail(KindCancelled, err.Error())
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Fail(KindTimeout, fmt.Sprintf("step %s timed out after %s", name, timeout))
		}
		return FailWith(callCtx.Err())
	}
}
