package reliability

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/kpalumbo/helpline/internal/config"
	"github.com/kpalumbo/helpline/internal/fault"
	"github.com/kpalumbo/helpline/internal/observability"
)

const maxBackoffCap = 10 * time.Second

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// Invoker wraps every outbound provider call with retry, backoff, a
// per-provider circuit breaker and a concurrency cap. It is shared by all
// call sessions and safe for concurrent use.
type Invoker struct {
	mu        sync.RWMutex
	providers map[string]*providerState
	metrics   *observability.Metrics
}

type providerState struct {
	name   string
	policy config.RetryPolicy
	sem    chan struct{}

	mu            sync.Mutex
	state         circuitState
	consecutive   int
	openedAt      time.Time
	probeInFlight bool
}

func NewInvoker(metrics *observability.Metrics) *Invoker {
	return &Invoker{
		providers: make(map[string]*providerState),
		metrics:   metrics,
	}
}

// Register installs the retry policy for a provider. Must be called before
// the first Do for that provider; policies are fixed for the process lifetime.
func (i *Invoker) Register(provider string, policy config.RetryPolicy) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.providers[provider] = &providerState{
		name:   provider,
		policy: policy,
		sem:    make(chan struct{}, policy.MaxConcurrent),
	}
}

// Do invokes fn under the provider's resilience policy. Non-idempotent
// operations are never retried; callers that supply their own idempotency key
// (ticket creation) pass idempotent=true to opt back in.
func (i *Invoker) Do(ctx context.Context, provider string, idempotent bool, fn func(context.Context) error) error {
	ps := i.provider(provider)
	if ps == nil {
		return fmt.Errorf("provider %q not registered", provider)
	}

	probe, err := ps.admit()
	if err != nil {
		i.observeCircuit(ps)
		i.countAttempt(provider, "circuit_open")
		return err
	}

	if err := ps.acquire(ctx); err != nil {
		ps.probeDone(probe)
		i.countAttempt(provider, "overloaded")
		return err
	}
	defer ps.release()

	maxAttempts := ps.policy.MaxAttempts
	if !idempotent {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoffWithJitter(attempt-1, ps.policy)
			if hint, ok := RetryAfterHint(lastErr); ok {
				wait = hint
			}
			select {
			case <-ctx.Done():
				ps.probeDone(probe)
				return fault.New(fault.KindProviderUnavailable, ctx.Err())
			case <-time.After(wait):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			ps.recordSuccess()
			i.observeCircuit(ps)
			i.countAttempt(provider, "success")
			return nil
		}

		i.countAttempt(provider, "failure")
		if !IsRetryable(lastErr) {
			// Attempt-level bookkeeping only; permanent errors do not trip
			// the breaker since the provider answered.
			ps.probeDone(probe)
			return lastErr
		}
		ps.recordFailure(probe)
		probe = false
		i.observeCircuit(ps)
	}

	return fault.New(fault.KindProviderUnavailable, lastErr)
}

// CircuitOpen reports whether the provider is currently failing fast.
func (i *Invoker) CircuitOpen(provider string) bool {
	ps := i.provider(provider)
	if ps == nil {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.state == circuitOpen && time.Since(ps.openedAt) >= ps.policy.CircuitCooldown {
		return false
	}
	return ps.state == circuitOpen
}

func (i *Invoker) provider(name string) *providerState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.providers[name]
}

func (i *Invoker) countAttempt(provider, result string) {
	if i.metrics == nil {
		return
	}
	i.metrics.ProviderAttempts.WithLabelValues(provider, result).Inc()
}

func (i *Invoker) observeCircuit(ps *providerState) {
	if i.metrics == nil {
		return
	}
	ps.mu.Lock()
	state := ps.state
	ps.mu.Unlock()
	i.metrics.CircuitState.WithLabelValues(ps.name).Set(float64(state))
}

// admit decides whether a call may proceed. The bool result marks the call as
// the half-open probe; at most one probe runs during a cool-down recovery.
func (ps *providerState) admit() (bool, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	switch ps.state {
	case circuitClosed:
		return false, nil
	case circuitOpen:
		if time.Since(ps.openedAt) < ps.policy.CircuitCooldown {
			return false, fault.Newf(fault.KindProviderUnavailable, "%s circuit open", ps.name)
		}
		ps.state = circuitHalfOpen
		ps.probeInFlight = true
		return true, nil
	default: // half-open
		if ps.probeInFlight {
			return false, fault.Newf(fault.KindProviderUnavailable, "%s circuit half-open, probe in flight", ps.name)
		}
		ps.probeInFlight = true
		return true, nil
	}
}

func (ps *providerState) acquire(ctx context.Context) error {
	select {
	case ps.sem <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(ps.policy.QueueWait)
	defer timer.Stop()
	select {
	case ps.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return fault.Newf(fault.KindOverloaded, "%s concurrency cap reached", ps.name)
	case <-ctx.Done():
		return fault.New(fault.KindOverloaded, ctx.Err())
	}
}

func (ps *providerState) release() {
	<-ps.sem
}

func (ps *providerState) recordSuccess() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.consecutive = 0
	ps.state = circuitClosed
	ps.probeInFlight = false
}

func (ps *providerState) recordFailure(probe bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if probe || ps.state == circuitHalfOpen {
		ps.state = circuitOpen
		ps.openedAt = time.Now()
		ps.probeInFlight = false
		return
	}
	ps.consecutive++
	if ps.consecutive >= ps.policy.CircuitOpenThreshold {
		ps.state = circuitOpen
		ps.openedAt = time.Now()
	}
}

func (ps *providerState) probeDone(probe bool) {
	if !probe {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.probeInFlight = false
}

func backoffWithJitter(attempt int, policy config.RetryPolicy) time.Duration {
	base := policy.BaseBackoff
	mult := policy.BackoffMultiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= mult
	}
	if d > float64(maxBackoffCap) {
		d = float64(maxBackoffCap)
	}
	// Full jitter on the upper half keeps retries from aligning across calls.
	half := d / 2
	return time.Duration(half + rand.Float64()*half)
}
