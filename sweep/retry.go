// Package sweep schedules rebroadcast of a contract's funding, CET or
// refund transaction once it has been assembled and signed but has not yet been
// observed confirming, per spec.md §7: "Transient I/O failures... are
// retried on the next periodic_check. Retries use exponential backoff with
// jitter up to a configured cap."
//
// Grounded on the teacher's sweep/txgenerator.go, which partitioned a batch
// of arbitrary HTLC/commitment outputs into fee-yield-sorted input sets and
// built a single sweep transaction spending them. A DLC's CET/refund
// broadcast spends exactly one input — the funding outpoint — so there is
// no input set to partition; what carries over is the surrounding retry
// discipline (don't hammer the blockchain collaborator every tick on a
// broadcast that's already been rejected) and the "don't sweep below dust"
// yield check, narrowed here to the two-output CET/refund shape.
package sweep

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy paces repeated broadcast attempts for a single transaction
// across periodic_check passes. It wraps cenkalti/backoff's exponential
// backoff, the same jittered-exponential library the pack's etcd/docker
// dependency chain already pulls in transitively; dlcd is the first thing
// in this module to depend on it directly for this purpose.
type RetryPolicy struct {
	b *backoff.ExponentialBackOff
}

// NewRetryPolicy builds a RetryPolicy bounded by cap: no computed backoff
// ever exceeds it, and the policy never itself gives up (MaxElapsedTime is
// disabled) since a broadcast failure is transient by definition here —
// giving up is the manager's call (e.g. reverting to an earlier state), not
// this package's.
func NewRetryPolicy(base, max time.Duration) *RetryPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return &RetryPolicy{b: b}
}

// NextBackoff returns how long to wait before the next broadcast attempt
// and advances the policy's internal attempt counter.
func (p *RetryPolicy) NextBackoff() time.Duration {
	return p.b.NextBackOff()
}

// Reset clears accumulated backoff, used once a broadcast is observed to
// have succeeded (entered the mempool or confirmed).
func (p *RetryPolicy) Reset() {
	p.b.Reset()
}

// Scheduler tracks one RetryPolicy per watched transaction id, keyed by the
// caller (the contract's temporary id strings its txid to), so the manager
// doesn't need its own bookkeeping map alongside its contract lock map.
type Scheduler struct {
	base, max time.Duration
	policies  map[string]*RetryPolicy
	due       map[string]time.Time
}

// NewScheduler returns a Scheduler whose policies back off from base up to
// max.
func NewScheduler(base, max time.Duration) *Scheduler {
	return &Scheduler{
		base:     base,
		max:      max,
		policies: make(map[string]*RetryPolicy),
		due:      make(map[string]time.Time),
	}
}

// ShouldAttempt reports whether enough backoff has elapsed since the last
// call to RecordFailure(key) to retry broadcasting key now. A key with no
// recorded failure is always due.
func (s *Scheduler) ShouldAttempt(key string) bool {
	due, ok := s.due[key]
	return !ok || !time.Now().Before(due)
}

// RecordFailure schedules the next retry for key per its backoff policy,
// creating the policy on first failure.
func (s *Scheduler) RecordFailure(key string) {
	p, ok := s.policies[key]
	if !ok {
		p = NewRetryPolicy(s.base, s.max)
		s.policies[key] = p
	}
	s.due[key] = time.Now().Add(p.NextBackoff())
}

// Forget clears key's backoff state, called once a broadcast of its
// transaction succeeds.
func (s *Scheduler) Forget(key string) {
	delete(s.policies, key)
	delete(s.due, key)
}
