// Package timeout bounds database operations in time.
//
// Every wrapper races the operation against a timer and returns whichever
// settles first. A timeout frees the caller; it does not cancel the
// operation, which keeps running until it returns on its own. Operation
// errors are always returned unchanged.
package timeout

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/v0xg/dbguard/internal/logger"
)

// Operation is a unit of database work.
type Operation[T any] func(ctx context.Context) (T, error)

// Tracker is notified when a governed operation starts and when it
// actually returns.
type Tracker interface {
	RecordStart(id, label string)
	RecordEnd(id string)
}

// Event describes a deadline that fired.
type Event struct {
	Kind     string
	Timeout  time.Duration
	Elapsed  time.Duration
	Degraded bool // a fallback was returned instead of an error
}

// Options configures a single governed call. Timeout takes precedence over
// Kind; Kind is looked up in the governor's policy.
type Options[T any] struct {
	Timeout time.Duration
	Kind    string

	// Fallback, when set, is returned on timeout unless FailOnTimeout is
	// also set.
	Fallback      *T
	FailOnTimeout bool
}

// RetryOptions configures WithRetryOnTimeout.
type RetryOptions[T any] struct {
	Options[T]

	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// Delay between attempts. Zero uses the governor's retry delay.
	Delay time.Duration
	// Track records each timed-out attempt in the governor's stats.
	Track bool
}

const unknownKind = "unknown"

// Governor applies timeout policy to operations and keeps per-kind timeout
// statistics. It is safe for concurrent use.
type Governor struct {
	policy     Policy
	priorities map[Priority]time.Duration
	retryDelay time.Duration
	tracker    Tracker
	onTimeout  func(Event)
	log        *slog.Logger
	stats      *statsTable
}

// Option configures a Governor.
type Option func(*Governor)

// WithPolicy replaces the per-kind timeout table.
func WithPolicy(p Policy) Option {
	return func(g *Governor) { g.policy = p }
}

// WithPriorities overrides entries of the priority table.
func WithPriorities(p map[Priority]time.Duration) Option {
	return func(g *Governor) {
		for k, v := range p {
			if v > 0 {
				g.priorities[k] = v
			}
		}
	}
}

// WithTracker reports operation start/end to t.
func WithTracker(t Tracker) Option {
	return func(g *Governor) { g.tracker = t }
}

// WithTimeoutHandler calls fn each time a deadline fires.
func WithTimeoutHandler(fn func(Event)) Option {
	return func(g *Governor) { g.onTimeout = fn }
}

// WithLogger sets the logger used for timeout events.
func WithLogger(l *slog.Logger) Option {
	return func(g *Governor) { g.log = l }
}

// WithRetryDelay sets the default pause between retry attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(g *Governor) { g.retryDelay = d }
}

// New creates a Governor with the default policy and priority table.
func New(opts ...Option) *Governor {
	g := &Governor{
		policy:     DefaultPolicy(),
		priorities: DefaultPriorities(),
		retryDelay: time.Second,
		log:        slog.Default(),
		stats:      newStatsTable(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With(logger.Scope("timeout"))
	return g
}

// Policy returns the governor's per-kind table.
func (g *Governor) Policy() Policy {
	return g.policy
}

// KindTimeout returns the timeout applied to kind.
func (g *Governor) KindTimeout(kind string) time.Duration {
	return g.policy.Lookup(kind)
}

// PriorityTimeout returns the timeout for a tier. Unknown tiers get the
// normal tier's timeout.
func (g *Governor) PriorityTimeout(p Priority) time.Duration {
	if d, ok := g.priorities[p]; ok {
		return d
	}
	return g.priorities[PriorityNormal]
}

// Stats returns every per-kind entry ordered by kind.
func (g *Governor) Stats() []Stat {
	return g.stats.all()
}

// Stat returns the entry for kind.
func (g *Governor) Stat(kind string) (Stat, bool) {
	return g.stats.get(kind)
}

// TopTimeouts returns up to limit entries with the most timeouts first.
// A limit <= 0 returns every entry.
func (g *Governor) TopTimeouts(limit int) []Stat {
	return g.stats.top(limit)
}

// TotalTimeoutCount sums the count of every entry.
func (g *Governor) TotalTimeoutCount() int64 {
	return g.stats.total()
}

// Reset clears all timeout statistics.
func (g *Governor) Reset() {
	g.stats.reset()
}

func (g *Governor) resolve(timeout time.Duration, kind string) (time.Duration, string) {
	if kind == "" {
		kind = unknownKind
	}
	if timeout > 0 {
		return timeout, kind
	}
	return g.policy.Lookup(kind), kind
}

func (g *Governor) begin(label string) string {
	if g.tracker == nil {
		return ""
	}
	id := uuid.Must(uuid.NewV7()).String()
	g.tracker.RecordStart(id, label)
	return id
}

func (g *Governor) end(id string) {
	if g.tracker != nil && id != "" {
		g.tracker.RecordEnd(id)
	}
}

type result[T any] struct {
	val T
	err error
}

func run[T any](ctx context.Context, g *Governor, op Operation[T], opts Options[T], track bool) (T, error) {
	var zero T
	limit, kind := g.resolve(opts.Timeout, opts.Kind)

	id := g.begin(kind)
	start := time.Now()

	// Buffered so a result that loses the race never blocks the goroutine.
	done := make(chan result[T], 1)
	go func() {
		defer g.end(id)
		v, err := op(ctx)
		done <- result[T]{val: v, err: err}
	}()

	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.val, r.err

	case <-timer.C:
		elapsed := time.Since(start)
		degraded := opts.Fallback != nil && !opts.FailOnTimeout

		g.log.Warn("operation timed out",
			"kind", kind,
			"timeout", limit,
			"elapsed", elapsed,
			"degraded", degraded)

		if track {
			g.stats.record(kind, elapsed, time.Now())
		}
		if g.onTimeout != nil {
			g.onTimeout(Event{Kind: kind, Timeout: limit, Elapsed: elapsed, Degraded: degraded})
		}

		if degraded {
			return *opts.Fallback, nil
		}
		return zero, &TimeoutError{Kind: kind, Timeout: limit, Elapsed: elapsed}

	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// WithTimeout runs op under a deadline. On expiry it returns the fallback
// if one is configured, otherwise a *TimeoutError.
func WithTimeout[T any](ctx context.Context, g *Governor, op Operation[T], opts Options[T]) (T, error) {
	return run(ctx, g, op, opts, false)
}

// WithTracking is WithTimeout that also records every expiry in the
// governor's per-kind stats.
func WithTracking[T any](ctx context.Context, g *Governor, op Operation[T], opts Options[T]) (T, error) {
	return run(ctx, g, op, opts, true)
}

// WithGracefulDegradation returns fallback when op is slower than timeout.
// Errors from op itself are still returned.
func WithGracefulDegradation[T any](ctx context.Context, g *Governor, op Operation[T], fallback T, timeout time.Duration) (T, error) {
	return run(ctx, g, op, Options[T]{Timeout: timeout, Fallback: &fallback}, false)
}

// WithPriority runs op with the timeout of the given tier.
func WithPriority[T any](ctx context.Context, g *Governor, op Operation[T], p Priority) (T, error) {
	return run(ctx, g, op, Options[T]{
		Timeout: g.PriorityTimeout(p),
		Kind:    "priority:" + string(p),
	}, false)
}

// WithRetryOnTimeout retries op after timeouts only, waiting a fixed delay
// between attempts. Any other error ends the loop immediately. When every
// attempt times out the last *TimeoutError is returned.
func WithRetryOnTimeout[T any](ctx context.Context, g *Governor, op Operation[T], opts RetryOptions[T]) (T, error) {
	var zero T

	attempts := 1 + max(opts.MaxRetries, 0)
	delay := opts.Delay
	if delay <= 0 {
		delay = g.retryDelay
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := run(ctx, g, op, opts.Options, opts.Track)
		if err == nil {
			return v, nil
		}
		if !IsTimeout(err) {
			return zero, err
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		g.log.Info("retrying after timeout",
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			logger.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		}
	}

	return zero, lastErr
}

// Batch runs every op concurrently under the same options. It waits for all
// of them and returns the results in input order, or the first error.
func Batch[T any](ctx context.Context, g *Governor, ops []Operation[T], opts Options[T]) ([]T, error) {
	results := make([]T, len(ops))

	var eg errgroup.Group
	for i, op := range ops {
		i, op := i, op
		eg.Go(func() error {
			v, err := run(ctx, g, op, opts, false)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
