// Package fspool keeps a warm, per-role queue of ready filesystem
// snapshots and adapts its target size to recent demand.
package fspool

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type Role string

const (
	RoleCompile Role = "compile"
	RoleExecute Role = "execute"
)

type Snapshot struct {
	Id   string
	Role Role
}

// Builder produces one ready-to-use snapshot for a role.
type Builder interface {
	Build(ctx context.Context, role Role) (Snapshot, error)
	Discard(snapshot Snapshot) error
}

type Limits struct {
	Min int
	Max int
}

type request struct {
	at  time.Time
	hit bool
}

type roleState struct {
	limits Limits
	ready  chan Snapshot

	mu      sync.Mutex
	history []request
	target  int
}

type Pool struct {
	builder Builder
	roles   map[Role]*roleState
	window  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func New(builder Builder, limits map[Role]Limits, window time.Duration, logger *slog.Logger) *Pool {
	p := &Pool{
		builder: builder,
		roles:   make(map[Role]*roleState, len(limits)),
		window:  window,
		logger:  logger,
		now:     time.Now,
	}
	for role, lim := range limits {
		p.roles[role] = &roleState{
			limits: lim,
			ready:  make(chan Snapshot, lim.Max),
			target: lim.Min,
		}
	}
	return p
}

// Get returns a snapshot for the role: a warm one when the ready queue is
// non-empty, otherwise a synchronously built one. Get never blocks on a
// stalled replenishment loop.
func (p *Pool) Get(ctx context.Context, role Role) (Snapshot, error) {
	st, ok := p.roles[role]
	if !ok {
		return Snapshot{}, fmt.Errorf("unknown snapshot role %q", role)
	}

	select {
	case snap := <-st.ready:
		p.record(st, true)
		return snap, nil
	default:
	}

	p.record(st, false)
	snap, err := p.builder.Build(ctx, role)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to build %s snapshot: %w", role, err)
	}
	return snap, nil
}

func (p *Pool) record(st *roleState, hit bool) {
	st.mu.Lock()
	st.history = append(st.history, request{at: p.now(), hit: hit})
	st.mu.Unlock()
}

// Run drives the periodic resize-and-top-up loop until ctx is cancelled.
func (p *Pool) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.replenish(ctx)
		}
	}
}

func (p *Pool) replenish(ctx context.Context) {
	for role, st := range p.roles {
		target := p.retarget(st)
		shortfall := target - len(st.ready)
		if shortfall <= 0 {
			continue
		}

		p.logger.Debug("topping up snapshot pool",
			"role", role, "target", target, "shortfall", shortfall)

		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < shortfall; i++ {
			g.Go(func() error {
				snap, err := p.builder.Build(gctx, role)
				if err != nil {
					return err
				}
				select {
				case st.ready <- snap:
					return nil
				default:
					// Target shrank between build and enqueue.
					return p.builder.Discard(snap)
				}
			})
		}
		if err := g.Wait(); err != nil {
			p.logger.Error("snapshot pool top-up failed", "role", role, "error", err)
		}
	}
}

// retarget evicts stale history and recomputes the role's target from the
// window's request rate and cache hit ratio. The target never drops below
// the configured minimum.
func (p *Pool) retarget(st *roleState) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	cutoff := p.now().Add(-p.window)
	i := 0
	for i < len(st.history) && st.history[i].at.Before(cutoff) {
		i++
	}
	st.history = st.history[i:]

	if len(st.history) == 0 {
		if st.target < st.limits.Min {
			st.target = st.limits.Min
		}
		return st.target
	}

	hits := 0
	for _, r := range st.history {
		if r.hit {
			hits++
		}
	}
	count := len(st.history)
	requestsPerMinute := float64(count) / p.window.Minutes()
	hitRatio := float64(hits) / float64(count)

	target := int(math.Ceil(requestsPerMinute * safetyBuffer(hitRatio)))
	if target < st.limits.Min {
		target = st.limits.Min
	}
	if target > st.limits.Max {
		target = st.limits.Max
	}
	st.target = target
	return target
}

// safetyBuffer maps the cache hit ratio to an over-provisioning factor: a
// near-perfect ratio pulls toward the 1.2 floor, a poor ratio pushes toward
// the 2.0 ceiling to cushion burstiness.
func safetyBuffer(hitRatio float64) float64 {
	buffer := 1.5 / math.Max(0.8, hitRatio*1.1)
	return math.Min(2.0, math.Max(1.2, buffer))
}

// Target reports the current computed target for a role.
func (p *Pool) Target(role Role) int {
	st, ok := p.roles[role]
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.target
}

// Ready reports how many warm snapshots a role currently holds.
func (p *Pool) Ready(role Role) int {
	st, ok := p.roles[role]
	if !ok {
		return 0
	}
	return len(st.ready)
}
