package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codelab-lv/sandbox/internal/fspool"
)

// ErrQueryTimeout is returned when a VM round trip exceeds the role's
// timeout. The lease manager never retries on its own.
var ErrQueryTimeout = errors.New("vm query timed out")

// ErrAbandoned is returned by Pending.Await after Abandon has been called.
var ErrAbandoned = errors.New("vm acquisition abandoned")

type Manager struct {
	pool    *fspool.Pool
	builder fspool.Builder
	prov    Provisioner

	resources map[fspool.Role]Resources
	timeouts  map[fspool.Role]time.Duration
	logger    *slog.Logger
}

func NewManager(
	pool *fspool.Pool,
	builder fspool.Builder,
	prov Provisioner,
	resources map[fspool.Role]Resources,
	timeouts map[fspool.Role]time.Duration,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		pool:      pool,
		builder:   builder,
		prov:      prov,
		resources: resources,
		timeouts:  timeouts,
		logger:    logger,
	}
}

// Acquire draws a snapshot from the pool and launches a VM bound to it with
// the role's fixed resource allocation.
func (m *Manager) Acquire(ctx context.Context, role fspool.Role) (*Lease, error) {
	snap, err := m.pool.Get(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	res, ok := m.resources[role]
	if !ok {
		_ = m.builder.Discard(snap)
		return nil, fmt.Errorf("no resource allocation configured for role %q", role)
	}

	handle, err := m.prov.Launch(ctx, role, snap, res)
	if err != nil {
		if derr := m.builder.Discard(snap); derr != nil {
			m.logger.Error("failed to discard snapshot after launch failure",
				"snapshot", snap.Id, "error", derr)
		}
		return nil, fmt.Errorf("failed to launch vm: %w", err)
	}

	return &Lease{
		VmId:     handle.VmId,
		handle:   handle,
		snapshot: snap,
		role:     role,
		timeout:  m.timeouts[role],
		prov:     m.prov,
		builder:  m.builder,
		logger:   m.logger,
	}, nil
}

// AcquireAsync starts acquisition in the background so callers can overlap
// it with other work. The caller must either Await and use the lease or
// Abandon the pending acquisition; an abandoned in-flight acquisition still
// releases its lease once it completes.
func (m *Manager) AcquireAsync(ctx context.Context, role fspool.Role) *Pending {
	p := &Pending{done: make(chan struct{})}
	go func() {
		lease, err := m.Acquire(ctx, role)
		p.resolve(lease, err)
	}()
	return p
}

type Pending struct {
	mu        sync.Mutex
	done      chan struct{}
	lease     *Lease
	err       error
	abandoned bool
}

func (p *Pending) resolve(lease *Lease, err error) {
	p.mu.Lock()
	if p.abandoned && lease != nil {
		lease.Release()
		lease = nil
		err = ErrAbandoned
	}
	p.lease = lease
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

// Await blocks until the acquisition resolves or ctx is done. When ctx
// expires first, the pending acquisition is abandoned.
func (p *Pending) Await(ctx context.Context) (*Lease, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.Abandon()
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.abandoned {
		return nil, ErrAbandoned
	}
	return p.lease, p.err
}

// Abandon guarantees the lease (resolved or still in flight) is released
// exactly once without the caller waiting for it.
func (p *Pending) Abandon() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.abandoned {
		return
	}
	p.abandoned = true
	if p.lease != nil {
		p.lease.Release()
		p.lease = nil
	}
}

// Lease is an exclusively-owned handle to a running VM plus its borrowed
// snapshot.
type Lease struct {
	VmId string

	handle   Handle
	snapshot fspool.Snapshot
	role     fspool.Role
	timeout  time.Duration

	prov    Provisioner
	builder fspool.Builder
	logger  *slog.Logger

	release sync.Once
}

// Query performs one request/response round trip into the VM with the
// role's enforced timeout.
func (l *Lease) Query(ctx context.Context, payload []byte) ([]byte, error) {
	qctx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	resp, err := l.prov.Query(qctx, l.handle, payload)
	if err != nil {
		if qctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, ErrQueryTimeout
		}
		return nil, err
	}
	return resp, nil
}

// Release tears down the VM and discards the snapshot. Safe to call more
// than once; only the first call acts.
func (l *Lease) Release() {
	l.release.Do(func() {
		if err := l.prov.Terminate(l.handle); err != nil {
			l.logger.Error("failed to terminate vm", "vm_id", l.VmId, "error", err)
		}
		if err := l.builder.Discard(l.snapshot); err != nil {
			l.logger.Error("failed to discard snapshot",
				"snapshot", l.snapshot.Id, "error", err)
		}
	})
}
