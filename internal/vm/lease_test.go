package vm_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/codelab-lv/sandbox/internal/fspool"
	"github.com/codelab-lv/sandbox/internal/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBuilder struct {
	mu        sync.Mutex
	seq       int
	discarded []string
}

func (b *memBuilder) Build(ctx context.Context, role fspool.Role) (fspool.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return fspool.Snapshot{Id: fmt.Sprintf("snap-%d", b.seq), Role: role}, nil
}

func (b *memBuilder) Discard(snapshot fspool.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.discarded = append(b.discarded, snapshot.Id)
	return nil
}

type fakeProv struct {
	mu         sync.Mutex
	launched   int
	terminated map[string]int

	launchGate chan struct{} // when set, Launch blocks until closed
	launchErr  error
	queryFn    func(ctx context.Context, payload []byte) ([]byte, error)
}

func newFakeProv() *fakeProv {
	return &fakeProv{terminated: map[string]int{}}
}

func (p *fakeProv) Launch(ctx context.Context, role fspool.Role, snapshot fspool.Snapshot, res vm.Resources) (vm.Handle, error) {
	if p.launchGate != nil {
		<-p.launchGate
	}
	if p.launchErr != nil {
		return vm.Handle{}, p.launchErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.launched++
	return vm.Handle{VmId: fmt.Sprintf("vm-%d", p.launched)}, nil
}

func (p *fakeProv) Query(ctx context.Context, handle vm.Handle, payload []byte) ([]byte, error) {
	if p.queryFn != nil {
		return p.queryFn(ctx, payload)
	}
	return []byte("ok"), nil
}

func (p *fakeProv) Terminate(handle vm.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated[handle.VmId]++
	return nil
}

func (p *fakeProv) terminations(vmId string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated[vmId]
}

func newManager(prov vm.Provisioner, builder fspool.Builder, timeout time.Duration) *vm.Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := fspool.New(builder, map[fspool.Role]fspool.Limits{
		fspool.RoleExecute: {Min: 0, Max: 8},
	}, time.Minute, logger)
	return vm.NewManager(pool, builder, prov,
		map[fspool.Role]vm.Resources{fspool.RoleExecute: {VCpus: 1, MemoryMiB: 512}},
		map[fspool.Role]time.Duration{fspool.RoleExecute: timeout},
		logger)
}

func TestAcquireAndRelease(t *testing.T) {
	prov := newFakeProv()
	builder := &memBuilder{}
	m := newManager(prov, builder, time.Second)

	lease, err := m.Acquire(context.Background(), fspool.RoleExecute)
	require.NoError(t, err)
	require.NotEmpty(t, lease.VmId)

	lease.Release()
	assert.Equal(t, 1, prov.terminations(lease.VmId))
	assert.Len(t, builder.discarded, 1)
}

func TestRelease_ExactlyOnce(t *testing.T) {
	prov := newFakeProv()
	builder := &memBuilder{}
	m := newManager(prov, builder, time.Second)

	lease, err := m.Acquire(context.Background(), fspool.RoleExecute)
	require.NoError(t, err)

	lease.Release()
	lease.Release()
	lease.Release()
	assert.Equal(t, 1, prov.terminations(lease.VmId), "second release must be a no-op")
	assert.Len(t, builder.discarded, 1)
}

func TestAcquire_LaunchFailureDiscardsSnapshot(t *testing.T) {
	prov := newFakeProv()
	prov.launchErr = fmt.Errorf("hypervisor out of memory")
	builder := &memBuilder{}
	m := newManager(prov, builder, time.Second)

	_, err := m.Acquire(context.Background(), fspool.RoleExecute)
	require.Error(t, err)
	assert.Len(t, builder.discarded, 1, "the borrowed snapshot must not leak")
}

func TestAcquireAsync_AwaitThenRelease(t *testing.T) {
	prov := newFakeProv()
	builder := &memBuilder{}
	m := newManager(prov, builder, time.Second)

	pending := m.AcquireAsync(context.Background(), fspool.RoleExecute)
	lease, err := pending.Await(context.Background())
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, 1, prov.terminations(lease.VmId))
}

func TestAcquireAsync_AbandonBeforeResolveStillReleases(t *testing.T) {
	prov := newFakeProv()
	prov.launchGate = make(chan struct{})
	builder := &memBuilder{}
	m := newManager(prov, builder, time.Second)

	pending := m.AcquireAsync(context.Background(), fspool.RoleExecute)
	pending.Abandon()

	// The acquisition is still in flight; let it finish now.
	close(prov.launchGate)

	require.Eventually(t, func() bool {
		return prov.terminations("vm-1") == 1
	}, time.Second, 5*time.Millisecond, "abandoned acquisition must release once resolved")

	_, err := pending.Await(context.Background())
	assert.ErrorIs(t, err, vm.ErrAbandoned)
}

func TestAcquireAsync_AbandonAfterResolve(t *testing.T) {
	prov := newFakeProv()
	builder := &memBuilder{}
	m := newManager(prov, builder, time.Second)

	pending := m.AcquireAsync(context.Background(), fspool.RoleExecute)
	require.Eventually(t, func() bool {
		prov.mu.Lock()
		defer prov.mu.Unlock()
		return prov.launched == 1
	}, time.Second, 5*time.Millisecond)

	pending.Abandon()
	assert.Eventually(t, func() bool {
		return prov.terminations("vm-1") == 1
	}, time.Second, 5*time.Millisecond)

	// Abandon twice is as safe as releasing twice.
	pending.Abandon()
	assert.Equal(t, 1, prov.terminations("vm-1"))
}

func TestQuery_TimeoutOutcome(t *testing.T) {
	prov := newFakeProv()
	prov.queryFn = func(ctx context.Context, payload []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	builder := &memBuilder{}
	m := newManager(prov, builder, 20*time.Millisecond)

	lease, err := m.Acquire(context.Background(), fspool.RoleExecute)
	require.NoError(t, err)
	defer lease.Release()

	start := time.Now()
	_, err = lease.Query(context.Background(), []byte("payload"))
	require.Error(t, err)
	assert.ErrorIs(t, err, vm.ErrQueryTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestQuery_CallerCancellationIsNotATimeout(t *testing.T) {
	prov := newFakeProv()
	prov.queryFn = func(ctx context.Context, payload []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m := newManager(prov, &memBuilder{}, time.Minute)

	lease, err := m.Acquire(context.Background(), fspool.RoleExecute)
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = lease.Query(ctx, []byte("payload"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, vm.ErrQueryTimeout)
}
