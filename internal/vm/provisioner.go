// Package vm manages isolated VM lifecycles: provisioning against a
// filesystem snapshot, a typed request/response round trip, and leases
// that release exactly once.
package vm

import (
	"context"

	"github.com/codelab-lv/sandbox/internal/fspool"
)

// Handle identifies one launched VM.
type Handle struct {
	VmId string
}

// Resources is the fixed allocation for one VM, keyed by role.
type Resources struct {
	VCpus     int
	MemoryMiB int
}

// Provisioner is the narrow contract the lease manager requires from the
// hypervisor runtime. Implementations must tolerate Terminate being called
// for a VM that already exited.
type Provisioner interface {
	Launch(ctx context.Context, role fspool.Role, snapshot fspool.Snapshot, res Resources) (Handle, error)
	Query(ctx context.Context, handle Handle, payload []byte) ([]byte, error)
	Terminate(handle Handle) error
}
