package vm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/codelab-lv/sandbox/internal/fspool"
	"github.com/google/uuid"
)

// ExecProvisioner drives the microVM runtime through its control CLI.
type ExecProvisioner struct {
	ctl     string
	pathFor func(snapshotId string) string
}

func NewExecProvisioner(ctlBinary string, pathFor func(snapshotId string) string) *ExecProvisioner {
	return &ExecProvisioner{ctl: ctlBinary, pathFor: pathFor}
}

func (p *ExecProvisioner) Launch(ctx context.Context, role fspool.Role, snapshot fspool.Snapshot, res Resources) (Handle, error) {
	vmId := uuid.NewString()
	cmdStr := fmt.Sprintf("%s launch --id %s --rootfs %s --vcpus %d --mem-mib %d",
		p.ctl, vmId, p.pathFor(snapshot.Id), res.VCpus, res.MemoryMiB)

	cmd := exec.CommandContext(ctx, "/usr/bin/bash", "-c", cmdStr)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return Handle{}, fmt.Errorf("failed to launch %s vm: %w: %s",
			role, err, strings.TrimSpace(string(out)))
	}
	return Handle{VmId: vmId}, nil
}

// Query writes the payload to the VM's request channel and returns its
// combined output. The caller owns the timeout on ctx.
func (p *ExecProvisioner) Query(ctx context.Context, handle Handle, payload []byte) ([]byte, error) {
	cmdStr := fmt.Sprintf("%s exec --id %s", p.ctl, handle.VmId)

	cmd := exec.CommandContext(ctx, "/usr/bin/bash", "-c", cmdStr)
	cmd.Stdin = bytes.NewReader(payload)

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit of the guest program is data, not a transport error.
			return combined.Bytes(), nil
		}
		return nil, fmt.Errorf("failed to query vm %s: %w", handle.VmId, err)
	}
	return combined.Bytes(), nil
}

func (p *ExecProvisioner) Terminate(handle Handle) error {
	cmdStr := fmt.Sprintf("%s destroy --id %s", p.ctl, handle.VmId)
	cmd := exec.Command("/usr/bin/bash", "-c", cmdStr)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to destroy vm %s: %w: %s",
			handle.VmId, err, strings.TrimSpace(string(out)))
	}
	return nil
}
