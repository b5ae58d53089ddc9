// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coordinator

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// System is the host system's Platform.
type System struct{}

// Mexec executes the kernel loaded with kexec_load.
func (System) Mexec(context.Context) error {
	unix.Sync()
	return unix.Reboot(unix.LINUX_REBOOT_CMD_KEXEC)
}

// PowerControl performs the power transition directly.
func (System) PowerControl(_ context.Context, kind SuspendKind) error {
	unix.Sync()
	switch kind {
	case Poweroff:
		return unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF)
	case Reboot, RebootBootloader, RebootRecovery:
		return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
	case Mexec:
		return unix.Reboot(unix.LINUX_REBOOT_CMD_KEXEC)
	case SuspendRAM:
		return os.WriteFile("/sys/power/state", []byte("mem"), 0)
	default:
		return fmt.Errorf("invalid suspend kind: %v", kind)
	}
}

// SyncFilesystems is a Filesystems that flushes filesystem buffers to
// storage.
type SyncFilesystems struct{}

func (SyncFilesystems) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		unix.Sync()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
