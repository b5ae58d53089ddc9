// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package coordinator

import (
	"context"
	"errors"
)

// System is the host system's Platform.
type System struct{}

func (System) Mexec(context.Context) error { return errors.ErrUnsupported }

func (System) PowerControl(context.Context, SuspendKind) error { return errors.ErrUnsupported }

// SyncFilesystems is a Filesystems that flushes filesystem buffers to
// storage.
type SyncFilesystems struct{}

func (SyncFilesystems) Shutdown(context.Context) error { return nil }
