// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/kortschak/devmgr/cmd/devhost/api"
)

// SuspendKind is a system power transition.
type SuspendKind int

const (
	Poweroff SuspendKind = iota
	Reboot
	RebootBootloader
	RebootRecovery
	Mexec
	SuspendRAM
)

var suspendKinds = [...]string{
	Poweroff:         "poweroff",
	Reboot:           "reboot",
	RebootBootloader: "reboot-bootloader",
	RebootRecovery:   "reboot-recovery",
	Mexec:            "mexec",
	SuspendRAM:       "suspend-ram",
}

func (k SuspendKind) String() string {
	if k < 0 || int(k) >= len(suspendKinds) {
		return fmt.Sprintf("SuspendKind(%d)", k)
	}
	return suspendKinds[k]
}

// ParseSuspendKind returns the SuspendKind named by s.
func ParseSuspendKind(s string) (SuspendKind, error) {
	for k, name := range suspendKinds {
		if name == s {
			return SuspendKind(k), nil
		}
	}
	return 0, fmt.Errorf("invalid suspend kind: %q", s)
}

// Phase is the coordinator's suspend phase.
type Phase int

const (
	Running Phase = iota
	Suspending
)

func (p Phase) String() string {
	switch p {
	case Running:
		return "running"
	case Suspending:
		return "suspending"
	default:
		return fmt.Sprintf("Phase(%d)", p)
	}
}

// SuspendContext is the state of a suspend operation.
type SuspendContext struct {
	Phase Phase
	Kind  SuspendKind

	// pending counts the outstanding replies for the hosts
	// in current.
	pending int
	current []HostID
	list    []HostID

	// seq identifies the operation so that stale replies
	// and timers are ignored.
	seq uint64

	done         func(error)
	stopWatchdog func() bool
}

// SuspendPhase returns the current suspend phase.
func (c *Coordinator) SuspendPhase() Phase { return c.suspend.Phase }

// platformHosts returns the devhosts of the misc, root and sys proxies.
func (c *Coordinator) platformHosts() (misc, root, sys HostID) {
	host := func(id DeviceID) HostID {
		dev := c.device(id)
		if dev == nil {
			return HostID{}
		}
		p := c.device(dev.proxy)
		if p == nil {
			return HostID{}
		}
		return p.host
	}
	return host(c.misc), host(c.root), host(c.sys)
}

func (c *Coordinator) platformReady() bool {
	misc, root, sys := c.platformHosts()
	return c.host(misc) != nil && c.host(root) != nil && c.host(sys) != nil
}

// Suspend starts a system suspend of the given kind. Devhosts are
// suspended leaves first with the sys devhost last. When the operation
// completes or fails, done is called on the coordinator goroutine. If
// Suspend returns an error, done is not called.
func (c *Coordinator) Suspend(kind SuspendKind, done func(error)) error {
	ctx := context.Background()
	if c.suspend.Phase == Suspending || !c.platformReady() {
		return ErrBadState
	}
	if kind < Poweroff || kind > SuspendRAM {
		return ErrInvalidArgs
	}
	seq := c.suspend.seq + 1
	c.suspend = SuspendContext{
		Phase: Suspending,
		Kind:  kind,
		seq:   seq,
		done:  done,
	}
	c.log.LogAttrs(ctx, slog.LevelInfo, "suspend", slog.String("kind", kind.String()))
	if c.cfg.SuspendTimeout > 0 {
		c.suspend.stopWatchdog = c.after(c.cfg.SuspendTimeout, func(c *Coordinator) {
			c.suspendTimeout(seq)
		})
	}

	if kind == SuspendRAM || c.env.Filesystems == nil {
		c.startSuspend()
		return nil
	}
	fs := c.env.Filesystems
	timeout := c.cfg.FSExitTimeout
	c.background(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return fs.Shutdown(ctx)
	}, func(c *Coordinator, err error) {
		if c.suspend.seq != seq || c.suspend.Phase != Suspending {
			return
		}
		if err != nil {
			c.log.LogAttrs(context.Background(), slog.LevelWarn, "filesystem shutdown", slog.Any("error", err))
		}
		c.startSuspend()
	})
	return nil
}

func (c *Coordinator) startSuspend() {
	c.suspend.list = c.BuildSuspendList()
	c.log.LogAttrs(context.Background(), slog.LevelDebug, "suspend list", slog.Any("hosts", hostNames{c, c.suspend.list}))
	c.processSuspendList()
}

// BuildSuspendList returns the devhosts in suspend order. Every devhost
// appears after all of its descendants. The misc, root and sys devhosts
// are last, in that order.
func (c *Coordinator) BuildSuspendList() []HostID {
	misc, root, sys := c.platformHosts()
	platform := []HostID{misc, root, sys}

	var list []HostID
	var visit func(id HostID)
	visit = func(id HostID) {
		h := c.host(id)
		if h == nil {
			return
		}
		for _, child := range h.children {
			visit(child)
		}
		list = append(list, id)
	}
	for _, id := range c.hostOrder {
		h := c.host(id)
		if h == nil || !h.parent.IsZero() || slices.Contains(platform, id) {
			continue
		}
		visit(id)
	}
	for _, id := range platform {
		if h := c.host(id); h != nil {
			for _, child := range h.children {
				visit(child)
			}
		}
	}
	for _, id := range platform {
		if c.host(id) != nil {
			list = append(list, id)
		}
	}
	return list
}

// nextGroup removes and returns the next group of devhosts to suspend:
// the longest prefix of the list sharing a parent. The sys devhost is
// always suspended alone.
func (c *Coordinator) nextGroup() []HostID {
	s := &c.suspend
	_, _, sys := c.platformHosts()
	first := c.host(s.list[0])
	n := 1
	if s.list[0] != sys {
		for ; n < len(s.list); n++ {
			h := c.host(s.list[n])
			if s.list[n] == sys || h == nil || h.parent != first.parent {
				break
			}
		}
	}
	group := s.list[:n:n]
	s.list = s.list[n:]
	return group
}

// processSuspendList sends suspend requests to the next group of
// devhosts. It is called again when every reply for the group has been
// received.
func (c *Coordinator) processSuspendList() {
	s := &c.suspend
	for s.pending == 0 {
		for len(s.list) != 0 && c.host(s.list[0]) == nil {
			s.list = s.list[1:]
		}
		if len(s.list) == 0 {
			c.finishSuspend()
			return
		}
		s.current = s.current[:0]
		for _, hid := range c.nextGroup() {
			h := c.host(hid)
			if h == nil {
				continue
			}
			h.flags |= SuspendSent
			seq := s.seq
			err := c.send(hid, api.Suspend, api.SuspendParams{Kind: s.Kind.String()}, func(c *Coordinator, _ json.RawMessage, err error) {
				c.suspendReply(seq, hid, err)
			})
			if err != nil {
				c.endSuspend(fmt.Errorf("suspend %s: %w", h.Name, err))
				return
			}
			s.current = append(s.current, hid)
			s.pending++
		}
	}
}

func (c *Coordinator) suspendReply(seq uint64, hid HostID, err error) {
	ctx := context.Background()
	s := &c.suspend
	if s.seq != seq || s.Phase != Suspending {
		c.log.LogAttrs(ctx, slog.LevelDebug, "stale suspend reply", slog.Any("host", hid), slog.Any("error", err))
		return
	}
	name := hid.String()
	if h := c.host(hid); h != nil {
		name = h.Name
	}
	if err != nil {
		c.endSuspend(fmt.Errorf("suspend %s: %w", name, err))
		return
	}
	c.log.LogAttrs(ctx, slog.LevelDebug, "suspended", slog.String("host", name))
	s.current = slices.DeleteFunc(s.current, func(id HostID) bool { return id == hid })
	s.pending--
	if s.pending == 0 {
		c.processSuspendList()
	}
}

// finishSuspend performs the final action for the suspend kind once
// every devhost has suspended.
func (c *Coordinator) finishSuspend() {
	if c.suspend.Kind != Mexec || c.env.Platform == nil {
		c.endSuspend(nil)
		return
	}
	seq := c.suspend.seq
	platform := c.env.Platform
	c.background(func() error {
		return platform.Mexec(context.Background())
	}, func(c *Coordinator, err error) {
		if c.suspend.seq != seq || c.suspend.Phase != Suspending {
			return
		}
		c.endSuspend(err)
	})
}

// endSuspend returns the coordinator to the running phase and reports
// err to the requester. Devhosts that have already suspended are not
// resumed.
func (c *Coordinator) endSuspend(err error) {
	s := c.suspend
	if s.stopWatchdog != nil {
		s.stopWatchdog()
	}
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
	}
	c.log.LogAttrs(context.Background(), level, "suspend complete", slog.String("kind", s.Kind.String()), slog.Any("error", err))
	c.suspend = SuspendContext{Phase: Running, seq: s.seq}
	if s.done != nil {
		s.done(err)
	}
}

// suspendTimeout is called by the suspend watchdog.
func (c *Coordinator) suspendTimeout(seq uint64) {
	ctx := context.Background()
	s := &c.suspend
	if s.seq != seq || s.Phase != Suspending {
		return
	}
	fallback := c.env.BootArgs.Bool("devmgr.suspend-timeout-fallback", c.cfg.SuspendFallback)
	if !fallback || c.env.Platform == nil {
		c.log.LogAttrs(ctx, slog.LevelError, "suspend timed out", slog.String("kind", s.Kind.String()), slog.Int("pending", s.pending), slog.Any("hosts", hostNames{c, s.current}))
		return
	}
	c.log.LogAttrs(ctx, slog.LevelError, "suspend timed out: using power control fallback", slog.String("kind", s.Kind.String()), slog.Any("hosts", hostNames{c, s.current}))
	platform := c.env.Platform
	kind := s.Kind
	c.background(func() error {
		return platform.PowerControl(context.Background(), kind)
	}, func(c *Coordinator, err error) {
		if err != nil {
			c.log.LogAttrs(context.Background(), slog.LevelError, "power control", slog.String("kind", kind.String()), slog.Any("error", err))
		}
	})
}
