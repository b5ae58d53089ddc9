// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/kortschak/devmgr/cmd/devhost/api"
)

// HostFlags is a set of devhost state flags.
type HostFlags uint8

const (
	Dying       HostFlags = 1 << iota // process has exited or is being torn down
	SuspendSent                       // a suspend request has been sent
)

func (f HostFlags) String() string {
	var names []string
	if f&Dying != 0 {
		names = append(names, "dying")
	}
	if f&SuspendSent != 0 {
		names = append(names, "suspend_sent")
	}
	return strings.Join(names, "|")
}

// Devhost is a driver host process.
type Devhost struct {
	id   HostID
	Name string
	proc Host

	// refs counts hosted devices and child devhosts.
	refs int

	parent   HostID
	children []HostID
	devices  []DeviceID

	flags HostFlags
}

func (h *Devhost) ID() HostID          { return h.id }
func (h *Devhost) Parent() HostID      { return h.parent }
func (h *Devhost) Children() []HostID  { return slices.Clone(h.children) }
func (h *Devhost) Devices() []DeviceID { return slices.Clone(h.devices) }
func (h *Devhost) Flags() HostFlags    { return h.flags }
func (h *Devhost) Refs() int           { return h.refs }

func (h *Devhost) String() string { return h.Name }

func (h *Devhost) LogValue() slog.Value { return slog.StringValue(h.Name) }

// Devhosts returns the live devhosts in creation order.
func (c *Coordinator) Devhosts() []HostID { return slices.Clone(c.hostOrder) }

// NewDevhost launches a new devhost process as a child of parent. The
// devhost is not linked into the tree unless the launch succeeds. The
// returned devhost holds no references; the caller must give it a device
// or release it.
func (c *Coordinator) NewDevhost(name string, parent HostID) (HostID, error) {
	ctx := context.Background()
	if c.env.Launcher == nil {
		return HostID{}, ErrUnavailable
	}
	env, err := c.devhostEnv()
	if err != nil {
		return HostID{}, err
	}

	h := &Devhost{Name: name + "-" + uuid.NewString()}
	// The arena slot is reserved so the exit callback can refer to the
	// devhost, but nothing links to it until the launch succeeds.
	h.id = HostID(c.hosts.insert(h))
	id := h.id
	proc, err := c.env.Launcher.Launch(ctx, h.Name, env, func() {
		c.post(func(c *Coordinator) { c.hostExited(id) })
	})
	if err != nil {
		c.hosts.remove(handle(id))
		c.log.LogAttrs(ctx, slog.LevelError, "launch devhost", slog.String("name", h.Name), slog.Any("error", err))
		return HostID{}, err
	}
	h.proc = proc
	if p := c.host(parent); p != nil {
		h.parent = parent
		p.children = append(p.children, id)
		p.refs++
	}
	c.hostOrder = append(c.hostOrder, id)
	c.log.LogAttrs(ctx, slog.LevelInfo, "new devhost", slog.String("name", h.Name), slog.Any("id", id), slog.Any("parent", h.parent))
	return id, nil
}

// devhostEnv returns the driver boot arguments as environment variables.
func (c *Coordinator) devhostEnv() ([]string, error) {
	args, err := c.env.BootArgs.Prefix("driver.")
	if err != nil {
		return nil, err
	}
	env := make([]string, 0, len(args))
	for _, a := range args {
		env = append(env, a.Key+"="+a.Value)
	}
	return env, nil
}

// ReleaseDevhost drops a reference to the devhost. When no references
// remain the devhost process is killed, the devhost is destroyed and its
// parent is released. Releasing a destroyed devhost is a no-op.
func (c *Coordinator) ReleaseDevhost(id HostID) {
	h := c.host(id)
	if h == nil {
		return
	}
	if h.refs > 0 {
		h.refs--
	}
	if h.refs > 0 {
		return
	}
	c.log.LogAttrs(context.Background(), slog.LevelInfo, "destroy devhost", slog.String("name", h.Name), slog.Any("id", id))
	parent := h.parent
	if p := c.host(parent); p != nil {
		p.children = slices.DeleteFunc(p.children, func(cid HostID) bool { return cid == id })
	}
	c.hostOrder = slices.DeleteFunc(c.hostOrder, func(hid HostID) bool { return hid == id })
	c.hosts.remove(handle(id))
	if h.proc != nil {
		h.proc.Kill()
	}
	c.ReleaseDevhost(parent)
}

// hostExited handles the unexpected termination of a devhost process.
func (c *Coordinator) hostExited(id HostID) {
	h := c.host(id)
	if h == nil {
		return
	}
	c.log.LogAttrs(context.Background(), slog.LevelWarn, "devhost exited", slog.String("name", h.Name), slog.Int("devices", len(h.devices)))
	h.flags |= Dying
	if h.refs == 0 {
		c.ReleaseDevhost(id)
		return
	}
	c.removeHosted(id, nil)
}

// PrepareProxy ensures that the device has a proxy in another devhost.
// If target is a live devhost the proxy is created there, otherwise a new
// devhost is launched as a child of the device's devhost.
func (c *Coordinator) PrepareProxy(id DeviceID, target HostID) error {
	ctx := context.Background()
	dev := c.device(id)
	if dev == nil {
		return ErrNotFound
	}
	if dev.Has(IsProxy) || dev.Has(Dead) {
		return ErrBadState
	}
	if !dev.proxy.IsZero() {
		return nil
	}

	hid := target
	if c.host(hid) == nil {
		var err error
		hid, err = c.NewDevhost(dev.Name, dev.host)
		if err != nil {
			return err
		}
	}
	h := c.host(hid)

	proxy := &Device{
		Name:     dev.Name,
		Protocol: dev.Protocol,
		Props:    dev.Props,
		Flags:    IsProxy,
		Artifact: dev.Artifact,
		Args:     dev.Args,
		path:     dev.path,
		proxied:  id,
	}
	pid := c.insertDevice(proxy)
	c.linkHost(proxy, h)
	dev.proxy = pid

	method := api.CreateDeviceStub
	if dev.Artifact != "" {
		method = api.CreateDevice
	}
	params := api.CreateDeviceParams{
		Device:   pid.String(),
		Proxied:  id.String(),
		Name:     dev.Name,
		Protocol: dev.Protocol,
		Props:    dev.Props,
		Artifact: dev.Artifact,
		Args:     dev.Args,
	}
	err := c.send(hid, method, params, func(c *Coordinator, _ json.RawMessage, err error) {
		if err == nil {
			return
		}
		c.log.LogAttrs(context.Background(), slog.LevelError, "create proxy", slog.Any("proxy", pid), slog.Any("error", err))
		if p := c.device(pid); p != nil {
			c.removeOne(p, false)
		}
	})
	if err != nil {
		dev.proxy = DeviceID{}
		proxy.Flags |= Dead
		c.unlinkHost(proxy)
		c.unref(proxy)
		return err
	}
	c.log.LogAttrs(ctx, slog.LevelInfo, "prepare proxy", slog.Any("device", dev), slog.Any("proxy", pid), slog.String("host", h.Name))

	if c.host(dev.host) != nil {
		c.send(dev.host, api.ConnectProxy, api.ConnectProxyParams{
			Device: id.String(),
			Proxy:  pid.String(),
			Host:   h.Name,
		}, nil)
	}
	return nil
}
