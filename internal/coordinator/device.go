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
	"strings"
	"time"

	"github.com/kortschak/devmgr/cmd/devhost/api"
	"github.com/kortschak/devmgr/internal/bind"
)

// Flags is a set of device state flags.
type Flags uint32

const (
	Immortal    Flags = 1 << iota // never removed
	MustIsolate                   // drivers run in a dedicated devhost
	MultiBind                     // more than one driver may bind
	Bound                         // a driver is bound
	Dead                          // removed, awaiting release of references
	IsProxy                       // a proxy for a device in another devhost
	Invisible                     // not yet visible to clients
	Composite                     // an assembled composite device
)

var flagNames = [...]string{
	"immortal",
	"must_isolate",
	"multi_bind",
	"bound",
	"dead",
	"proxy",
	"invisible",
	"composite",
}

func (f Flags) String() string {
	var names []string
	for i, n := range flagNames {
		if f&(1<<i) != 0 {
			names = append(names, n)
		}
	}
	return strings.Join(names, "|")
}

// Device is a node in the device tree. Devices are owned by the
// coordinator's registry; all references between devices and devhosts
// are handles.
type Device struct {
	id DeviceID

	Name     string
	Protocol uint32
	Props    []bind.Property
	Flags    Flags
	Artifact string
	Args     []string

	path string

	parent   DeviceID
	children []DeviceID

	host    HostID
	proxy   DeviceID
	proxied DeviceID

	// refs counts the registry, host membership, parent child list
	// membership and each composite slot holding the device.
	refs int

	metadata []metadata

	retries int
	backoff time.Duration
	rebind  func() bool

	components []slotRef
	glueOf     *slotRef
	composite  *CompositeDevice

	firmware bool
	watches  []func()
}

// slotRef refers to a component slot of a composite device spec.
type slotRef struct {
	spec *CompositeDevice
	idx  int
}

func (d *Device) ID() DeviceID         { return d.id }
func (d *Device) Path() string         { return d.path }
func (d *Device) Parent() DeviceID     { return d.parent }
func (d *Device) Children() []DeviceID { return slices.Clone(d.children) }
func (d *Device) Host() HostID         { return d.host }
func (d *Device) Proxy() DeviceID      { return d.proxy }
func (d *Device) Proxied() DeviceID    { return d.proxied }

// Has returns whether all of f are set on the device.
func (d *Device) Has(f Flags) bool { return d.Flags&f == f }

func (d *Device) String() string { return d.path + "#" + d.id.String() }

func (d *Device) LogValue() slog.Value { return slog.StringValue(d.String()) }

func (d *Device) node() bind.Node { return bind.Node{Protocol: d.Protocol, Props: d.Props} }

// bindableState returns an error if the device may not currently have a
// driver bound automatically.
func (d *Device) bindableState() error {
	switch {
	case d.Has(Dead), d.Has(IsProxy), d.Has(Invisible):
		return ErrBadState
	case d.glueOf != nil:
		return ErrBadState
	case d.Has(Bound) && !d.Has(MultiBind):
		return ErrBadState
	}
	return nil
}

// DeviceArgs holds the attributes of a new device. A device with an
// artifact must be isolated; the artifact is loaded into its proxy.
type DeviceArgs struct {
	Name      string
	Protocol  uint32
	Props     []bind.Property
	Artifact  string
	Args      []string
	Invisible bool
}

func (c *Coordinator) insertDevice(dev *Device) DeviceID {
	dev.id = DeviceID(c.devices.insert(dev))
	dev.refs++
	if !dev.Has(IsProxy) {
		c.order = append(c.order, dev.id)
	}
	return dev.id
}

// unref drops a reference to dev, freeing it if it is dead and no
// references remain.
func (c *Coordinator) unref(dev *Device) {
	dev.refs--
	if dev.refs < 0 {
		panic(fmt.Sprintf("coordinator: negative reference count for %s", dev))
	}
	if dev.refs != 0 || !dev.Has(Dead) {
		return
	}
	c.log.LogAttrs(context.Background(), slog.LevelDebug, "free device", slog.Any("device", dev))
	c.devices.remove(handle(dev.id))
	c.order = slices.DeleteFunc(c.order, func(id DeviceID) bool { return id == dev.id })
}

func (c *Coordinator) linkParent(dev, p *Device) {
	dev.parent = p.id
	p.children = append(p.children, dev.id)
	dev.refs++
}

func (c *Coordinator) unlinkParent(dev *Device) {
	p := c.device(dev.parent)
	if p == nil {
		return
	}
	p.children = slices.DeleteFunc(p.children, func(id DeviceID) bool { return id == dev.id })
	dev.parent = DeviceID{}
	c.unref(dev)
}

func (c *Coordinator) linkHost(dev *Device, h *Devhost) {
	dev.host = h.id
	h.devices = append(h.devices, dev.id)
	h.refs++
	dev.refs++
}

func (c *Coordinator) unlinkHost(dev *Device) {
	h := c.host(dev.host)
	if h == nil {
		return
	}
	h.devices = slices.DeleteFunc(h.devices, func(id DeviceID) bool { return id == dev.id })
	dev.host = HostID{}
	c.unref(dev)
	c.ReleaseDevhost(h.id)
}

// AddDevice adds a device as a child of parent. If parent is a proxy, the
// new device is a child of the proxied device and is hosted by the
// proxy's devhost. Unless the device is invisible, drivers are bound to
// it before AddDevice returns.
func (c *Coordinator) AddDevice(parent DeviceID, args DeviceArgs) (DeviceID, error) {
	ctx := context.Background()
	if c.suspend.Phase == Suspending {
		return DeviceID{}, ErrBadState
	}
	req := c.device(parent)
	if req == nil {
		return DeviceID{}, ErrNotFound
	}
	if req.Has(Dead) {
		return DeviceID{}, ErrBadState
	}
	if args.Name == "" || strings.Contains(args.Name, "/") {
		return DeviceID{}, ErrInvalidArgs
	}
	host := req.host
	p := req
	if req.Has(IsProxy) {
		p = c.device(req.proxied)
		if p == nil || p.Has(Dead) {
			return DeviceID{}, ErrBadState
		}
	}
	for _, id := range p.children {
		if sib := c.device(id); sib != nil && sib.Name == args.Name {
			return DeviceID{}, ErrInvalidArgs
		}
	}

	dev := &Device{
		Name:     args.Name,
		Protocol: args.Protocol,
		Props:    args.Props,
		Artifact: args.Artifact,
		Args:     args.Args,
		path:     p.path + "/" + args.Name,
		retries:  c.cfg.BindRetries,
		backoff:  c.cfg.BindBackoff,
	}
	if args.Artifact != "" {
		dev.Flags |= MustIsolate
	}
	if args.Invisible {
		dev.Flags |= Invisible
	}
	id := c.insertDevice(dev)
	c.linkParent(dev, p)
	if h := c.host(host); h != nil {
		c.linkHost(dev, h)
	}
	c.env.Publisher.Publish(dev.path, dev.Protocol, !args.Invisible)
	c.log.LogAttrs(ctx, slog.LevelInfo, "add device", slog.Any("device", dev), slog.String("protocol", protocolName(dev.Protocol)), slog.Any("host", dev.host), slog.String("flags", dev.Flags.String()))

	if ref, ok := c.componentSlot(p, dev); ok {
		c.fillSlot(ref, dev)
		return id, nil
	}
	if !args.Invisible {
		c.autobind(dev)
	}
	return id, nil
}

// autobind binds drivers and composite components to dev, logging any
// failure.
func (c *Coordinator) autobind(dev *Device) {
	err := c.bindDevice(dev, "", true)
	if err != nil {
		c.log.LogAttrs(context.Background(), slog.LevelWarn, "autobind", slog.Any("device", dev), slog.Any("error", err))
	}
}

// MakeVisible makes an invisible device visible and binds drivers to it.
func (c *Coordinator) MakeVisible(id DeviceID) error {
	dev := c.device(id)
	if dev == nil {
		return ErrNotFound
	}
	if dev.Has(Dead) || c.suspend.Phase == Suspending {
		return ErrBadState
	}
	if !dev.Has(Invisible) {
		return nil
	}
	dev.Flags &^= Invisible
	c.env.Publisher.MakeVisible(dev.path)
	c.autobind(dev)
	return nil
}

// TopologicalPath returns the published path of the device. A proxy has
// the path of the device it represents.
func (c *Coordinator) TopologicalPath(id DeviceID) (string, error) {
	dev := c.device(id)
	if dev == nil {
		return "", ErrNotFound
	}
	return dev.path, nil
}

// RemoveDevice removes the device. If forced is true, the device's
// devhost is considered dead and every other device it hosts is also
// removed.
func (c *Coordinator) RemoveDevice(id DeviceID, forced bool) error {
	dev := c.device(id)
	if dev == nil {
		return ErrNotFound
	}
	if dev.Has(Dead) || dev.Has(Immortal) {
		return ErrBadState
	}
	if c.suspend.Phase == Suspending && !forced {
		return ErrBadState
	}
	if forced {
		if h := c.host(dev.host); h != nil {
			h.flags |= Dying
			c.removeHosted(h.id, dev)
			return nil
		}
	}
	c.removeOne(dev, false)
	return nil
}

// removeHosted removes first and then every device still hosted by the
// devhost hid until none remain or the devhost is released.
func (c *Coordinator) removeHosted(hid HostID, first *Device) {
	if first != nil {
		c.removeOne(first, false)
	}
	var last DeviceID
	for {
		h := c.host(hid)
		if h == nil || len(h.devices) == 0 {
			return
		}
		next := h.devices[0]
		if next == last {
			panic(fmt.Sprintf("coordinator: repeated removal of %s from dying devhost %s", next, h.Name))
		}
		last = next
		dev := c.device(next)
		if dev == nil {
			panic(fmt.Sprintf("coordinator: devhost %s holds freed device %s", h.Name, next))
		}
		c.removeOne(dev, false)
	}
}

// removeOne removes a single device and its descendants. If notify is
// true, the device's devhost is told of the removal.
func (c *Coordinator) removeOne(dev *Device, notify bool) {
	if dev.Has(Dead) {
		return
	}
	ctx := context.Background()
	c.log.LogAttrs(ctx, slog.LevelInfo, "remove device", slog.Any("device", dev), slog.Any("host", dev.host))
	dev.Flags |= Dead
	if !dev.Has(IsProxy) {
		c.env.Publisher.Unpublish(dev.path)
	}
	if dev.rebind != nil {
		dev.rebind()
		dev.rebind = nil
	}
	for _, cancel := range dev.watches {
		cancel()
	}
	dev.watches = nil

	for _, cid := range slices.Clone(dev.children) {
		if child := c.device(cid); child != nil {
			c.removeOne(child, true)
		}
	}
	if notify {
		c.sendRemove(dev)
	}

	if p := c.device(dev.proxy); p != nil {
		c.sendRemove(p)
		c.removeOne(p, false)
	}
	dev.proxy = DeviceID{}
	if dev.Has(IsProxy) {
		if p := c.device(dev.proxied); p != nil && p.proxy == dev.id {
			p.proxy = DeviceID{}
		}
	}

	for _, ref := range dev.components {
		c.retractSlot(ref)
		c.unref(dev)
	}
	dev.components = nil
	if dev.glueOf != nil {
		c.clearGlue(*dev.glueOf)
		dev.glueOf = nil
	}
	if spec := dev.composite; spec != nil {
		if spec.device == dev.id {
			spec.device = DeviceID{}
			c.dropProxies(spec)
		}
		dev.composite = nil
	}

	c.unlinkHost(dev)
	parent := c.device(dev.parent)
	c.unlinkParent(dev)
	if parent != nil {
		c.orphaned(parent)
	}
	c.unref(dev)
}

// sendRemove tells the devhost of dev that it has been removed.
func (c *Coordinator) sendRemove(dev *Device) {
	h := c.host(dev.host)
	if h == nil || h.flags&Dying != 0 {
		return
	}
	id := dev.id
	c.send(h.id, api.RemoveDevice, api.DeviceParams{Device: id.String()}, func(c *Coordinator, _ json.RawMessage, err error) {
		if err != nil {
			c.log.LogAttrs(context.Background(), slog.LevelWarn, "remote remove device", slog.Any("device", id), slog.Any("error", err))
		}
	})
}

// orphaned handles an isolating device losing its last child. The stale
// proxy is torn down, releasing its devhost, and the device is requeued
// for binding with exponential backoff.
func (c *Coordinator) orphaned(p *Device) {
	if len(p.children) != 0 || p.Has(Dead) || p.Has(Immortal) || !p.Has(MustIsolate) {
		return
	}
	if pr := c.device(p.proxy); pr != nil {
		c.sendRemove(pr)
		c.removeOne(pr, false)
	}
	p.Flags &^= Bound
	if h := c.host(p.host); h != nil && h.flags&Dying != 0 {
		return
	}
	if c.suspend.Phase == Suspending || p.retries <= 0 {
		return
	}
	if p.rebind != nil {
		p.rebind()
	}
	delay := p.backoff
	p.retries--
	p.backoff *= 2
	id := p.id
	c.log.LogAttrs(context.Background(), slog.LevelInfo, "schedule rebind", slog.Any("device", p), slog.Duration("delay", delay), slog.Int("retries", p.retries))
	p.rebind = c.after(delay, func(c *Coordinator) {
		dev := c.device(id)
		if dev == nil || dev.Has(Dead) {
			return
		}
		dev.rebind = nil
		if dev.Has(Bound) || c.suspend.Phase == Suspending {
			return
		}
		c.autobind(dev)
	})
}

func protocolName(id uint32) string {
	if name, ok := bind.ProtocolName(id); ok {
		return name
	}
	return fmt.Sprint(id)
}
