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
	"strconv"

	"github.com/kortschak/devmgr/cmd/devhost/api"
	"github.com/kortschak/devmgr/internal/bind"
)

// CompositeDevice is a composite device spec. A composite device is
// assembled once every component slot holds a component device.
type CompositeDevice struct {
	Name       string
	Props      []bind.Property
	Components []*Component
	CoResident int

	device DeviceID
	// proxies are the component proxies made in the
	// co-resident devhost for the assembled composite.
	proxies []DeviceID
}

// Device returns the assembled composite device, or the zero DeviceID
// if the composite is not assembled.
func (d *CompositeDevice) Device() DeviceID { return d.device }

func (d *CompositeDevice) LogValue() slog.Value { return slog.StringValue(d.Name) }

// Component is a composite component slot. Chain is matched against a
// candidate device and its ancestors, most specific last.
type Component struct {
	Name  string
	Chain []bind.Program

	// bound is the matched device and glue is the component
	// device added under it by the component driver.
	bound DeviceID
	glue  DeviceID
}

// Bound returns the device matched to the slot.
func (c *Component) Bound() DeviceID { return c.bound }

// Glue returns the component device filling the slot.
func (c *Component) Glue() DeviceID { return c.glue }

// Composites returns the registered composite specs in registration
// order.
func (c *Coordinator) Composites() []*CompositeDevice { return slices.Clone(c.composites) }

// AddCompositeDevice registers a composite device spec on behalf of
// requester, which must be the sys device or one of its children, and
// matches it against every device already registered.
func (c *Coordinator) AddCompositeDevice(requester DeviceID, desc api.CompositeParams) error {
	ctx := context.Background()
	if c.suspend.Phase == Suspending {
		return ErrBadState
	}
	req := c.device(requester)
	if req == nil {
		return ErrNotFound
	}
	if !c.isPlatform(req) {
		return ErrAccessDenied
	}
	if desc.Name == "" || len(desc.Components) == 0 || desc.CoResident < 0 || desc.CoResident >= len(desc.Components) {
		return ErrInvalidArgs
	}
	for _, spec := range c.composites {
		if spec.Name == desc.Name {
			return ErrInvalidArgs
		}
	}
	spec := &CompositeDevice{
		Name:       desc.Name,
		Props:      desc.Props,
		Components: make([]*Component, len(desc.Components)),
		CoResident: desc.CoResident,
	}
	seen := make(map[string]bool)
	for i, comp := range desc.Components {
		name := comp.Name
		if name == "" {
			name = fmt.Sprintf("component-%d", i)
		}
		if seen[name] || len(comp.Chain) == 0 {
			return ErrInvalidArgs
		}
		seen[name] = true
		chain := make([]bind.Program, len(comp.Chain))
		for j, lines := range comp.Chain {
			prog, err := bind.Parse(lines)
			if err != nil {
				c.log.LogAttrs(ctx, slog.LevelWarn, "invalid component bind program", slog.String("composite", desc.Name), slog.String("component", name), slog.Int("program", j), slog.Any("error", err))
				return ErrInvalidArgs
			}
			chain[j] = prog
		}
		spec.Components[i] = &Component{Name: name, Chain: chain}
	}
	c.composites = append(c.composites, spec)
	c.log.LogAttrs(ctx, slog.LevelInfo, "add composite", slog.String("name", spec.Name), slog.Int("components", len(spec.Components)))

	for _, id := range slices.Clone(c.order) {
		dev := c.device(id)
		if dev == nil || !c.componentCandidate(dev) {
			continue
		}
		idx, ok := c.tryMatch(spec, dev)
		if !ok {
			continue
		}
		err := c.BindComponent(spec, idx, id)
		if err != nil {
			c.log.LogAttrs(ctx, slog.LevelWarn, "bind component", slog.String("composite", spec.Name), slog.Int("component", idx), slog.Any("device", dev), slog.Any("error", err))
		}
	}
	return nil
}

// isPlatform returns whether dev is the sys device, its proxy or one of
// its children.
func (c *Coordinator) isPlatform(dev *Device) bool {
	if dev.Has(IsProxy) {
		dev = c.device(dev.proxied)
		if dev == nil {
			return false
		}
	}
	return dev.id == c.sys || dev.parent == c.sys
}

func (c *Coordinator) componentCandidate(dev *Device) bool {
	return !dev.Has(Dead) && !dev.Has(IsProxy) && !dev.Has(Invisible) && dev.glueOf == nil
}

// TryMatchComponents returns the first composite spec and unbound
// component slot matching the device. Specs are visited in registration
// order and components in index order.
func (c *Coordinator) TryMatchComponents(id DeviceID) (*CompositeDevice, int, bool) {
	dev := c.device(id)
	if dev == nil || !c.componentCandidate(dev) {
		return nil, -1, false
	}
	for _, spec := range c.composites {
		if idx, ok := c.tryMatch(spec, dev); ok {
			return spec, idx, true
		}
	}
	return nil, -1, false
}

// tryMatch returns the first unbound component of spec matching dev. A
// device fills at most one slot of each spec.
func (c *Coordinator) tryMatch(spec *CompositeDevice, dev *Device) (int, bool) {
	for _, ref := range dev.components {
		if ref.spec == spec {
			return -1, false
		}
	}
	var path []bind.Node
	for d := dev; d != nil; d = c.device(d.parent) {
		path = append(path, d.node())
	}
	for i, comp := range spec.Components {
		if !comp.bound.IsZero() {
			continue
		}
		if bind.MatchChain(comp.Chain, path) {
			return i, true
		}
	}
	return -1, false
}

// matchComposites binds dev to a component slot of every spec it
// matches.
func (c *Coordinator) matchComposites(dev *Device) {
	if !c.componentCandidate(dev) {
		return
	}
	for {
		spec, idx, ok := c.TryMatchComponents(dev.id)
		if !ok {
			return
		}
		err := c.BindComponent(spec, idx, dev.id)
		if err != nil {
			c.log.LogAttrs(context.Background(), slog.LevelWarn, "bind component", slog.String("composite", spec.Name), slog.Int("component", idx), slog.Any("device", dev), slog.Any("error", err))
			return
		}
	}
}

// BindComponent records dev as the match for the component slot idx of
// spec and binds the component driver to it. The component driver adds
// the component device that fills the slot.
func (c *Coordinator) BindComponent(spec *CompositeDevice, idx int, id DeviceID) error {
	dev := c.device(id)
	if dev == nil {
		return ErrNotFound
	}
	if dev.Has(Dead) || dev.Has(IsProxy) {
		return ErrBadState
	}
	if idx < 0 || idx >= len(spec.Components) {
		return ErrInvalidArgs
	}
	comp := spec.Components[idx]
	if !comp.bound.IsZero() {
		return ErrBadState
	}
	target := dev
	if dev.Has(MustIsolate) {
		err := c.PrepareProxy(id, HostID{})
		if err != nil {
			return err
		}
		target = c.device(dev.proxy)
	}
	if target == nil || c.host(target.host) == nil {
		return ErrBadState
	}

	ref := slotRef{spec: spec, idx: idx}
	comp.bound = id
	dev.components = append(dev.components, ref)
	dev.refs++
	params := api.BindDriverParams{
		Device:   target.id.String(),
		Driver:   api.ComponentDriver,
		Artifact: c.cfg.ComponentDriver,
		Args:     []string{spec.Name, strconv.Itoa(idx), comp.Name},
	}
	c.log.LogAttrs(context.Background(), slog.LevelInfo, "bind component", slog.String("composite", spec.Name), slog.String("component", comp.Name), slog.Any("device", dev))
	err := c.send(target.host, api.BindDriver, params, func(c *Coordinator, _ json.RawMessage, err error) {
		if err == nil {
			return
		}
		c.log.LogAttrs(context.Background(), slog.LevelError, "bind component failed", slog.String("composite", spec.Name), slog.String("component", comp.Name), slog.Any("device", id), slog.Any("error", err))
		if comp.bound == id && comp.glue.IsZero() {
			c.unbindSlot(ref, id)
		}
	})
	if err != nil {
		c.unbindSlot(ref, id)
		return err
	}
	return nil
}

// unbindSlot reverts a slot match that did not produce a component
// device.
func (c *Coordinator) unbindSlot(ref slotRef, id DeviceID) {
	ref.spec.Components[ref.idx].bound = DeviceID{}
	dev := c.device(id)
	if dev == nil {
		return
	}
	n := len(dev.components)
	dev.components = slices.DeleteFunc(dev.components, func(r slotRef) bool { return r == ref })
	if len(dev.components) != n {
		c.unref(dev)
	}
}

// componentSlot returns the slot that dev, being added under parent p,
// fills as a component device.
func (c *Coordinator) componentSlot(p, dev *Device) (slotRef, bool) {
	if dev.Protocol != bind.ProtoComponent || len(dev.Args) != 3 {
		return slotRef{}, false
	}
	idx, err := strconv.Atoi(dev.Args[1])
	if err != nil {
		return slotRef{}, false
	}
	for _, spec := range c.composites {
		if spec.Name != dev.Args[0] || idx < 0 || idx >= len(spec.Components) {
			continue
		}
		comp := spec.Components[idx]
		if comp.Name == dev.Args[2] && comp.bound == p.id && comp.glue.IsZero() {
			return slotRef{spec: spec, idx: idx}, true
		}
	}
	return slotRef{}, false
}

func (c *Coordinator) fillSlot(ref slotRef, dev *Device) {
	comp := ref.spec.Components[ref.idx]
	comp.glue = dev.id
	dev.glueOf = &ref
	c.log.LogAttrs(context.Background(), slog.LevelDebug, "fill component", slog.String("composite", ref.spec.Name), slog.String("component", comp.Name), slog.Any("device", dev))
	c.tryAssemble(ref.spec)
}

// retractSlot removes the bound device from a slot, removing its
// component device and tearing down any assembled composite.
func (c *Coordinator) retractSlot(ref slotRef) {
	comp := ref.spec.Components[ref.idx]
	c.log.LogAttrs(context.Background(), slog.LevelInfo, "retract component", slog.String("composite", ref.spec.Name), slog.String("component", comp.Name), slog.Any("device", comp.bound))
	comp.bound = DeviceID{}
	if g := c.device(comp.glue); g != nil {
		c.removeOne(g, true)
	}
	comp.glue = DeviceID{}
	c.teardownComposite(ref.spec)
}

// clearGlue empties a slot's component device and reverts the slot
// match so the matched device may fill it again.
func (c *Coordinator) clearGlue(ref slotRef) {
	comp := ref.spec.Components[ref.idx]
	comp.glue = DeviceID{}
	c.unbindSlot(ref, comp.bound)
	c.teardownComposite(ref.spec)
}

func (c *Coordinator) teardownComposite(spec *CompositeDevice) {
	if d := c.device(spec.device); d != nil {
		c.log.LogAttrs(context.Background(), slog.LevelInfo, "teardown composite", slog.String("name", spec.Name), slog.Any("device", d))
		c.removeOne(d, true)
	}
	spec.device = DeviceID{}
	c.dropProxies(spec)
}

// dropProxies removes the component proxies made for spec, releasing
// the devhost they were made in once nothing else holds it.
func (c *Coordinator) dropProxies(spec *CompositeDevice) {
	for _, id := range spec.proxies {
		c.removeProxy(id)
	}
	spec.proxies = nil
}

// removeProxy removes the proxy with the given id if it is live.
func (c *Coordinator) removeProxy(id DeviceID) {
	p := c.device(id)
	if p == nil || p.Has(Dead) || !p.Has(IsProxy) {
		return
	}
	c.sendRemove(p)
	c.removeOne(p, false)
}

// tryAssemble creates the composite device for spec if every slot holds
// a component device. The composite is created in the devhost of the
// co-resident component; other components are proxied into it.
func (c *Coordinator) tryAssemble(spec *CompositeDevice) {
	ctx := context.Background()
	if !spec.device.IsZero() {
		return
	}
	for _, comp := range spec.Components {
		if comp.glue.IsZero() {
			return
		}
	}
	co := c.device(spec.Components[spec.CoResident].glue)
	if co == nil || c.host(co.host) == nil {
		c.log.LogAttrs(ctx, slog.LevelError, "no co-resident devhost", slog.String("composite", spec.Name))
		return
	}
	hid := co.host
	tokens := make([]string, len(spec.Components))
	for i, comp := range spec.Components {
		g := c.device(comp.glue)
		if g.host == hid {
			tokens[i] = g.id.String()
			continue
		}
		if p := c.device(g.proxy); p != nil && p.host != hid {
			c.log.LogAttrs(ctx, slog.LevelInfo, "stale component proxy", slog.String("composite", spec.Name), slog.String("component", comp.Name), slog.Any("proxy", p), slog.Any("host", p.host))
			c.removeProxy(p.id)
		}
		err := c.PrepareProxy(g.id, hid)
		if err != nil {
			c.log.LogAttrs(ctx, slog.LevelError, "proxy component", slog.String("composite", spec.Name), slog.String("component", comp.Name), slog.Any("error", err))
			c.dropProxies(spec)
			return
		}
		spec.proxies = append(spec.proxies, g.proxy)
		tokens[i] = g.proxy.String()
	}

	dev := &Device{
		Name:      spec.Name,
		Protocol:  bind.ProtoComposite,
		Props:     spec.Props,
		Flags:     Composite,
		path:      co.path + "/" + spec.Name,
		composite: spec,
		retries:   c.cfg.BindRetries,
		backoff:   c.cfg.BindBackoff,
	}
	id := c.insertDevice(dev)
	c.linkParent(dev, co)
	c.linkHost(dev, c.host(hid))
	spec.device = id
	c.env.Publisher.Publish(dev.path, dev.Protocol, true)
	c.log.LogAttrs(ctx, slog.LevelInfo, "assemble composite", slog.String("name", spec.Name), slog.Any("device", dev), slog.Any("components", tokens))

	params := api.CompositeDeviceParams{
		Device:     id.String(),
		Name:       spec.Name,
		Props:      spec.Props,
		Components: tokens,
	}
	err := c.send(hid, api.CreateCompositeDevice, params, func(c *Coordinator, _ json.RawMessage, err error) {
		if err == nil {
			return
		}
		c.log.LogAttrs(context.Background(), slog.LevelError, "create composite failed", slog.String("name", spec.Name), slog.Any("error", err))
		if d := c.device(id); d != nil {
			c.removeOne(d, false)
		}
	})
	if err != nil {
		c.removeOne(dev, false)
		return
	}
	c.autobind(dev)
}
