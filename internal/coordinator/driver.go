// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/kortschak/devmgr/cmd/devhost/api"
	"github.com/kortschak/devmgr/internal/bind"
)

// Driver is a registered driver. Drivers are immutable after
// registration.
type Driver struct {
	Name     string
	Artifact string
	Program  bind.Program

	// NeverAutoselect drivers are only bound by name.
	NeverAutoselect bool
	// Isolate drivers are always bound in a dedicated devhost.
	Isolate bool
}

// Drivers returns the registered drivers in registration order.
func (c *Coordinator) Drivers() []*Driver { return slices.Clone(c.drivers) }

func (c *Coordinator) driver(name string) (*Driver, int) {
	for i, d := range c.drivers {
		if d.Name == name {
			return d, i
		}
	}
	return nil, -1
}

// AddDrivers registers drivers and attempts to bind each new driver to
// every bindable device in registration order. Drivers with names that
// are already registered, or that are disabled with the boot argument
// driver.<name>.disable, are ignored.
func (c *Coordinator) AddDrivers(drivers []*Driver) {
	ctx := context.Background()
	first := len(c.drivers)
	for _, d := range drivers {
		if old, _ := c.driver(d.Name); old != nil {
			c.log.LogAttrs(ctx, slog.LevelDebug, "duplicate driver", slog.String("name", d.Name))
			continue
		}
		if c.env.BootArgs.Bool("driver."+d.Name+".disable", false) {
			c.log.LogAttrs(ctx, slog.LevelInfo, "driver disabled", slog.String("name", d.Name))
			continue
		}
		c.log.LogAttrs(ctx, slog.LevelInfo, "add driver", slog.String("name", d.Name), slog.String("artifact", d.Artifact), slog.String("bind", d.Program.String()))
		c.drivers = append(c.drivers, d)
	}
	if c.suspend.Phase == Suspending {
		return
	}
	for i := first; i < len(c.drivers); i++ {
		drv := c.drivers[i]
		if drv.NeverAutoselect {
			continue
		}
		for _, id := range slices.Clone(c.order) {
			dev := c.device(id)
			if dev == nil || dev.bindableState() != nil {
				continue
			}
			err := c.tryDriver(drv, i, dev, true)
			if err != nil && err != errTryNext {
				c.log.LogAttrs(ctx, slog.LevelWarn, "hot bind", slog.String("driver", drv.Name), slog.Any("device", dev), slog.Any("error", err))
			}
		}
	}
}

// BindDevice binds the named driver to the device. If name is empty,
// composite components and drivers are selected automatically.
func (c *Coordinator) BindDevice(id DeviceID, name string) error {
	dev := c.device(id)
	if dev == nil {
		return ErrNotFound
	}
	if c.suspend.Phase == Suspending {
		return ErrBadState
	}
	if dev.Has(Dead) || (dev.Has(Bound) && !dev.Has(MultiBind)) {
		return ErrBadState
	}
	return c.bindDevice(dev, name, name == "")
}

// AttemptBind binds drv to the device without checking the driver's bind
// program.
func (c *Coordinator) AttemptBind(drv *Driver, id DeviceID) error {
	dev := c.device(id)
	if dev == nil {
		return ErrNotFound
	}
	_, idx := c.driver(drv.Name)
	return c.attemptBind(drv, idx, dev, false)
}

func (c *Coordinator) bindDevice(dev *Device, name string, autobind bool) error {
	if autobind {
		c.matchComposites(dev)
	}
	return c.bindDrivers(dev, name, autobind, 0)
}

// bindDrivers tries drivers starting from index from until one binds,
// or, for a multi-bind device, until all applicable drivers are bound.
func (c *Coordinator) bindDrivers(dev *Device, name string, autobind bool, from int) error {
	var bound bool
	for i := from; i < len(c.drivers); i++ {
		drv := c.drivers[i]
		if name != "" && drv.Name != name {
			continue
		}
		err := c.tryDriver(drv, i, dev, autobind)
		if err == errTryNext {
			continue
		}
		if err != nil {
			return err
		}
		bound = true
		if !dev.Has(MultiBind) {
			break
		}
	}
	if name != "" && !bound {
		return ErrNotFound
	}
	return nil
}

// tryDriver attempts to bind drv to dev. It returns errTryNext if the
// driver does not apply or failed in a way that allows another driver
// to be tried.
func (c *Coordinator) tryDriver(drv *Driver, idx int, dev *Device, autobind bool) error {
	if autobind && drv.NeverAutoselect {
		return errTryNext
	}
	if !bind.IsBindable(drv.Program, dev.Protocol, dev.Props, autobind) {
		return errTryNext
	}
	err := c.attemptBind(drv, idx, dev, autobind)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrBadState):
		return err
	default:
		c.log.LogAttrs(context.Background(), slog.LevelWarn, "bind driver", slog.String("driver", drv.Name), slog.Any("device", dev), slog.Any("error", err))
		return errTryNext
	}
}

// attemptBind sends a bind request for drv to the devhost of dev, or to
// the devhost of its proxy if the bind must be isolated. If the devhost
// rejects the driver and autobind is true, binding continues with the
// drivers registered after idx.
func (c *Coordinator) attemptBind(drv *Driver, idx int, dev *Device, autobind bool) error {
	if c.suspend.Phase == Suspending {
		return ErrBadState
	}
	if dev.Has(Dead) || dev.Has(IsProxy) || (dev.Has(Bound) && !dev.Has(MultiBind)) {
		return ErrBadState
	}
	target := dev
	if dev.Has(MustIsolate) || drv.Isolate {
		err := c.PrepareProxy(dev.id, HostID{})
		if err != nil {
			return err
		}
		target = c.device(dev.proxy)
	}
	if target == nil || c.host(target.host) == nil {
		return ErrBadState
	}

	dev.Flags |= Bound
	id := dev.id
	params := api.BindDriverParams{
		Device:   target.id.String(),
		Driver:   drv.Name,
		Artifact: drv.Artifact,
		Args:     dev.Args,
	}
	err := c.send(target.host, api.BindDriver, params, func(c *Coordinator, _ json.RawMessage, err error) {
		ctx := context.Background()
		dev := c.device(id)
		if err == nil {
			c.log.LogAttrs(ctx, slog.LevelInfo, "bound", slog.String("driver", drv.Name), slog.Any("device", dev))
			return
		}
		c.log.LogAttrs(ctx, slog.LevelError, "bind driver failed", slog.String("driver", drv.Name), slog.Any("device", id), slog.Any("error", err))
		if dev == nil || dev.Has(Dead) {
			return
		}
		if len(dev.children) == 0 {
			dev.Flags &^= Bound
		}
		if autobind && c.suspend.Phase == Running {
			err := c.bindDrivers(dev, "", true, idx+1)
			if err != nil {
				c.log.LogAttrs(ctx, slog.LevelWarn, "rebind", slog.Any("device", dev), slog.Any("error", err))
			}
		}
	})
	if err != nil {
		dev.Flags &^= Bound
		return err
	}
	return nil
}

// LoadFirmware loads the firmware at path for the device and calls reply
// with the result on the coordinator goroutine. Only one load may be
// outstanding for each device.
func (c *Coordinator) LoadFirmware(id DeviceID, path string, reply func([]byte, error)) error {
	dev := c.device(id)
	if dev == nil {
		return ErrNotFound
	}
	if dev.Has(Dead) || dev.firmware {
		return ErrBadState
	}
	if c.env.Firmware == nil {
		return ErrUnavailable
	}
	dev.firmware = true
	fw := c.env.Firmware
	var data []byte
	c.background(func() error {
		var err error
		data, err = fw.Load(context.Background(), path)
		return err
	}, func(c *Coordinator, err error) {
		if dev := c.device(id); dev != nil {
			dev.firmware = false
		}
		if err != nil {
			c.log.LogAttrs(context.Background(), slog.LevelWarn, "load firmware", slog.Any("device", id), slog.String("path", path), slog.Any("error", err))
		}
		reply(data, err)
	})
	return nil
}

// FirmwareDir is a FirmwareLoader reading images from a directory.
type FirmwareDir string

// Load returns the contents of the named file within the directory.
func (d FirmwareDir) Load(_ context.Context, path string) ([]byte, error) {
	if d == "" {
		return nil, ErrUnavailable
	}
	if !filepath.IsLocal(path) {
		return nil, ErrInvalidArgs
	}
	b, err := os.ReadFile(filepath.Join(string(d), path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}
