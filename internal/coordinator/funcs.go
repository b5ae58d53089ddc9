// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/kortschak/jsonrpc2"

	"github.com/kortschak/devmgr/cmd/devhost/api"
	"github.com/kortschak/devmgr/internal/devfs"
	"github.com/kortschak/devmgr/rpc"
)

// Funcs returns the RPC functions handling devhost requests. Requests are
// made on behalf of a device identified by the message UID: the Module is
// the devhost's name and the Service is the device token. Requests for
// devices not hosted by the sending devhost are denied.
func Funcs(l *Loop, log *slog.Logger) rpc.Funcs {
	log = log.With(slog.String("component", coordinatorUID.String()))
	return rpc.Funcs{
		api.AddDevice: serve(l, log, api.AddDevice, func(c *Coordinator, dev *Device, p api.AddDeviceParams) (string, error) {
			return addDevice(c, dev, p, false)
		}),
		api.AddDeviceInvisible: serve(l, log, api.AddDeviceInvisible, func(c *Coordinator, dev *Device, p api.AddDeviceParams) (string, error) {
			return addDevice(c, dev, p, true)
		}),
		api.RemoveDevice: serve(l, log, api.RemoveDevice, func(c *Coordinator, dev *Device, _ rpc.None) (rpc.None, error) {
			return rpc.None{}, c.RemoveDevice(dev.id, false)
		}),
		api.MakeVisible: serve(l, log, api.MakeVisible, func(c *Coordinator, dev *Device, _ rpc.None) (rpc.None, error) {
			return rpc.None{}, c.MakeVisible(dev.id)
		}),
		api.BindDevice: serve(l, log, api.BindDevice, func(c *Coordinator, dev *Device, p api.BindDeviceParams) (rpc.None, error) {
			return rpc.None{}, c.BindDevice(c.resolve(dev).id, p.Driver)
		}),
		api.GetTopologicalPath: serve(l, log, api.GetTopologicalPath, func(c *Coordinator, dev *Device, _ rpc.None) (string, error) {
			return c.TopologicalPath(dev.id)
		}),
		api.LoadFirmware: serveAsync(l, log, api.LoadFirmware, func(c *Coordinator, dev *Device, p api.LoadFirmwareParams, reply func([]byte, error)) error {
			return c.LoadFirmware(dev.id, p.Path, reply)
		}),
		api.GetMetadata: serve(l, log, api.GetMetadata, func(c *Coordinator, dev *Device, p api.MetadataParams) ([]byte, error) {
			return c.GetMetadata(dev.id, p.Key, p.Max)
		}),
		api.GetMetadataSize: serve(l, log, api.GetMetadataSize, func(c *Coordinator, dev *Device, p api.MetadataParams) (int, error) {
			return c.GetMetadataSize(dev.id, p.Key)
		}),
		api.AddMetadata: serve(l, log, api.AddMetadata, func(c *Coordinator, dev *Device, p api.MetadataParams) (rpc.None, error) {
			return rpc.None{}, c.AddMetadata(dev.id, p.Key, p.Data)
		}),
		api.PublishMetadata: serve(l, log, api.PublishMetadata, func(c *Coordinator, dev *Device, p api.MetadataParams) (rpc.None, error) {
			return rpc.None{}, c.PublishMetadata(dev.id, p.Path, p.Key, p.Data)
		}),
		api.AddCompositeDevice: serve(l, log, api.AddCompositeDevice, func(c *Coordinator, dev *Device, p api.CompositeParams) (rpc.None, error) {
			return rpc.None{}, c.AddCompositeDevice(dev.id, p)
		}),
		api.WatchDirectory: serve(l, log, api.WatchDirectory, func(c *Coordinator, dev *Device, p api.WatchParams) (rpc.None, error) {
			return rpc.None{}, c.WatchDirectory(dev.id, p.Path)
		}),
		api.Suspend: serveAsync(l, log, api.Suspend, func(c *Coordinator, dev *Device, p api.SuspendParams, reply func(rpc.None, error)) error {
			if !c.isPlatform(dev) {
				return ErrAccessDenied
			}
			kind, err := ParseSuspendKind(p.Kind)
			if err != nil {
				return ErrInvalidArgs
			}
			return c.Suspend(kind, func(err error) { reply(rpc.None{}, err) })
		}),
		api.Dump: serve(l, log, api.Dump, func(c *Coordinator, _ *Device, _ rpc.None) ([]api.DeviceInfo, error) {
			return c.Dump(), nil
		}),
	}
}

func addDevice(c *Coordinator, dev *Device, p api.AddDeviceParams, invisible bool) (string, error) {
	id, err := c.AddDevice(dev.id, DeviceArgs{
		Name:      p.Name,
		Protocol:  p.Protocol,
		Props:     p.Props,
		Artifact:  p.Artifact,
		Args:      p.Args,
		Invisible: invisible,
	})
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// requester returns the device a request was made on behalf of.
func requester(c *Coordinator, uid rpc.UID) (*Device, error) {
	id, err := ParseDeviceID(uid.Service)
	if err != nil {
		return nil, ErrInvalidArgs
	}
	dev := c.device(id)
	if dev == nil {
		return nil, ErrNotFound
	}
	h := c.host(dev.host)
	if h == nil || h.Name != uid.Module {
		return nil, ErrAccessDenied
	}
	return dev, nil
}

type rpcFunc = func(context.Context, jsonrpc2.ID, json.RawMessage) (*rpc.Message[any], error)

// serve returns an RPC function that runs fn on the loop goroutine.
func serve[P, R any](l *Loop, log *slog.Logger, method string, fn func(*Coordinator, *Device, P) (R, error)) rpcFunc {
	return func(ctx context.Context, _ jsonrpc2.ID, params json.RawMessage) (*rpc.Message[any], error) {
		var m rpc.Message[P]
		err := rpc.UnmarshalMessage(params, &m)
		if err != nil {
			log.LogAttrs(ctx, slog.LevelError, method, slog.Any("error", err))
			return nil, err
		}
		var res R
		err = l.Do(ctx, func(c *Coordinator) error {
			dev, err := requester(c, m.UID)
			if err != nil {
				return err
			}
			res, err = fn(c, dev, m.Body)
			return err
		})
		if err != nil {
			log.LogAttrs(ctx, slog.LevelWarn, method, slog.Any("uid", m.UID), slog.Any("error", err))
			return nil, err
		}
		return rpc.NewMessage[any](coordinatorUID, res), nil
	}
}

// serveAsync returns an RPC function that starts fn on the loop goroutine
// and waits for fn's operation to call reply.
func serveAsync[P, R any](l *Loop, log *slog.Logger, method string, fn func(*Coordinator, *Device, P, func(R, error)) error) rpcFunc {
	type result struct {
		val R
		err error
	}
	return func(ctx context.Context, _ jsonrpc2.ID, params json.RawMessage) (*rpc.Message[any], error) {
		var m rpc.Message[P]
		err := rpc.UnmarshalMessage(params, &m)
		if err != nil {
			log.LogAttrs(ctx, slog.LevelError, method, slog.Any("error", err))
			return nil, err
		}
		done := make(chan result, 1)
		err = l.Do(ctx, func(c *Coordinator) error {
			dev, err := requester(c, m.UID)
			if err != nil {
				return err
			}
			return fn(c, dev, m.Body, func(val R, err error) {
				done <- result{val: val, err: err}
			})
		})
		if err != nil {
			log.LogAttrs(ctx, slog.LevelWarn, method, slog.Any("uid", m.UID), slog.Any("error", err))
			return nil, err
		}
		select {
		case r := <-done:
			if r.err != nil {
				log.LogAttrs(ctx, slog.LevelWarn, method, slog.Any("uid", m.UID), slog.Any("error", r.err))
				return nil, r.err
			}
			return rpc.NewMessage[any](coordinatorUID, r.val), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WatchDirectory registers the device to receive directory events for
// published paths below path. The watch ends when the device is removed.
func (c *Coordinator) WatchDirectory(id DeviceID, path string) error {
	dev := c.device(id)
	if dev == nil {
		return ErrNotFound
	}
	if dev.Has(Dead) {
		return ErrBadState
	}
	if !strings.HasPrefix(path, "/") {
		return ErrInvalidArgs
	}
	cancel := c.env.Publisher.Watch(path, func(ev devfs.Event) {
		dev := c.device(id)
		if dev == nil || dev.Has(Dead) {
			return
		}
		c.send(dev.host, api.DirectoryEvent, api.DirectoryEventParams{
			Device:   id.String(),
			Op:       ev.Op.String(),
			Path:     ev.Path,
			Protocol: ev.Protocol,
		}, nil)
	})
	dev.watches = append(dev.watches, cancel)
	return nil
}

// Dump returns a snapshot of the device tree in depth-first order. Each
// proxy follows the device it represents.
func (c *Coordinator) Dump() []api.DeviceInfo {
	var infos []api.DeviceInfo
	var walk func(id DeviceID)
	walk = func(id DeviceID) {
		dev := c.device(id)
		if dev == nil {
			return
		}
		infos = append(infos, c.info(dev))
		if p := c.device(dev.proxy); p != nil {
			infos = append(infos, c.info(p))
		}
		for _, child := range dev.children {
			walk(child)
		}
	}
	walk(c.root)
	return infos
}

func (c *Coordinator) info(dev *Device) api.DeviceInfo {
	info := api.DeviceInfo{
		Device:   dev.id.String(),
		Name:     dev.Name,
		Path:     dev.path,
		Protocol: protocolName(dev.Protocol),
		Flags:    dev.Flags.String(),
		Parent:   dev.parent.String(),
		Proxy:    dev.proxy.String(),
		Proxied:  dev.proxied.String(),
	}
	if h := c.host(dev.host); h != nil {
		info.Host = h.Name
	}
	for _, child := range dev.children {
		info.Children = append(info.Children, child.String())
	}
	return info
}
