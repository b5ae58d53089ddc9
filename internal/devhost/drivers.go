// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/kortschak/devmgr/cmd/devhost/api"
	"github.com/kortschak/devmgr/internal/bind"
)

// driver is a built-in driver. It is called with the token of the device
// it has been bound to and the bind arguments.
type driver func(ctx context.Context, d *daemon, device string, args []string) error

// drivers is the table of built-in drivers.
var drivers map[string]driver

func init() {
	drivers = map[string]driver{
		"platform-bus":      platformBus,
		api.ComponentDriver: component,
		"generic":           generic,
		"null":              func(context.Context, *daemon, string, []string) error { return nil },
	}
}

// platformBus publishes the board's devices beneath the device it is bound
// to. The devices are described by the driver.platform-bus.devices boot
// argument as a comma separated list of name:protocol pairs. Composites
// are described by driver.platform-bus.composites as a semicolon separated
// list of name:protocol+protocol... entries, each component matching a
// device with the given protocol. Bind arguments of the form devices=...
// and composites=... take precedence over the boot arguments.
func platformBus(ctx context.Context, d *daemon, device string, args []string) error {
	cfg := map[string]string{
		"devices":    d.getenv("driver.platform-bus.devices"),
		"composites": d.getenv("driver.platform-bus.composites"),
	}
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if _, known := cfg[k]; !ok || !known {
			return fmt.Errorf("invalid platform-bus argument: %q", a)
		}
		cfg[k] = v
	}
	devices, err := parseChildren(cfg["devices"], ",")
	if err != nil {
		return err
	}
	for _, c := range devices {
		var token string
		err = d.coord.call(ctx, api.AddDevice, device, c, &token)
		if err != nil {
			return fmt.Errorf("add %s: %w", c.Name, err)
		}
		d.log.LogAttrs(ctx, slog.LevelInfo, "platform device", slog.String("name", c.Name), slog.String("device", token))
	}
	composites, err := parseComposites(cfg["composites"])
	if err != nil {
		return err
	}
	for _, c := range composites {
		err = d.coord.call(ctx, api.AddCompositeDevice, device, c, nil)
		if err != nil {
			return fmt.Errorf("add composite %s: %w", c.Name, err)
		}
	}
	return nil
}

// component publishes the glue device that stands in for a composite
// component. Its arguments are the composite name, the component index
// and the component name.
func component(ctx context.Context, d *daemon, device string, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("invalid component arguments: %q", args)
	}
	var token string
	return d.coord.call(ctx, api.AddDevice, device, api.AddDeviceParams{
		Name:     args[0] + "." + args[2],
		Protocol: bind.ProtoComponent,
		Args:     args,
	}, &token)
}

// generic is a configurable driver. Its arguments are key=value pairs.
// Each child=name:protocol argument adds a child device, firmware=path
// loads firmware for the device and metadata=key:value adds metadata.
func generic(ctx context.Context, d *daemon, device string, args []string) error {
	var errs []error
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			errs = append(errs, fmt.Errorf("invalid argument: %q", a))
			continue
		}
		switch k {
		case "child":
			c, err := parseChildren(v, ",")
			if err != nil {
				errs = append(errs, err)
				continue
			}
			var token string
			err = d.coord.call(ctx, api.AddDevice, device, c[0], &token)
			if err != nil {
				errs = append(errs, fmt.Errorf("add %s: %w", c[0].Name, err))
			}
		case "firmware":
			var blob []byte
			err := d.coord.call(ctx, api.LoadFirmware, device, api.LoadFirmwareParams{Path: v}, &blob)
			if err != nil {
				errs = append(errs, fmt.Errorf("load firmware %s: %w", v, err))
				continue
			}
			d.log.LogAttrs(ctx, slog.LevelInfo, "firmware", slog.String("path", v), slog.Int("size", len(blob)))
		case "metadata":
			key, data, ok := strings.Cut(v, ":")
			if !ok {
				errs = append(errs, fmt.Errorf("invalid metadata: %q", v))
				continue
			}
			n, err := strconv.ParseUint(key, 0, 32)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid metadata key: %w", err))
				continue
			}
			err = d.coord.call(ctx, api.AddMetadata, device, api.MetadataParams{Key: uint32(n), Data: []byte(data)}, nil)
			if err != nil {
				errs = append(errs, fmt.Errorf("add metadata %s: %w", key, err))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown argument: %q", k))
		}
	}
	return errors.Join(errs...)
}

func parseChildren(list, sep string) ([]api.AddDeviceParams, error) {
	if list == "" {
		return nil, nil
	}
	var children []api.AddDeviceParams
	for _, c := range strings.Split(list, sep) {
		name, proto, err := parseNameProto(c)
		if err != nil {
			return nil, err
		}
		children = append(children, api.AddDeviceParams{Name: name, Protocol: proto})
	}
	return children, nil
}

func parseComposites(list string) ([]api.CompositeParams, error) {
	if list == "" {
		return nil, nil
	}
	var composites []api.CompositeParams
	for _, c := range strings.Split(list, ";") {
		name, parts, ok := strings.Cut(c, ":")
		if !ok || name == "" || parts == "" {
			return nil, fmt.Errorf("invalid composite: %q", c)
		}
		p := api.CompositeParams{Name: name}
		for _, proto := range strings.Split(parts, "+") {
			if _, ok := bind.Protocols[proto]; !ok {
				return nil, fmt.Errorf("invalid protocol in composite %s: %q", name, proto)
			}
			p.Components = append(p.Components, api.ComponentParams{
				Name:  proto,
				Chain: [][]string{{"protocol == " + proto}},
			})
		}
		composites = append(composites, p)
	}
	return composites, nil
}

func parseNameProto(s string) (string, uint32, error) {
	name, protoName, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || name == "" {
		return "", 0, fmt.Errorf("invalid device: %q", s)
	}
	proto, ok := bind.Protocols[protoName]
	if !ok {
		return "", 0, fmt.Errorf("invalid protocol for %s: %q", name, protoName)
	}
	return name, proto, nil
}
