// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package devhost implements the devhost process. A devhost holds devices
// on behalf of the coordinator and runs the drivers bound to them.
package devhost

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kortschak/jsonrpc2"

	"github.com/kortschak/devmgr/cmd/devhost/api"
	"github.com/kortschak/devmgr/internal/bind"
	"github.com/kortschak/devmgr/internal/slogext"
	"github.com/kortschak/devmgr/internal/version"
	"github.com/kortschak/devmgr/rpc"
)

// Exit status codes.
const (
	success       = 0
	internalError = 1 << (iota - 1)
	invocationError
)

// Main is the devhost entry point. It returns the process exit status.
func Main() int {
	network := flag.String("network", "", "network for communication (unix or tcp)")
	addr := flag.String("addr", "", "address for communication")
	uid := flag.String("uid", "", "unique ID")
	logging := flag.String("log", "info", "logging level (debug, info, warn or error)")
	lines := flag.Bool("lines", false, "display source line details in logs")
	logStdout := flag.Bool("log_stdout", false, "log to stdout instead of stderr")
	v := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *v {
		err := version.Print()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return internalError
		}
		return success
	}

	switch *network {
	case "unix", "tcp":
	default:
		flag.Usage()
		return invocationError
	}

	switch "" {
	case *addr, *uid:
		flag.Usage()
		return invocationError
	default:
	}

	var level slog.LevelVar
	err := level.UnmarshalText([]byte(*logging))
	if err != nil {
		flag.Usage()
		return invocationError
	}
	addSource := slogext.NewAtomicBool(*lines)
	logDst := os.Stderr
	if *logStdout {
		logDst = os.Stdout
	}
	log := slog.New(slogext.GoID{Handler: slogext.NewJSONHandler(logDst, &slogext.HandlerOptions{
		Level:     &level,
		AddSource: addSource,
	})}).With(
		slog.String("component", *uid),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := newDaemon(*uid, log, cancel)
	err = d.dial(ctx, *network, *addr, net.Dialer{})
	if err != nil {
		log.LogAttrs(ctx, slog.LevelError, err.Error())
		return internalError
	}
	defer d.close()

	// The kernel holds the write end of stdin open until the
	// devhost is no longer wanted.
	go func() {
		var buf [1]byte
		os.Stdin.Read(buf[:])
		log.LogAttrs(ctx, slog.LevelInfo, "lifeline closed")
		cancel()
	}()

	log.LogAttrs(ctx, slog.LevelInfo, "start")
	<-ctx.Done()
	log.LogAttrs(ctx, slog.LevelInfo, "exit")

	return success
}

// caller makes calls to the coordinator on behalf of a device.
type caller interface {
	call(ctx context.Context, method, device string, params, result any) error
}

type daemon struct {
	uid string

	// kernel is the connection to the kernel of a devhost
	// process. It is nil for a built-in devhost.
	kernel *rpc.Daemon
	// conn is the connection calls to the kernel are made on.
	conn atomic.Pointer[jsonrpc2.Connection]
	// coord is used for calls to the coordinator. It is the
	// daemon itself except in tests.
	coord caller

	// getenv returns driver configuration from the
	// environment.
	getenv func(string) string

	log    *slog.Logger
	cancel context.CancelFunc

	mu         sync.Mutex
	devices    map[string]*device
	suspended  string
	background sync.WaitGroup
	closed     atomic.Bool
}

// device is a device held by the devhost.
type device struct {
	token    string
	name     string
	protocol uint32
	props    []bind.Property
	args     []string

	// proxied is the token of the device in another devhost that
	// this device represents, and remote is the devhost holding
	// the proxy for this device.
	proxied string
	remote  string

	drivers    []string
	components []string
}

func newDaemon(uid string, log *slog.Logger, cancel context.CancelFunc) *daemon {
	d := &daemon{
		uid:     uid,
		getenv:  os.Getenv,
		log:     log,
		cancel:  cancel,
		devices: make(map[string]*device),
	}
	d.coord = d
	return d
}

// Builtin runs a devhost within the calling process, connected to kernel
// as uid. Drivers are configured from env, a list of key=value pairs. exit
// is called when the kernel tells the devhost to stop.
func Builtin(ctx context.Context, kernel *rpc.Kernel, uid string, env []string, log *slog.Logger, exit func()) error {
	if exit == nil {
		exit = func() {}
	}
	vars := make(map[string]string)
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			vars[k] = v
		}
	}
	d := newDaemon(uid, log.With(slog.String("component", uid)), exit)
	d.getenv = func(k string) string { return vars[k] }
	return kernel.Builtin(ctx, uid, net.Dialer{}, d)
}

func (d *daemon) dial(ctx context.Context, network, addr string, dialer net.Dialer) error {
	d.log.LogAttrs(ctx, slog.LevelDebug, "dial", slog.String("network", network), slog.String("addr", addr))
	var err error
	d.kernel, err = rpc.NewDaemon(ctx, network, addr, d.uid, dialer, d)
	return err
}

func (d *daemon) close() error {
	d.closed.Store(true)
	d.background.Wait()
	return d.kernel.Close()
}

func (d *daemon) Bind(ctx context.Context, conn *jsonrpc2.Connection) jsonrpc2.ConnectionOptions {
	d.log.LogAttrs(ctx, slog.LevelDebug, "bind")
	d.conn.Store(conn)
	return jsonrpc2.ConnectionOptions{
		Handler: d,
	}
}

func (d *daemon) call(ctx context.Context, method, device string, params, result any) error {
	conn := d.conn.Load()
	if conn == nil {
		return rpc.NewError(rpc.ErrCodeUnavailable, "no kernel connection", map[string]any{"method": method})
	}
	uid := rpc.UID{Module: d.uid, Service: device}
	var res rpc.Message[json.RawMessage]
	err := conn.Call(ctx, method, rpc.NewMessage(uid, params)).Await(ctx, &res)
	if err != nil {
		return err
	}
	if result == nil || len(res.Body) == 0 {
		return nil
	}
	return json.Unmarshal(res.Body, result)
}

func (d *daemon) Handle(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	d.log.LogAttrs(ctx, slog.LevelDebug, "handle", slog.Any("req", slogext.Request{Request: req}))

	switch req.Method {
	case rpc.Who:
		v, err := version.String()
		if err != nil || v == "" {
			v = "unknown"
		}
		return rpc.NewMessage(rpc.UID{Module: d.uid}, v), nil

	case api.CreateDevice, api.CreateDeviceStub:
		var m rpc.Message[api.CreateDeviceParams]
		err := rpc.UnmarshalMessage(req.Params, &m)
		if err != nil {
			d.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		return d.reply(m.UID, d.createDevice(ctx, req.Method, m.Body))

	case api.CreateCompositeDevice:
		var m rpc.Message[api.CompositeDeviceParams]
		err := rpc.UnmarshalMessage(req.Params, &m)
		if err != nil {
			d.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		return d.reply(m.UID, d.createComposite(ctx, m.Body))

	case api.BindDriver:
		var m rpc.Message[api.BindDriverParams]
		err := rpc.UnmarshalMessage(req.Params, &m)
		if err != nil {
			d.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		return d.reply(m.UID, d.bindDriver(ctx, m.Body.Device, m.Body.Driver, m.Body.Artifact, m.Body.Args))

	case api.ConnectProxy:
		var m rpc.Message[api.ConnectProxyParams]
		err := rpc.UnmarshalMessage(req.Params, &m)
		if err != nil {
			d.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		d.mu.Lock()
		if dev, ok := d.devices[m.Body.Device]; ok {
			dev.remote = m.Body.Host
		}
		d.mu.Unlock()
		d.log.LogAttrs(ctx, slog.LevelInfo, "connect proxy", slog.String("device", m.Body.Device), slog.String("proxy", m.Body.Proxy), slog.String("host", m.Body.Host))
		return nil, nil

	case api.Suspend:
		var m rpc.Message[api.SuspendParams]
		err := rpc.UnmarshalMessage(req.Params, &m)
		if err != nil {
			d.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		d.mu.Lock()
		d.suspended = m.Body.Kind
		n := len(d.devices)
		d.mu.Unlock()
		d.log.LogAttrs(ctx, slog.LevelInfo, "suspend", slog.String("kind", m.Body.Kind), slog.Int("devices", n))
		return d.reply(m.UID, nil)

	case api.RemoveDevice:
		var m rpc.Message[api.DeviceParams]
		err := rpc.UnmarshalMessage(req.Params, &m)
		if err != nil {
			d.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		d.mu.Lock()
		_, ok := d.devices[m.Body.Device]
		delete(d.devices, m.Body.Device)
		d.mu.Unlock()
		if !ok {
			return nil, rpc.NewError(rpc.ErrCodeNotFound, "no device", map[string]any{"device": m.Body.Device})
		}
		d.log.LogAttrs(ctx, slog.LevelInfo, "remove device", slog.String("device", m.Body.Device))
		return d.reply(m.UID, nil)

	case api.DirectoryEvent:
		var m rpc.Message[api.DirectoryEventParams]
		err := rpc.UnmarshalMessage(req.Params, &m)
		if err != nil {
			d.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		d.log.LogAttrs(ctx, slog.LevelInfo, "directory event", slog.String("device", m.Body.Device), slog.String("op", m.Body.Op), slog.String("path", m.Body.Path))
		return nil, nil

	case rpc.Stop:
		d.log.LogAttrs(ctx, slog.LevelInfo, "stop")
		d.cancel()
		return nil, nil

	default:
		return nil, jsonrpc2.ErrNotHandled
	}
}

func (d *daemon) reply(uid rpc.UID, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return rpc.NewMessage(rpc.UID{Module: d.uid, Service: uid.Service}, rpc.None{}), nil
}

// checkSuspended returns a bad state error if the devhost has been
// suspended. A suspended devhost takes no new devices or drivers.
func (d *daemon) checkSuspended(method string) error {
	d.mu.Lock()
	kind := d.suspended
	d.mu.Unlock()
	if kind == "" {
		return nil
	}
	return rpc.NewError(rpc.ErrCodeBadState, "devhost suspended", map[string]any{"kind": kind, "method": method})
}

func (d *daemon) createDevice(ctx context.Context, method string, p api.CreateDeviceParams) error {
	err := d.checkSuspended(method)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if _, exists := d.devices[p.Device]; exists {
		d.mu.Unlock()
		return rpc.NewError(rpc.ErrCodeBadState, "device exists", map[string]any{"device": p.Device})
	}
	d.devices[p.Device] = &device{
		token:    p.Device,
		name:     p.Name,
		protocol: p.Protocol,
		props:    p.Props,
		args:     p.Args,
		proxied:  p.Proxied,
	}
	d.mu.Unlock()
	d.log.LogAttrs(ctx, slog.LevelInfo, method, slog.String("device", p.Device), slog.String("name", p.Name), slog.String("proxied", p.Proxied))
	if method != api.CreateDevice || p.Artifact == "" {
		return nil
	}
	// The device's artifact is its driver.
	err = d.bindDriver(ctx, p.Device, "", p.Artifact, p.Args)
	if err != nil {
		d.mu.Lock()
		delete(d.devices, p.Device)
		d.mu.Unlock()
	}
	return err
}

func (d *daemon) createComposite(ctx context.Context, p api.CompositeDeviceParams) error {
	err := d.checkSuspended(api.CreateCompositeDevice)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range p.Components {
		if _, ok := d.devices[c]; !ok {
			return rpc.NewError(rpc.ErrCodeNotFound, "no component device", map[string]any{"composite": p.Name, "component": c})
		}
	}
	if _, exists := d.devices[p.Device]; exists {
		return rpc.NewError(rpc.ErrCodeBadState, "device exists", map[string]any{"device": p.Device})
	}
	d.devices[p.Device] = &device{
		token:      p.Device,
		name:       p.Name,
		protocol:   bind.ProtoComposite,
		props:      p.Props,
		components: p.Components,
	}
	d.log.LogAttrs(ctx, slog.LevelInfo, "create composite", slog.String("device", p.Device), slog.String("name", p.Name), slog.Any("components", p.Components))
	return nil
}

// bindDriver binds the built-in driver named by the base of artifact, or
// by name if there is none, to the device. The driver's work is started
// after the bind is acknowledged.
func (d *daemon) bindDriver(ctx context.Context, token, name, artifact string, args []string) error {
	err := d.checkSuspended(api.BindDriver)
	if err != nil {
		return err
	}
	drv, ok := drivers[path.Base(artifact)]
	if ok {
		name = path.Base(artifact)
	} else {
		drv, ok = drivers[name]
	}
	if !ok {
		return rpc.NewError(rpc.ErrCodeDriver, "no driver", map[string]any{"driver": name, "artifact": artifact})
	}
	d.mu.Lock()
	dev, ok := d.devices[token]
	if !ok {
		d.mu.Unlock()
		return rpc.NewError(rpc.ErrCodeNotFound, "no device", map[string]any{"device": token})
	}
	dev.drivers = append(dev.drivers, name)
	d.mu.Unlock()
	d.log.LogAttrs(ctx, slog.LevelInfo, "bind driver", slog.String("device", token), slog.String("driver", name), slog.Any("args", args))

	if d.closed.Load() {
		return nil
	}
	d.background.Add(1)
	go func() {
		defer d.background.Done()
		err := drv(context.Background(), d, token, args)
		if err != nil {
			d.log.LogAttrs(ctx, slog.LevelError, "driver", slog.String("device", token), slog.String("driver", name), slog.Any("error", err))
		}
	}()
	return nil
}

// wait waits for running driver work to complete.
func (d *daemon) wait() { d.background.Wait() }

// errNoDevice is returned by drivers when their device has been removed.
var errNoDevice = errors.New("device removed")

func (d *daemon) device(token string) (device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[token]
	if !ok {
		return device{}, errNoDevice
	}
	return *dev, nil
}
