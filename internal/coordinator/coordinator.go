// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package coordinator implements the device coordinator. It holds the
// device tree, the driver registry, the composite device matcher, the
// devhost process tree and the suspend orchestrator.
//
// All Coordinator state is owned by a single goroutine. Work is handed to
// that goroutine through a Loop, and replies from devhosts, timers and
// off-loop work are posted back into it.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kortschak/devmgr/internal/bind"
	"github.com/kortschak/devmgr/internal/bootargs"
	"github.com/kortschak/devmgr/internal/devfs"
	"github.com/kortschak/devmgr/rpc"
)

// Errors returned by coordinator operations. They are RPC wire errors so
// they may be returned directly to devhosts.
var (
	ErrBadState       = rpc.NewError(rpc.ErrCodeBadState, "bad state", nil)
	ErrAccessDenied   = rpc.NewError(rpc.ErrCodeAccessDenied, "access denied", nil)
	ErrNoMemory       = rpc.NewError(rpc.ErrCodeNoMemory, "no resources", nil)
	ErrNotFound       = rpc.NewError(rpc.ErrCodeNotFound, "not found", nil)
	ErrBufferTooSmall = rpc.NewError(rpc.ErrCodeBufferTooSmall, "buffer too small", nil)
	ErrInvalidArgs    = rpc.NewError(rpc.ErrCodeInvalidArgs, "invalid arguments", nil)
	ErrUnavailable    = rpc.NewError(rpc.ErrCodeUnavailable, "unavailable", nil)

	// errTryNext is used within matching loops to indicate that a
	// candidate is inapplicable. It is never returned from an
	// exported method.
	errTryNext = errors.New("try next candidate")
)

// Config is the coordinator configuration.
type Config struct {
	// PlatformDriver is the artifact loaded into the sys device's devhost.
	PlatformDriver string
	// ComponentDriver is the artifact of the composite component glue.
	ComponentDriver string

	// SuspendTimeout is the suspend watchdog deadline.
	SuspendTimeout time.Duration
	// FSExitTimeout is the time budget for the filesystem shutdown
	// handshake.
	FSExitTimeout time.Duration
	// SuspendFallback enables the direct power control fallback when
	// the suspend watchdog fires. It is overridden by the boot argument
	// devmgr.suspend-timeout-fallback.
	SuspendFallback bool

	// BindRetries is the number of rebind attempts made for an
	// isolating device that loses all of its children.
	BindRetries int
	// BindBackoff is the initial rebind delay. It doubles on each retry.
	BindBackoff time.Duration
}

// Environment holds the coordinator's collaborators.
type Environment struct {
	Launcher    Launcher
	Publisher   Publisher
	Firmware    FirmwareLoader
	Filesystems Filesystems
	Platform    Platform
	BootArgs    BootArgs

	// AfterFunc schedules f to be called after d and returns a function
	// that cancels the call. The default is time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) (stop func() bool)
	// Go runs f off the coordinator goroutine. The default is a go
	// statement.
	Go func(f func())
}

// Launcher starts devhost processes.
type Launcher interface {
	// Launch starts a devhost with the given unique name and additional
	// environment. If the devhost terminates without having been killed,
	// exit is called from a goroutine other than the caller's.
	Launch(ctx context.Context, name string, env []string, exit func()) (Host, error)
}

// Host is a running devhost.
type Host interface {
	// ID returns the devhost's unique name.
	ID() string
	// Send sends a request to the devhost. Requests are delivered in
	// order. If reply is not nil, the request is a call and reply is
	// called with the result from a goroutine other than the caller's.
	// Send must not block.
	Send(method string, params any, reply func(json.RawMessage, error)) error
	// Kill terminates the devhost.
	Kill()
}

// Publisher publishes device paths.
type Publisher interface {
	Publish(path string, protocol uint32, visible bool)
	MakeVisible(path string)
	Unpublish(path string)
	Watch(prefix string, fn func(devfs.Event)) (cancel func())
}

// FirmwareLoader loads firmware images.
type FirmwareLoader interface {
	Load(ctx context.Context, path string) ([]byte, error)
}

// Filesystems is the filesystem shutdown handshake.
type Filesystems interface {
	// Shutdown asks filesystems to exit and waits for their
	// acknowledgement or for ctx to be done.
	Shutdown(ctx context.Context) error
}

// Platform performs platform power transitions.
type Platform interface {
	Mexec(ctx context.Context) error
	PowerControl(ctx context.Context, kind SuspendKind) error
}

// BootArgs is the boot argument store.
type BootArgs interface {
	Get(key string) (string, bool)
	Prefix(prefix string) ([]bootargs.Arg, error)
	Bool(key string, def bool) bool
}

// Coordinator is the device coordinator. A Coordinator must only be used
// from the goroutine that owns it, usually by way of a Loop.
type Coordinator struct {
	cfg  Config
	env  Environment
	log  *slog.Logger
	post func(func(*Coordinator))

	devices arena[Device]
	order   []DeviceID // registration order

	hosts     arena[Devhost]
	hostOrder []HostID

	root, misc, sys, test DeviceID

	drivers    []*Driver
	composites []*CompositeDevice
	published  []metadata

	suspend SuspendContext
}

var coordinatorUID = rpc.UID{Module: "kernel", Service: "coordinator"}

// New returns a new Coordinator. The post function must queue its argument
// to be run by the goroutine that owns the Coordinator. It is called from
// goroutines other than the owner.
func New(cfg Config, env Environment, post func(func(*Coordinator)), log *slog.Logger) *Coordinator {
	if env.AfterFunc == nil {
		env.AfterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	if env.Go == nil {
		env.Go = func(f func()) { go f() }
	}
	if env.Publisher == nil {
		env.Publisher = nopPublisher{}
	}
	if env.BootArgs == nil {
		env.BootArgs = noBootArgs{}
	}
	if cfg.SuspendTimeout == 0 {
		cfg.SuspendTimeout = 10 * time.Second
	}
	if cfg.FSExitTimeout == 0 {
		cfg.FSExitTimeout = 5 * time.Second
	}
	return &Coordinator{
		cfg:  cfg,
		env:  env,
		post: post,
		log:  log.With(slog.String("component", coordinatorUID.String())),
	}
}

// Start creates the fixed root devices and the devhosts for the root,
// misc and sys devices. The sys devhost loads the platform driver.
func (c *Coordinator) Start(ctx context.Context) error {
	const fixed = Immortal | MustIsolate
	c.root = c.addFixed("dev", bind.ProtoRoot, fixed|MultiBind, "", DeviceID{})
	c.misc = c.addFixed("misc", bind.ProtoMisc, fixed|MultiBind, "", c.root)
	c.sys = c.addFixed("sys", bind.ProtoSys, fixed, c.cfg.PlatformDriver, c.root)
	c.test = c.addFixed("test", bind.ProtoTest, fixed|MultiBind, "", c.root)
	// The platform driver is bound to sys through its proxy.
	c.device(c.sys).Flags |= Bound
	for _, id := range []DeviceID{c.root, c.misc, c.sys} {
		err := c.PrepareProxy(id, HostID{})
		if err != nil {
			return fmt.Errorf("failed to start %s devhost: %w", c.device(id).Name, err)
		}
	}
	c.log.LogAttrs(ctx, slog.LevelInfo, "started", slog.Any("root", c.root), slog.Any("misc", c.misc), slog.Any("sys", c.sys), slog.Any("test", c.test))
	return nil
}

func (c *Coordinator) addFixed(name string, protocol uint32, flags Flags, artifact string, parent DeviceID) DeviceID {
	dev := &Device{
		Name:     name,
		Protocol: protocol,
		Flags:    flags,
		Artifact: artifact,
		retries:  c.cfg.BindRetries,
		backoff:  c.cfg.BindBackoff,
	}
	dev.path = "/" + name
	if p := c.device(parent); p != nil {
		dev.path = p.path + "/" + name
	}
	id := c.insertDevice(dev)
	if p := c.device(parent); p != nil {
		c.linkParent(dev, p)
	}
	c.env.Publisher.Publish(dev.path, dev.Protocol, true)
	return id
}

// Root, Misc, Sys and Test return the fixed device handles.
func (c *Coordinator) Root() DeviceID { return c.root }
func (c *Coordinator) Misc() DeviceID { return c.misc }
func (c *Coordinator) Sys() DeviceID  { return c.sys }
func (c *Coordinator) Test() DeviceID { return c.test }

// Device returns the device with the given handle, or nil if it does not
// exist.
func (c *Coordinator) Device(id DeviceID) *Device { return c.device(id) }

func (c *Coordinator) device(id DeviceID) *Device {
	return c.devices.get(handle(id))
}

// Devhost returns the devhost with the given handle, or nil if it does not
// exist.
func (c *Coordinator) Devhost(id HostID) *Devhost { return c.host(id) }

func (c *Coordinator) host(id HostID) *Devhost {
	return c.hosts.get(handle(id))
}

// after calls f on the coordinator goroutine after d.
func (c *Coordinator) after(d time.Duration, f func(*Coordinator)) (stop func() bool) {
	return c.env.AfterFunc(d, func() { c.post(f) })
}

// background runs work off the coordinator goroutine and then calls then
// with its result on the coordinator goroutine.
func (c *Coordinator) background(work func() error, then func(*Coordinator, error)) {
	c.env.Go(func() {
		err := work()
		c.post(func(c *Coordinator) { then(c, err) })
	})
}

// send sends a request to the devhost hid. If reply is not nil, the
// request is a call and reply is called on the coordinator goroutine
// with the result.
func (c *Coordinator) send(hid HostID, method string, params any, reply func(*Coordinator, json.RawMessage, error)) error {
	h := c.host(hid)
	if h == nil || h.proc == nil {
		return ErrBadState
	}
	c.log.LogAttrs(context.Background(), slog.LevelDebug, "send", slog.String("host", h.Name), slog.String("method", method), slog.Any("params", params))
	var cb func(json.RawMessage, error)
	if reply != nil {
		cb = func(raw json.RawMessage, err error) {
			c.post(func(c *Coordinator) { reply(c, raw, err) })
		}
	}
	err := h.proc.Send(method, params, cb)
	if err != nil {
		c.log.LogAttrs(context.Background(), slog.LevelError, "send", slog.String("host", h.Name), slog.String("method", method), slog.Any("error", err))
	}
	return err
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, uint32, bool)                    {}
func (nopPublisher) MakeVisible(string)                              {}
func (nopPublisher) Unpublish(string)                                {}
func (nopPublisher) Watch(string, func(devfs.Event)) (cancel func()) { return func() {} }

type noBootArgs struct{}

func (noBootArgs) Get(string) (string, bool)             { return "", false }
func (noBootArgs) Prefix(string) ([]bootargs.Arg, error) { return nil, nil }
func (noBootArgs) Bool(_ string, def bool) bool          { return def }
