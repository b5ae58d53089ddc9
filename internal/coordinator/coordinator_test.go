// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kortschak/devmgr/cmd/devhost/api"
	"github.com/kortschak/devmgr/internal/bind"
	"github.com/kortschak/devmgr/internal/bootargs"
	"github.com/kortschak/devmgr/internal/devfs"
	"github.com/kortschak/devmgr/internal/locked"
	"github.com/kortschak/devmgr/internal/slogext"
)

var (
	verbose = flag.Bool("verbose_log", false, "print full logging")
	lines   = flag.Bool("show_lines", false, "log source code position")
)

// harness runs a Coordinator synchronously. Work posted to the
// coordinator is queued and devhost calls are held until settle is
// called, when they are replied to in rounds.
type harness struct {
	t *testing.T
	c *Coordinator

	fs       *devfs.FS
	platform *fakePlatform
	fsys     *fakeFilesystems
	boot     fakeBootArgs

	queue []func(*Coordinator)
	calls []*call
	sent  []sent
	round int

	hosts  map[string]*fakeHost
	timers []*timer

	// fail returns the error a devhost replies to a call with.
	fail func(host, method string, params any) error
	// drop reports whether a call is never replied to.
	drop func(host, method string, params any) bool
}

type call struct {
	host   *fakeHost
	method string
	params any
	reply  func(json.RawMessage, error)
}

type sent struct {
	round  int
	host   string
	method string
	params any
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	var logBuf locked.BytesBuffer
	log := slog.New(slogext.NewJSONHandler(&logBuf, &slogext.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: slogext.NewAtomicBool(*lines),
	}))
	t.Cleanup(func() {
		if *verbose {
			t.Logf("log:\n%s\n", &logBuf)
		}
	})

	if cfg.PlatformDriver == "" {
		cfg.PlatformDriver = "platform-bus"
	}
	h := &harness{
		t:        t,
		fs:       devfs.New(log),
		platform: &fakePlatform{},
		fsys:     &fakeFilesystems{},
		boot:     make(fakeBootArgs),
		hosts:    make(map[string]*fakeHost),
	}
	h.c = New(cfg, Environment{
		Launcher:    h,
		Publisher:   h.fs,
		Firmware:    fakeFirmware{"blob": []byte("firmware")},
		Filesystems: h.fsys,
		Platform:    h.platform,
		BootArgs:    h.boot,
		AfterFunc:   h.afterFunc,
		Go:          func(f func()) { f() },
	}, h.post, log)
	err := h.c.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error starting coordinator: %v", err)
	}
	h.settle()
	return h
}

func (h *harness) post(fn func(*Coordinator)) {
	h.queue = append(h.queue, fn)
}

// settle runs queued work and replies to devhost calls until there is
// nothing left to do.
func (h *harness) settle() {
	h.t.Helper()
	for range 1000 {
		if len(h.queue) != 0 {
			q := h.queue
			h.queue = nil
			for _, fn := range q {
				fn(h.c)
			}
			continue
		}
		if len(h.calls) == 0 {
			return
		}
		h.round++
		calls := h.calls
		h.calls = nil
		for _, c := range calls {
			h.reply(c)
		}
	}
	h.t.Fatal("coordinator did not settle")
}

// reply replies to a call. A successful component driver bind adds the
// component device the way the glue driver in a devhost does.
func (h *harness) reply(c *call) {
	if c.host.killed {
		c.reply(nil, ErrUnavailable)
		return
	}
	if h.drop != nil && h.drop(c.host.name, c.method, c.params) {
		return
	}
	var err error
	if h.fail != nil {
		err = h.fail(c.host.name, c.method, c.params)
	}
	c.reply(nil, err)
	if err != nil || c.method != api.BindDriver {
		return
	}
	p := c.params.(api.BindDriverParams)
	if p.Driver != api.ComponentDriver {
		return
	}
	h.post(func(co *Coordinator) {
		id, err := ParseDeviceID(p.Device)
		if err != nil {
			h.t.Errorf("invalid component bind target: %v", err)
			return
		}
		_, err = co.AddDevice(id, DeviceArgs{
			Name:     p.Args[0] + "." + p.Args[2],
			Protocol: bind.ProtoComponent,
			Args:     p.Args,
		})
		if err != nil {
			h.t.Errorf("unexpected error adding component device for %v: %v", p.Args, err)
		}
	})
}

func (h *harness) Launch(_ context.Context, name string, _ []string, exit func()) (Host, error) {
	fh := &fakeHost{h: h, name: name, exit: exit}
	h.hosts[name] = fh
	return fh, nil
}

type fakeHost struct {
	h      *harness
	name   string
	exit   func()
	killed bool
}

func (f *fakeHost) ID() string { return f.name }

func (f *fakeHost) Send(method string, params any, reply func(json.RawMessage, error)) error {
	if f.killed {
		return ErrBadState
	}
	f.h.sent = append(f.h.sent, sent{round: f.h.round, host: f.name, method: method, params: params})
	if reply != nil {
		f.h.calls = append(f.h.calls, &call{host: f, method: method, params: params, reply: reply})
	}
	return nil
}

func (f *fakeHost) Kill() { f.killed = true }

type timer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (h *harness) afterFunc(d time.Duration, f func()) func() bool {
	t := &timer{d: d, f: f}
	h.timers = append(h.timers, t)
	return func() bool {
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}
}

// fire runs the timer and settles the coordinator.
func (h *harness) fire(t *timer) {
	h.t.Helper()
	if t.stopped || t.fired {
		h.t.Fatalf("firing inactive timer: stopped=%t fired=%t", t.stopped, t.fired)
	}
	t.fired = true
	t.f()
	h.settle()
}

// pending returns the timers of duration d that have neither fired nor
// been stopped.
func (h *harness) pending(d time.Duration) []*timer {
	var active []*timer
	for _, t := range h.timers {
		if t.d == d && !t.stopped && !t.fired {
			active = append(active, t)
		}
	}
	return active
}

// add adds a device and settles the coordinator.
func (h *harness) add(parent DeviceID, args DeviceArgs) DeviceID {
	h.t.Helper()
	id, err := h.c.AddDevice(parent, args)
	if err != nil {
		h.t.Fatalf("unexpected error adding %s: %v", args.Name, err)
	}
	h.settle()
	return id
}

// proxy returns the proxy of the device.
func (h *harness) proxy(id DeviceID) DeviceID {
	h.t.Helper()
	dev := h.c.Device(id)
	if dev == nil {
		h.t.Fatalf("no device %s", id)
	}
	if dev.Proxy().IsZero() {
		h.t.Fatalf("no proxy for %s", dev)
	}
	return dev.Proxy()
}

// hostOf returns the devhost holding the proxy of the device.
func (h *harness) hostOf(id DeviceID) *Devhost {
	h.t.Helper()
	host := h.c.Devhost(h.c.Device(h.proxy(id)).Host())
	if host == nil {
		h.t.Fatalf("no devhost for %s", h.c.Device(id))
	}
	return host
}

func (h *harness) names(ids []HostID) []string {
	names := make([]string, len(ids))
	for i, id := range ids {
		if d := h.c.Devhost(id); d != nil {
			names[i] = d.Name
		}
	}
	return names
}

// sentMethod returns the requests for method in the order they were sent.
func (h *harness) sentMethod(method string) []sent {
	var s []sent
	for _, m := range h.sent {
		if m.method == method {
			s = append(s, m)
		}
	}
	return s
}

type fakePlatform struct {
	mexec int
	power []SuspendKind
}

func (p *fakePlatform) Mexec(context.Context) error {
	p.mexec++
	return nil
}

func (p *fakePlatform) PowerControl(_ context.Context, kind SuspendKind) error {
	p.power = append(p.power, kind)
	return nil
}

type fakeFilesystems struct {
	calls int
}

func (f *fakeFilesystems) Shutdown(context.Context) error {
	f.calls++
	return nil
}

type fakeFirmware map[string][]byte

func (f fakeFirmware) Load(_ context.Context, path string) ([]byte, error) {
	b, ok := f[path]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

type fakeBootArgs map[string]string

func (b fakeBootArgs) Get(key string) (string, bool) {
	v, ok := b[key]
	return v, ok
}

func (b fakeBootArgs) Prefix(prefix string) ([]bootargs.Arg, error) {
	var args []bootargs.Arg
	for k, v := range b {
		if strings.HasPrefix(k, prefix) {
			args = append(args, bootargs.Arg{Key: k, Value: v})
		}
	}
	return args, nil
}

func (b fakeBootArgs) Bool(key string, def bool) bool {
	switch b[key] {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return def
	}
}

func mustParse(t *testing.T, lines ...string) bind.Program {
	t.Helper()
	prog, err := bind.Parse(lines)
	if err != nil {
		t.Fatalf("unexpected error parsing bind program: %v", err)
	}
	return prog
}

func props(kv ...any) []bind.Property {
	p := make([]bind.Property, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		p = append(p, bind.Property{Key: kv[i].(string), Value: uint32(kv[i+1].(int))})
	}
	return p
}

func TestStart(t *testing.T) {
	h := newHarness(t, Config{})

	var paths []string
	for _, e := range h.fs.List("/") {
		paths = append(paths, e.Path)
	}
	wantPaths := []string{"/dev", "/dev/misc", "/dev/sys", "/dev/test"}
	if !cmp.Equal(paths, wantPaths) {
		t.Errorf("unexpected published paths:\n--- want:\n+++ got:\n%s", cmp.Diff(wantPaths, paths))
	}

	for _, id := range []DeviceID{h.c.Root(), h.c.Misc(), h.c.Sys()} {
		host := h.hostOf(id)
		if host.Parent() != (HostID{}) {
			t.Errorf("unexpected parent for %s devhost", host.Name)
		}
	}
	if !h.c.Device(h.c.Test()).Proxy().IsZero() {
		t.Errorf("unexpected proxy for test device")
	}
	if !h.c.Device(h.c.Sys()).Has(Bound) {
		t.Errorf("sys device not bound")
	}

	var got []string
	for _, s := range h.sentMethod(api.CreateDevice) {
		p := s.params.(api.CreateDeviceParams)
		got = append(got, p.Name+":"+p.Artifact)
	}
	want := []string{"sys:platform-bus"}
	if !cmp.Equal(got, want) {
		t.Errorf("unexpected create device calls:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
	}
	if n := len(h.sentMethod(api.CreateDeviceStub)); n != 2 {
		t.Errorf("unexpected number of create device stub calls: got:%d want:2", n)
	}

	err := h.c.RemoveDevice(h.c.Sys(), false)
	if !errors.Is(err, ErrBadState) {
		t.Errorf("unexpected error removing immortal device: got:%v want:%v", err, ErrBadState)
	}
}

func TestAddDevice(t *testing.T) {
	h := newHarness(t, Config{})
	sys := h.proxy(h.c.Sys())

	gpio := h.add(sys, DeviceArgs{Name: "gpio", Protocol: bind.ProtoGPIO})
	dev := h.c.Device(gpio)
	if dev.Parent() != h.c.Sys() {
		t.Errorf("unexpected parent: got:%s want:%s", dev.Parent(), h.c.Sys())
	}
	if dev.Host() != h.hostOf(h.c.Sys()).ID() {
		t.Errorf("device not hosted by sys devhost")
	}
	path, err := h.c.TopologicalPath(gpio)
	if err != nil {
		t.Fatalf("unexpected error getting topological path: %v", err)
	}
	if path != "/dev/sys/gpio" {
		t.Errorf("unexpected topological path: got:%s want:/dev/sys/gpio", path)
	}
	path, err = h.c.TopologicalPath(sys)
	if err != nil {
		t.Fatalf("unexpected error getting proxy topological path: %v", err)
	}
	if path != "/dev/sys" {
		t.Errorf("unexpected proxy topological path: got:%s want:/dev/sys", path)
	}

	errTests := []struct {
		name   string
		parent DeviceID
		args   DeviceArgs
		want   error
	}{
		{name: "no_name", parent: sys, args: DeviceArgs{Protocol: bind.ProtoI2C}, want: ErrInvalidArgs},
		{name: "slash", parent: sys, args: DeviceArgs{Name: "a/b"}, want: ErrInvalidArgs},
		{name: "duplicate", parent: sys, args: DeviceArgs{Name: "gpio"}, want: ErrInvalidArgs},
		{name: "no_parent", parent: DeviceID{idx: 1000, gen: 1}, args: DeviceArgs{Name: "x"}, want: ErrNotFound},
	}
	for _, test := range errTests {
		t.Run(test.name, func(t *testing.T) {
			_, err := h.c.AddDevice(test.parent, test.args)
			if !errors.Is(err, test.want) {
				t.Errorf("unexpected error: got:%v want:%v", err, test.want)
			}
		})
	}

	inv, err := h.c.AddDevice(sys, DeviceArgs{Name: "hidden", Protocol: bind.ProtoI2C, Invisible: true})
	if err != nil {
		t.Fatalf("unexpected error adding invisible device: %v", err)
	}
	var events []devfs.Event
	cancel := h.fs.Watch("/dev/sys", func(ev devfs.Event) { events = append(events, ev) })
	defer cancel()
	events = nil
	err = h.c.MakeVisible(inv)
	if err != nil {
		t.Fatalf("unexpected error making device visible: %v", err)
	}
	wantEvents := []devfs.Event{{Op: devfs.Add, Path: "/dev/sys/hidden", Protocol: bind.ProtoI2C}}
	if !cmp.Equal(events, wantEvents) {
		t.Errorf("unexpected events:\n--- want:\n+++ got:\n%s", cmp.Diff(wantEvents, events))
	}

	err = h.c.RemoveDevice(gpio, false)
	if err != nil {
		t.Fatalf("unexpected error removing device: %v", err)
	}
	h.settle()
	if h.c.Device(gpio) != nil {
		t.Errorf("removed device not freed")
	}
	err = h.c.RemoveDevice(gpio, false)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unexpected error removing freed device: got:%v want:%v", err, ErrNotFound)
	}
	_, err = h.c.TopologicalPath(gpio)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unexpected error getting freed device path: got:%v want:%v", err, ErrNotFound)
	}
}

func TestRemoveDescendants(t *testing.T) {
	h := newHarness(t, Config{})
	sys := h.proxy(h.c.Sys())
	gpio := h.add(sys, DeviceArgs{Name: "gpio", Protocol: bind.ProtoGPIO})
	led := h.add(gpio, DeviceArgs{Name: "led", Protocol: bind.ProtoGPIO})
	pwm := h.add(led, DeviceArgs{Name: "pwm", Protocol: bind.ProtoGPIO})
	other := h.add(sys, DeviceArgs{Name: "other", Protocol: bind.ProtoI2C})
	host := h.hostOf(h.c.Sys())
	nRemove := len(h.sentMethod(api.RemoveDevice))

	err := h.c.RemoveDevice(gpio, false)
	if err != nil {
		t.Fatalf("unexpected error removing device: %v", err)
	}
	h.settle()
	for _, id := range []DeviceID{gpio, led, pwm} {
		if h.c.Device(id) != nil {
			t.Errorf("device %s not freed with its ancestor", id)
		}
	}
	if h.c.Device(other) == nil {
		t.Errorf("sibling in the same devhost removed by non-forced removal")
	}
	if h.c.Devhost(host.ID()) == nil {
		t.Errorf("devhost released by non-forced removal")
	}
	var got []string
	for _, s := range h.sentMethod(api.RemoveDevice)[nRemove:] {
		got = append(got, s.params.(api.DeviceParams).Device)
	}
	want := []string{pwm.String(), led.String()}
	if !cmp.Equal(want, got) {
		t.Errorf("unexpected remove requests:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
	}
	for _, e := range h.fs.List("/dev/sys/gpio") {
		t.Errorf("unexpected published path after removal: %s", e.Path)
	}
}

func TestAttemptBindBound(t *testing.T) {
	h := newHarness(t, Config{})
	h.c.AddDrivers([]*Driver{
		{Name: "gpio", Program: mustParse(t, "protocol == gpio")},
		{Name: "gpio-alt", Program: mustParse(t, "protocol == gpio")},
	})
	gpio := h.add(h.proxy(h.c.Sys()), DeviceArgs{Name: "gpio", Protocol: bind.ProtoGPIO})

	dev := h.c.Device(gpio)
	if !dev.Has(Bound) {
		t.Fatalf("device not bound: flags=%s", dev.Flags)
	}
	var bound []string
	for _, s := range h.sentMethod(api.BindDriver) {
		bound = append(bound, s.params.(api.BindDriverParams).Driver)
	}
	if !cmp.Equal(bound, []string{"gpio"}) {
		t.Errorf("unexpected bound drivers: got:%v want:[gpio]", bound)
	}

	flags := dev.Flags
	nSent := len(h.sent)
	hosts := h.names(h.c.Devhosts())
	for _, drv := range h.c.Drivers() {
		err := h.c.AttemptBind(drv, gpio)
		if !errors.Is(err, ErrBadState) {
			t.Errorf("unexpected error binding %s to bound device: got:%v want:%v", drv.Name, err, ErrBadState)
		}
	}
	err := h.c.BindDevice(gpio, "gpio-alt")
	if !errors.Is(err, ErrBadState) {
		t.Errorf("unexpected error binding named driver to bound device: got:%v want:%v", err, ErrBadState)
	}
	h.settle()
	if dev.Flags != flags {
		t.Errorf("unexpected flag change: got:%s want:%s", dev.Flags, flags)
	}
	if len(h.sent) != nSent {
		t.Errorf("unexpected requests sent: %v", h.sent[nSent:])
	}
	if got := h.names(h.c.Devhosts()); !cmp.Equal(got, hosts) {
		t.Errorf("unexpected devhost change:\n--- want:\n+++ got:\n%s", cmp.Diff(hosts, got))
	}
}

func TestBindFallthrough(t *testing.T) {
	h := newHarness(t, Config{})
	h.fail = func(_, method string, params any) error {
		if method == api.BindDriver && params.(api.BindDriverParams).Driver == "first" {
			return errors.New("driver refused device")
		}
		return nil
	}
	h.c.AddDrivers([]*Driver{
		{Name: "first", Program: mustParse(t, "protocol == i2c")},
		{Name: "manual", Program: mustParse(t, "protocol == i2c"), NeverAutoselect: true},
		{Name: "second", Program: mustParse(t, "protocol == i2c")},
		{Name: "third", Program: mustParse(t, "protocol == i2c")},
	})
	i2c := h.add(h.proxy(h.c.Sys()), DeviceArgs{Name: "i2c", Protocol: bind.ProtoI2C})

	var got []string
	for _, s := range h.sentMethod(api.BindDriver) {
		got = append(got, s.params.(api.BindDriverParams).Driver)
	}
	want := []string{"first", "second"}
	if !cmp.Equal(got, want) {
		t.Errorf("unexpected bind attempts:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
	}
	if !h.c.Device(i2c).Has(Bound) {
		t.Errorf("device not bound after fallthrough")
	}
}

func TestHotAddDriver(t *testing.T) {
	h := newHarness(t, Config{})
	h.boot["driver.disabled.disable"] = "true"
	sys := h.proxy(h.c.Sys())
	spi := h.add(sys, DeviceArgs{Name: "spi", Protocol: bind.ProtoSPI})
	usb := h.add(sys, DeviceArgs{Name: "usb", Protocol: bind.ProtoUSB})

	h.c.AddDrivers([]*Driver{
		{Name: "disabled", Program: mustParse(t, "protocol == spi")},
		{Name: "spi", Program: mustParse(t, "protocol == spi")},
		{Name: "spi", Program: mustParse(t, "always")},
	})
	h.settle()

	var names []string
	for _, d := range h.c.Drivers() {
		names = append(names, d.Name)
	}
	if !cmp.Equal(names, []string{"spi"}) {
		t.Errorf("unexpected registered drivers: got:%v want:[spi]", names)
	}
	if !h.c.Device(spi).Has(Bound) {
		t.Errorf("spi device not bound by hot added driver")
	}
	if h.c.Device(usb).Has(Bound) {
		t.Errorf("usb device unexpectedly bound")
	}
	err := h.c.BindDevice(usb, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unexpected error binding missing driver: got:%v want:%v", err, ErrNotFound)
	}
}

func TestIsolatedDevhost(t *testing.T) {
	const backoff = time.Second
	h := newHarness(t, Config{BindRetries: 1, BindBackoff: backoff})
	h.c.AddDrivers([]*Driver{{Name: "bus", Artifact: "bus.so", Program: mustParse(t, "vid == 7")}})
	before := len(h.c.Devhosts())

	bus := h.add(h.proxy(h.c.Root()), DeviceArgs{Name: "bus", Protocol: bind.ProtoPCI, Props: props("vid", 7), Artifact: "bus-fw"})
	if !h.c.Device(bus).Has(Bound | MustIsolate) {
		t.Fatalf("unexpected bus flags: %s", h.c.Device(bus).Flags)
	}
	host := h.hostOf(bus)
	if host.Parent() != h.hostOf(h.c.Root()).ID() {
		t.Errorf("isolated devhost is not a child of the root devhost")
	}
	binds := h.sentMethod(api.BindDriver)
	if len(binds) != 1 || binds[0].host != host.Name || binds[0].params.(api.BindDriverParams).Device != h.proxy(bus).String() {
		t.Errorf("unexpected bind requests: %v", binds)
	}

	const k = 3
	var kids []DeviceID
	for i := range k {
		kids = append(kids, h.add(h.proxy(bus), DeviceArgs{Name: fmt.Sprintf("dev%d", i), Protocol: bind.ProtoUSB}))
	}
	if n := len(h.c.Devhosts()); n != before+1 {
		t.Errorf("unexpected number of devhosts: got:%d want:%d", n, before+1)
	}
	for _, id := range kids {
		if h.c.Device(id).Host() != host.ID() {
			t.Errorf("%s not hosted by isolated devhost", h.c.Device(id))
		}
		if h.c.Device(id).Parent() != bus {
			t.Errorf("%s not a child of bus", h.c.Device(id))
		}
	}
	if host.Refs() != k+1 {
		t.Errorf("unexpected devhost reference count: got:%d want:%d", host.Refs(), k+1)
	}

	proc := h.hosts[host.Name]
	for i, id := range kids {
		err := h.c.RemoveDevice(id, false)
		if err != nil {
			t.Fatalf("unexpected error removing %s: %v", id, err)
		}
		h.settle()
		if i < k-1 && h.c.Devhost(host.ID()) == nil {
			t.Fatalf("devhost released with %d devices remaining", k-1-i)
		}
	}
	if h.c.Devhost(host.ID()) != nil {
		t.Errorf("devhost not released after last device removal")
	}
	if !proc.killed {
		t.Errorf("devhost process not killed")
	}
	if n := len(h.c.Devhosts()); n != before {
		t.Errorf("unexpected number of devhosts after removal: got:%d want:%d", n, before)
	}
	dev := h.c.Device(bus)
	if dev.Has(Bound) {
		t.Errorf("orphaned device still bound")
	}
	if !dev.Proxy().IsZero() {
		t.Errorf("orphaned device still has a proxy")
	}

	rebind := h.pending(backoff)
	if len(rebind) != 1 {
		t.Fatalf("unexpected number of rebind timers: got:%d want:1", len(rebind))
	}
	h.fire(rebind[0])
	if !h.c.Device(bus).Has(Bound) {
		t.Errorf("device not rebound")
	}
	if n := len(h.c.Devhosts()); n != before+1 {
		t.Errorf("unexpected number of devhosts after rebind: got:%d want:%d", n, before+1)
	}
	if h.hostOf(bus).ID() == host.ID() {
		t.Errorf("rebind reused released devhost handle")
	}
}

func TestDevhostExit(t *testing.T) {
	const backoff = time.Second
	h := newHarness(t, Config{BindRetries: 2, BindBackoff: backoff})
	h.c.AddDrivers([]*Driver{{Name: "bus", Program: mustParse(t, "vid == 7")}})
	bus := h.add(h.proxy(h.c.Root()), DeviceArgs{Name: "bus", Protocol: bind.ProtoPCI, Props: props("vid", 7), Artifact: "bus-fw"})
	kid0 := h.add(h.proxy(bus), DeviceArgs{Name: "kid0", Protocol: bind.ProtoUSB})
	kid1 := h.add(h.proxy(bus), DeviceArgs{Name: "kid1", Protocol: bind.ProtoUSB})
	host := h.hostOf(bus)
	nRemove := len(h.sentMethod(api.RemoveDevice))

	h.hosts[host.Name].exit()
	h.settle()

	for _, id := range []DeviceID{kid0, kid1} {
		if h.c.Device(id) != nil {
			t.Errorf("device %s not freed after devhost exit", id)
		}
	}
	if h.c.Devhost(host.ID()) != nil {
		t.Errorf("exited devhost not released")
	}
	if n := len(h.sentMethod(api.RemoveDevice)); n != nRemove {
		t.Errorf("remove requests sent to exited devhost: %v", h.sentMethod(api.RemoveDevice)[nRemove:])
	}
	for _, e := range h.fs.List("/dev/bus") {
		t.Errorf("unexpected published path after devhost exit: %s", e.Path)
	}
	if h.c.Device(bus).Has(Bound) {
		t.Errorf("parent of exited devhost still bound")
	}
	if n := len(h.pending(backoff)); n != 1 {
		t.Errorf("unexpected number of rebind timers: got:%d want:1", n)
	}
}

func TestForcedRemove(t *testing.T) {
	h := newHarness(t, Config{})
	bus := h.add(h.proxy(h.c.Root()), DeviceArgs{Name: "bus", Protocol: bind.ProtoPCI, Artifact: "bus-fw"})
	err := h.c.PrepareProxy(bus, HostID{})
	if err != nil {
		t.Fatalf("unexpected error preparing proxy: %v", err)
	}
	h.settle()
	host := h.hostOf(bus)
	a := h.add(h.proxy(bus), DeviceArgs{Name: "a", Protocol: bind.ProtoUSB})
	b := h.add(h.proxy(bus), DeviceArgs{Name: "b", Protocol: bind.ProtoUSB})
	c := h.add(a, DeviceArgs{Name: "c", Protocol: bind.ProtoInput})

	err = h.c.RemoveDevice(a, true)
	if err != nil {
		t.Fatalf("unexpected error force removing device: %v", err)
	}
	h.settle()
	for _, id := range []DeviceID{a, b, c} {
		if h.c.Device(id) != nil {
			t.Errorf("device %s not freed after forced removal", id)
		}
	}
	if h.c.Devhost(host.ID()) != nil {
		t.Errorf("devhost not released after forced removal")
	}
	if h.c.Device(bus) == nil {
		t.Errorf("parent device freed by forced removal of child")
	}
}

func TestRemoveHostedRepeatedTarget(t *testing.T) {
	h := newHarness(t, Config{})
	bus := h.add(h.proxy(h.c.Root()), DeviceArgs{Name: "bus", Protocol: bind.ProtoPCI, Artifact: "bus-fw"})
	err := h.c.PrepareProxy(bus, HostID{})
	if err != nil {
		t.Fatalf("unexpected error preparing proxy: %v", err)
	}
	h.settle()
	host := h.hostOf(bus)
	a := h.add(h.proxy(bus), DeviceArgs{Name: "a", Protocol: bind.ProtoUSB})

	// A dead device that is still hosted can never leave the devhost.
	h.c.Device(a).Flags |= Dead
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic removing stuck device")
		}
		msg, ok := r.(string)
		if !ok || !strings.Contains(msg, "repeated removal") {
			t.Errorf("unexpected panic: %v", r)
		}
	}()
	h.c.removeHosted(host.ID(), nil)
}

func TestSuspend(t *testing.T) {
	errRefused := errors.New("suspend refused")
	for _, test := range []struct {
		name     string
		kind     SuspendKind
		failHost string
		// wantGroups holds the names of the devices whose devhosts are
		// expected in each suspend round.
		wantGroups [][]string
		wantErr    error
		wantFS     int
		wantMexec  int
	}{
		{
			name:       "poweroff",
			kind:       Poweroff,
			wantGroups: [][]string{{"c"}, {"b"}, {"a"}, {"misc", "root"}, {"sys"}},
			wantFS:     1,
		},
		{
			name:       "suspend_ram",
			kind:       SuspendRAM,
			wantGroups: [][]string{{"c"}, {"b"}, {"a"}, {"misc", "root"}, {"sys"}},
		},
		{
			name:       "mexec",
			kind:       Mexec,
			wantGroups: [][]string{{"c"}, {"b"}, {"a"}, {"misc", "root"}, {"sys"}},
			wantFS:     1,
			wantMexec:  1,
		},
		{
			name:       "abort",
			kind:       Reboot,
			failHost:   "b",
			wantGroups: [][]string{{"c"}, {"b"}},
			wantErr:    errRefused,
			wantFS:     1,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.c.AddDrivers([]*Driver{
				{Name: "a", Program: mustParse(t, "vid == 1")},
				{Name: "b", Program: mustParse(t, "vid == 2")},
				{Name: "c", Program: mustParse(t, "vid == 3")},
			})
			a := h.add(h.proxy(h.c.Root()), DeviceArgs{Name: "a", Protocol: bind.ProtoPlatform, Props: props("vid", 1), Artifact: "a-fw"})
			b := h.add(h.proxy(a), DeviceArgs{Name: "b", Protocol: bind.ProtoPlatform, Props: props("vid", 2), Artifact: "b-fw"})
			c := h.add(h.proxy(b), DeviceArgs{Name: "c", Protocol: bind.ProtoPlatform, Props: props("vid", 3), Artifact: "c-fw"})

			byHost := map[string]string{
				h.hostOf(a).Name:          "a",
				h.hostOf(b).Name:          "b",
				h.hostOf(c).Name:          "c",
				h.hostOf(h.c.Root()).Name: "root",
				h.hostOf(h.c.Misc()).Name: "misc",
				h.hostOf(h.c.Sys()).Name:  "sys",
			}
			if h.hostOf(b).Parent() != h.hostOf(a).ID() || h.hostOf(c).Parent() != h.hostOf(b).ID() {
				t.Fatalf("unexpected devhost tree")
			}
			h.fail = func(host, method string, _ any) error {
				if method == api.Suspend && byHost[host] == test.failHost {
					return errRefused
				}
				return nil
			}

			var (
				done  int
				gotEr error
			)
			nSent := len(h.sent)
			err := h.c.Suspend(test.kind, func(err error) {
				done++
				gotEr = err
			})
			if err != nil {
				t.Fatalf("unexpected error starting suspend: %v", err)
			}
			_, err = h.c.AddDevice(h.proxy(h.c.Sys()), DeviceArgs{Name: "late", Protocol: bind.ProtoGPIO})
			if !errors.Is(err, ErrBadState) {
				t.Errorf("unexpected error adding device while suspending: got:%v want:%v", err, ErrBadState)
			}
			err = h.c.Suspend(test.kind, func(error) { t.Error("unexpected call to rejected suspend callback") })
			if !errors.Is(err, ErrBadState) {
				t.Errorf("unexpected error for concurrent suspend: got:%v want:%v", err, ErrBadState)
			}
			h.settle()

			var (
				groups [][]string
				round  = -1
			)
			for _, s := range h.sent[nSent:] {
				if s.method != api.Suspend {
					continue
				}
				if s.params.(api.SuspendParams).Kind != test.kind.String() {
					t.Errorf("unexpected suspend kind: got:%s want:%s", s.params.(api.SuspendParams).Kind, test.kind)
				}
				if s.round != round {
					groups = append(groups, nil)
					round = s.round
				}
				groups[len(groups)-1] = append(groups[len(groups)-1], byHost[s.host])
			}
			if !cmp.Equal(groups, test.wantGroups) {
				t.Errorf("unexpected suspend order:\n--- want:\n+++ got:\n%s", cmp.Diff(test.wantGroups, groups))
			}
			if done != 1 {
				t.Errorf("unexpected number of completion calls: got:%d want:1", done)
			}
			if !errors.Is(gotEr, test.wantErr) || (gotEr == nil) != (test.wantErr == nil) {
				t.Errorf("unexpected suspend result: got:%v want:%v", gotEr, test.wantErr)
			}
			if h.c.SuspendPhase() != Running {
				t.Errorf("unexpected phase after suspend: got:%s want:%s", h.c.SuspendPhase(), Running)
			}
			if h.fsys.calls != test.wantFS {
				t.Errorf("unexpected filesystem shutdown calls: got:%d want:%d", h.fsys.calls, test.wantFS)
			}
			if h.platform.mexec != test.wantMexec {
				t.Errorf("unexpected mexec calls: got:%d want:%d", h.platform.mexec, test.wantMexec)
			}
			if test.failHost != "" && h.hostOf(a).Flags()&SuspendSent != 0 {
				t.Errorf("suspend sent to devhost after abort")
			}
			if n := len(h.pending(10 * time.Second)); n != 0 {
				t.Errorf("watchdog still armed after suspend completion")
			}
		})
	}
}

func TestSuspendTimeout(t *testing.T) {
	for _, test := range []struct {
		name     string
		fallback bool
		bootArg  string
		want     []SuspendKind
	}{
		{name: "no_fallback"},
		{name: "fallback", fallback: true, want: []SuspendKind{Reboot}},
		{name: "boot_arg_fallback", bootArg: "true", want: []SuspendKind{Reboot}},
		{name: "boot_arg_no_fallback", fallback: true, bootArg: "false"},
	} {
		t.Run(test.name, func(t *testing.T) {
			const timeout = time.Minute
			h := newHarness(t, Config{SuspendTimeout: timeout, SuspendFallback: test.fallback})
			if test.bootArg != "" {
				h.boot["devmgr.suspend-timeout-fallback"] = test.bootArg
			}
			h.drop = func(_, method string, _ any) bool { return method == api.Suspend }

			var done bool
			err := h.c.Suspend(Reboot, func(error) { done = true })
			if err != nil {
				t.Fatalf("unexpected error starting suspend: %v", err)
			}
			h.settle()
			watchdog := h.pending(timeout)
			if len(watchdog) != 1 {
				t.Fatalf("unexpected number of watchdog timers: got:%d want:1", len(watchdog))
			}
			h.fire(watchdog[0])

			if !cmp.Equal(h.platform.power, test.want) {
				t.Errorf("unexpected power control calls:\n--- want:\n+++ got:\n%s", cmp.Diff(test.want, h.platform.power))
			}
			if done {
				t.Errorf("unexpected suspend completion")
			}
			if h.c.SuspendPhase() != Suspending {
				t.Errorf("unexpected phase after timeout: got:%s want:%s", h.c.SuspendPhase(), Suspending)
			}
		})
	}
}

func TestParseSuspendKind(t *testing.T) {
	for k := Poweroff; k <= SuspendRAM; k++ {
		got, err := ParseSuspendKind(k.String())
		if err != nil {
			t.Errorf("unexpected error parsing %s: %v", k, err)
		}
		if got != k {
			t.Errorf("unexpected kind: got:%s want:%s", got, k)
		}
	}
	_, err := ParseSuspendKind("hibernate")
	if err == nil {
		t.Error("expected error parsing invalid kind")
	}
}

var gpioI2C = api.CompositeParams{
	Name: "x",
	Components: []api.ComponentParams{
		{Name: "gpio", Chain: [][]string{{"protocol == gpio"}}},
		{Name: "i2c", Chain: [][]string{{"protocol == i2c"}}},
	},
}

func TestCompositeOrder(t *testing.T) {
	steps := []string{"spec", "gpio", "i2c"}
	for _, order := range permutations(steps) {
		t.Run(strings.Join(order, "_"), func(t *testing.T) {
			h := newHarness(t, Config{})
			sys := h.proxy(h.c.Sys())
			for _, step := range order {
				switch step {
				case "spec":
					err := h.c.AddCompositeDevice(sys, gpioI2C)
					if err != nil {
						t.Fatalf("unexpected error adding composite: %v", err)
					}
					h.settle()
				case "gpio":
					h.add(sys, DeviceArgs{Name: "gpio", Protocol: bind.ProtoGPIO})
				case "i2c":
					h.add(sys, DeviceArgs{Name: "i2c", Protocol: bind.ProtoI2C})
				}
			}

			created := h.sentMethod(api.CreateCompositeDevice)
			if len(created) != 1 {
				t.Fatalf("unexpected number of composite creations: got:%d want:1", len(created))
			}
			p := created[0].params.(api.CompositeDeviceParams)
			if p.Name != "x" || len(p.Components) != 2 {
				t.Errorf("unexpected composite creation: %+v", p)
			}
			spec := h.c.Composites()[0]
			dev := h.c.Device(spec.Device())
			if dev == nil {
				t.Fatal("no composite device")
			}
			if dev.Path() != "/dev/sys/gpio/x.gpio/x" {
				t.Errorf("unexpected composite path: got:%s want:/dev/sys/gpio/x.gpio/x", dev.Path())
			}
			if p.Device != spec.Device().String() {
				t.Errorf("unexpected composite token: got:%s want:%s", p.Device, spec.Device())
			}
			for i, comp := range spec.Components {
				g := h.c.Device(comp.Glue())
				if g == nil {
					t.Fatalf("no component device for slot %d", i)
				}
				if p.Components[i] != g.ID().String() {
					t.Errorf("unexpected component token for slot %d: got:%s want:%s", i, p.Components[i], g.ID())
				}
				if g.Parent() != comp.Bound() {
					t.Errorf("component device for slot %d not a child of the matched device", i)
				}
			}
		})
	}
}

func permutations(s []string) [][]string {
	if len(s) <= 1 {
		return [][]string{append([]string(nil), s...)}
	}
	var perms [][]string
	for i := range s {
		rest := append(append([]string(nil), s[:i]...), s[i+1:]...)
		for _, p := range permutations(rest) {
			perms = append(perms, append([]string{s[i]}, p...))
		}
	}
	return perms
}

func TestCompositeSharedDevice(t *testing.T) {
	h := newHarness(t, Config{})
	sys := h.proxy(h.c.Sys())
	specs := []api.CompositeParams{
		gpioI2C,
		{
			Name: "y",
			Components: []api.ComponentParams{
				{Name: "gpio", Chain: [][]string{{"protocol == gpio"}}},
				{Name: "spi", Chain: [][]string{{"protocol == spi"}}},
			},
		},
		{
			Name: "z",
			Components: []api.ComponentParams{
				{Name: "i2c", Chain: [][]string{{"protocol == i2c"}}},
				{Name: "spi", Chain: [][]string{{"protocol == spi"}}},
			},
			CoResident: 1,
		},
	}
	for _, spec := range specs {
		err := h.c.AddCompositeDevice(sys, spec)
		if err != nil {
			t.Fatalf("unexpected error adding composite %s: %v", spec.Name, err)
		}
	}
	gpio := h.add(sys, DeviceArgs{Name: "gpio", Protocol: bind.ProtoGPIO})
	i2c := h.add(sys, DeviceArgs{Name: "i2c", Protocol: bind.ProtoI2C})
	h.add(sys, DeviceArgs{Name: "spi", Protocol: bind.ProtoSPI})

	composites := h.c.Composites()
	x, y, z := composites[0], composites[1], composites[2]
	for _, spec := range composites {
		if spec.Device().IsZero() {
			t.Fatalf("composite %s not assembled", spec.Name)
		}
	}
	zDev := z.Device()
	if got := h.c.Device(zDev).Path(); got != "/dev/sys/spi/z.spi/z" {
		t.Errorf("unexpected co-resident path: got:%s want:/dev/sys/spi/z.spi/z", got)
	}

	err := h.c.RemoveDevice(gpio, false)
	if err != nil {
		t.Fatalf("unexpected error removing shared device: %v", err)
	}
	h.settle()
	if h.c.Device(gpio) != nil {
		t.Errorf("shared device not freed")
	}
	for _, spec := range []*CompositeDevice{x, y} {
		if !spec.Device().IsZero() {
			t.Errorf("composite %s not torn down", spec.Name)
		}
		if !spec.Components[0].Bound().IsZero() || !spec.Components[0].Glue().IsZero() {
			t.Errorf("composite %s slot not retracted", spec.Name)
		}
		if spec.Components[1].Glue().IsZero() {
			t.Errorf("composite %s unrelated slot retracted", spec.Name)
		}
	}
	if x.Components[1].Bound() != i2c {
		t.Errorf("unexpected device in x i2c slot")
	}
	if z.Device() != zDev {
		t.Errorf("unrelated composite z changed")
	}
	for _, e := range h.fs.List("/dev/sys/gpio") {
		t.Errorf("unexpected published path after removal: %s", e.Path)
	}

	h.add(sys, DeviceArgs{Name: "gpio", Protocol: bind.ProtoGPIO})
	count := make(map[string]int)
	for _, s := range h.sentMethod(api.CreateCompositeDevice) {
		count[s.params.(api.CompositeDeviceParams).Name]++
	}
	want := map[string]int{"x": 2, "y": 2, "z": 1}
	if !cmp.Equal(count, want) {
		t.Errorf("unexpected composite creation counts:\n--- want:\n+++ got:\n%s", cmp.Diff(want, count))
	}
	for _, spec := range composites {
		if spec.Device().IsZero() {
			t.Errorf("composite %s not reassembled", spec.Name)
		}
	}
}

func TestCompositeIsolated(t *testing.T) {
	h := newHarness(t, Config{})
	sys := h.proxy(h.c.Sys())
	err := h.c.AddCompositeDevice(sys, gpioI2C)
	if err != nil {
		t.Fatalf("unexpected error adding composite: %v", err)
	}
	h.add(sys, DeviceArgs{Name: "gpio", Protocol: bind.ProtoGPIO})
	i2c := h.add(sys, DeviceArgs{Name: "i2c", Protocol: bind.ProtoI2C, Artifact: "i2c-fw"})

	spec := h.c.Composites()[0]
	if spec.Device().IsZero() {
		t.Fatal("composite not assembled")
	}
	glue := h.c.Device(spec.Components[1].Glue())
	if glue.Parent() != i2c {
		t.Errorf("unexpected parent of isolated component device")
	}
	if glue.Host() == h.c.Device(spec.Device()).Host() {
		t.Errorf("isolated component device hosted with composite")
	}
	p := h.sentMethod(api.CreateCompositeDevice)[0].params.(api.CompositeDeviceParams)
	if p.Components[1] != glue.Proxy().String() {
		t.Errorf("composite not given proxy for remote component: got:%s want:%s", p.Components[1], glue.Proxy())
	}
}

func TestCompositeIsolatedReadd(t *testing.T) {
	h := newHarness(t, Config{})
	sys := h.proxy(h.c.Sys())
	err := h.c.AddCompositeDevice(sys, gpioI2C)
	if err != nil {
		t.Fatalf("unexpected error adding composite: %v", err)
	}
	gpioArgs := DeviceArgs{Name: "gpio", Protocol: bind.ProtoGPIO, Artifact: "gpio-fw"}
	gpio := h.add(sys, gpioArgs)
	h.add(sys, DeviceArgs{Name: "i2c", Protocol: bind.ProtoI2C, Artifact: "i2c-fw"})

	spec := h.c.Composites()[0]
	if spec.Device().IsZero() {
		t.Fatal("composite not assembled")
	}
	old := h.hostOf(gpio)
	oldProc := h.hosts[old.Name]
	i2cGlue := spec.Components[1].Glue()
	if got := h.c.Device(h.c.Device(i2cGlue).Proxy()).Host(); got != old.ID() {
		t.Fatalf("remote component not proxied into co-resident devhost: got:%v want:%v", got, old.ID())
	}

	err = h.c.RemoveDevice(gpio, false)
	if err != nil {
		t.Fatalf("unexpected error removing co-resident device: %v", err)
	}
	h.settle()
	if d := h.c.Devhost(old.ID()); d != nil {
		t.Errorf("co-resident devhost not released: refs=%d devices=%v", d.Refs(), d.Devices())
	}
	if !oldProc.killed {
		t.Errorf("co-resident devhost process not killed")
	}
	if !h.c.Device(i2cGlue).Proxy().IsZero() {
		t.Errorf("remote component proxy not removed with composite")
	}

	gpio = h.add(sys, gpioArgs)
	if spec.Device().IsZero() {
		t.Fatal("composite not reassembled")
	}
	host := h.hostOf(gpio)
	created := h.sentMethod(api.CreateCompositeDevice)
	if len(created) != 2 {
		t.Fatalf("unexpected number of composite creations: got:%d want:2", len(created))
	}
	if created[1].host != host.Name {
		t.Errorf("composite created in unexpected devhost: got:%s want:%s", created[1].host, host.Name)
	}
	for i, tok := range created[1].params.(api.CompositeDeviceParams).Components {
		id, err := ParseDeviceID(tok)
		if err != nil {
			t.Errorf("invalid component token for slot %d: %v", i, err)
			continue
		}
		d := h.c.Device(id)
		if d == nil || d.Has(Dead) {
			t.Errorf("component token for slot %d refers to a removed device: %s", i, tok)
			continue
		}
		if d.Host() != host.ID() {
			t.Errorf("component token for slot %d not hosted in co-resident devhost: got:%v want:%v", i, d.Host(), host.ID())
		}
	}
}

func TestCompositeComponentHostExit(t *testing.T) {
	const backoff = time.Second
	h := newHarness(t, Config{BindRetries: 1, BindBackoff: backoff})
	sys := h.proxy(h.c.Sys())
	err := h.c.AddCompositeDevice(sys, gpioI2C)
	if err != nil {
		t.Fatalf("unexpected error adding composite: %v", err)
	}
	h.add(sys, DeviceArgs{Name: "gpio", Protocol: bind.ProtoGPIO})
	i2c := h.add(sys, DeviceArgs{Name: "i2c", Protocol: bind.ProtoI2C, Artifact: "i2c-fw"})

	spec := h.c.Composites()[0]
	first := spec.Device()
	if first.IsZero() {
		t.Fatal("composite not assembled")
	}
	host := h.hostOf(i2c)

	h.hosts[host.Name].exit()
	h.settle()
	if !spec.Device().IsZero() {
		t.Errorf("composite not torn down after component devhost exit")
	}
	comp := spec.Components[1]
	if !comp.Bound().IsZero() || !comp.Glue().IsZero() {
		t.Errorf("component slot not reverted: bound=%v glue=%v", comp.Bound(), comp.Glue())
	}

	rebind := h.pending(backoff)
	if len(rebind) != 1 {
		t.Fatalf("unexpected number of rebind timers: got:%d want:1", len(rebind))
	}
	h.fire(rebind[0])
	if spec.Device().IsZero() {
		t.Fatal("composite not reassembled after rebind")
	}
	if spec.Device() == first {
		t.Errorf("reassembled composite reused removed device handle")
	}
	if comp.Bound() != i2c {
		t.Errorf("unexpected device in i2c slot after rebind")
	}
	glue := h.c.Device(comp.Glue())
	if glue == nil || h.c.Devhost(glue.Host()) == nil {
		t.Fatal("component device not hosted by a live devhost")
	}
	if n := len(h.sentMethod(api.CreateCompositeDevice)); n != 2 {
		t.Errorf("unexpected number of composite creations: got:%d want:2", n)
	}
}

func TestTryMatchComponents(t *testing.T) {
	h := newHarness(t, Config{})
	sys := h.proxy(h.c.Sys())
	gpio := h.add(sys, DeviceArgs{Name: "gpio", Protocol: bind.ProtoGPIO, Invisible: true})
	spi := h.add(sys, DeviceArgs{Name: "spi", Protocol: bind.ProtoSPI})
	for _, spec := range []api.CompositeParams{
		gpioI2C,
		{
			Name: "y",
			Components: []api.ComponentParams{
				{Name: "spi", Chain: [][]string{{"protocol == spi"}}},
				{Name: "gpio", Chain: [][]string{{"protocol == gpio"}}},
			},
		},
	} {
		err := h.c.AddCompositeDevice(sys, spec)
		if err != nil {
			t.Fatalf("unexpected error adding composite %s: %v", spec.Name, err)
		}
	}
	h.settle()
	composites := h.c.Composites()
	x, y := composites[0], composites[1]
	if y.Components[0].Bound() != spi {
		t.Fatalf("spi not bound to y")
	}

	type match struct {
		spec string
		idx  int
		ok   bool
	}
	check := func(name string, id DeviceID, want match) {
		t.Helper()
		spec, idx, ok := h.c.TryMatchComponents(id)
		got := match{idx: idx, ok: ok}
		if spec != nil {
			got.spec = spec.Name
		}
		if got != want {
			t.Errorf("unexpected match for %s: got:%+v want:%+v", name, got, want)
		}
	}
	none := match{idx: -1}
	check("invisible", gpio, none)
	check("bound", spi, none)
	check("root", h.c.Root(), none)
	check("glue", y.Components[0].Glue(), none)
	check("proxy", sys, none)

	h.c.Device(gpio).Flags &^= Invisible
	check("first", gpio, match{spec: "x", idx: 0, ok: true})
	err := h.c.BindComponent(x, 0, gpio)
	if err != nil {
		t.Fatalf("unexpected error binding component: %v", err)
	}
	h.settle()
	check("second", gpio, match{spec: "y", idx: 1, ok: true})
	err = h.c.BindComponent(y, 1, gpio)
	if err != nil {
		t.Fatalf("unexpected error binding component: %v", err)
	}
	h.settle()
	check("exhausted", gpio, none)
	if y.Device().IsZero() {
		t.Errorf("composite y not assembled")
	}
}

func TestAddCompositeDeviceErrors(t *testing.T) {
	h := newHarness(t, Config{})
	sys := h.proxy(h.c.Sys())
	gpio := h.add(sys, DeviceArgs{Name: "gpio", Protocol: bind.ProtoGPIO})
	child := h.add(gpio, DeviceArgs{Name: "child", Protocol: bind.ProtoGPIO})

	for _, test := range []struct {
		name      string
		requester DeviceID
		desc      api.CompositeParams
		want      error
	}{
		{name: "not_platform", requester: child, desc: gpioI2C, want: ErrAccessDenied},
		{name: "no_components", requester: sys, desc: api.CompositeParams{Name: "a"}, want: ErrInvalidArgs},
		{name: "bad_coresident", requester: sys, desc: api.CompositeParams{Name: "a", Components: gpioI2C.Components, CoResident: 2}, want: ErrInvalidArgs},
		{
			name:      "bad_program",
			requester: sys,
			desc: api.CompositeParams{Name: "a", Components: []api.ComponentParams{
				{Name: "a", Chain: [][]string{{"protocol ~ gpio"}}},
			}},
			want: ErrInvalidArgs,
		},
		{
			name:      "duplicate_component",
			requester: sys,
			desc: api.CompositeParams{Name: "a", Components: []api.ComponentParams{
				{Name: "a", Chain: [][]string{{"always"}}},
				{Name: "a", Chain: [][]string{{"always"}}},
			}},
			want: ErrInvalidArgs,
		},
		{name: "child_of_sys", requester: gpio, desc: gpioI2C, want: nil},
		{name: "duplicate_spec", requester: sys, desc: gpioI2C, want: ErrInvalidArgs},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := h.c.AddCompositeDevice(test.requester, test.desc)
			if !errors.Is(err, test.want) || (err == nil) != (test.want == nil) {
				t.Errorf("unexpected error: got:%v want:%v", err, test.want)
			}
		})
	}
}

func TestMetadata(t *testing.T) {
	h := newHarness(t, Config{})
	sys := h.proxy(h.c.Sys())
	gpio := h.add(sys, DeviceArgs{Name: "gpio", Protocol: bind.ProtoGPIO})
	led := h.add(gpio, DeviceArgs{Name: "led", Protocol: bind.ProtoGPIO})

	steps := []struct {
		name string
		do   func() error
		want error
	}{
		{name: "add", do: func() error { return h.c.AddMetadata(gpio, 1, []byte("abc")) }},
		{name: "publish_below", do: func() error { return h.c.PublishMetadata(gpio, "/dev/sys/gpio/led", 2, []byte("led")) }},
		{name: "publish_self", do: func() error { return h.c.PublishMetadata(gpio, "/dev/sys/gpio", 2, []byte("gpio")) }},
		{name: "publish_outside", do: func() error { return h.c.PublishMetadata(led, "/dev/sys/other", 3, []byte("x")) }, want: ErrAccessDenied},
		{name: "publish_sys", do: func() error { return h.c.PublishMetadata(sys, "/dev/sys/other", 3, []byte("x")) }},
		{name: "publish_empty", do: func() error { return h.c.PublishMetadata(sys, "", 3, nil) }, want: ErrInvalidArgs},
	}
	for _, step := range steps {
		err := step.do()
		if !errors.Is(err, step.want) || (err == nil) != (step.want == nil) {
			t.Errorf("unexpected error for %s: got:%v want:%v", step.name, err, step.want)
		}
	}

	for _, test := range []struct {
		name    string
		id      DeviceID
		key     uint32
		max     int
		want    string
		wantErr error
	}{
		{name: "self", id: gpio, key: 1, want: "abc"},
		{name: "ancestor", id: led, key: 1, want: "abc"},
		{name: "limit", id: led, key: 1, max: 3, want: "abc"},
		{name: "too_small", id: led, key: 1, max: 2, wantErr: ErrBufferTooSmall},
		{name: "most_specific", id: led, key: 2, want: "led"},
		{name: "published_self", id: gpio, key: 2, want: "gpio"},
		{name: "missing", id: led, key: 9, wantErr: ErrNotFound},
		{name: "not_published_here", id: led, key: 3, wantErr: ErrNotFound},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := h.c.GetMetadata(test.id, test.key, test.max)
			if !errors.Is(err, test.wantErr) || (err == nil) != (test.wantErr == nil) {
				t.Fatalf("unexpected error: got:%v want:%v", err, test.wantErr)
			}
			if err != nil {
				return
			}
			if string(got) != test.want {
				t.Errorf("unexpected metadata: got:%q want:%q", got, test.want)
			}
			n, err := h.c.GetMetadataSize(test.id, test.key)
			if err != nil {
				t.Fatalf("unexpected error getting size: %v", err)
			}
			if n != len(test.want) {
				t.Errorf("unexpected metadata size: got:%d want:%d", n, len(test.want))
			}
		})
	}
}

func TestLoadFirmware(t *testing.T) {
	h := newHarness(t, Config{})
	gpio := h.add(h.proxy(h.c.Sys()), DeviceArgs{Name: "gpio", Protocol: bind.ProtoGPIO})

	var (
		got []byte
		err error
	)
	loadErr := h.c.LoadFirmware(gpio, "blob", func(b []byte, e error) { got, err = b, e })
	if loadErr != nil {
		t.Fatalf("unexpected error starting firmware load: %v", loadErr)
	}
	loadErr = h.c.LoadFirmware(gpio, "blob", func([]byte, error) { t.Error("unexpected call to rejected load callback") })
	if !errors.Is(loadErr, ErrBadState) {
		t.Errorf("unexpected error for concurrent load: got:%v want:%v", loadErr, ErrBadState)
	}
	h.settle()
	if err != nil {
		t.Errorf("unexpected error loading firmware: %v", err)
	}
	if string(got) != "firmware" {
		t.Errorf("unexpected firmware: got:%q want:%q", got, "firmware")
	}

	loadErr = h.c.LoadFirmware(gpio, "missing", func(b []byte, e error) { got, err = b, e })
	if loadErr != nil {
		t.Fatalf("unexpected error starting second firmware load: %v", loadErr)
	}
	h.settle()
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unexpected error loading missing firmware: got:%v want:%v", err, ErrNotFound)
	}
}

func TestWatchDirectory(t *testing.T) {
	h := newHarness(t, Config{})
	sys := h.proxy(h.c.Sys())
	gpio := h.add(sys, DeviceArgs{Name: "gpio", Protocol: bind.ProtoGPIO})
	err := h.c.WatchDirectory(sys, "/dev/sys")
	if err != nil {
		t.Fatalf("unexpected error watching directory: %v", err)
	}
	h.add(sys, DeviceArgs{Name: "i2c", Protocol: bind.ProtoI2C})
	err = h.c.RemoveDevice(gpio, false)
	if err != nil {
		t.Fatalf("unexpected error removing device: %v", err)
	}
	h.settle()

	var got []string
	for _, s := range h.sentMethod(api.DirectoryEvent) {
		p := s.params.(api.DirectoryEventParams)
		if p.Device != sys.String() {
			t.Errorf("unexpected watching device: got:%s want:%s", p.Device, sys)
		}
		got = append(got, p.Op+" "+p.Path)
	}
	want := []string{
		"add /dev/sys/gpio",
		"add /dev/sys/i2c",
		"remove /dev/sys/gpio",
	}
	if !cmp.Equal(got, want) {
		t.Errorf("unexpected directory events:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
	}

	err = h.c.WatchDirectory(sys, "dev")
	if !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("unexpected error for relative watch path: got:%v want:%v", err, ErrInvalidArgs)
	}
}

func TestDump(t *testing.T) {
	h := newHarness(t, Config{})
	h.add(h.proxy(h.c.Sys()), DeviceArgs{Name: "gpio", Protocol: bind.ProtoGPIO})

	var got []string
	for _, info := range h.c.Dump() {
		got = append(got, info.Path+" "+info.Protocol+" "+info.Flags)
	}
	want := []string{
		"/dev root immortal|must_isolate|multi_bind",
		"/dev root proxy",
		"/dev/misc misc immortal|must_isolate|multi_bind",
		"/dev/misc misc proxy",
		"/dev/sys sys immortal|must_isolate|bound",
		"/dev/sys sys proxy",
		"/dev/sys/gpio gpio ",
		"/dev/test test immortal|must_isolate|multi_bind",
	}
	if !cmp.Equal(got, want) {
		t.Errorf("unexpected dump:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
	}
}
