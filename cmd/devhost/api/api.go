// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package api defines RPC messages used to communicate between the device
// coordinator and devhost processes.
//
// Devices are addressed by tokens, the text form of the coordinator's
// device handles. Requests sent by a devhost on behalf of a device carry
// the devhost's UID in the message UID.Module field and the device token
// in the UID.Service field.
package api

import (
	"github.com/kortschak/devmgr/internal/bind"
)

// Coordinator to devhost methods. Suspend and RemoveDevice are also
// accepted by the coordinator.
const (
	CreateDevice          = "create_device"           // call CreateDeviceParams → None
	CreateDeviceStub      = "create_device_stub"      // call CreateDeviceParams → None
	CreateCompositeDevice = "create_composite_device" // call CompositeDeviceParams → None
	BindDriver            = "bind_driver"             // call BindDriverParams → None
	ConnectProxy          = "connect_proxy"           // notify ConnectProxyParams
	Suspend               = "suspend"                 // call SuspendParams → None
	RemoveDevice          = "remove_device"           // call DeviceParams → None
	DirectoryEvent        = "directory_event"         // notify DirectoryEventParams
)

// Devhost to coordinator methods.
const (
	AddDevice          = "add_device"           // call AddDeviceParams → string (device token)
	AddDeviceInvisible = "add_device_invisible" // call AddDeviceParams → string (device token)
	MakeVisible        = "make_visible"         // call None → None
	BindDevice         = "bind_device"          // call BindDeviceParams → None
	GetTopologicalPath = "get_topological_path" // call None → string
	LoadFirmware       = "load_firmware"        // call LoadFirmwareParams → []byte
	GetMetadata        = "get_metadata"         // call MetadataParams → []byte
	GetMetadataSize    = "get_metadata_size"    // call MetadataParams → int
	AddMetadata        = "add_metadata"         // call MetadataParams → None
	PublishMetadata    = "publish_metadata"     // call MetadataParams → None
	AddCompositeDevice = "add_composite_device" // call CompositeParams → None
	WatchDirectory     = "watch_directory"      // call WatchParams → None
	Dump               = "dump"                 // call None → []DeviceInfo
)

// ComponentDriver is the name used for the composite component glue
// driver in BindDriver requests.
const ComponentDriver = "component"

// CreateDeviceParams is the body of CreateDevice and CreateDeviceStub calls.
// Device is the token the devhost must use to refer to the new device.
// Proxied is the token of the device in the parent devhost that the new
// device is a proxy for.
type CreateDeviceParams struct {
	Device   string          `json:"device"`
	Proxied  string          `json:"proxied,omitempty"`
	Name     string          `json:"name"`
	Protocol uint32          `json:"protocol"`
	Props    []bind.Property `json:"props,omitempty"`
	Artifact string          `json:"artifact,omitempty"`
	Args     []string        `json:"args,omitempty"`
}

// CompositeDeviceParams is the body of a CreateCompositeDevice call.
// Components holds the tokens of the component devices in component
// order, each addressable within the receiving devhost.
type CompositeDeviceParams struct {
	Device     string          `json:"device"`
	Name       string          `json:"name"`
	Props      []bind.Property `json:"props,omitempty"`
	Components []string        `json:"components"`
}

// BindDriverParams is the body of a BindDriver call.
type BindDriverParams struct {
	Device   string   `json:"device"`
	Driver   string   `json:"driver"`
	Artifact string   `json:"artifact"`
	Args     []string `json:"args,omitempty"`
}

// ConnectProxyParams is the body of a ConnectProxy notification. It tells
// the devhost holding Device that Proxy in the devhost Host represents it.
type ConnectProxyParams struct {
	Device string `json:"device"`
	Proxy  string `json:"proxy"`
	Host   string `json:"host"`
}

// SuspendParams is the body of a Suspend call.
type SuspendParams struct {
	Kind string `json:"kind"`
}

// DeviceParams is the body of calls addressing a single device.
type DeviceParams struct {
	Device string `json:"device"`
}

// DirectoryEventParams is the body of a DirectoryEvent notification.
// Device is the token of the watching device.
type DirectoryEventParams struct {
	Device   string `json:"device"`
	Op       string `json:"op"`
	Path     string `json:"path"`
	Protocol uint32 `json:"protocol"`
}

// AddDeviceParams is the body of AddDevice and AddDeviceInvisible calls.
// The parent of the new device is the requesting device.
type AddDeviceParams struct {
	Name     string          `json:"name"`
	Protocol uint32          `json:"protocol"`
	Props    []bind.Property `json:"props,omitempty"`
	Artifact string          `json:"artifact,omitempty"`
	Args     []string        `json:"args,omitempty"`
}

// BindDeviceParams is the body of a BindDevice call. An empty Driver
// requests automatic driver selection.
type BindDeviceParams struct {
	Driver string `json:"driver,omitempty"`
}

// LoadFirmwareParams is the body of a LoadFirmware call.
type LoadFirmwareParams struct {
	Path string `json:"path"`
}

// MetadataParams is the body of metadata calls. Max is only used by
// GetMetadata, and zero is no limit. Path is only used by
// PublishMetadata.
type MetadataParams struct {
	Key  uint32 `json:"key"`
	Data []byte `json:"data,omitempty"`
	Max  int    `json:"max,omitempty"`
	Path string `json:"path,omitempty"`
}

// CompositeParams is the body of an AddCompositeDevice call.
type CompositeParams struct {
	Name       string            `json:"name"`
	Props      []bind.Property   `json:"props,omitempty"`
	Components []ComponentParams `json:"components"`
	CoResident int               `json:"coresident"`
}

// ComponentParams describes a composite component. Chain is the textual
// form of the bind programs matching the component device and its
// ancestors, most specific last.
type ComponentParams struct {
	Name  string     `json:"name"`
	Chain [][]string `json:"chain"`
}

// WatchParams is the body of a WatchDirectory call.
type WatchParams struct {
	Path string `json:"path"`
}

// DeviceInfo is a device tree snapshot entry returned by Dump.
type DeviceInfo struct {
	Device   string   `json:"device"`
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	Protocol string   `json:"protocol"`
	Flags    string   `json:"flags,omitempty"`
	Host     string   `json:"host,omitempty"`
	Parent   string   `json:"parent,omitempty"`
	Proxy    string   `json:"proxy,omitempty"`
	Proxied  string   `json:"proxied,omitempty"`
	Children []string `json:"children,omitempty"`
}
