// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bind

// Protocol ids.
const (
	ProtoRoot uint32 = iota + 1
	ProtoMisc
	ProtoSys
	ProtoTest
	ProtoPlatform
	ProtoComposite
	ProtoComponent
	ProtoGPIO
	ProtoI2C
	ProtoSPI
	ProtoPCI
	ProtoUSB
	ProtoBlock
	ProtoSerial
	ProtoInput
	ProtoDisplay
	ProtoEthernet
	ProtoPower
	ProtoClock
)

// Protocols is the protocol name table.
var Protocols = map[string]uint32{
	"root":      ProtoRoot,
	"misc":      ProtoMisc,
	"sys":       ProtoSys,
	"test":      ProtoTest,
	"platform":  ProtoPlatform,
	"composite": ProtoComposite,
	"component": ProtoComponent,
	"gpio":      ProtoGPIO,
	"i2c":       ProtoI2C,
	"spi":       ProtoSPI,
	"pci":       ProtoPCI,
	"usb":       ProtoUSB,
	"block":     ProtoBlock,
	"serial":    ProtoSerial,
	"input":     ProtoInput,
	"display":   ProtoDisplay,
	"ethernet":  ProtoEthernet,
	"power":     ProtoPower,
	"clock":     ProtoClock,
}

var protocolNames = func() map[uint32]string {
	m := make(map[uint32]string, len(Protocols))
	for name, id := range Protocols {
		m[id] = name
	}
	return m
}()

// ProtocolName returns the name of the protocol with the given id.
func ProtocolName(id uint32) (string, bool) {
	name, ok := protocolNames[id]
	return name, ok
}
