// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bind provides bind programs and the matcher used to decide
// whether a driver or composite component applies to a device.
package bind

import (
	"fmt"
	"strconv"
	"strings"
)

// Reserved property keys.
const (
	// KeyProtocol addresses the device's protocol id.
	KeyProtocol = "protocol"
	// KeyAutobind addresses the autobind state of the match; it
	// has the value 1 when automatic and 0 when explicit.
	KeyAutobind = "autobind"
)

// Property is a device property used for matching.
type Property struct {
	Key   string `json:"key"`
	Value uint32 `json:"value"`
}

// Cond is an instruction condition.
type Cond uint8

const (
	Always   Cond = iota // unconditionally true
	Equal                // property is present and equal to the value
	NotEqual             // property is absent or not equal to the value
	Explicit             // false when the match is automatic
)

func (c Cond) String() string {
	switch c {
	case Always:
		return "always"
	case Equal:
		return "=="
	case NotEqual:
		return "!="
	case Explicit:
		return "explicit"
	default:
		return fmt.Sprintf("Cond(%d)", c)
	}
}

// Instruction is a single bind program test.
type Instruction struct {
	Cond  Cond   `json:"cond"`
	Key   string `json:"key,omitempty"`
	Value uint32 `json:"value,omitempty"`
}

func (i Instruction) String() string {
	switch i.Cond {
	case Equal, NotEqual:
		val := strconv.FormatUint(uint64(i.Value), 10)
		if i.Key == KeyProtocol {
			if name, ok := ProtocolName(i.Value); ok {
				val = name
			}
		}
		return fmt.Sprintf("%s %s %s", i.Key, i.Cond, val)
	default:
		return i.Cond.String()
	}
}

// Program is an ordered sequence of bind instructions.
type Program []Instruction

func (p Program) String() string {
	s := make([]string, len(p))
	for i, ins := range p {
		s[i] = ins.String()
	}
	return strings.Join(s, "; ")
}

// IsBindable returns whether prog matches a device with the given protocol
// and properties. Instructions are evaluated in order and the first failing
// test makes the program fail. A property that is absent fails an Equal test
// and satisfies a NotEqual test. Explicit instructions fail when autobind is
// true. An empty program never matches.
func IsBindable(prog Program, protocol uint32, props []Property, autobind bool) bool {
	if len(prog) == 0 {
		return false
	}
	for _, ins := range prog {
		switch ins.Cond {
		case Always:
		case Explicit:
			if autobind {
				return false
			}
		case Equal, NotEqual:
			v, ok := lookup(ins.Key, protocol, props, autobind)
			if (ins.Cond == Equal) != (ok && v == ins.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func lookup(key string, protocol uint32, props []Property, autobind bool) (uint32, bool) {
	switch key {
	case KeyProtocol:
		return protocol, true
	case KeyAutobind:
		if autobind {
			return 1, true
		}
		return 0, true
	}
	for _, p := range props {
		if p.Key == key {
			return p.Value, true
		}
	}
	return 0, false
}

// Node is the matchable identity of a device.
type Node struct {
	Protocol uint32
	Props    []Property
}

// MatchChain returns whether the programs in chain match the path of nodes
// from a candidate device, path[0], up through its ancestors. The last
// program in chain must match the candidate. The remaining programs are
// matched in reverse order against successively more distant ancestors,
// skipping ancestors that do not match, and all programs must be consumed.
// Matching is never automatic, so Explicit instructions pass.
func MatchChain(chain []Program, path []Node) bool {
	if len(chain) == 0 || len(path) == 0 {
		return false
	}
	last := len(chain) - 1
	if !IsBindable(chain[last], path[0].Protocol, path[0].Props, false) {
		return false
	}
	i := last - 1
	for _, n := range path[1:] {
		if i < 0 {
			break
		}
		if IsBindable(chain[i], n.Protocol, n.Props, false) {
			i--
		}
	}
	return i < 0
}

// Parse parses a textual bind program. Each line is one of
//
//	key == value
//	key != value
//	explicit
//	always
//
// Values are decimal or 0x-prefixed hexadecimal integers. Values for
// the protocol key may also be protocol names.
func Parse(lines []string) (Program, error) {
	prog := make(Program, 0, len(lines))
	for i, l := range lines {
		ins, err := parseInstruction(l)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		prog = append(prog, ins)
	}
	return prog, nil
}

func parseInstruction(line string) (Instruction, error) {
	f := strings.Fields(line)
	switch len(f) {
	case 1:
		switch f[0] {
		case "always":
			return Instruction{Cond: Always}, nil
		case "explicit":
			return Instruction{Cond: Explicit}, nil
		}
	case 3:
		var ins Instruction
		switch f[1] {
		case "==":
			ins.Cond = Equal
		case "!=":
			ins.Cond = NotEqual
		default:
			return ins, fmt.Errorf("invalid operator: %q", f[1])
		}
		ins.Key = f[0]
		v, err := parseValue(f[0], f[2])
		if err != nil {
			return ins, err
		}
		ins.Value = v
		return ins, nil
	}
	return Instruction{}, fmt.Errorf("invalid instruction: %q", line)
}

func parseValue(key, text string) (uint32, error) {
	if key == KeyProtocol {
		if id, ok := Protocols[text]; ok {
			return id, nil
		}
	}
	base, digits := 10, text
	if len(text) > 2 && text[0] == '0' && (text[1] == 'x' || text[1] == 'X') {
		base, digits = 16, text[2:]
	}
	v, err := strconv.ParseUint(digits, base, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q", key, text)
	}
	return uint32(v), nil
}
