// Package mesh holds the wire-precise value types shared by the
// network-to-transport pipeline: addresses, sequence numbers, TTLs,
// and the lower-transport PDU shapes. Nothing here talks to a radio,
// a key store, or a clock; it is pure data per the Bluetooth Mesh
// Profile wire format.
package mesh

import "fmt"

// UnicastAddress is a 15-bit non-zero element address, 1..=0x7FFF.
type UnicastAddress uint16

const (
	unicastMax = 0x7FFF
)

// NewUnicastAddress validates v as a unicast address.
func NewUnicastAddress(v uint16) (UnicastAddress, error) {
	if v == 0 || v > unicastMax {
		return 0, fmt.Errorf("mesh: %#04x is not a valid unicast address", v)
	}
	return UnicastAddress(v), nil
}

func (u UnicastAddress) String() string { return fmt.Sprintf("%#04x", uint16(u)) }

// InRange reports whether u falls within [primary, primary+elementCount).
// Used to decide whether an inbound segmented PDU was addressed to one
// of this node's elements.
func (u UnicastAddress) InRange(primary UnicastAddress, elementCount uint8) bool {
	if u < primary {
		return false
	}
	return uint32(u)-uint32(primary) < uint32(elementCount)
}

// AddressKind discriminates the tagged Address variant.
type AddressKind uint8

const (
	Unassigned AddressKind = iota
	Unicast
	Group
	Virtual
)

func (k AddressKind) String() string {
	switch k {
	case Unassigned:
		return "unassigned"
	case Unicast:
		return "unicast"
	case Group:
		return "group"
	case Virtual:
		return "virtual"
	default:
		return "invalid"
	}
}

// Address is the tagged 16-bit destination/source address type.
type Address struct {
	kind  AddressKind
	value uint16
}

// ParseAddress classifies a raw 16-bit wire value per the Mesh address
// rules: 0x0000 is unassigned, top bit unset and nonzero is unicast,
// top two bits 11 is group, top two bits 10 is virtual.
func ParseAddress(v uint16) Address {
	switch {
	case v == 0x0000:
		return Address{kind: Unassigned, value: v}
	case v&0x8000 == 0:
		return Address{kind: Unicast, value: v}
	case v&0xC000 == 0xC000:
		return Address{kind: Group, value: v}
	default:
		return Address{kind: Virtual, value: v}
	}
}

// UnicastToAddress lifts a UnicastAddress into the tagged Address type.
func UnicastToAddress(u UnicastAddress) Address {
	return Address{kind: Unicast, value: uint16(u)}
}

func (a Address) Kind() AddressKind { return a.kind }
func (a Address) Raw() uint16       { return a.value }

// AsUnicast returns the unicast address and true, or the zero value
// and false if a is not a unicast address.
func (a Address) AsUnicast() (UnicastAddress, bool) {
	if a.kind != Unicast {
		return 0, false
	}
	return UnicastAddress(a.value), true
}

// IsGroupOrVirtual reports whether the destination is a multicast-style
// address for which outbound segmented sends are unacknowledged.
func (a Address) IsGroupOrVirtual() bool {
	return a.kind == Group || a.kind == Virtual
}

func (a Address) String() string {
	return fmt.Sprintf("%s(%#04x)", a.kind, a.value)
}
