// Package ble implements the advertising bearer: mesh network PDUs
// tunneled over BLE advertising manufacturer data, not the GATT
// proxy. Every inbound advertisement carrying this bearer's company ID
// tag is handed to the sink; beyond that tag, it is the stack's job,
// not this package's, to decide whether a frame is one of ours
// (replay/decrypt will simply fail for anything that isn't).
package ble

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/currantlabs/ble"
	"github.com/currantlabs/ble/linux/hci"

	"github.com/agrinman/btmesh/stack"
)

// companyID tags our manufacturer-data frames so mesh traffic can be
// told apart from other advertisers sharing the channel (iBeacons and
// the like); Input drops frames that lack it. It is not a real
// Bluetooth SIG company identifier.
const companyID = 0xFFFE

// Input is the advertising bearer's inbound half: it scans and feeds
// every manufacturer-data advertisement whose company ID matches ours
// to the stack's sink.
type Input struct {
	dev *hci.HCI
}

// NewInput opens the default local HCI device for scanning. The
// device is shared with Output if both are constructed in the same
// process; currantlabs/ble keeps a single device open per adapter.
func NewInput() (*Input, error) {
	dev, err := hci.NewHCI()
	if err != nil {
		return nil, fmt.Errorf("ble: open hci device: %w", err)
	}
	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("ble: init hci device: %w", err)
	}
	return &Input{dev: dev}, nil
}

// Start begins scanning and never returns until the device errors out
// or is closed; it is expected to run in its own goroutine, per
// stack.InputInterface's contract.
func (in *Input) Start(sink func(stack.IncomingEncryptedNetworkPDU)) error {
	handler := ble.AdvHandlerFunc(func(a ble.Advertisement) {
		pdu, ok := decodeManufacturerFrame(a.ManufacturerData())
		if !ok {
			return
		}
		rssi := int8(a.RSSI())
		sink(stack.IncomingEncryptedNetworkPDU{
			EncryptedPDU: pdu,
			RSSI:         &rssi,
		})
	})
	if err := in.dev.SetAdvHandler(handler); err != nil {
		return fmt.Errorf("ble: set advertisement handler: %w", err)
	}
	return in.dev.Scan(true)
}

// Close stops scanning.
func (in *Input) Close() error {
	return in.dev.StopScanning()
}

// Output is the advertising bearer's outbound half: every encrypted
// network PDU is broadcast as manufacturer-specific advertising data,
// relying on periodic re-advertisement (not acked unicast) to reach
// the right neighbors, same as the rest of the advertising-bearer
// mesh.
type Output struct {
	mu  sync.Mutex
	dev *hci.HCI
}

// NewOutput opens the default local HCI device for advertising.
func NewOutput() (*Output, error) {
	dev, err := hci.NewHCI()
	if err != nil {
		return nil, fmt.Errorf("ble: open hci device: %w", err)
	}
	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("ble: init hci device: %w", err)
	}
	return &Output{dev: dev}, nil
}

// Send replaces the device's current advertisement with pdu's framing.
// The new frame stays on air, repeating at the controller's
// advertising interval, until the next Send call replaces it; this
// bearer has no notion of TransmitParameters, since the profile's
// count/interval knobs are a segmenter-level retransmission policy,
// not an advertising-radio one.
func (o *Output) Send(pdu stack.OutgoingEncryptedNetworkPDU) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	frame := encodeManufacturerFrame(pdu.EncryptedPDU)
	if err := o.dev.AdvertiseIBeaconData(frame); err != nil {
		return fmt.Errorf("ble: advertise: %w", err)
	}
	return nil
}

// Close stops advertising.
func (o *Output) Close() error {
	return o.dev.StopAdvertising()
}

// encodeManufacturerFrame prefixes raw with the company tag so Input
// can distinguish mesh traffic from every other advertiser sharing
// the channel. This is an approximation of the SIG's dedicated
// "Mesh Message" AD type: the vendored ble package only exposes
// manufacturer-specific-data advertising, not raw AD type control, so
// tagged manufacturer data is the closest equivalent available.
func encodeManufacturerFrame(raw []byte) []byte {
	out := make([]byte, 2+len(raw))
	binary.LittleEndian.PutUint16(out, companyID)
	copy(out[2:], raw)
	return out
}

func decodeManufacturerFrame(data []byte) ([]byte, bool) {
	if len(data) < 2 {
		return nil, false
	}
	if binary.LittleEndian.Uint16(data) != companyID {
		return nil, false
	}
	return data[2:], true
}
