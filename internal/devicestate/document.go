// Package devicestate reads the persisted record of keys, addresses,
// TTL defaults, and element count a node boots from, and writes it
// back with Save. Where the JSON document lives and when it is
// rewritten is decided by the caller.
package devicestate

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io/ioutil"

	"github.com/blang/semver"
	"github.com/keybase/saltpack/encoding/basex"
	uuid "github.com/satori/go.uuid"

	"github.com/agrinman/btmesh/internal/meshcrypto"
	"github.com/agrinman/btmesh/mesh"
)

// schemaVersion is the document layout this package understands.
// Documents from a newer major version are rejected outright rather
// than guessed at.
var schemaVersion = semver.MustParse("1.0.0")

type netKeyDocument struct {
	Index  uint16 `json:"index"`
	NID    uint8  `json:"nid"`
	Secret string `json:"secret"` // basex-encoded 32 bytes
}

type appKeyDocument struct {
	Index       uint16 `json:"index"`
	NetKeyIndex uint16 `json:"net_key_index"`
}

type relayDocument struct {
	Enabled bool `json:"enabled"`
}

// document is the on-disk JSON shape.
type document struct {
	SchemaVersion string           `json:"schema_version"`
	DeviceID      string           `json:"device_id,omitempty"`
	PrimaryUnicast uint16          `json:"primary_unicast"`
	ElementCount  uint8            `json:"element_count"`
	DefaultTTL    uint8            `json:"default_ttl"`
	NetKeys       []netKeyDocument `json:"net_keys"`
	AppKeys       []appKeyDocument `json:"app_keys"`
	Relay         relayDocument    `json:"relay"`
	IVIndex       uint32           `json:"iv_index"`
	Seq           uint32           `json:"seq"`
}

// DeviceState is the validated, typed form of a loaded document: the
// values a Stack is constructed from.
type DeviceState struct {
	DeviceID       uuid.UUID
	PrimaryUnicast mesh.UnicastAddress
	ElementCount   uint8
	DefaultTTL     mesh.TTL
	NetKeys        []meshcrypto.NetworkKey
	RelayEnabled   bool
	IVIndex        mesh.IVIndex
	Seq            mesh.SequenceNumber
}

// Load reads and validates a device-state document from path.
func Load(path string) (ds DeviceState, err error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return
	}
	return Parse(raw)
}

// Save renders ds back to its on-disk document form and writes it to
// path, restricted to the owner: it carries the same network-key
// secrets Load decodes, so it is never written world- or group-
// readable.
func Save(path string, ds DeviceState) (err error) {
	doc := toDocument(ds)
	raw, err := json.Marshal(doc)
	if err != nil {
		return
	}
	return ioutil.WriteFile(path, raw, 0600)
}

func toDocument(ds DeviceState) document {
	netKeys := make([]netKeyDocument, 0, len(ds.NetKeys))
	for _, nk := range ds.NetKeys {
		netKeys = append(netKeys, netKeyDocument{
			Index:  uint16(nk.Index),
			NID:    nk.NID,
			Secret: EncodeSecret(nk.Secret),
		})
	}
	return document{
		SchemaVersion:  schemaVersion.String(),
		DeviceID:       ds.DeviceID.String(),
		PrimaryUnicast: uint16(ds.PrimaryUnicast),
		ElementCount:   ds.ElementCount,
		DefaultTTL:     uint8(ds.DefaultTTL),
		NetKeys:        netKeys,
		Relay:          relayDocument{Enabled: ds.RelayEnabled},
		IVIndex:        uint32(ds.IVIndex),
		Seq:            uint32(ds.Seq),
	}
}

// Parse validates a device-state document already read into memory.
func Parse(raw []byte) (ds DeviceState, err error) {
	var doc document
	if err = json.Unmarshal(raw, &doc); err != nil {
		return
	}

	v, err := semver.Parse(doc.SchemaVersion)
	if err != nil {
		err = fmt.Errorf("devicestate: invalid schema_version %q: %w", doc.SchemaVersion, err)
		return
	}
	if v.Major != schemaVersion.Major {
		err = fmt.Errorf("devicestate: schema major version %d unsupported, expected %d", v.Major, schemaVersion.Major)
		return
	}

	primary, err := mesh.NewUnicastAddress(doc.PrimaryUnicast)
	if err != nil {
		return
	}
	ttl, err := mesh.NewTTL(doc.DefaultTTL)
	if err != nil {
		return
	}
	if len(doc.NetKeys) == 0 {
		err = fmt.Errorf("devicestate: at least one network key is required")
		return
	}

	netKeys := make([]meshcrypto.NetworkKey, 0, len(doc.NetKeys))
	for _, nk := range doc.NetKeys {
		var secret [32]byte
		decoded, decodeErr := basex.Base62StdEncoding.DecodeString(nk.Secret)
		if decodeErr != nil || len(decoded) != 32 {
			err = fmt.Errorf("devicestate: net_key %d has malformed secret", nk.Index)
			return
		}
		copy(secret[:], decoded)
		netKeys = append(netKeys, meshcrypto.NetworkKey{
			Index:  mesh.NetKeyIndex(nk.Index),
			NID:    nk.NID,
			Secret: secret,
		})
	}

	deviceID := uuid.UUID{}
	if doc.DeviceID != "" {
		deviceID, err = uuid.FromString(doc.DeviceID)
		if err != nil {
			return
		}
	} else {
		deviceID = uuid.NewV4()
	}

	ds = DeviceState{
		DeviceID:       deviceID,
		PrimaryUnicast: primary,
		ElementCount:   doc.ElementCount,
		DefaultTTL:     ttl,
		NetKeys:        netKeys,
		RelayEnabled:   doc.Relay.Enabled,
		IVIndex:        mesh.IVIndex(doc.IVIndex),
		Seq:            mesh.SequenceNumber(doc.Seq),
	}
	return
}

// Dump renders a human-diagnosable summary of a device state — no
// secret material, just enough to tell nodes apart on a console.
func Dump(ds DeviceState) string {
	return fmt.Sprintf("device=%s primary=%s elements=%d ttl=%d relay=%v iv_index=%d seq=%d",
		ds.DeviceID, ds.PrimaryUnicast, ds.ElementCount, ds.DefaultTTL, ds.RelayEnabled, ds.IVIndex, ds.Seq)
}

// newRandomSecret is used by tooling that provisions a fresh document
// rather than loading an existing one.
func newRandomSecret() ([32]byte, error) {
	var secret [32]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// EncodeSecret renders a 32-byte network key secret the way Load
// expects to find it in a document.
func EncodeSecret(secret [32]byte) string {
	return basex.Base62StdEncoding.EncodeToString(secret[:])
}

// NewDevelopmentDocument provisions an in-memory DeviceState with a
// freshly generated network key, for first-run bootstrapping when no
// persisted document exists yet. Never used once a real document is
// on disk.
func NewDevelopmentDocument(primary mesh.UnicastAddress, elementCount uint8) (DeviceState, error) {
	secret, err := newRandomSecret()
	if err != nil {
		return DeviceState{}, err
	}
	return DeviceState{
		DeviceID:       uuid.NewV4(),
		PrimaryUnicast: primary,
		ElementCount:   elementCount,
		DefaultTTL:     5,
		NetKeys: []meshcrypto.NetworkKey{{
			Index:  0,
			NID:    meshcrypto.DeriveNID(secret),
			Secret: secret,
		}},
		RelayEnabled: true,
	}, nil
}
