// Package meshcrypto is the thin boundary the core calls through for
// network-layer encryption and decryption. Real network/application
// key derivation, nonce assembly, and AES-CCM are named by the spec as
// external collaborators; this package is the minimal concrete stand-in
// needed to make the pipeline's decrypt/encrypt calls and round-trip
// tests exercise real bytes instead of a mock. It uses
// golang.org/x/crypto/nacl/secretbox rather than AES-CCM, in the same
// spirit as the teacher's own use of nacl/box for its (unrelated)
// pairing handshake.
package meshcrypto

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/agrinman/btmesh/mesh"
)

// NetworkKey is the per-network-key material the core looks up by NID.
type NetworkKey struct {
	Index  mesh.NetKeyIndex
	NID    uint8
	Secret [32]byte
}

// DeriveNID stands in for k1/k2 NID derivation: a single deterministic
// byte taken from the secret so a NetworkKey can be looked up from the
// wire header's 7-bit NID field without trying every key blindly.
func DeriveNID(secret [32]byte) uint8 {
	return secret[0] & 0x7F
}

// Decrypted is a successfully opened network PDU: header fields plus
// the still-encoded lower-transport payload.
type Decrypted struct {
	Header      mesh.NetworkHeader
	NetKeyIndex mesh.NetKeyIndex
	IVIndex     mesh.IVIndex
	Payload     []byte
}

var errNoMatchingKey = fmt.Errorf("meshcrypto: no candidate key/iv-index opened this PDU")

// Decrypt tries every candidate network key whose NID matches the
// wire header, under both ivCandidates (current and previous IV
// index), and returns the first successful opening. Per spec §4.2
// step 1, an all-candidates failure is reported as a single opaque
// error; callers drop the PDU silently.
func Decrypt(encrypted []byte, candidates []NetworkKey, ivCandidates []mesh.IVIndex) (Decrypted, error) {
	if len(encrypted) < 1+24+secretbox.Overhead+8 {
		return Decrypted{}, fmt.Errorf("meshcrypto: PDU too short (%d bytes)", len(encrypted))
	}
	nidByte := encrypted[0]
	ivi := mesh.IVI(nidByte&0x80 != 0)
	nid := nidByte & 0x7F

	body := encrypted[1:]
	var nonce [24]byte
	copy(nonce[:], body[:24])
	sealed := body[24:]

	for _, key := range candidates {
		if key.NID != nid {
			continue
		}
		for _, iv := range ivCandidates {
			if !iv.Matches(ivi) {
				continue
			}
			plain, ok := secretbox.Open(nil, sealed, &nonce, &key.Secret)
			if !ok {
				continue
			}
			header, payload, err := decodePlaintext(plain)
			if err != nil {
				continue
			}
			header.IVI = ivi
			return Decrypted{
				Header:      header,
				NetKeyIndex: key.Index,
				IVIndex:     iv,
				Payload:     payload,
			}, nil
		}
	}
	return Decrypted{}, errNoMatchingKey
}

// Encrypt seals header and the lower-transport payload under key and
// iv, producing the wire form: {ivi,nid} header byte, nonce, sealed
// body.
func Encrypt(header mesh.NetworkHeader, payload []byte, key NetworkKey, iv mesh.IVIndex) ([]byte, error) {
	plain := encodePlaintext(header, payload)
	nonce := nonceFor(iv, header.Seq, header.Src)

	sealed := secretbox.Seal(nil, plain, &nonce, &key.Secret)

	out := make([]byte, 0, 1+24+len(sealed))
	headerByte := key.NID & 0x7F
	if iv.Bit() {
		headerByte |= 0x80
	}
	out = append(out, headerByte)
	out = append(out, nonce[:]...)
	out = append(out, sealed...)
	return out, nil
}

// nonceFor deterministically derives a 24-byte nonce from the fields
// that are unique per outbound PDU (IV index, sequence number,
// source address). The real profile's nonce additionally folds in the
// PDU type and padding; this package leaves those out.
func nonceFor(iv mesh.IVIndex, seq mesh.SequenceNumber, src mesh.UnicastAddress) [24]byte {
	var n [24]byte
	binary.BigEndian.PutUint32(n[0:4], uint32(iv))
	n[4] = byte(seq >> 16)
	n[5] = byte(seq >> 8)
	n[6] = byte(seq)
	binary.BigEndian.PutUint16(n[7:9], uint16(src))
	return n
}

func encodePlaintext(h mesh.NetworkHeader, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	ctlTTL := uint8(h.TTL) & 0x7F
	if h.CTL {
		ctlTTL |= 0x80
	}
	buf[0] = ctlTTL
	buf[1] = byte(h.Seq >> 16)
	buf[2] = byte(h.Seq >> 8)
	buf[3] = byte(h.Seq)
	binary.BigEndian.PutUint16(buf[4:6], uint16(h.Src))
	binary.BigEndian.PutUint16(buf[6:8], h.Dst.Raw())
	copy(buf[8:], payload)
	return buf
}

func decodePlaintext(plain []byte) (mesh.NetworkHeader, []byte, error) {
	if len(plain) < 8 {
		return mesh.NetworkHeader{}, nil, fmt.Errorf("meshcrypto: decrypted PDU too short")
	}
	ctlTTL := plain[0]
	h := mesh.NetworkHeader{
		CTL: ctlTTL&0x80 != 0,
		TTL: mesh.TTL(ctlTTL & 0x7F),
		Seq: mesh.SequenceNumber(uint32(plain[1])<<16 | uint32(plain[2])<<8 | uint32(plain[3])),
		Src: mesh.UnicastAddress(binary.BigEndian.Uint16(plain[4:6])),
		Dst: mesh.ParseAddress(binary.BigEndian.Uint16(plain[6:8])),
	}
	return h, plain[8:], nil
}
