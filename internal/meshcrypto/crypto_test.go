package meshcrypto

import (
	"bytes"
	"testing"

	"github.com/agrinman/btmesh/mesh"
)

func testKey(nid uint8, b byte) NetworkKey {
	var secret [32]byte
	secret[0] = b
	return NetworkKey{Index: 0, NID: nid, Secret: secret}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(0x12, 0x12)
	header := mesh.NetworkHeader{
		CTL: false,
		TTL: 5,
		Seq: 0x00ABCD,
		Src: 0x0002,
		Dst: mesh.UnicastToAddress(0x0005),
	}
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	encrypted, err := Encrypt(header, payload, key, 7)
	if err != nil {
		t.Fatal(err)
	}

	got, err := Decrypt(encrypted, []NetworkKey{key}, []mesh.IVIndex{7, 6})
	if err != nil {
		t.Fatal(err)
	}
	if got.Header.TTL != header.TTL || got.Header.Seq != header.Seq || got.Header.Src != header.Src {
		t.Fatalf("header mismatch: %+v", got.Header)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("payload mismatch: %x", got.Payload)
	}
	if got.IVIndex != 7 {
		t.Fatalf("expected iv_index 7, got %d", got.IVIndex)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key := testKey(0x12, 0x12)
	wrong := testKey(0x12, 0x99)
	header := mesh.NetworkHeader{TTL: 1, Seq: 1, Src: 1, Dst: mesh.UnicastToAddress(2)}

	encrypted, err := Encrypt(header, []byte{1}, key, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decrypt(encrypted, []NetworkKey{wrong}, []mesh.IVIndex{0}); err == nil {
		t.Fatal("expected decryption to fail under the wrong key")
	}
}

func TestDecryptStaleIVIndexFails(t *testing.T) {
	key := testKey(0x12, 0x12)
	header := mesh.NetworkHeader{TTL: 1, Seq: 1, Src: 1, Dst: mesh.UnicastToAddress(2)}

	encrypted, err := Encrypt(header, []byte{1}, key, 9) // odd: IVI bit = true
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decrypt(encrypted, []NetworkKey{key}, []mesh.IVIndex{2, 4}); err == nil {
		t.Fatal("expected decryption to fail when no candidate IV-index shares the wire IVI bit")
	}
}
