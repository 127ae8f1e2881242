package stack

import (
	"testing"
	"time"

	"github.com/agrinman/btmesh/internal/meshcrypto"
	"github.com/agrinman/btmesh/mesh"
)

type fakeOutput struct {
	sent chan OutgoingEncryptedNetworkPDU
}

func newFakeOutput() *fakeOutput {
	return &fakeOutput{sent: make(chan OutgoingEncryptedNetworkPDU, 8)}
}

func (o *fakeOutput) Send(pdu OutgoingEncryptedNetworkPDU) error {
	o.sent <- pdu
	return nil
}

func testNetKey() meshcrypto.NetworkKey {
	var secret [32]byte
	secret[0] = 0x42
	return meshcrypto.NetworkKey{Index: 0, NID: meshcrypto.DeriveNID(secret), Secret: secret}
}

func newTestStack(t *testing.T, relayEnabled bool) (*Stack, *fakeAccess, *fakeOutput, meshcrypto.NetworkKey) {
	t.Helper()
	key := testNetKey()
	internals := NewInternals(0x0001, 1, 5, relayEnabled, 0, 0, []meshcrypto.NetworkKey{key})
	access := newFakeAccess()
	s := NewStack(internals, access, DefaultConfig(), testLogger())
	out := newFakeOutput()
	s.RegisterOutputInterface(out)
	return s, access, out, key
}

func encryptedUnsegmentedAccess(t *testing.T, key meshcrypto.NetworkKey, src mesh.UnicastAddress, dst mesh.Address, seq mesh.SequenceNumber, ttl mesh.TTL, iv mesh.IVIndex, data []byte) []byte {
	t.Helper()
	lower := mesh.LowerPDU{Kind: mesh.UnsegmentedAccess, Payload: data}
	header := mesh.NetworkHeader{TTL: ttl, Seq: seq, Src: src, Dst: dst}
	encrypted, err := meshcrypto.Encrypt(header, mesh.EncodeLowerPDU(lower), key, iv)
	if err != nil {
		t.Fatal(err)
	}
	return encrypted
}

func TestHandleEncryptedNetPDUReplayDrop(t *testing.T) {
	s, access, _, key := newTestStack(t, false)
	pdu := encryptedUnsegmentedAccess(t, key, 0x0002, mesh.UnicastToAddress(0x0001), 0x000010, 5, 0, []byte{1, 2, 3})

	s.handleEncryptedNetPDU(IncomingEncryptedNetworkPDU{EncryptedPDU: pdu})
	select {
	case <-access.delivered:
	case <-time.After(time.Second):
		t.Fatal("first copy should be delivered")
	}

	s.handleEncryptedNetPDU(IncomingEncryptedNetworkPDU{EncryptedPDU: pdu})
	select {
	case <-access.delivered:
		t.Fatal("duplicate seq must be dropped, not re-delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleEncryptedNetPDURelaysWithDecrementedTTL(t *testing.T) {
	s, access, out, key := newTestStack(t, true)
	pdu := encryptedUnsegmentedAccess(t, key, 0x0002, mesh.UnicastToAddress(0x0099), 0x000010, 5, 0, []byte{9, 9})

	s.handleEncryptedNetPDU(IncomingEncryptedNetworkPDU{EncryptedPDU: pdu})

	select {
	case <-access.delivered:
	case <-time.After(time.Second):
		t.Fatal("expected delivery regardless of relay")
	}

	select {
	case relayed := <-out.sent:
		got, err := meshcrypto.Decrypt(relayed.EncryptedPDU, []meshcrypto.NetworkKey{key}, []mesh.IVIndex{0})
		if err != nil {
			t.Fatal(err)
		}
		if got.Header.TTL != 4 {
			t.Fatalf("relayed TTL = %d, want 4", got.Header.TTL)
		}
		if got.Header.Src != 0x0002 || got.Header.Seq != 0x000010 {
			t.Fatalf("relayed header changed: %+v", got.Header)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a relayed PDU")
	}
}

func TestHandleEncryptedNetPDUDoesNotRelayLowTTL(t *testing.T) {
	s, _, out, key := newTestStack(t, true)
	pdu := encryptedUnsegmentedAccess(t, key, 0x0002, mesh.UnicastToAddress(0x0099), 1, 1, 0, []byte{1})

	s.handleEncryptedNetPDU(IncomingEncryptedNetworkPDU{EncryptedPDU: pdu})

	select {
	case <-out.sent:
		t.Fatal("TTL 1 must never relay")
	case <-time.After(100 * time.Millisecond):
	}
}
