package mesh

// NetworkHeader is the decrypted network-layer header common to every
// network PDU: {ivi, nid, ctl, ttl, seq, src, dst}. NID selects which
// network key decrypted the PDU and is not re-transmitted here since
// it is consumed during decryption, before a NetworkHeader exists.
type NetworkHeader struct {
	IVI IVI
	CTL bool
	TTL TTL
	Seq SequenceNumber
	Src UnicastAddress
	Dst Address
}
