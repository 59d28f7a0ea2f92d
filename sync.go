package forest

// ItemData is the transmittable form of an Item. The digest and level are
// recomputed by the receiver.
type ItemData struct {
	Key   string
	Value []byte
}

// NodeData is the transmittable form of a Node. Receivers only trust it
// after InsertNodes has checked it hashes to Digest.
type NodeData struct {
	Level    int
	Digest   DigestHex
	Items    []ItemData
	Children []DigestHex
}

// SyncMessage is sent from one replica to another. Root is the sender's
// current root, Want lists nodes the sender is missing from the receiver's
// last advertised root, and Nodes answers the receiver's last Want.
type SyncMessage struct {
	Root  DigestHex
	Want  []DigestHex
	Nodes []NodeData
}

// SyncState is what one replica remembers about a peer between messages.
type SyncState struct {
	// RemoteRoot is the last root the peer advertised.
	RemoteRoot DigestHex
	// MyRoot is the last local root advertised to the peer.
	MyRoot DigestHex
	// RemoteWant lists nodes the peer last asked for.
	RemoteWant []DigestHex
	// NeedsAck is set when the peer sent nodes, so it must be told the
	// resulting root even if nothing else changed.
	NeedsAck bool
}

// Clone returns a copy that shares no slices with s.
func (s SyncState) Clone() SyncState {
	s.RemoteWant = cloneDigests(s.RemoteWant)
	return s
}
