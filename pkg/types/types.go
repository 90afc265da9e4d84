package types

import "fmt"

// PeerIndex identifies a participating cache process. Indices are small,
// stable and assigned out of band; NoOwner marks a node nobody owns yet.
type PeerIndex int8

const NoOwner PeerIndex = -1

func (p PeerIndex) String() string {
	if p == NoOwner {
		return "none"
	}
	return fmt.Sprintf("peer-%d", int8(p))
}

// NodeKey addresses one coherent data slot: Tree selects a namespace,
// Nid a node within it. The pair is opaque to the protocol.
type NodeKey struct {
	Tree int32
	Nid  int32
}

func (k NodeKey) String() string {
	return fmt.Sprintf("%d/%d", k.Tree, k.Nid)
}

type MsgType uint8

const (
	MsgRequestData MsgType = iota + 1
	MsgOwnership
	MsgOwnershipWarmAck
	MsgData
	MsgDirty
)

func (t MsgType) String() string {
	switch t {
	case MsgRequestData:
		return "request_data"
	case MsgOwnership:
		return "ownership"
	case MsgOwnershipWarmAck:
		return "ownership_warm_ack"
	case MsgData:
		return "data"
	case MsgDirty:
		return "dirty"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}
