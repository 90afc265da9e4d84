package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/canopydb/canopy/pkg/types"
)

// Frame layout: [1B msg type][1B sender index][body]. Body layouts are
// fixed per message type, all u32 fields big-endian. The owner index in
// OWNERSHIP bodies is a single raw byte.

const (
	frameHeaderLen = 2

	keyLen       = 8  // u32 nid, u32 tree
	ownershipLen = 13 // u32 nid, u32 tree, u32 timestamp, i8 owner
)

type Frame struct {
	Payload []byte
	Typ     types.MsgType
	Sender  types.PeerIndex
}

func EncodeFrame(fr *Frame) []byte {
	buf := make([]byte, frameHeaderLen+len(fr.Payload))
	buf[0] = byte(fr.Typ)
	buf[1] = byte(fr.Sender)
	copy(buf[frameHeaderLen:], fr.Payload)
	return buf
}

func DecodeFrame(buf []byte) (fr Frame, _ error) {
	if len(buf) < frameHeaderLen {
		return fr, fmt.Errorf("frame too short: %d", len(buf))
	}

	return Frame{
		Typ:     types.MsgType(buf[0]),
		Sender:  types.PeerIndex(buf[1]),
		Payload: buf[frameHeaderLen:],
	}, nil
}

// Key bodies: REQUEST_DATA, OWNERSHIP_WARM_ACK and DIRTY carry only the
// addressed node.

func EncodeKey(key types.NodeKey) []byte {
	buf := make([]byte, keyLen)
	binary.BigEndian.PutUint32(buf[:4], uint32(key.Nid))
	binary.BigEndian.PutUint32(buf[4:8], uint32(key.Tree))
	return buf
}

func DecodeKey(buf []byte) (types.NodeKey, error) {
	if len(buf) < keyLen {
		return types.NodeKey{}, fmt.Errorf("key body too short: %d", len(buf))
	}
	return types.NodeKey{
		Nid:  int32(binary.BigEndian.Uint32(buf[:4])),
		Tree: int32(binary.BigEndian.Uint32(buf[4:8])),
	}, nil
}

type Ownership struct {
	Key       types.NodeKey
	Timestamp uint32
	Owner     types.PeerIndex
}

func EncodeOwnership(m Ownership) []byte {
	buf := make([]byte, ownershipLen)
	binary.BigEndian.PutUint32(buf[:4], uint32(m.Key.Nid))
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.Key.Tree))
	binary.BigEndian.PutUint32(buf[8:12], m.Timestamp)
	buf[12] = byte(m.Owner)
	return buf
}

func DecodeOwnership(buf []byte) (m Ownership, _ error) {
	if len(buf) < ownershipLen {
		return m, fmt.Errorf("ownership body too short: %d", len(buf))
	}
	return Ownership{
		Key: types.NodeKey{
			Nid:  int32(binary.BigEndian.Uint32(buf[:4])),
			Tree: int32(binary.BigEndian.Uint32(buf[4:8])),
		},
		Timestamp: binary.BigEndian.Uint32(buf[8:12]),
		Owner:     types.PeerIndex(buf[12]),
	}, nil
}

type Data struct {
	Key     types.NodeKey
	Payload []byte
}

func EncodeData(m Data) []byte {
	buf := make([]byte, keyLen+len(m.Payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(m.Key.Nid))
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.Key.Tree))
	copy(buf[keyLen:], m.Payload)
	return buf
}

func DecodeData(buf []byte) (m Data, _ error) {
	if len(buf) < keyLen {
		return m, fmt.Errorf("data body too short: %d", len(buf))
	}
	return Data{
		Key: types.NodeKey{
			Nid:  int32(binary.BigEndian.Uint32(buf[:4])),
			Tree: int32(binary.BigEndian.Uint32(buf[4:8])),
		},
		Payload: buf[keyLen:],
	}, nil
}
