package wire

import "encoding/binary"

// Payload decoders for the fixed-shape messages. Every helper checks the
// exact payload size the message ID requires and fails with a
// ProtocolError otherwise.

func ParseHave(payload []byte) (pieceIndex int, err error) {
	if len(payload) != 4 {
		return 0, protocolErrorf("have payload is %d bytes", len(payload))
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

func ParseRequest(payload []byte) (pieceIndex, begin, length int, err error) {
	if len(payload) != 12 {
		return 0, 0, 0, protocolErrorf("request payload is %d bytes", len(payload))
	}
	pieceIndex = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	length = int(binary.BigEndian.Uint32(payload[8:12]))
	return pieceIndex, begin, length, nil
}

// ParseCancel shares the request payload shape.
func ParseCancel(payload []byte) (pieceIndex, begin, length int, err error) {
	pieceIndex, begin, length, err = ParseRequest(payload)
	if err != nil {
		return 0, 0, 0, protocolErrorf("cancel payload is %d bytes", len(payload))
	}
	return pieceIndex, begin, length, nil
}

func ParseBlock(payload []byte) (pieceIndex, begin int, block []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, protocolErrorf("piece payload is %d bytes", len(payload))
	}
	pieceIndex = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	return pieceIndex, begin, payload[8:], nil
}
