package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	CHOKE          = 0
	UNCHOKE        = 1
	INTERESTED     = 2
	NOT_INTERESTED = 3
	HAVE           = 4
	BITFIELD       = 5
	REQUEST        = 6
	BLOCK          = 7
	CANCEL         = 8
	PORT           = 9
)

const (
	ProtocolName = "BitTorrent protocol"

	handshakeLength = 68

	// No legitimate message exceeds a block payload plus its header.
	maxMessageLength = 1 << 20
)

// ProtocolError marks a malformed or unexpected frame. A connection
// receiving one closes immediately and trusts nothing it produced.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol violation: " + e.Reason
}

func protocolErrorf(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

type Wire interface {
	// Reading
	ReadHandshake() (length uint8, protocol string, infohash []byte, peerID []byte, err error)
	ReadMessage() (length int32, ID byte, payload []byte, err error)

	// Writing
	SendHandshake(infohash []byte, peerID []byte) error
	SendKeepAlive() error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendNotInterested() error
	SendHave(pieceIndex int) error
	SendBitfield(bitfield []byte) error
	SendRequest(pieceIndex, begin, length int) error
	SendBlock(pieceIndex, begin int, block []byte) error
	SendCancel(pieceIndex, begin, length int) error

	// Other
	LastMessageSent() time.Time
	Close() error
}

type wire struct {
	conn            net.Conn
	timeoutDuration time.Duration
	lastMessageSent time.Time
}

func NewWire(conn net.Conn, timeoutDuration time.Duration) Wire {
	return &wire{
		conn:            conn,
		timeoutDuration: timeoutDuration,
	}
}

// 1 + 19 + 8 + 20 + 20
type handshake struct {
	Len      uint8
	Protocol [19]byte
	Reserved [8]uint8
	InfoHash [20]byte
	PeerID   [20]byte
}

func (w *wire) LastMessageSent() time.Time {
	return w.lastMessageSent
}

func (w *wire) SendHandshake(infohash []byte, peerID []byte) error {
	if len(infohash) != 20 || len(peerID) != 20 {
		return fmt.Errorf("wire: handshake wants 20-byte infohash and peer id")
	}
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, uint8(len(ProtocolName)))
	binary.Write(b, binary.BigEndian, []byte(ProtocolName))
	binary.Write(b, binary.BigEndian, make([]byte, 8))
	binary.Write(b, binary.BigEndian, infohash)
	binary.Write(b, binary.BigEndian, peerID)
	return w.sendMessage(b.Bytes())
}

func (w *wire) ReadHandshake() (uint8, string, []byte, []byte, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeoutDuration))
	data := make([]byte, handshakeLength)
	if _, err := io.ReadFull(w.conn, data); err != nil {
		return 0, "", nil, nil, err
	}
	h := &handshake{}
	if err := binary.Read(bytes.NewBuffer(data), binary.BigEndian, h); err != nil {
		return 0, "", nil, nil, err
	}
	return h.Len, string(h.Protocol[:]), h.InfoHash[:], h.PeerID[:], nil
}

// ReadMessage returns the next frame. A zero length is a keep-alive and
// carries no ID or payload.
func (w *wire) ReadMessage() (int32, byte, []byte, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeoutDuration))

	var length int32
	if err := binary.Read(w.conn, binary.BigEndian, &length); err != nil {
		return 0, 0, nil, err
	}
	if length == 0 {
		return 0, 0, nil, nil
	}
	if length < 0 || length > maxMessageLength {
		return 0, 0, nil, protocolErrorf("message length %d", length)
	}
	var ID uint8
	if err := binary.Read(w.conn, binary.BigEndian, &ID); err != nil {
		return 0, 0, nil, err
	}
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(w.conn, payload); err != nil {
		return 0, 0, nil, err
	}
	return length, ID, payload, nil
}

func (w *wire) SendKeepAlive() error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(0))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendChoke() error {
	return w.sendEmpty(CHOKE)
}

func (w *wire) SendUnchoke() error {
	return w.sendEmpty(UNCHOKE)
}

func (w *wire) SendInterested() error {
	return w.sendEmpty(INTERESTED)
}

func (w *wire) SendNotInterested() error {
	return w.sendEmpty(NOT_INTERESTED)
}

func (w *wire) sendEmpty(ID uint8) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1))
	binary.Write(b, binary.BigEndian, ID)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendHave(pieceIndex int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(5))
	binary.Write(b, binary.BigEndian, uint8(HAVE))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendBitfield(bitfield []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1+len(bitfield)))
	binary.Write(b, binary.BigEndian, uint8(BITFIELD))
	binary.Write(b, binary.BigEndian, bitfield)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendRequest(pieceIndex, begin, length int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(13))
	binary.Write(b, binary.BigEndian, uint8(REQUEST))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, int32(length))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendBlock(pieceIndex, begin int, block []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(9+len(block)))
	binary.Write(b, binary.BigEndian, uint8(BLOCK))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, block)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendCancel(pieceIndex, begin, length int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(13))
	binary.Write(b, binary.BigEndian, uint8(CANCEL))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, int32(length))
	return w.sendMessage(b.Bytes())
}

func (w *wire) Close() error {
	return w.conn.Close()
}

func (w *wire) sendMessage(msg []byte) error {
	w.lastMessageSent = time.Now()
	w.conn.SetWriteDeadline(time.Now().Add(w.timeoutDuration))
	_, err := w.conn.Write(msg)
	return err
}
