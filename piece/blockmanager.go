package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/Mofe-Bankole/Sekiro-bittorrent/storage"
	"github.com/Mofe-Bankole/Sekiro-bittorrent/torrent"
)

// BlockManager owns every Piece and Block of one torrent: it splits
// pieces into fixed-size blocks, tracks request and receipt state,
// mediates storage I/O and verifies completed pieces against their
// expected digests.
//
// It is not safe for concurrent use. The engine is its single owner and
// serializes all calls; connections never touch it directly.
type BlockManager struct {
	tor       *torrent.Torrent
	storage   storage.Storage
	blockSize int
	pieces    []*pieceInfo
	remaining int
	// Blocks currently in Unrequested state. Zero while pieces remain
	// means every missing block is in flight, the endgame precondition.
	unrequested int

	// Now is the injected clock for request deadlines.
	Now func() time.Time
}

func NewBlockManager(tor *torrent.Torrent, st storage.Storage, blockSize int) *BlockManager {
	m := &BlockManager{
		tor:       tor,
		storage:   st,
		blockSize: blockSize,
		remaining: tor.NumPieces,
		Now:       time.Now,
	}
	for i := 0; i < tor.NumPieces; i++ {
		pieceLength := tor.PieceSize(i)
		pi := &pieceInfo{
			length: pieceLength,
			hash:   tor.PieceHash(i),
			peers:  mapset.NewSet(),
		}
		for begin := 0; begin < pieceLength; begin += blockSize {
			length := blockSize
			if begin+length > pieceLength {
				length = pieceLength - begin
			}
			pi.blocks = append(pi.blocks, &block{
				begin:     begin,
				length:    length,
				cancelled: make(map[string]bool),
			})
			m.unrequested++
		}
		m.pieces = append(m.pieces, pi)
	}
	return m
}

// Rescan checks pieces already on storage against their expected
// digests and marks matches Verified, so a resumed session does not
// download them again. Returns the indexes that passed. Unreadable
// pieces are simply left Missing.
func (m *BlockManager) Rescan() []int {
	var verified []int
	for pieceIndex, pi := range m.pieces {
		if pi.state != Missing {
			continue
		}
		data, err := m.storage.ReadBlock(pieceIndex, 0, pi.length)
		if err != nil {
			continue
		}
		sum := sha1.Sum(data)
		if !bytes.Equal(sum[:], pi.hash) {
			continue
		}
		for _, b := range pi.blocks {
			if b.state == Unrequested {
				m.unrequested--
			}
			b.state = Received
		}
		pi.received = len(pi.blocks)
		pi.state = Verified
		m.remaining--
		verified = append(verified, pieceIndex)
	}
	return verified
}

func (m *BlockManager) NumPieces() int {
	return len(m.pieces)
}

// Remaining is the count of pieces not yet Verified.
func (m *BlockManager) Remaining() int {
	return m.remaining
}

func (m *BlockManager) Complete() bool {
	return m.remaining == 0
}

func (m *BlockManager) HasPiece(pieceIndex int) bool {
	if pieceIndex < 0 || pieceIndex >= len(m.pieces) {
		return false
	}
	return m.pieces[pieceIndex].state == Verified
}

func (m *BlockManager) PieceState(pieceIndex int) PieceState {
	return m.pieces[pieceIndex].state
}

// AllOutstanding reports whether every block of every non-Verified
// piece is Requested or Received.
func (m *BlockManager) AllOutstanding() bool {
	return m.remaining > 0 && m.unrequested == 0
}

func (m *BlockManager) blockAt(peerID string, pieceIndex, begin int) (*pieceInfo, *block, error) {
	if pieceIndex < 0 || pieceIndex >= len(m.pieces) {
		return nil, nil, &RequestError{PeerID: peerID, Reason: fmt.Sprintf("piece index %d out of range", pieceIndex)}
	}
	pi := m.pieces[pieceIndex]
	if begin < 0 || begin%m.blockSize != 0 || begin/m.blockSize >= len(pi.blocks) {
		return nil, nil, &RequestError{PeerID: peerID, Reason: fmt.Sprintf("offset %d not a block boundary of piece %d", begin, pieceIndex)}
	}
	return pi, pi.blocks[begin/m.blockSize], nil
}

// MarkRequested transitions a block to Requested on behalf of a peer.
// During endgame a block may gain several owners, one per duplicate
// request in flight.
func (m *BlockManager) MarkRequested(pieceIndex, begin int, peerID string) error {
	pi, b, err := m.blockAt(peerID, pieceIndex, begin)
	if err != nil {
		return err
	}
	if pi.state == Verified {
		return &AlreadyVerifiedError{PieceIndex: pieceIndex}
	}
	if b.state == Received {
		return fmt.Errorf("piece %d offset %d already received", pieceIndex, begin)
	}
	if b.ownerIndex(peerID) >= 0 {
		return fmt.Errorf("piece %d offset %d already requested from %s", pieceIndex, begin, peerID)
	}
	b.owners = append(b.owners, owner{peerID: peerID, sentAt: m.Now()})
	delete(b.cancelled, peerID)
	if b.state == Unrequested {
		b.state = Requested
		m.unrequested--
	}
	if pi.state == Missing {
		pi.state = InProgress
	}
	return nil
}

// OnBlockReceived validates a delivered block, persists it and, when it
// completes its piece, assembles the piece from storage and checks the
// digest. The payload is never retained in memory past this call.
//
// A *RequestError return means the peer violated the protocol and must
// be disconnected. A *storage.Error means the write failed; the block
// returns to Unrequested and will be retried.
func (m *BlockManager) OnBlockReceived(peerID string, pieceIndex, begin int, data []byte) (*Receipt, error) {
	pi, b, err := m.blockAt(peerID, pieceIndex, begin)
	if err != nil {
		return nil, err
	}
	receipt := &Receipt{PieceIndex: pieceIndex}

	if pi.state == Verified {
		// The winning copy arrived on another connection and the piece
		// already verified; this copy raced the cancel.
		receipt.Duplicate = true
		return receipt, nil
	}
	if len(data) != b.length {
		return nil, &RequestError{PeerID: peerID, Reason: fmt.Sprintf(
			"piece %d offset %d carries %d bytes, want %d", pieceIndex, begin, len(data), b.length)}
	}
	idx := b.ownerIndex(peerID)
	if idx < 0 {
		if b.cancelled[peerID] {
			delete(b.cancelled, peerID)
			receipt.Duplicate = true
			return receipt, nil
		}
		return nil, &RequestError{PeerID: peerID, Reason: fmt.Sprintf(
			"piece %d offset %d was never requested from this peer", pieceIndex, begin)}
	}

	if err := m.storage.WriteBlock(pieceIndex, begin, data); err != nil {
		b.owners = append(b.owners[:idx], b.owners[idx+1:]...)
		if len(b.owners) == 0 && b.state == Requested {
			b.state = Unrequested
			m.unrequested++
		}
		return nil, err
	}

	// First received copy wins; every other in-flight duplicate is
	// cancelled.
	for _, o := range b.owners {
		if o.peerID == peerID {
			continue
		}
		b.cancelled[o.peerID] = true
		receipt.Cancels = append(receipt.Cancels, Cancel{
			PeerID:     o.peerID,
			PieceIndex: pieceIndex,
			Begin:      b.begin,
			Length:     b.length,
		})
	}
	b.owners = nil
	b.state = Received
	pi.received++
	pi.peers.Add(peerID)

	if pi.received == len(pi.blocks) {
		if err := m.verify(pieceIndex, pi, receipt); err != nil {
			return nil, err
		}
	}
	return receipt, nil
}

// verify reads the assembled piece back from storage and checks it
// against the expected digest.
func (m *BlockManager) verify(pieceIndex int, pi *pieceInfo, receipt *Receipt) error {
	data, err := m.storage.ReadBlock(pieceIndex, 0, pi.length)
	if err != nil {
		m.resetPiece(pi)
		return err
	}
	sum := sha1.Sum(data)
	if !bytes.Equal(sum[:], pi.hash) {
		receipt.PieceFailed = true
		receipt.Blame = pi.peers
		m.resetPiece(pi)
		return nil
	}
	pi.state = Verified
	m.remaining--
	receipt.PieceVerified = true
	return nil
}

// resetPiece discards all progress: every block back to Unrequested,
// the piece back to Missing.
func (m *BlockManager) resetPiece(pi *pieceInfo) {
	for _, b := range pi.blocks {
		if b.state != Unrequested {
			b.state = Unrequested
			m.unrequested++
		}
		b.owners = nil
		b.cancelled = make(map[string]bool)
	}
	pi.received = 0
	pi.peers = mapset.NewSet()
	pi.state = Missing
}

// CancelRequested withdraws one peer's outstanding request for a block,
// returning it to Unrequested when no other duplicate remains in flight.
func (m *BlockManager) CancelRequested(pieceIndex, begin int, peerID string) {
	_, b, err := m.blockAt(peerID, pieceIndex, begin)
	if err != nil {
		return
	}
	if idx := b.ownerIndex(peerID); idx >= 0 {
		b.owners = append(b.owners[:idx], b.owners[idx+1:]...)
	}
	if len(b.owners) == 0 && b.state == Requested {
		b.state = Unrequested
		m.unrequested++
	}
}

// ReleasePeer returns every block the peer had in flight, on choke or
// disconnect.
func (m *BlockManager) ReleasePeer(peerID string) {
	for _, pi := range m.pieces {
		if pi.state == Verified {
			continue
		}
		for _, b := range pi.blocks {
			if idx := b.ownerIndex(peerID); idx >= 0 {
				b.owners = append(b.owners[:idx], b.owners[idx+1:]...)
			}
			if len(b.owners) == 0 && b.state == Requested {
				b.state = Unrequested
				m.unrequested++
			}
		}
	}
}

// ReleaseAll reverts every Requested block to Unrequested so the object
// graph is consistent at teardown. Received blocks and Verified pieces
// survive for a later resume.
func (m *BlockManager) ReleaseAll() {
	for _, pi := range m.pieces {
		if pi.state == Verified {
			continue
		}
		for _, b := range pi.blocks {
			b.owners = nil
			b.cancelled = make(map[string]bool)
			if b.state == Requested {
				b.state = Unrequested
				m.unrequested++
			}
		}
	}
}

// SweepTimeouts expires requests older than the deadline against the
// injected clock. Expired blocks are free for re-selection.
func (m *BlockManager) SweepTimeouts(timeout time.Duration) []Expired {
	now := m.Now()
	var expired []Expired
	for pieceIndex, pi := range m.pieces {
		if pi.state == Verified {
			continue
		}
		for _, b := range pi.blocks {
			if b.state != Requested {
				continue
			}
			kept := b.owners[:0]
			for _, o := range b.owners {
				if now.Sub(o.sentAt) > timeout {
					expired = append(expired, Expired{
						PeerID:     o.peerID,
						PieceIndex: pieceIndex,
						Begin:      b.begin,
						Length:     b.length,
					})
				} else {
					kept = append(kept, o)
				}
			}
			b.owners = kept
			if len(b.owners) == 0 {
				b.state = Unrequested
				m.unrequested++
			}
		}
	}
	return expired
}
