package piece

import (
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set"
)

type PieceState int

const (
	Missing PieceState = iota
	InProgress
	// Verified is terminal: once a piece's assembled bytes match its
	// expected digest, nothing transitions it back for the lifetime of
	// the session.
	Verified
)

type BlockState int

const (
	Unrequested BlockState = iota
	Requested
	Received
)

// RequestError is the protocol-violation class of block failure: a
// block delivered without a matching outstanding request, out of
// bounds, or with the wrong length. The connection that produced it is
// closed and nothing from it is trusted.
type RequestError struct {
	PeerID string
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("peer %s: %s", e.PeerID, e.Reason)
}

// AlreadyVerifiedError guards the write-once invariant on MarkRequested.
// Not reachable in correct operation.
type AlreadyVerifiedError struct {
	PieceIndex int
}

func (e *AlreadyVerifiedError) Error() string {
	return fmt.Sprintf("piece %d already verified", e.PieceIndex)
}

// Request names one block to fetch.
type Request struct {
	PieceIndex int
	Begin      int
	Length     int
}

// Cancel names an in-flight duplicate to withdraw from a losing peer.
type Cancel struct {
	PeerID     string
	PieceIndex int
	Begin      int
	Length     int
}

// Expired is a request that outlived its deadline; the block is back to
// Unrequested and the peer's in-flight slot is free.
type Expired struct {
	PeerID     string
	PieceIndex int
	Begin      int
	Length     int
}

// Receipt reports what a delivered block changed.
type Receipt struct {
	PieceIndex    int
	Duplicate     bool       // benign late copy of a cancelled request
	PieceVerified bool       // broadcast have
	PieceFailed   bool       // digest mismatch, piece reset
	Blame         mapset.Set // on failure, peers that contributed blocks
	Cancels       []Cancel   // losing endgame duplicates to cancel
}

type owner struct {
	peerID string
	sentAt time.Time
}

type block struct {
	begin  int
	length int
	state  BlockState
	owners []owner
	// Peers whose duplicate request was cancelled after another copy
	// won. A late arrival from them is not a violation.
	cancelled map[string]bool
}

func (b *block) ownerIndex(peerID string) int {
	for i, o := range b.owners {
		if o.peerID == peerID {
			return i
		}
	}
	return -1
}

type pieceInfo struct {
	state    PieceState
	length   int
	hash     []byte
	blocks   []*block
	received int
	peers    mapset.Set
}
