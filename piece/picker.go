package piece

import (
	"github.com/Mofe-Bankole/Sekiro-bittorrent/bitfield"
)

// Picker chooses the next block to request from a given peer:
// rarest-first over the pieces the peer has and the client lacks, ties
// broken by lowest piece index, lowest-offset unrequested block within
// the chosen piece. During endgame it may hand out duplicates of blocks
// already in flight elsewhere.
//
// Availability counts are mutated only by the engine in response to
// peer events; like BlockManager, the Picker relies on the engine for
// serialization.
type Picker struct {
	mgr          *BlockManager
	availability []int

	// Fewer than this many pieces remaining is the first endgame
	// precondition; the second is that no block is left Unrequested.
	endgameThreshold int
	// Cap on concurrent duplicate owners per block during endgame.
	dupPerBlock int
}

func NewPicker(mgr *BlockManager, endgameThreshold, dupPerBlock int) *Picker {
	return &Picker{
		mgr:              mgr,
		availability:     make([]int, mgr.NumPieces()),
		endgameThreshold: endgameThreshold,
		dupPerBlock:      dupPerBlock,
	}
}

// PeerHas records one have announcement.
func (p *Picker) PeerHas(pieceIndex int) {
	if pieceIndex >= 0 && pieceIndex < len(p.availability) {
		p.availability[pieceIndex]++
	}
}

// PeerBitfieldAdded folds a freshly reported bitfield into the rarity
// counts.
func (p *Picker) PeerBitfieldAdded(bf *bitfield.Bitfield) {
	for i := range p.availability {
		if bf.Has(i) {
			p.availability[i]++
		}
	}
}

// PeerBitfieldRemoved backs a disconnected peer's claims out of the
// rarity counts.
func (p *Picker) PeerBitfieldRemoved(bf *bitfield.Bitfield) {
	for i := range p.availability {
		if bf.Has(i) {
			p.availability[i]--
		}
	}
}

func (p *Picker) Availability(pieceIndex int) int {
	return p.availability[pieceIndex]
}

// EndgameEligible reports whether the download has entered its terminal
// phase: few pieces left and every missing block already in flight.
func (p *Picker) EndgameEligible() bool {
	return p.mgr.Remaining() > 0 &&
		p.mgr.Remaining() < p.endgameThreshold &&
		p.mgr.AllOutstanding()
}

// Next returns the next block to request from the peer, or ok=false if
// the peer offers nothing useful. Given identical availability, local
// possession and block state, the choice is deterministic.
func (p *Picker) Next(peerID string, peerBits, have *bitfield.Bitfield, endgame bool) (Request, bool) {
	best := -1
	for i := 0; i < p.mgr.NumPieces(); i++ {
		if !peerBits.Has(i) || have.Has(i) {
			continue
		}
		pi := p.mgr.pieces[i]
		if pi.state == Verified {
			continue
		}
		if _, ok := p.eligibleBlock(pi, peerID, endgame); !ok {
			continue
		}
		if best < 0 || p.availability[i] < p.availability[best] {
			best = i
		}
	}
	if best < 0 {
		return Request{}, false
	}
	b, _ := p.eligibleBlock(p.mgr.pieces[best], peerID, endgame)
	return Request{PieceIndex: best, Begin: b.begin, Length: b.length}, true
}

// eligibleBlock finds the lowest-offset block of the piece this peer
// may request: Unrequested always, Requested only during endgame and
// only below the duplicate cap.
func (p *Picker) eligibleBlock(pi *pieceInfo, peerID string, endgame bool) (*block, bool) {
	for _, b := range pi.blocks {
		switch b.state {
		case Unrequested:
			return b, true
		case Requested:
			if endgame && len(b.owners) < p.dupPerBlock && b.ownerIndex(peerID) < 0 {
				return b, true
			}
		}
	}
	return nil, false
}
