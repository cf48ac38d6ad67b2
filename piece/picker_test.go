package piece

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mofe-Bankole/Sekiro-bittorrent/bitfield"
)

func pickerFixture(t *testing.T, numPieces int) (*BlockManager, *Picker) {
	t.Helper()
	tor := testTorrent(4, make([]byte, numPieces*4))
	m := NewBlockManager(tor, newMemStorage(tor), 2)
	return m, NewPicker(m, 5, 2)
}

func fullBits(t *testing.T, length int, indices ...int) *bitfield.Bitfield {
	t.Helper()
	bf := bitfield.New(length)
	for _, i := range indices {
		assert.NoError(t, bf.Set(i))
	}
	return bf
}

func TestPickRarestFirst(t *testing.T) {
	_, p := pickerFixture(t, 4)

	// piece 2 is held by one peer, the rest by three
	p.PeerBitfieldAdded(fullBits(t, 4, 0, 1, 2, 3))
	p.PeerBitfieldAdded(fullBits(t, 4, 0, 1, 3))
	p.PeerBitfieldAdded(fullBits(t, 4, 0, 1, 3))

	req, ok := p.Next("p1", fullBits(t, 4, 0, 1, 2, 3), bitfield.New(4), false)
	assert.True(t, ok)
	assert.Equal(t, Request{PieceIndex: 2, Begin: 0, Length: 2}, req)
}

func TestPickTieBreaksToLowestIndex(t *testing.T) {
	_, p := pickerFixture(t, 4)
	p.PeerBitfieldAdded(fullBits(t, 4, 0, 1, 2, 3))

	req, ok := p.Next("p1", fullBits(t, 4, 0, 1, 2, 3), bitfield.New(4), false)
	assert.True(t, ok)
	assert.Equal(t, 0, req.PieceIndex)
}

func TestPickOnlyWhatPeerHas(t *testing.T) {
	_, p := pickerFixture(t, 4)
	p.PeerBitfieldAdded(fullBits(t, 4, 3))

	req, ok := p.Next("p1", fullBits(t, 4, 3), bitfield.New(4), false)
	assert.True(t, ok)
	assert.Equal(t, 3, req.PieceIndex)

	_, ok = p.Next("p2", bitfield.New(4), bitfield.New(4), false)
	assert.False(t, ok)
}

func TestPickSkipsOwnedPieces(t *testing.T) {
	m, p := pickerFixture(t, 2)
	everything := fullBits(t, 2, 0, 1)
	p.PeerBitfieldAdded(everything)

	// piece 0 already verified locally
	assert.NoError(t, m.MarkRequested(0, 0, "p1"))
	assert.NoError(t, m.MarkRequested(0, 2, "p1"))
	m.OnBlockReceived("p1", 0, 0, []byte{0, 0})
	receipt, err := m.OnBlockReceived("p1", 0, 2, []byte{0, 0})
	assert.NoError(t, err)
	assert.True(t, receipt.PieceVerified)

	have := fullBits(t, 2, 0)
	req, ok := p.Next("p1", everything, have, false)
	assert.True(t, ok)
	assert.Equal(t, 1, req.PieceIndex)
}

func TestPickAdvancesThroughBlocks(t *testing.T) {
	m, p := pickerFixture(t, 1)
	bits := fullBits(t, 1, 0)
	p.PeerBitfieldAdded(bits)

	req, ok := p.Next("p1", bits, bitfield.New(1), false)
	assert.True(t, ok)
	assert.Equal(t, Request{PieceIndex: 0, Begin: 0, Length: 2}, req)
	assert.NoError(t, m.MarkRequested(req.PieceIndex, req.Begin, "p1"))

	req, ok = p.Next("p1", bits, bitfield.New(1), false)
	assert.True(t, ok)
	assert.Equal(t, Request{PieceIndex: 0, Begin: 2, Length: 2}, req)
	assert.NoError(t, m.MarkRequested(req.PieceIndex, req.Begin, "p1"))

	_, ok = p.Next("p1", bits, bitfield.New(1), false)
	assert.False(t, ok)
}

func TestHaveAndRemovalAdjustRarity(t *testing.T) {
	_, p := pickerFixture(t, 3)
	bf := fullBits(t, 3, 0, 1)
	p.PeerBitfieldAdded(bf)
	p.PeerHas(2)
	p.PeerHas(2)

	assert.Equal(t, 1, p.Availability(0))
	assert.Equal(t, 2, p.Availability(2))

	p.PeerBitfieldRemoved(bf)
	assert.Equal(t, 0, p.Availability(0))
	assert.Equal(t, 0, p.Availability(1))
	assert.Equal(t, 2, p.Availability(2))
}

func TestEndgameEligibility(t *testing.T) {
	m, p := pickerFixture(t, 2)
	assert.False(t, p.EndgameEligible(), "blocks still unrequested")

	assert.NoError(t, m.MarkRequested(0, 0, "p1"))
	assert.NoError(t, m.MarkRequested(0, 2, "p1"))
	assert.NoError(t, m.MarkRequested(1, 0, "p1"))
	assert.NoError(t, m.MarkRequested(1, 2, "p1"))
	assert.True(t, p.EndgameEligible())

	m.OnBlockReceived("p1", 0, 0, []byte{0, 0})
	m.OnBlockReceived("p1", 0, 2, []byte{0, 0})
	m.OnBlockReceived("p1", 1, 0, []byte{0, 0})
	m.OnBlockReceived("p1", 1, 2, []byte{0, 0})
	assert.False(t, p.EndgameEligible(), "nothing remaining")
}

func TestEndgameDuplicatesCapped(t *testing.T) {
	m, p := pickerFixture(t, 1)
	bits := fullBits(t, 1, 0)
	p.PeerBitfieldAdded(bits)

	assert.NoError(t, m.MarkRequested(0, 0, "p1"))
	assert.NoError(t, m.MarkRequested(0, 2, "p1"))

	// without endgame an in-flight block is untouchable
	_, ok := p.Next("p2", bits, bitfield.New(1), false)
	assert.False(t, ok)

	req, ok := p.Next("p2", bits, bitfield.New(1), true)
	assert.True(t, ok)
	assert.Equal(t, Request{PieceIndex: 0, Begin: 0, Length: 2}, req)
	assert.NoError(t, m.MarkRequested(req.PieceIndex, req.Begin, "p2"))

	// the duplicate cap of 2 is reached for the first block, so a third
	// peer is steered to the second
	req, ok = p.Next("p3", bits, bitfield.New(1), true)
	assert.True(t, ok)
	assert.Equal(t, Request{PieceIndex: 0, Begin: 2, Length: 2}, req)

	// a peer already owning the block never doubles up on itself
	req, ok = p.Next("p1", bits, bitfield.New(1), true)
	assert.False(t, ok)
}
