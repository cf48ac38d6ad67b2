package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Mofe-Bankole/Sekiro-bittorrent/stats"
)

// chokeConn injects an already-active connection straight into the
// pool, bypassing dial and handshake.
func chokeConn(p *Pool, id string, peerInterested, amChoking bool) (*Conn, *fakeWire) {
	fw := newFakeWire(p.tor.InfoHash)
	c := newConn(id, id, nil, p.tor, fakeStore{}, newRecorder(), p.stats, p.cfg)
	c.wire = fw
	c.state = Active
	c.amInterested = true
	c.peerChoking = false
	c.peerInterested = peerInterested
	c.amChoking = amChoking
	p.conns[id] = c
	return c, fw
}

func TestChokerRanksBySpeed(t *testing.T) {
	st := stats.NewStats()
	p := NewPool(newRecorder(), testMeta(), fakeStore{}, st, Config{MaxUnchoked: 2})

	c1, fw1 := chokeConn(p, "fast", true, true)
	c2, fw2 := chokeConn(p, "slow", true, true)
	c3, fw3 := chokeConn(p, "idle", false, false)

	st.UpdatePeer("fast", 0, 10000)
	st.UpdatePeer("slow", 0, 500)

	ch := NewChoker(p, st, func() bool { return false })
	ch.choke()

	// the fastest interested peer takes the reciprocation slot, the
	// other interested peer the optimistic one
	_, ok := fw1.find("unchoke")
	assert.True(t, ok)
	assert.False(t, c1.Snapshot().AmChoking)
	_, ok = fw2.find("unchoke")
	assert.True(t, ok)
	assert.False(t, c2.Snapshot().AmChoking)

	// the slow uninterested peer loses its unchoke
	_, ok = fw3.find("choke")
	assert.True(t, ok)
	assert.True(t, c3.Snapshot().AmChoking)
}

func TestChokerDropsSnubbedPeer(t *testing.T) {
	st := stats.NewStats()
	p := NewPool(newRecorder(), testMeta(), fakeStore{}, st, Config{MaxUnchoked: 2})

	snubbed, fwSnubbed := chokeConn(p, "snubbed", true, false)
	snubbed.lastBlock = time.Now().Add(-2 * SNUBBED_PERIOD)
	fresh, fwFresh := chokeConn(p, "fresh", true, true)
	st.UpdatePeer("fresh", 0, 1000)

	ch := NewChoker(p, st, func() bool { return false })
	ch.choke()

	_, ok := fwFresh.find("unchoke")
	assert.True(t, ok)
	assert.False(t, fresh.Snapshot().AmChoking)
	_, ok = fwSnubbed.find("choke")
	assert.True(t, ok, "a peer that stopped delivering keeps its slot")
}
