package peer

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/stretchr/testify/assert"

	"github.com/Mofe-Bankole/Sekiro-bittorrent/stats"
	"github.com/Mofe-Bankole/Sekiro-bittorrent/torrent"
	"github.com/Mofe-Bankole/Sekiro-bittorrent/wire"
)

// wireFactory hands a fresh fakeWire to every connection the pool opens.
type wireFactory struct {
	mu       sync.Mutex
	infohash []byte
	wires    []*fakeWire
}

func stubPool(t *testing.T, tor *torrent.Torrent) *wireFactory {
	t.Helper()
	f := &wireFactory{infohash: tor.InfoHash}
	oldNewWire, oldDial := newWire, dial
	newWire = func(net.Conn, time.Duration) wire.Wire {
		f.mu.Lock()
		defer f.mu.Unlock()
		fw := newFakeWire(f.infohash)
		f.wires = append(f.wires, fw)
		return fw
	}
	dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		return nopConn{}, nil
	}
	t.Cleanup(func() {
		newWire, dial = oldNewWire, oldDial
	})
	return f
}

func poolFixture(t *testing.T, cfg Config) (*Pool, *recorderEvents, *wireFactory) {
	t.Helper()
	tor := testMeta()
	f := stubPool(t, tor)
	ev := newRecorder()
	p := NewPool(ev, tor, fakeStore{}, stats.NewStats(), cfg)
	t.Cleanup(p.Stop)
	return p, ev, f
}

func TestPoolDedupesAndCaps(t *testing.T) {
	p, ev, _ := poolFixture(t, Config{MaxPeers: 2})

	p.Add("198.51.100.1:6881")
	p.Add("198.51.100.1:6881")
	ev.waitFor(t, "active")
	assert.Equal(t, 1, p.Len())

	p.Add("198.51.100.2:6881")
	ev.waitFor(t, "active")
	p.Add("198.51.100.3:6881")
	assert.Equal(t, 2, p.Len())
	assert.NotNil(t, p.Get("198.51.100.1:6881"))
	assert.Nil(t, p.Get("198.51.100.3:6881"))
}

func TestPoolBanClosesAndRefuses(t *testing.T) {
	p, ev, _ := poolFixture(t, Config{})
	addr := "198.51.100.4:6881"

	p.Add(addr)
	ev.waitFor(t, "active")

	p.Ban(mapset.NewSet(addr))
	ev.waitFor(t, "closed")
	assert.Equal(t, Closed, p.Get(addr).State())

	p.Remove(addr)
	p.Add(addr)
	assert.Equal(t, 0, p.Len(), "banned peer readmitted")
}

func TestPoolDialFailure(t *testing.T) {
	p, ev, _ := poolFixture(t, Config{})
	boom := errors.New("connection refused")
	dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		return nil, boom
	}

	p.Add("198.51.100.5:6881")
	ev.waitFor(t, "closed")
	assert.Equal(t, boom, ev.closeReasons()[0])
}

func TestPoolStopClosesEverything(t *testing.T) {
	p, ev, _ := poolFixture(t, Config{})
	p.Add("198.51.100.6:6881")
	ev.waitFor(t, "active")
	p.Add("198.51.100.7:6881")
	ev.waitFor(t, "active")

	p.Stop()
	ev.waitFor(t, "closed")
	ev.waitFor(t, "closed")
	for _, c := range p.Conns() {
		assert.Equal(t, Closed, c.State())
	}

	p.Add("198.51.100.8:6881")
	assert.Equal(t, 2, p.Len(), "a stopped pool must refuse new peers")
}
