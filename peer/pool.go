package peer

import (
	"fmt"
	"net"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/Mofe-Bankole/Sekiro-bittorrent/stats"
	"github.com/Mofe-Bankole/Sekiro-bittorrent/storage"
	"github.com/Mofe-Bankole/Sekiro-bittorrent/torrent"
)

// Config carries the connection-level tunables. Zero values are filled
// in by WithDefaults.
type Config struct {
	DialTimeout       time.Duration
	IOTimeout         time.Duration
	KeepAliveInterval time.Duration
	// ServeDelay postpones incoming read requests so a cancel arriving
	// just behind can still withdraw them.
	ServeDelay time.Duration
	// PipelineDepth caps outstanding requests per peer.
	PipelineDepth int
	MaxPeers      int
	// MaxUnchoked caps how many peers the choker keeps unchoked.
	MaxUnchoked   int
	ChokeInterval time.Duration
}

func (c Config) WithDefaults() Config {
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = 2 * time.Minute
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = time.Minute
	}
	if c.PipelineDepth == 0 {
		c.PipelineDepth = 5
	}
	if c.MaxPeers == 0 {
		c.MaxPeers = 50
	}
	if c.MaxUnchoked == 0 {
		c.MaxUnchoked = 4
	}
	if c.ChokeInterval == 0 {
		c.ChokeInterval = 10 * time.Second
	}
	return c
}

// Pool owns the live connections for one torrent: it enforces the
// connection ceiling, refuses banned and duplicate peers, and fans a
// verified piece out to every active connection.
type Pool struct {
	mu      sync.RWMutex
	tor     *torrent.Torrent
	storage storage.Storage
	stats   stats.Stats
	events  Events
	cfg     Config
	conns   map[string]*Conn
	banned  mapset.Set
	stopped bool
}

func NewPool(events Events, tor *torrent.Torrent, st storage.Storage, stats stats.Stats, cfg Config) *Pool {
	return &Pool{
		tor:     tor,
		storage: st,
		stats:   stats,
		events:  events,
		cfg:     cfg.WithDefaults(),
		conns:   make(map[string]*Conn),
		banned:  mapset.NewSet(),
	}
}

// Add initiates a connection to the address and returns immediately;
// the handshake proceeds on the connection's own goroutine. Duplicate,
// banned and over-ceiling peers are dropped silently.
func (p *Pool) Add(addr string) {
	p.addConn(addr, nil)
}

// AddIncoming adopts an already-accepted transport connection.
func (p *Pool) AddIncoming(conn net.Conn) {
	p.addConn(conn.RemoteAddr().String(), conn)
}

func (p *Pool) addConn(addr string, netConn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || p.banned.Contains(addr) {
		return
	}
	if len(p.conns) >= p.cfg.MaxPeers {
		return
	}
	if _, ok := p.conns[addr]; ok {
		return
	}

	c := newConn(addr, addr, netConn, p.tor, p.storage, p.events, p.stats, p.cfg)
	p.conns[addr] = c
	go c.Start()
}

// Remove releases a peer's slot. Called from the engine when a
// connection reports Closed.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, id)
}

func (p *Pool) Get(id string) *Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[id]
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

func (p *Pool) Conns() []*Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	return conns
}

// Ban closes the given peers and refuses them for the rest of the
// session. Used when a verified-failed piece implicates its
// contributors.
func (p *Pool) Ban(ids mapset.Set) {
	p.mu.Lock()
	var closing []*Conn
	for id := range ids.Iter() {
		p.banned.Add(id)
		if c, ok := p.conns[id.(string)]; ok {
			closing = append(closing, c)
		}
	}
	p.mu.Unlock()

	for _, c := range closing {
		c.Close(fmt.Errorf("peer banned"))
	}
}

// Stop closes every connection. Close fans back into the engine via
// PeerClosed, which returns each peer's in-flight blocks.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.Close(fmt.Errorf("session shutting down"))
	}
}
