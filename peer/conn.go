package peer

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Mofe-Bankole/Sekiro-bittorrent/bitfield"
	"github.com/Mofe-Bankole/Sekiro-bittorrent/stats"
	"github.com/Mofe-Bankole/Sekiro-bittorrent/storage"
	"github.com/Mofe-Bankole/Sekiro-bittorrent/torrent"
	"github.com/Mofe-Bankole/Sekiro-bittorrent/wire"
)

// Hooks for tests.
var (
	newWire = wire.NewWire
	dial    = net.DialTimeout
)

// ConnState is the connection lifecycle. Transitions only move forward:
// Connecting -> Handshaking -> Active -> Closed, with any state allowed
// to jump straight to Closed on failure.
type ConnState int

const (
	Connecting ConnState = iota
	Handshaking
	Active
	Closed
)

// Largest block length honored for an incoming request.
const maxServeLength = 128 * 1024

type blockKey struct {
	pieceIndex int
	begin      int
}

// Link is the engine-facing surface of an active connection.
type Link interface {
	ID() string
	SendRequest(pieceIndex, begin, length int) error
	SendCancel(pieceIndex, begin, length int) error
	SendHave(pieceIndex int) error
	SetInterested(interested bool) error
	CanRequest() bool
	Forget(pieceIndex, begin int)
	Close(reason error)
}

// Events is the engine side of a connection: every availability report
// and delivered block funnels through it, so swarm state has a single
// writer. A non-nil error from BlockArrived closes the connection.
type Events interface {
	LocalBitfield() []byte
	HasPiece(pieceIndex int) bool
	PeerActive(l Link)
	PeerBitfield(id string, bf *bitfield.Bitfield)
	PeerHave(id string, pieceIndex int)
	PeerChoked(id string)
	PeerUnchoked(id string)
	PeerInterested(id string, interested bool)
	BlockArrived(id string, pieceIndex, begin int, data []byte) error
	PeerClosed(id string, reason error)
}

// Info is the choker's snapshot of one connection.
type Info struct {
	ID             string
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
	LastBlock      time.Time
}

// Conn runs the wire protocol against one remote peer. The read loop is
// its own goroutine; block and availability handling is delegated to
// Events, which serializes all cross-connection state.
type Conn struct {
	id      string
	addr    string
	tor     *torrent.Torrent
	storage storage.Storage
	events  Events
	stats   stats.Stats
	cfg     Config

	// eventsMu serializes the PeerActive and PeerClosed deliveries so a
	// close racing the handshake cannot register a dead link after its
	// teardown was already reported.
	eventsMu sync.Mutex

	mu             sync.Mutex
	state          ConnState
	wire           wire.Wire
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	outstanding    map[blockKey]struct{}
	pendingReads   map[string]chan struct{}
	lastBlock      time.Time
	quit           chan struct{}
	closeReason    error
}

// newConn prepares a connection. conn may be nil, in which case Start
// dials the peer address.
func newConn(id, addr string, conn net.Conn, tor *torrent.Torrent, st storage.Storage,
	events Events, stats stats.Stats, cfg Config) *Conn {

	c := &Conn{
		id:           id,
		addr:         addr,
		tor:          tor,
		storage:      st,
		events:       events,
		stats:        stats,
		cfg:          cfg,
		state:        Connecting,
		amChoking:    true,
		peerChoking:  true,
		outstanding:  make(map[blockKey]struct{}),
		pendingReads: make(map[string]chan struct{}),
		quit:         make(chan struct{}),
	}
	if conn != nil {
		c.wire = newWire(conn, cfg.IOTimeout)
	}
	return c
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start dials, handshakes and runs the read loop until the connection
// closes. It is the connection goroutine's entry point.
func (c *Conn) Start() {
	if c.wire == nil {
		conn, err := dial("tcp", c.addr, c.cfg.DialTimeout)
		if err != nil {
			c.Close(err)
			return
		}
		c.mu.Lock()
		if c.state == Closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.wire = newWire(conn, c.cfg.IOTimeout)
		c.mu.Unlock()
	}

	c.setState(Handshaking)
	if err := c.wire.SendHandshake(c.tor.InfoHash, torrent.PEER_ID); err != nil {
		c.Close(err)
		return
	}
	length, protocol, infohash, _, err := c.wire.ReadHandshake()
	if err != nil {
		c.Close(err)
		return
	}
	if length != 19 || protocol != wire.ProtocolName {
		c.Close(&wire.ProtocolError{Reason: "handshake for protocol " + protocol})
		return
	}
	if !bytes.Equal(infohash, c.tor.InfoHash) {
		c.Close(&wire.ProtocolError{Reason: "handshake for a different torrent"})
		return
	}

	if err := c.wire.SendBitfield(c.events.LocalBitfield()); err != nil {
		c.Close(err)
		return
	}

	c.setState(Active)
	if !c.announceActive() {
		return
	}
	go c.keepAlive()

	for {
		length, messageID, payload, err := c.wire.ReadMessage()
		if err != nil {
			c.Close(err)
			return
		}
		if length == 0 {
			// keep-alive
			continue
		}
		if err := c.handleMessage(messageID, payload); err != nil {
			c.Close(err)
			return
		}
	}
}

// announceActive registers the link with the engine unless a concurrent
// Close won the race to the same state.
func (c *Conn) announceActive() bool {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	if c.State() != Active {
		return false
	}
	c.events.PeerActive(c)
	return true
}

func (c *Conn) keepAlive() {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.quit:
			return
		case now := <-ticker.C:
			if c.wire.LastMessageSent().Before(now.Add(-c.cfg.KeepAliveInterval)) {
				if err := c.wire.SendKeepAlive(); err != nil {
					return
				}
			}
		}
	}
}

func (c *Conn) handleMessage(messageID byte, payload []byte) error {
	switch messageID {
	case wire.CHOKE:
		c.mu.Lock()
		c.peerChoking = true
		// The peer discards our outstanding requests when it chokes.
		c.outstanding = make(map[blockKey]struct{})
		c.mu.Unlock()
		c.events.PeerChoked(c.id)

	case wire.UNCHOKE:
		c.mu.Lock()
		c.peerChoking = false
		c.mu.Unlock()
		c.events.PeerUnchoked(c.id)

	case wire.INTERESTED:
		c.mu.Lock()
		c.peerInterested = true
		c.mu.Unlock()
		c.events.PeerInterested(c.id, true)

	case wire.NOT_INTERESTED:
		c.mu.Lock()
		c.peerInterested = false
		c.mu.Unlock()
		c.events.PeerInterested(c.id, false)

	case wire.HAVE:
		pieceIndex, err := wire.ParseHave(payload)
		if err != nil {
			return err
		}
		if pieceIndex >= c.tor.NumPieces {
			return &wire.ProtocolError{Reason: fmt.Sprintf("have for piece %d of %d", pieceIndex, c.tor.NumPieces)}
		}
		c.events.PeerHave(c.id, pieceIndex)

	case wire.BITFIELD:
		bf, err := bitfield.FromBytes(payload, c.tor.NumPieces)
		if err != nil {
			return &wire.ProtocolError{Reason: err.Error()}
		}
		c.events.PeerBitfield(c.id, bf)

	case wire.REQUEST:
		pieceIndex, begin, length, err := wire.ParseRequest(payload)
		if err != nil {
			return err
		}
		return c.serveRequest(pieceIndex, begin, length)

	case wire.BLOCK:
		pieceIndex, begin, data, err := wire.ParseBlock(payload)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.peerChoking {
			// In-flight data crossing our released requests; drop it.
			c.mu.Unlock()
			return nil
		}
		delete(c.outstanding, blockKey{pieceIndex, begin})
		c.lastBlock = time.Now()
		c.mu.Unlock()
		c.stats.UpdatePeer(c.id, 0, len(data))
		return c.events.BlockArrived(c.id, pieceIndex, begin, data)

	case wire.CANCEL:
		pieceIndex, begin, length, err := wire.ParseCancel(payload)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if quit, ok := c.pendingReads[readKey(pieceIndex, begin, length)]; ok {
			delete(c.pendingReads, readKey(pieceIndex, begin, length))
			close(quit)
		}
		c.mu.Unlock()

	case wire.PORT:
		// DHT port announcement; the engine has no DHT.

	default:
		// Unknown extension message, ignored for forward compatibility.
	}
	return nil
}

func readKey(pieceIndex, begin, length int) string {
	return fmt.Sprintf("%d:%d:%d", pieceIndex, begin, length)
}

// serveRequest answers an incoming request asynchronously so a cancel
// can still withdraw it while the read is pending.
func (c *Conn) serveRequest(pieceIndex, begin, length int) error {
	c.mu.Lock()
	if c.amChoking || !c.peerInterested {
		c.mu.Unlock()
		return &wire.ProtocolError{Reason: "request while choked or not interested"}
	}
	c.mu.Unlock()

	if !c.events.HasPiece(pieceIndex) ||
		length <= 0 || length > maxServeLength ||
		begin < 0 || begin+length > c.tor.PieceSize(pieceIndex) {
		return &wire.ProtocolError{Reason: fmt.Sprintf("request for piece %d [%d, %d)", pieceIndex, begin, begin+length)}
	}

	key := readKey(pieceIndex, begin, length)
	quit := make(chan struct{})
	c.mu.Lock()
	c.pendingReads[key] = quit
	c.mu.Unlock()

	go func() {
		if c.cfg.ServeDelay > 0 {
			select {
			case <-quit:
				return
			case <-time.After(c.cfg.ServeDelay):
			}
		}
		c.mu.Lock()
		if _, ok := c.pendingReads[key]; !ok {
			c.mu.Unlock()
			return
		}
		delete(c.pendingReads, key)
		c.mu.Unlock()

		data, err := c.storage.ReadBlock(pieceIndex, begin, length)
		if err != nil {
			c.Close(err)
			return
		}
		if err := c.wire.SendBlock(pieceIndex, begin, data); err != nil {
			c.Close(err)
			return
		}
		c.stats.UpdatePeer(c.id, length, 0)
	}()
	return nil
}

// SendRequest issues one block request and claims a pipeline slot.
func (c *Conn) SendRequest(pieceIndex, begin, length int) error {
	c.mu.Lock()
	if c.state != Active {
		c.mu.Unlock()
		return fmt.Errorf("peer %s not active", c.id)
	}
	c.outstanding[blockKey{pieceIndex, begin}] = struct{}{}
	c.mu.Unlock()

	if err := c.wire.SendRequest(pieceIndex, begin, length); err != nil {
		c.Forget(pieceIndex, begin)
		return err
	}
	return nil
}

// SendCancel withdraws an in-flight request, freeing its pipeline slot.
func (c *Conn) SendCancel(pieceIndex, begin, length int) error {
	c.mu.Lock()
	if c.state != Active {
		c.mu.Unlock()
		return nil
	}
	delete(c.outstanding, blockKey{pieceIndex, begin})
	c.mu.Unlock()
	return c.wire.SendCancel(pieceIndex, begin, length)
}

func (c *Conn) SendHave(pieceIndex int) error {
	c.mu.Lock()
	if c.state != Active {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.wire.SendHave(pieceIndex)
}

func (c *Conn) SetInterested(interested bool) error {
	c.mu.Lock()
	if c.state != Active || c.amInterested == interested {
		c.mu.Unlock()
		return nil
	}
	c.amInterested = interested
	c.mu.Unlock()
	if interested {
		return c.wire.SendInterested()
	}
	return c.wire.SendNotInterested()
}

// SetChoking is the choker's lever.
func (c *Conn) SetChoking(choking bool) error {
	c.mu.Lock()
	if c.state != Active || c.amChoking == choking {
		c.mu.Unlock()
		return nil
	}
	c.amChoking = choking
	c.mu.Unlock()
	if choking {
		return c.wire.SendChoke()
	}
	return c.wire.SendUnchoke()
}

// CanRequest reports whether the four-flag state and the pipeline cap
// allow another request to this peer right now.
func (c *Conn) CanRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Active &&
		c.amInterested && !c.peerChoking &&
		len(c.outstanding) < c.cfg.PipelineDepth
}

// Forget drops a pipeline slot without sending anything, after a
// timeout requeued the block.
func (c *Conn) Forget(pieceIndex, begin int) {
	c.mu.Lock()
	delete(c.outstanding, blockKey{pieceIndex, begin})
	c.mu.Unlock()
}

// Snapshot exposes the flag state to the choker.
func (c *Conn) Snapshot() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:             c.id,
		AmChoking:      c.amChoking,
		AmInterested:   c.amInterested,
		PeerChoking:    c.peerChoking,
		PeerInterested: c.peerInterested,
		LastBlock:      c.lastBlock,
	}
}

// Close is idempotent. The first reason wins and is reported upward via
// Events.PeerClosed.
func (c *Conn) Close(reason error) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closed
	c.closeReason = reason
	close(c.quit)
	for key, quit := range c.pendingReads {
		delete(c.pendingReads, key)
		close(quit)
	}
	w := c.wire
	c.mu.Unlock()

	if w != nil {
		w.Close()
	}
	c.eventsMu.Lock()
	c.events.PeerClosed(c.id, reason)
	c.eventsMu.Unlock()
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	if c.state != Closed {
		c.state = s
	}
	c.mu.Unlock()
}
