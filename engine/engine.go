package engine

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/Mofe-Bankole/Sekiro-bittorrent/bitfield"
	"github.com/Mofe-Bankole/Sekiro-bittorrent/peer"
	"github.com/Mofe-Bankole/Sekiro-bittorrent/piece"
	"github.com/Mofe-Bankole/Sekiro-bittorrent/stats"
	"github.com/Mofe-Bankole/Sekiro-bittorrent/storage"
	"github.com/Mofe-Bankole/Sekiro-bittorrent/torrent"
)

// Config holds the engine tunables. The exact values are tuning
// choices, not correctness requirements; zero fields take the
// documented defaults.
type Config struct {
	// BlockSize is the request granularity. Default 16 KiB.
	BlockSize int
	// RequestTimeout is the per-request deadline before a block is
	// requeued. Default 30s.
	RequestTimeout time.Duration
	// SweepInterval is how often deadlines are checked. Default
	// RequestTimeout / 4.
	SweepInterval time.Duration
	// EndgameThreshold: endgame may activate once fewer than this many
	// pieces remain. Default 5.
	EndgameThreshold int
	// EndgameDupPerBlock caps duplicate in-flight requests per block
	// during endgame. Default 2.
	EndgameDupPerBlock int
	// MaxPeerTimeouts closes a connection after this many request
	// timeouts without an intervening block. Default 3.
	MaxPeerTimeouts int
	// Peer carries the connection and pool tunables.
	Peer peer.Config
	// Now is the clock used for request deadlines; tests inject a
	// virtual one.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.BlockSize == 0 {
		c.BlockSize = 16384
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = c.RequestTimeout / 4
	}
	if c.EndgameThreshold == 0 {
		c.EndgameThreshold = 5
	}
	if c.EndgameDupPerBlock == 0 {
		c.EndgameDupPerBlock = 2
	}
	if c.MaxPeerTimeouts == 0 {
		c.MaxPeerTimeouts = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Peer = c.Peer.WithDefaults()
	return c
}

// pool is the slice of peer.Pool the engine drives directly.
type pool interface {
	Add(addr string)
	Remove(id string)
	Ban(ids mapset.Set)
	Stop()
}

// Engine coordinates one torrent session. It owns the local bitfield,
// the block manager, the picker and the pool, and is the serialization
// point for all shared swarm state: connection goroutines only enter
// through the Events methods, each of which takes the engine lock for
// the duration of one decision and never across network I/O.
type Engine struct {
	cfg    Config
	tor    *torrent.Torrent
	store  storage.Storage
	stats  stats.Stats
	pool   pool
	choker *peer.Choker

	mu       sync.Mutex
	have     *bitfield.Bitfield
	mgr      *piece.BlockManager
	picker   *piece.Picker
	links    map[string]peer.Link
	peerBits map[string]*bitfield.Bitfield
	timeouts map[string]int
	endgame  bool
	stopped  bool

	done     chan struct{}
	quit     chan struct{}
	doneOnce sync.Once
}

func New(tor *torrent.Torrent, store storage.Storage, cfg Config) *Engine {
	e := newEngine(tor, store, cfg)
	p := peer.NewPool(e, tor, store, e.stats, e.cfg.Peer)
	e.pool = p
	e.choker = peer.NewChoker(p, e.stats, e.Complete)
	return e
}

func newEngine(tor *torrent.Torrent, store storage.Storage, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	mgr := piece.NewBlockManager(tor, store, cfg.BlockSize)
	mgr.Now = cfg.Now
	return &Engine{
		cfg:      cfg,
		tor:      tor,
		store:    store,
		stats:    stats.NewStats(),
		have:     bitfield.New(tor.NumPieces),
		mgr:      mgr,
		picker:   piece.NewPicker(mgr, cfg.EndgameThreshold, cfg.EndgameDupPerBlock),
		links:    make(map[string]peer.Link),
		peerBits: make(map[string]*bitfield.Bitfield),
		timeouts: make(map[string]int),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
	}
}

// Start rescans storage for pieces a previous session already
// completed, then launches the choker and the request-deadline sweeper.
func (e *Engine) Start() {
	e.mu.Lock()
	for _, pieceIndex := range e.mgr.Rescan() {
		e.have.Set(pieceIndex)
	}
	if e.mgr.Complete() {
		e.doneOnce.Do(func() { close(e.done) })
	}
	e.mu.Unlock()

	if e.choker != nil {
		e.choker.Start()
	}
	go e.sweepLoop()
}

// AddPeers feeds candidate addresses from the discovery collaborator
// into the pool. No assumption is made about ordering or freshness.
func (e *Engine) AddPeers(addrs []string) {
	for _, addr := range addrs {
		e.pool.Add(addr)
	}
}

// Done closes once every piece is Verified.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) Complete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mgr.Complete()
}

// Progress reports verified and total piece counts.
func (e *Engine) Progress() (verified, total int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tor.NumPieces - e.mgr.Remaining(), e.tor.NumPieces
}

// Stop cancels all outstanding requests and tears the session down,
// leaving the block state consistent for a later resume.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	if e.choker != nil {
		e.choker.Stop()
	}
	close(e.quit)
	e.pool.Stop()

	e.mu.Lock()
	e.mgr.ReleaseAll()
	e.mu.Unlock()
}

// --- peer.Events ---

func (e *Engine) LocalBitfield() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.have.Bytes()
}

func (e *Engine) HasPiece(pieceIndex int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.have.Has(pieceIndex)
}

func (e *Engine) PeerActive(l peer.Link) {
	e.mu.Lock()
	e.links[l.ID()] = l
	if _, ok := e.peerBits[l.ID()]; !ok {
		e.peerBits[l.ID()] = bitfield.New(e.tor.NumPieces)
	}
	e.mu.Unlock()
}

func (e *Engine) PeerBitfield(id string, bf *bitfield.Bitfield) {
	e.mu.Lock()
	if old, ok := e.peerBits[id]; ok {
		e.picker.PeerBitfieldRemoved(old)
	}
	e.peerBits[id] = bf
	e.picker.PeerBitfieldAdded(bf)
	l := e.links[id]
	interesting := e.interestingLocked(id)
	e.mu.Unlock()

	if l != nil {
		l.SetInterested(interesting)
	}
}

func (e *Engine) PeerHave(id string, pieceIndex int) {
	e.mu.Lock()
	bits, ok := e.peerBits[id]
	if !ok {
		bits = bitfield.New(e.tor.NumPieces)
		e.peerBits[id] = bits
	}
	fresh := !bits.Has(pieceIndex)
	bits.Set(pieceIndex)
	if fresh {
		e.picker.PeerHas(pieceIndex)
	}
	l := e.links[id]
	interesting := !e.have.Has(pieceIndex)
	e.mu.Unlock()

	if l != nil && interesting {
		l.SetInterested(true)
	}
}

func (e *Engine) PeerChoked(id string) {
	e.mu.Lock()
	e.mgr.ReleasePeer(id)
	e.endgame = e.picker.EndgameEligible()
	e.mu.Unlock()

	// The released blocks are up for grabs by the other peers.
	e.fillAll()
}

func (e *Engine) PeerUnchoked(id string) {
	e.fillPipeline(id)
}

func (e *Engine) PeerInterested(id string, interested bool) {
	// The choker reads interest straight off the connection snapshot.
}

// BlockArrived is the single entry point for downloaded data. A
// returned error is a protocol violation and closes the connection.
func (e *Engine) BlockArrived(id string, pieceIndex, begin int, data []byte) error {
	e.mu.Lock()
	receipt, err := e.mgr.OnBlockReceived(id, pieceIndex, begin, data)
	if err != nil {
		e.mu.Unlock()
		var reqErr *piece.RequestError
		if errors.As(err, &reqErr) {
			return err
		}
		// Storage failure: recoverable. The block went back to
		// Unrequested and is re-offered immediately.
		log.Printf("engine: piece %d offset %d from %s: %v", pieceIndex, begin, id, err)
		e.fillAll()
		return nil
	}
	e.timeouts[id] = 0

	var cancels []cancelAction
	for _, c := range receipt.Cancels {
		if l, ok := e.links[c.PeerID]; ok {
			cancels = append(cancels, cancelAction{l, c})
		}
	}

	var haves []peer.Link
	var interest []interestAction
	if receipt.PieceVerified {
		e.have.Set(pieceIndex)
		for lid, l := range e.links {
			haves = append(haves, l)
			interest = append(interest, interestAction{l, e.interestingLocked(lid)})
		}
		if e.mgr.Complete() {
			e.doneOnce.Do(func() { close(e.done) })
		}
	}
	e.endgame = e.picker.EndgameEligible()
	e.mu.Unlock()

	for _, c := range cancels {
		c.link.SendCancel(c.c.PieceIndex, c.c.Begin, c.c.Length)
	}
	for _, l := range haves {
		l.SendHave(pieceIndex)
	}
	for _, a := range interest {
		a.link.SetInterested(a.interested)
	}
	if receipt.PieceFailed {
		log.Printf("engine: piece %d failed verification, banning %d contributors",
			pieceIndex, receipt.Blame.Cardinality())
		e.pool.Ban(receipt.Blame)
	}

	e.fillPipeline(id)
	if receipt.PieceFailed || e.inEndgame() {
		// Reset or endgame blocks go to every peer with pipeline room,
		// not just the one that delivered.
		e.fillAll()
	}
	return nil
}

func (e *Engine) PeerClosed(id string, reason error) {
	e.mu.Lock()
	delete(e.links, id)
	if bf, ok := e.peerBits[id]; ok {
		e.picker.PeerBitfieldRemoved(bf)
		delete(e.peerBits, id)
	}
	e.mgr.ReleasePeer(id)
	e.endgame = e.picker.EndgameEligible()
	delete(e.timeouts, id)
	stopped := e.stopped
	e.mu.Unlock()

	e.pool.Remove(id)
	e.stats.RemovePeer(id)
	if reason != nil && !stopped {
		log.Printf("engine: peer %s closed: %v", id, reason)
	}

	// Re-offer the released blocks; nothing Requested remains for the
	// sweeper to expire on their behalf.
	e.fillAll()
}

type cancelAction struct {
	link peer.Link
	c    piece.Cancel
}

type interestAction struct {
	link       peer.Link
	interested bool
}

// interestingLocked reports whether the peer claims any piece the
// client still lacks. Callers hold e.mu.
func (e *Engine) interestingLocked(id string) bool {
	bits, ok := e.peerBits[id]
	if !ok {
		return false
	}
	for i := 0; i < e.tor.NumPieces; i++ {
		if bits.Has(i) && !e.have.Has(i) {
			return true
		}
	}
	return false
}

func (e *Engine) inEndgame() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endgame
}

// fillPipeline tops the peer's request pipeline up from the picker.
// Each iteration takes the lock for exactly one pick-and-mark decision;
// the request itself goes out after the lock is released.
func (e *Engine) fillPipeline(id string) {
	for {
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return
		}
		l, ok := e.links[id]
		bits := e.peerBits[id]
		if !ok || bits == nil {
			e.mu.Unlock()
			return
		}
		if !l.CanRequest() {
			e.mu.Unlock()
			return
		}
		if !e.endgame {
			e.endgame = e.picker.EndgameEligible()
		}
		req, ok := e.picker.Next(id, bits, e.have, e.endgame)
		if !ok {
			e.mu.Unlock()
			return
		}
		if err := e.mgr.MarkRequested(req.PieceIndex, req.Begin, id); err != nil {
			e.mu.Unlock()
			log.Printf("engine: mark requested: %v", err)
			return
		}
		e.mu.Unlock()

		if err := l.SendRequest(req.PieceIndex, req.Begin, req.Length); err != nil {
			e.mu.Lock()
			e.mgr.CancelRequested(req.PieceIndex, req.Begin, id)
			e.mu.Unlock()
			return
		}
	}
}

func (e *Engine) fillAll() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.links))
	for id := range e.links {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.fillPipeline(id)
	}
}

// sweepLoop enforces request deadlines: expired blocks requeue, their
// peers lose pipeline slots, and peers that keep timing out are closed.
func (e *Engine) sweepLoop() {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.quit:
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	e.mu.Lock()
	expired := e.mgr.SweepTimeouts(e.cfg.RequestTimeout)
	type forget struct {
		link peer.Link
		exp  piece.Expired
	}
	var forgets []forget
	closing := make(map[string]peer.Link)
	for _, exp := range expired {
		l, ok := e.links[exp.PeerID]
		if !ok {
			continue
		}
		forgets = append(forgets, forget{l, exp})
		e.timeouts[exp.PeerID]++
		if e.timeouts[exp.PeerID] >= e.cfg.MaxPeerTimeouts {
			closing[exp.PeerID] = l
		}
	}
	e.endgame = e.picker.EndgameEligible()
	e.mu.Unlock()

	for _, f := range forgets {
		f.link.Forget(f.exp.PieceIndex, f.exp.Begin)
	}
	for _, l := range closing {
		l.Close(fmt.Errorf("%d request timeouts", e.cfg.MaxPeerTimeouts))
	}
	if len(expired) > 0 {
		e.fillAll()
	}
}
