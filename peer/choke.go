package peer

import (
	"math/rand"
	"sort"
	"time"

	"github.com/Mofe-Bankole/Sekiro-bittorrent/stats"
)

const (
	// A peer that has sent no block for this long while we are
	// interested and unchoked is snubbing us.
	SNUBBED_PERIOD = 60 * time.Second
)

type peerInfo struct {
	conn          *Conn
	info          Info
	speed         int
	snubbed       bool
	shouldUnchoke bool
}

// Choker reruns the unchoke decision on a fixed interval: the fastest
// interested peers hold the unchoke slots, faster uninterested peers
// are unchoked speculatively, and one extra interested peer is unchoked
// optimistically so newcomers can prove themselves.
type Choker struct {
	pool     *Pool
	stats    stats.Stats
	interval time.Duration
	slots    int
	seeding  func() bool
	quit     chan struct{}
}

func NewChoker(pool *Pool, st stats.Stats, seeding func() bool) *Choker {
	return &Choker{
		pool:     pool,
		stats:    st,
		interval: pool.cfg.ChokeInterval,
		slots:    pool.cfg.MaxUnchoked,
		seeding:  seeding,
		quit:     make(chan struct{}),
	}
}

func (c *Choker) Start() {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.quit:
				return
			case <-ticker.C:
				c.choke()
			}
		}
	}()
}

func (c *Choker) Stop() {
	close(c.quit)
}

func sortBySpeed(peers []*peerInfo) {
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].speed > peers[j].speed
	})
}

func (c *Choker) choke() {
	conns := c.pool.Conns()
	peerStats := c.stats.GetPeerStats()
	seeding := c.seeding()

	peerInfos := make([]*peerInfo, 0, len(conns))
	for _, conn := range conns {
		pi := &peerInfo{conn: conn, info: conn.Snapshot()}
		if stat, ok := peerStats[pi.info.ID]; ok {
			if seeding {
				pi.speed = stat.UploadRate
			} else {
				pi.speed = stat.DownloadRate
			}
		}
		if pi.info.AmInterested && !pi.info.PeerChoking &&
			!pi.info.LastBlock.IsZero() && time.Since(pi.info.LastBlock) > SNUBBED_PERIOD {
			pi.snubbed = true
		}
		peerInfos = append(peerInfos, pi)
	}

	// Partition interested and uninterested peers.
	interested := make([]*peerInfo, 0)
	notInterested := make([]*peerInfo, 0)
	for _, pi := range peerInfos {
		if pi.info.PeerInterested && !pi.snubbed {
			interested = append(interested, pi)
		} else {
			notInterested = append(notInterested, pi)
		}
	}
	sortBySpeed(interested)
	sortBySpeed(notInterested)

	// The fastest interested peers keep the unchoke slots, one slot
	// held back for the optimistic unchoke.
	speedThreshold := 0
	for i := 0; i < len(interested) && i < c.slots-1; i++ {
		interested[i].shouldUnchoke = true
		speedThreshold = interested[i].speed
	}
	// Faster uninterested peers are unchoked so that, should they turn
	// interested, they may reciprocate.
	for i := 0; i < len(notInterested) && notInterested[i].speed > speedThreshold; i++ {
		notInterested[i].shouldUnchoke = true
	}

	// Optimistic unchoke among the interested peers left over.
	if len(interested) > c.slots-1 {
		rest := interested[c.slots-1:]
		rand.Shuffle(len(rest), func(i, j int) {
			rest[i], rest[j] = rest[j], rest[i]
		})
		for _, pi := range rest {
			if pi.info.PeerInterested {
				pi.shouldUnchoke = true
				break
			}
		}
	}

	for _, pi := range peerInfos {
		if pi.shouldUnchoke && pi.info.AmChoking {
			pi.conn.SetChoking(false)
		}
		if !pi.shouldUnchoke && !pi.info.AmChoking {
			pi.conn.SetChoking(true)
		}
	}
}
