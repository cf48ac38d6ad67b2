package stats

import (
	"sync"

	underscore "github.com/ahl5esoft/golang-underscore"
)

const (
	PONDERATION_TIME = 10
)

// Stats keeps rolling per-peer transfer rates over the last
// PONDERATION_TIME sampling windows. The choker samples it once per
// tick to rank peers by speed; the engine reads the totals for session
// accounting.
type Stats interface {
	UpdatePeer(id string, uploaded int, downloaded int)
	RemovePeer(id string)
	GetPeerStats() (peerStats map[string]*PeerStat)
	Totals() (uploaded int, downloaded int)
}

type stats struct {
	sync.Mutex

	totalUpload   int
	totalDownload int
	peerStats     map[string]*PeerStat
}

type PeerStat struct {
	UploadRate       int
	DownloadRate     int
	currentUpload    int
	currentDownload  int
	uploadActivity   [PONDERATION_TIME]int
	downloadActivity [PONDERATION_TIME]int
	i                int
}

func NewStats() Stats {
	return &stats{
		peerStats: make(map[string]*PeerStat),
	}
}

func (s *stats) UpdatePeer(id string, uploaded int, downloaded int) {
	s.Lock()
	defer s.Unlock()

	peerStat, ok := s.peerStats[id]
	if !ok {
		peerStat = &PeerStat{}
		s.peerStats[id] = peerStat
	}
	peerStat.currentUpload += uploaded
	peerStat.currentDownload += downloaded
	s.totalUpload += uploaded
	s.totalDownload += downloaded
}

func (s *stats) RemovePeer(id string) {
	s.Lock()
	defer s.Unlock()

	delete(s.peerStats, id)
}

func (s *stats) Totals() (int, int) {
	s.Lock()
	defer s.Unlock()

	return s.totalUpload, s.totalDownload
}

func sumReduce(acc int, x, _ int) int {
	return acc + x
}

// GetPeerStats rolls the current sampling window into each peer's
// activity ring and recomputes the smoothed rates.
func (s *stats) GetPeerStats() map[string]*PeerStat {
	s.Lock()
	defer s.Unlock()

	for _, peerStat := range s.peerStats {
		peerStat.uploadActivity[peerStat.i] = peerStat.currentUpload
		peerStat.downloadActivity[peerStat.i] = peerStat.currentDownload
		underscore.Chain(peerStat.uploadActivity[:]).Reduce(0, sumReduce).Value(&peerStat.UploadRate)
		peerStat.UploadRate /= PONDERATION_TIME
		underscore.Chain(peerStat.downloadActivity[:]).Reduce(0, sumReduce).Value(&peerStat.DownloadRate)
		peerStat.DownloadRate /= PONDERATION_TIME
		peerStat.i = (peerStat.i + 1) % PONDERATION_TIME
		peerStat.currentUpload = 0
		peerStat.currentDownload = 0
	}
	return s.peerStats
}
