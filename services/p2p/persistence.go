package p2p

import (
	"encoding/json"
	"os"
	"sort"
)

// PersistedPeer is the on-disk peer cache entry.
type PersistedPeer struct {
	Addr         string `json:"addr"`
	LastSeen     uint64 `json:"last_seen"`
	SuccessCount uint32 `json:"success_count"`
	FailCount    uint32 `json:"fail_count"`
}

// savePeerCache writes the known peers to the configured cache file.
func (s *Server) savePeerCache() {
	if s.config.PeerCachePath == "" {
		return
	}

	peers := s.peers.GetPeers()
	persisted := make([]PersistedPeer, 0, len(peers))
	for _, p := range peers {
		persisted = append(persisted, PersistedPeer{
			Addr:         p.Addr,
			LastSeen:     p.LastSeen,
			SuccessCount: p.SuccessCount,
			FailCount:    p.FailedAttempts,
		})
	}

	raw, err := json.MarshalIndent(persisted, "", "  ")
	if err != nil {
		s.logger.Warnf("encoding peer cache: %v", err)
		return
	}
	if err := os.WriteFile(s.config.PeerCachePath, raw, 0o600); err != nil {
		s.logger.Warnf("writing peer cache: %v", err)
		return
	}
	s.logger.Infof("saved %d peers to %s", len(persisted), s.config.PeerCachePath)
}

// loadPeerCache reads the cache and returns the best addresses to redial.
func (s *Server) loadPeerCache() []string {
	if s.config.PeerCachePath == "" {
		return nil
	}

	raw, err := os.ReadFile(s.config.PeerCachePath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warnf("reading peer cache: %v", err)
		}
		return nil
	}

	var persisted []PersistedPeer
	if err := json.Unmarshal(raw, &persisted); err != nil {
		s.logger.Warnf("decoding peer cache: %v", err)
		return nil
	}

	best := BestPeers(persisted, 10)
	s.logger.Infof("loaded %d peers from cache, using %d best", len(persisted), len(best))
	return best
}

// BestPeers orders cached peers by reliability: fewest failures first, then
// most recently seen.
func BestPeers(peers []PersistedPeer, limit int) []string {
	sorted := make([]PersistedPeer, len(peers))
	copy(sorted, peers)

	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].FailCount != sorted[j].FailCount {
			return sorted[i].FailCount < sorted[j].FailCount
		}
		return sorted[i].LastSeen > sorted[j].LastSeen
	})

	if limit > len(sorted) {
		limit = len(sorted)
	}
	addrs := make([]string, 0, limit)
	for _, p := range sorted[:limit] {
		addrs = append(addrs, p.Addr)
	}
	return addrs
}
