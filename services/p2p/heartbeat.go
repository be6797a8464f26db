package p2p

import (
	"context"
	"time"
)

const (
	heartbeatInterval = 30 * time.Second
	peerStaleTimeout  = 60 * time.Second
)

// heartbeat runs every 30 seconds: drops stale peers, drives IBD stall
// recovery, reconnects to static peers and seeds with backoff, and probes
// everyone's tip as a keepalive.
func (s *Server) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.OnStall()

		for _, addr := range s.peers.StalePeers(peerStaleTimeout) {
			s.logger.Infof("peer %s is stale, disconnecting", addr)
			s.peers.RemovePeer(addr)
		}

		s.reconnectKnownPeers(ctx)

		s.peers.Broadcast(mustMessage(MsgGetTip, nil))
	}
}

// reconnectKnownPeers redials the configured static peers and the network's
// seed nodes that are currently disconnected, respecting per-peer
// exponential backoff. Peers known only from the peer cache are not redialed.
func (s *Server) reconnectKnownPeers(ctx context.Context) {
	targets := append([]string{}, s.config.StaticPeers...)
	targets = append(targets, s.params.SeedNodes...)

	for _, addr := range targets {
		if s.peers.IsConnected(addr) {
			continue
		}

		failures := s.peers.Failures(addr)
		backoff := ReconnectBackoff(failures)
		if failures > 0 {
			elapsed := time.Duration(now()-s.peers.LastSeen(addr)) * time.Second
			if elapsed < backoff {
				continue
			}
		}

		s.logger.Debugf("reconnecting to %s (attempt %d, backoff %s)", addr, failures+1, backoff)
		go s.Connect(ctx, addr)
	}
}
