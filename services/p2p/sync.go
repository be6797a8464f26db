package p2p

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/zion-terranova/ziond/ulogger"
)

// IBD tuning.
const (
	// IBDThreshold is how far behind a peer's advertised height we must be
	// before switching from gossip to bulk download.
	IBDThreshold = 50

	// IBDBatchSize is the number of blocks requested per batch.
	IBDBatchSize = 500

	// IBDStallTimeout is how long to wait for a batch before declaring a
	// stall.
	IBDStallTimeout = 120 * time.Second

	// IBDMaxStallRetries bounds re-requests before aborting back to steady.
	IBDMaxStallRetries = 3
)

const (
	stateSteady = "steady"
	stateIBD    = "ibd"

	eventStart    = "start"
	eventComplete = "complete"
	eventAbort    = "abort"
)

// SyncStatus is the node-global gossip/IBD state machine with progress and
// stall bookkeeping. The FSM guards the legal transitions; counters are
// atomics, so the RPC snapshot holds the machine's lock only to read the
// state and the IBD peer.
type SyncStatus struct {
	logger ulogger.Logger

	mu      sync.Mutex
	machine *fsm.FSM
	ibdPeer string

	targetHeight     atomic.Uint64
	downloadHeight   atomic.Uint64
	blocksDownloaded atomic.Uint64
	stallRetries     atomic.Uint32

	startedAt     atomic.Int64
	lastBatchUnix atomic.Int64
}

func NewSyncStatus(logger ulogger.Logger) *SyncStatus {
	s := &SyncStatus{logger: logger}
	s.machine = fsm.NewFSM(
		stateSteady,
		fsm.Events{
			{Name: eventStart, Src: []string{stateSteady}, Dst: stateIBD},
			{Name: eventComplete, Src: []string{stateIBD}, Dst: stateSteady},
			{Name: eventAbort, Src: []string{stateIBD}, Dst: stateSteady},
		},
		fsm.Callbacks{},
	)
	return s
}

func (s *SyncStatus) IsIBD() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current() == stateIBD
}

// ShouldEnterIBD reports whether a peer height justifies bulk download.
func (s *SyncStatus) ShouldEnterIBD(ourHeight, peerHeight uint64) bool {
	if s.IsIBD() {
		return false
	}
	return peerHeight > ourHeight+IBDThreshold
}

// EnterIBD transitions to bulk download against one designated peer.
func (s *SyncStatus) EnterIBD(target uint64, peerAddr string, ourHeight uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.machine.Event(context.Background(), eventStart); err != nil {
		return false
	}

	s.ibdPeer = peerAddr
	s.targetHeight.Store(target)
	s.downloadHeight.Store(ourHeight)
	s.blocksDownloaded.Store(0)
	s.stallRetries.Store(0)
	s.startedAt.Store(time.Now().Unix())
	s.lastBatchUnix.Store(time.Now().Unix())

	s.logger.Infof("entering IBD: target height %d via %s", target, peerAddr)
	return true
}

func (s *SyncStatus) ExitIBD() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.machine.Event(context.Background(), eventComplete); err != nil {
		return
	}

	elapsed := time.Now().Unix() - s.startedAt.Load()
	if elapsed < 1 {
		elapsed = 1
	}
	downloaded := s.blocksDownloaded.Load()
	s.logger.Infof("IBD complete: %d blocks in %ds (%d blocks/sec)", downloaded, elapsed, downloaded/uint64(elapsed))
	s.ibdPeer = ""
}

// AbortIBD returns to steady without the completion log, e.g. after the
// stall budget is spent. The next Tip or Handshake can re-enter.
func (s *SyncStatus) AbortIBD(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.machine.Event(context.Background(), eventAbort); err != nil {
		return
	}

	s.logger.Warnf("IBD aborted after %d blocks: %s", s.blocksDownloaded.Load(), reason)
	s.ibdPeer = ""
}

// UpdateProgress records an applied block.
func (s *SyncStatus) UpdateProgress(height uint64) {
	s.downloadHeight.Store(height)
	s.blocksDownloaded.Add(1)
	s.lastBatchUnix.Store(time.Now().Unix())
}

// IsStalled reports no batch progress within the stall timeout.
func (s *SyncStatus) IsStalled() bool {
	if !s.IsIBD() {
		return false
	}
	last := s.lastBatchUnix.Load()
	return time.Since(time.Unix(last, 0)) > IBDStallTimeout
}

// RecordStall bumps the stall counter; true means the retry budget is
// exhausted and IBD should abort.
func (s *SyncStatus) RecordStall() bool {
	retries := s.stallRetries.Add(1)
	s.logger.Warnf("IBD stall detected (retry %d/%d)", retries, IBDMaxStallRetries)
	// Reset the batch clock so one stall is counted once per timeout
	// window.
	s.lastBatchUnix.Store(time.Now().Unix())
	return retries >= IBDMaxStallRetries
}

// IsIBDPeer reports whether addr is the designated download source. Only
// its batches are consumed while in IBD.
func (s *SyncStatus) IsIBDPeer(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current() == stateIBD && s.ibdPeer == addr
}

func (s *SyncStatus) TargetHeight() uint64   { return s.targetHeight.Load() }
func (s *SyncStatus) DownloadHeight() uint64 { return s.downloadHeight.Load() }

// Snapshot is the RPC-visible sync state.
type Snapshot struct {
	State            string  `json:"state"`
	Syncing          bool    `json:"syncing"`
	TargetHeight     uint64  `json:"target_height"`
	DownloadHeight   uint64  `json:"download_height"`
	BlocksDownloaded uint64  `json:"blocks_downloaded"`
	ElapsedSecs      float64 `json:"elapsed_secs"`
	BlocksPerSec     float64 `json:"blocks_per_sec"`
	Percent          float64 `json:"percent"`
	StallRetries     uint32  `json:"stall_retries"`
	IBDPeer          string  `json:"ibd_peer,omitempty"`
}

func (s *SyncStatus) Snapshot() Snapshot {
	s.mu.Lock()
	state := s.machine.Current()
	peer := s.ibdPeer
	s.mu.Unlock()

	snap := Snapshot{
		State:            state,
		Syncing:          state == stateIBD,
		TargetHeight:     s.targetHeight.Load(),
		DownloadHeight:   s.downloadHeight.Load(),
		BlocksDownloaded: s.blocksDownloaded.Load(),
		StallRetries:     s.stallRetries.Load(),
		IBDPeer:          peer,
	}

	if snap.Syncing {
		elapsed := time.Since(time.Unix(s.startedAt.Load(), 0)).Seconds()
		snap.ElapsedSecs = elapsed
		if elapsed > 0 {
			snap.BlocksPerSec = float64(snap.BlocksDownloaded) / elapsed
		}
		if snap.TargetHeight > 0 {
			snap.Percent = float64(snap.DownloadHeight) / float64(snap.TargetHeight) * 100
			if snap.Percent > 100 {
				snap.Percent = 100
			}
		}
	}

	return snap
}
