package p2p

import (
	"sync"
	"time"
)

type PeerDirection int

const (
	DirectionInbound PeerDirection = iota
	DirectionOutbound
)

func (d PeerDirection) String() string {
	if d == DirectionInbound {
		return "inbound"
	}
	return "outbound"
}

// PeerInfo is the metadata kept for every known peer, connected or not.
type PeerInfo struct {
	Addr           string
	Height         uint64
	UserAgent      string
	LastSeen       uint64
	FailedAttempts uint32
	SuccessCount   uint32
}

// outbox carries messages to a peer's write loop. Gossip uses the bounded
// channel and may be dropped under pressure; replies to explicit Get*
// requests use the larger important channel, and a reply is dropped only
// when that channel stays full for the 10 second wait in SendImportant.
type outbox struct {
	gossip    chan *Message
	important chan *Message
}

// PeerManager tracks known peers, active connections and their directions.
// Each map has its own lock; mutators acquire briefly and always release
// before any channel operation.
type PeerManager struct {
	knownMu sync.Mutex
	known   map[string]*PeerInfo

	activeMu sync.Mutex
	active   map[string]*outbox

	dirMu      sync.Mutex
	directions map[string]PeerDirection
}

func NewPeerManager() *PeerManager {
	return &PeerManager{
		known:      make(map[string]*PeerInfo),
		active:     make(map[string]*outbox),
		directions: make(map[string]PeerDirection),
	}
}

func now() uint64 {
	return uint64(time.Now().Unix())
}

func (pm *PeerManager) AddPeer(addr string, info *PeerInfo) {
	pm.knownMu.Lock()
	defer pm.knownMu.Unlock()
	info.FailedAttempts = 0
	pm.known[addr] = info
}

func (pm *PeerManager) register(addr string, box *outbox, direction PeerDirection) {
	pm.activeMu.Lock()
	pm.active[addr] = box
	pm.activeMu.Unlock()

	pm.dirMu.Lock()
	pm.directions[addr] = direction
	pm.dirMu.Unlock()
}

func (pm *PeerManager) RemovePeer(addr string) {
	pm.activeMu.Lock()
	delete(pm.active, addr)
	pm.activeMu.Unlock()

	pm.dirMu.Lock()
	delete(pm.directions, addr)
	pm.dirMu.Unlock()
}

// ForgetPeer drops the peer from the known set as well.
func (pm *PeerManager) ForgetPeer(addr string) {
	pm.RemovePeer(addr)
	pm.knownMu.Lock()
	delete(pm.known, addr)
	pm.knownMu.Unlock()
}

func (pm *PeerManager) IsConnected(addr string) bool {
	pm.activeMu.Lock()
	defer pm.activeMu.Unlock()
	_, ok := pm.active[addr]
	return ok
}

func (pm *PeerManager) ActiveCount() int {
	pm.activeMu.Lock()
	defer pm.activeMu.Unlock()
	return len(pm.active)
}

func (pm *PeerManager) ActiveAddrs() []string {
	pm.activeMu.Lock()
	defer pm.activeMu.Unlock()
	addrs := make([]string, 0, len(pm.active))
	for a := range pm.active {
		addrs = append(addrs, a)
	}
	return addrs
}

func (pm *PeerManager) InboundCount() int {
	pm.dirMu.Lock()
	defer pm.dirMu.Unlock()
	count := 0
	for _, d := range pm.directions {
		if d == DirectionInbound {
			count++
		}
	}
	return count
}

// AllowInbound reserves slots for outbound peers so an attacker cannot fill
// every slot with inbound connections and eclipse the node.
func (pm *PeerManager) AllowInbound(maxTotal, reservedOutbound int) bool {
	if pm.ActiveCount() >= maxTotal {
		return false
	}
	maxInbound := maxTotal - reservedOutbound
	if maxInbound < 0 {
		maxInbound = 0
	}
	return pm.InboundCount() < maxInbound
}

// SendGossip enqueues a fire-and-forget message; a full channel drops it.
func (pm *PeerManager) SendGossip(addr string, msg *Message) bool {
	pm.activeMu.Lock()
	box, ok := pm.active[addr]
	pm.activeMu.Unlock()
	if !ok {
		return false
	}

	select {
	case box.gossip <- msg:
		return true
	default:
		return false
	}
}

// SendImportant enqueues a reply to an explicit request. Blocks until the
// write loop drains, with a bounded wait so a dead peer cannot wedge the
// caller.
func (pm *PeerManager) SendImportant(addr string, msg *Message) bool {
	pm.activeMu.Lock()
	box, ok := pm.active[addr]
	pm.activeMu.Unlock()
	if !ok {
		return false
	}

	select {
	case box.important <- msg:
		return true
	case <-time.After(10 * time.Second):
		return false
	}
}

// Broadcast gossips a message to every active peer.
func (pm *PeerManager) Broadcast(msg *Message) {
	for _, addr := range pm.ActiveAddrs() {
		pm.SendGossip(addr, msg)
	}
}

func (pm *PeerManager) GetPeers() []*PeerInfo {
	pm.knownMu.Lock()
	defer pm.knownMu.Unlock()
	peers := make([]*PeerInfo, 0, len(pm.known))
	for _, p := range pm.known {
		cp := *p
		peers = append(peers, &cp)
	}
	return peers
}

func (pm *PeerManager) UpdateLastSeen(addr string) {
	pm.knownMu.Lock()
	defer pm.knownMu.Unlock()
	if p, ok := pm.known[addr]; ok {
		p.LastSeen = now()
	}
}

func (pm *PeerManager) UpdatePeerHeight(addr string, height uint64) {
	pm.knownMu.Lock()
	defer pm.knownMu.Unlock()
	if p, ok := pm.known[addr]; ok {
		p.Height = height
		p.LastSeen = now()
	}
}

// StalePeers returns connected peers idle longer than timeout.
func (pm *PeerManager) StalePeers(timeout time.Duration) []string {
	cutoff := now() - uint64(timeout.Seconds())

	pm.knownMu.Lock()
	defer pm.knownMu.Unlock()

	var stale []string
	for addr, p := range pm.known {
		if p.LastSeen < cutoff && pm.IsConnectedNoKnownLock(addr) {
			stale = append(stale, addr)
		}
	}
	return stale
}

// IsConnectedNoKnownLock exists because StalePeers already holds knownMu;
// the active map has its own lock so this is safe.
func (pm *PeerManager) IsConnectedNoKnownLock(addr string) bool {
	pm.activeMu.Lock()
	defer pm.activeMu.Unlock()
	_, ok := pm.active[addr]
	return ok
}

func (pm *PeerManager) IncrementFailures(addr string) {
	pm.knownMu.Lock()
	defer pm.knownMu.Unlock()
	if p, ok := pm.known[addr]; ok {
		p.FailedAttempts++
		p.LastSeen = now()
	} else {
		pm.known[addr] = &PeerInfo{Addr: addr, FailedAttempts: 1, LastSeen: now()}
	}
}

func (pm *PeerManager) ResetFailures(addr string) {
	pm.knownMu.Lock()
	defer pm.knownMu.Unlock()
	if p, ok := pm.known[addr]; ok {
		p.FailedAttempts = 0
		p.SuccessCount++
	}
}

func (pm *PeerManager) Failures(addr string) uint32 {
	pm.knownMu.Lock()
	defer pm.knownMu.Unlock()
	if p, ok := pm.known[addr]; ok {
		return p.FailedAttempts
	}
	return 0
}

func (pm *PeerManager) LastSeen(addr string) uint64 {
	pm.knownMu.Lock()
	defer pm.knownMu.Unlock()
	if p, ok := pm.known[addr]; ok {
		return p.LastSeen
	}
	return 0
}

// ReconnectBackoff is min(30 * 2^failures, 300) seconds. Zero failures
// means immediately eligible.
func ReconnectBackoff(failures uint32) time.Duration {
	if failures == 0 {
		return 0
	}
	backoff := 30 * time.Second
	for i := uint32(0); i < failures && backoff < 300*time.Second; i++ {
		backoff *= 2
	}
	if backoff > 300*time.Second {
		backoff = 300 * time.Second
	}
	return backoff
}
