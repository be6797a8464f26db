package p2p

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"time"

	"github.com/zion-terranova/ziond/errors"
	"github.com/zion-terranova/ziond/pkg/chaincfg"
	"github.com/zion-terranova/ziond/services/blockchain"
	"github.com/zion-terranova/ziond/ulogger"
)

const (
	// UserAgent advertised in handshakes.
	UserAgent = "ziond/2.9"

	defaultGetBlocksLimit = 10

	gossipQueueSize    = 256
	importantQueueSize = 1024
)

// Config for the p2p service.
type Config struct {
	ListenAddr       string
	MaxPeers         int
	ReservedOutbound int
	PeerCachePath    string
	StaticPeers      []string
}

// Server runs the peer-to-peer engine: one read loop and one write loop per
// connection, gossip fan-out, and the IBD downloader.
type Server struct {
	logger ulogger.Logger
	params *chaincfg.Params
	chain  *blockchain.Blockchain
	config Config

	peers *PeerManager
	sync  *SyncStatus

	// localNonce detects accidental self-connections during handshake.
	localNonce uint64
}

func NewServer(logger ulogger.Logger, params *chaincfg.Params, chain *blockchain.Blockchain, config Config) *Server {
	if config.MaxPeers <= 0 {
		config.MaxPeers = 32
	}
	if config.ReservedOutbound <= 0 {
		config.ReservedOutbound = 8
	}

	var nonce [8]byte
	_, _ = rand.Read(nonce[:])

	return &Server{
		logger:     logger,
		params:     params,
		chain:      chain,
		config:     config,
		peers:      NewPeerManager(),
		sync:       NewSyncStatus(logger.New("sync")),
		localNonce: binary.LittleEndian.Uint64(nonce[:]),
	}
}

func (s *Server) Peers() *PeerManager  { return s.peers }
func (s *Server) Sync() *SyncStatus    { return s.sync }
func (s *Server) ActivePeerCount() int { return s.peers.ActiveCount() }

// Start listens, bootstraps outbound connections and runs until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return errors.NewServiceError("p2p listen on %s: %v", s.config.ListenAddr, err)
	}
	s.logger.Infof("p2p listening on %s (%s)", s.config.ListenAddr, s.params.Name)

	// Chain events fan out as gossip announcements.
	s.chain.Subscribe(func(n blockchain.Notification) {
		if n.Block != nil {
			s.peers.Broadcast(mustMessage(MsgNewBlock, NewBlock{Height: n.Block.Height(), Hash: n.Block.Hash()}))
		}
		if n.Tx != nil {
			s.peers.Broadcast(mustMessage(MsgNewTx, NewTx{ID: n.Tx.ID}))
		}
	})

	go s.acceptLoop(ctx, listener)
	go s.heartbeat(ctx)
	go s.bootstrap(ctx)

	<-ctx.Done()
	_ = listener.Close()
	s.savePeerCache()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Warnf("accept: %v", err)
				continue
			}
		}

		if !s.peers.AllowInbound(s.config.MaxPeers, s.config.ReservedOutbound) {
			s.logger.Debugf("inbound slots full, dropping %s", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		go s.handleConnection(ctx, conn, DirectionInbound)
	}
}

// bootstrap loads the peer cache and probes seeds, then dials everything
// reachable.
func (s *Server) bootstrap(ctx context.Context) {
	cached := s.loadPeerCache()
	seeds := DiscoverSeeds(ctx, s.logger, s.params.SeedNodes)

	targets := append(append([]string{}, s.config.StaticPeers...), cached...)
	targets = append(targets, seeds...)

	seen := make(map[string]bool)
	for _, addr := range targets {
		if seen[addr] || addr == s.config.ListenAddr {
			continue
		}
		seen[addr] = true
		go s.Connect(ctx, addr)
	}

	if len(targets) == 0 {
		s.logger.Warnf("no bootstrap peers available, serving inbound only")
	}
}

// Connect dials an outbound peer and runs the connection to completion.
func (s *Server) Connect(ctx context.Context, addr string) {
	if s.peers.IsConnected(addr) {
		return
	}
	if s.peers.ActiveCount() >= s.config.MaxPeers {
		return
	}

	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		s.peers.IncrementFailures(addr)
		s.logger.Debugf("dial %s: %v", addr, err)
		return
	}

	s.handleConnection(ctx, conn, DirectionOutbound)
}

// handleConnection performs the handshake, registers the peer and pumps the
// read and write loops until either side goes away.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn, direction PeerDirection) {
	addr := conn.RemoteAddr().String()

	defer func() {
		_ = conn.Close()
		s.peers.RemovePeer(addr)
		if s.sync.IsIBDPeer(addr) {
			s.sync.AbortIBD("IBD peer disconnected")
		}
	}()

	reader := bufio.NewReaderSize(conn, 1<<16)

	peerInfo, err := s.handshake(conn, reader, direction)
	if err != nil {
		s.peers.IncrementFailures(addr)
		s.logger.Debugf("handshake with %s failed: %v", addr, err)
		return
	}

	box := &outbox{
		gossip:    make(chan *Message, gossipQueueSize),
		important: make(chan *Message, importantQueueSize),
	}
	s.peers.register(addr, box, direction)
	s.peers.AddPeer(addr, &PeerInfo{
		Addr:      addr,
		Height:    peerInfo.Height,
		UserAgent: peerInfo.Agent,
		LastSeen:  now(),
	})
	s.peers.ResetFailures(addr)

	s.logger.Infof("peer connected: %s (%s, height %d, %s)", addr, peerInfo.Agent, peerInfo.Height, direction)

	// Writer drains the important queue ahead of gossip.
	writeCtx, cancelWrite := context.WithCancel(ctx)
	defer cancelWrite()
	go s.writeLoop(writeCtx, conn, box, addr)

	s.maybeEnterIBD(addr, peerInfo.Height)

	for {
		maxSize := MaxMessageSize
		if s.sync.IsIBD() {
			maxSize = MaxMessageSizeIBD
		}

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		msg, err := ReadMessage(reader, maxSize)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				s.logger.Debugf("read from %s: %v", addr, err)
			}
			return
		}

		s.peers.UpdateLastSeen(addr)
		s.handleMessage(addr, msg)
	}
}

func (s *Server) writeLoop(ctx context.Context, conn net.Conn, box *outbox, addr string) {
	for {
		var msg *Message

		// Important messages drain first.
		select {
		case msg = <-box.important:
		default:
			select {
			case msg = <-box.important:
			case msg = <-box.gossip:
			case <-ctx.Done():
				return
			}
		}

		_ = conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		if err := WriteMessage(conn, msg); err != nil {
			s.logger.Debugf("write to %s: %v", addr, err)
			return
		}
	}
}

// handshake exchanges Handshake/HandshakeAck and enforces network magic,
// protocol version and loopback rejection.
func (s *Server) handshake(conn net.Conn, reader *bufio.Reader, direction PeerDirection) (*Handshake, error) {
	tipHeight, _, _ := s.chain.Tip()

	ours := Handshake{
		Version: chaincfg.ProtocolVersion,
		Agent:   UserAgent,
		Height:  tipHeight,
		Network: s.params.Magic,
		Nonce:   s.localNonce,
	}

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetDeadline(time.Time{})

	if direction == DirectionOutbound {
		if err := WriteMessage(conn, mustMessage(MsgHandshake, ours)); err != nil {
			return nil, err
		}
	}

	msg, err := ReadMessage(reader, MaxMessageSize)
	if err != nil {
		return nil, err
	}
	if msg.Type != MsgHandshake {
		return nil, errors.NewNetworkPeerError("expected handshake, got %s", msg.Type)
	}

	var theirs Handshake
	if err := msg.Decode(&theirs); err != nil {
		return nil, err
	}

	if theirs.Network != s.params.Magic {
		return nil, errors.NewNetworkPeerError("network mismatch: %s != %s", theirs.Network, s.params.Magic)
	}
	if theirs.Version != chaincfg.ProtocolVersion {
		return nil, errors.NewNetworkPeerError("version mismatch: %d != %d", theirs.Version, chaincfg.ProtocolVersion)
	}
	if theirs.Nonce == s.localNonce {
		return nil, errors.NewNetworkPeerError("connected to self")
	}

	if direction == DirectionInbound {
		if err := WriteMessage(conn, mustMessage(MsgHandshake, ours)); err != nil {
			return nil, err
		}
	}

	ack := HandshakeAck{Version: chaincfg.ProtocolVersion, Height: tipHeight, Nonce: s.localNonce}
	if err := WriteMessage(conn, mustMessage(MsgHandshakeAck, ack)); err != nil {
		return nil, err
	}

	// The peer's ack carries its (possibly newer) height.
	ackMsg, err := ReadMessage(reader, MaxMessageSize)
	if err != nil {
		return nil, err
	}
	if ackMsg.Type == MsgHandshakeAck {
		var theirAck HandshakeAck
		if err := ackMsg.Decode(&theirAck); err == nil && theirAck.Height > theirs.Height {
			theirs.Height = theirAck.Height
		}
	}

	return &theirs, nil
}

// maybeEnterIBD starts bulk download when a peer is far ahead.
func (s *Server) maybeEnterIBD(addr string, peerHeight uint64) {
	ourHeight, _, err := s.chain.Tip()
	if err != nil {
		return
	}
	if !s.sync.ShouldEnterIBD(ourHeight, peerHeight) {
		return
	}
	if !s.sync.EnterIBD(peerHeight, addr, ourHeight) {
		return
	}

	s.requestIBDBatch(addr, ourHeight+1)
}

func (s *Server) requestIBDBatch(addr string, fromHeight uint64) {
	s.peers.SendImportant(addr, mustMessage(MsgGetBlocksIBD, GetBlocksIBD{
		FromHeight: fromHeight,
		Limit:      IBDBatchSize,
	}))
}

func (s *Server) handleMessage(addr string, msg *Message) {
	switch msg.Type {
	case MsgNewBlock:
		var p NewBlock
		if msg.Decode(&p) != nil {
			return
		}
		s.peers.UpdatePeerHeight(addr, p.Height)
		if s.sync.IsIBD() {
			return
		}
		ourHeight, _, err := s.chain.Tip()
		if err != nil || p.Height <= ourHeight {
			return
		}
		if s.sync.ShouldEnterIBD(ourHeight, p.Height) {
			s.maybeEnterIBD(addr, p.Height)
			return
		}
		s.peers.SendImportant(addr, mustMessage(MsgGetBlocks, GetBlocks{FromHeight: ourHeight + 1, Limit: defaultGetBlocksLimit}))

	case MsgNewTx:
		var p NewTx
		if msg.Decode(&p) != nil {
			return
		}
		if s.chain.Mempool().GetTransaction(p.ID) != nil {
			return
		}
		s.peers.SendImportant(addr, mustMessage(MsgGetTx, GetTx{ID: p.ID}))

	case MsgGetBlocks:
		var p GetBlocks
		if msg.Decode(&p) != nil {
			return
		}
		limit := p.Limit
		if limit == 0 || limit > defaultGetBlocksLimit*10 {
			limit = defaultGetBlocksLimit
		}
		blocks, err := s.chain.Store().GetBlocksInRange(p.FromHeight, p.FromHeight+uint64(limit)-1)
		if err != nil {
			return
		}
		s.peers.SendImportant(addr, mustMessage(MsgBlocks, Blocks{Blocks: blocks}))

	case MsgBlocks:
		var p Blocks
		if msg.Decode(&p) != nil {
			return
		}
		if len(p.Blocks) == 0 {
			return
		}
		if err := s.chain.ProcessBlocks(p.Blocks); err != nil && !errors.Is(err, errors.New(errors.ErrBlockExists, "")) {
			s.logger.Debugf("blocks from %s rejected: %v", addr, err)
		}

	case MsgGetBlocksIBD:
		var p GetBlocksIBD
		if msg.Decode(&p) != nil {
			return
		}
		limit := p.Limit
		if limit == 0 || limit > IBDBatchSize {
			limit = IBDBatchSize
		}
		tipHeight, _, err := s.chain.Tip()
		if err != nil || p.FromHeight > tipHeight {
			s.peers.SendImportant(addr, mustMessage(MsgBlocksIBD, BlocksIBD{Blocks: nil, Remaining: 0}))
			return
		}
		end := p.FromHeight + uint64(limit) - 1
		if end > tipHeight {
			end = tipHeight
		}
		blocks, err := s.chain.Store().GetBlocksInRange(p.FromHeight, end)
		if err != nil {
			return
		}
		s.peers.SendImportant(addr, mustMessage(MsgBlocksIBD, BlocksIBD{
			Blocks:    blocks,
			Remaining: tipHeight - end,
		}))

	case MsgBlocksIBD:
		s.handleBlocksIBD(addr, msg)

	case MsgGetTx:
		var p GetTx
		if msg.Decode(&p) != nil {
			return
		}
		if tx := s.chain.Mempool().GetTransaction(p.ID); tx != nil {
			s.peers.SendImportant(addr, mustMessage(MsgTx, Tx{Transaction: tx}))
		}

	case MsgTx:
		var p Tx
		if msg.Decode(&p) != nil || p.Transaction == nil {
			return
		}
		if err := s.chain.ProcessTransaction(p.Transaction); err != nil {
			s.logger.Debugf("tx %s from %s rejected: %v", p.Transaction.ID, addr, err)
		}

	case MsgGetTip:
		height, hash, err := s.chain.Tip()
		if err != nil {
			return
		}
		s.peers.SendImportant(addr, mustMessage(MsgTip, Tip{Height: height, Hash: hash}))

	case MsgTip:
		var p Tip
		if msg.Decode(&p) != nil {
			return
		}
		s.peers.UpdatePeerHeight(addr, p.Height)
		s.maybeEnterIBD(addr, p.Height)

	default:
		s.logger.Debugf("unknown message type %q from %s", msg.Type, addr)
	}
}

// handleBlocksIBD consumes a batch from the designated IBD peer, applies it
// in order and requests the next one.
func (s *Server) handleBlocksIBD(addr string, msg *Message) {
	if !s.sync.IsIBDPeer(addr) {
		// Only the designated peer's batches are consumed during IBD.
		return
	}

	var p BlocksIBD
	if msg.Decode(&p) != nil {
		return
	}

	if len(p.Blocks) == 0 {
		s.sync.ExitIBD()
		return
	}

	var applied uint64
	for _, blk := range p.Blocks {
		if err := s.chain.ProcessBlock(blk); err != nil {
			if errors.Is(err, errors.New(errors.ErrBlockExists, "")) {
				continue
			}
			s.logger.Warnf("IBD batch apply failed at height %d: %v", blk.Height(), err)
			s.sync.AbortIBD("invalid batch")
			return
		}
		applied = blk.Height()
		s.sync.UpdateProgress(applied)
	}

	ourHeight, _, err := s.chain.Tip()
	if err != nil {
		s.sync.AbortIBD("tip unreadable")
		return
	}

	if p.Remaining == 0 || ourHeight >= s.sync.TargetHeight() {
		s.sync.ExitIBD()
		return
	}

	s.requestIBDBatch(addr, ourHeight+1)
}

// OnStall drives the heartbeat's stall recovery: re-request below the retry
// budget, abort at it.
func (s *Server) OnStall() {
	if !s.sync.IsStalled() {
		return
	}
	if s.sync.RecordStall() {
		s.sync.AbortIBD("max stall retries exceeded")
		return
	}
	from := s.sync.DownloadHeight() + 1
	s.logger.Warnf("IBD stalled, re-requesting from height %d", from)
	s.peers.Broadcast(mustMessage(MsgGetBlocksIBD, GetBlocksIBD{FromHeight: from, Limit: IBDBatchSize}))
}
