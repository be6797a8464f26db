package pool

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/zion-terranova/ziond/pkg/crypto"
)

// ConnectionState is the per-session lifecycle.
type ConnectionState int

const (
	StateConnected ConnectionState = iota
	StateSubscribed
	StateAuthenticated
	StateDisconnecting
)

// Protocol is the detected miner dialect. Detection happens on the first
// method seen and is sticky for the life of the connection.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolXMRig            // login / submit / keepalived / getjob
	ProtocolStratum          // mining.subscribe / mining.authorize / mining.submit
)

// Connection tracks one stratum session.
type Connection struct {
	mu sync.Mutex

	SessionID string
	RemoteAddr string

	State    ConnectionState
	Protocol Protocol

	WalletAddress string
	WorkerName    string
	Algorithm     crypto.Algorithm
	UserAgent     string

	SubscriptionID string
	// Extranonce1 is the per-session 4-byte hex prefix miners roll their
	// extranonce2 behind.
	Extranonce1 string

	Difficulty   uint64
	CurrentJobID string

	SharesSubmitted uint64
	SharesAccepted  uint64
	SharesRejected  uint64

	VarDiff *VarDiffState

	lastActivity time.Time
	connectedAt  time.Time

	// Outbound carries server-initiated lines (jobs, difficulty) to the
	// connection's writer.
	Outbound chan string
}

func NewConnection(sessionID, remoteAddr string, vardiffCfg VarDiffConfig, defaultDifficulty uint64) *Connection {
	now := time.Now()

	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))

	return &Connection{
		SessionID:    sessionID,
		RemoteAddr:   remoteAddr,
		State:        StateConnected,
		Protocol:     ProtocolUnknown,
		Extranonce1:  fmt.Sprintf("%08x", h.Sum32()),
		Difficulty:   defaultDifficulty,
		VarDiff:      NewVarDiffState(vardiffCfg),
		lastActivity: now,
		connectedAt:  now,
		Outbound:     make(chan string, 64),
	}
}

// Touch refreshes the idle clock.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// IsStale reports idleness beyond the timeout.
func (c *Connection) IsStale(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity) > timeout
}

func (c *Connection) Uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.connectedAt)
}

// RecordShare bumps the session counters.
func (c *Connection) RecordShare(accepted bool) {
	c.mu.Lock()
	c.SharesSubmitted++
	if accepted {
		c.SharesAccepted++
	} else {
		c.SharesRejected++
	}
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// WorkerID is "wallet.worker", or just the wallet with no worker name.
func (c *Connection) WorkerID() string {
	if c.WorkerName == "" {
		return c.WalletAddress
	}
	return c.WalletAddress + "." + c.WorkerName
}

// Send enqueues a server-initiated line, dropping when the writer is wedged
// so a dead miner cannot block job fan-out.
func (c *Connection) Send(line string) bool {
	select {
	case c.Outbound <- line:
		return true
	default:
		return false
	}
}
