package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zion-terranova/ziond/pkg/chaincfg"
	"github.com/zion-terranova/ziond/ulogger"
)

// shareHarness wires a ShareProcessor against fakes.
type shareHarness struct {
	node      *fakeNode
	storage   *MemoryStorage
	jobs      *JobManager
	templates *TemplateManager
	maturity  *MaturityTracker
	processor *ShareProcessor
}

func newShareHarness(t *testing.T) *shareHarness {
	t.Helper()

	node := newFakeNode()
	storage := NewMemoryStorage()
	jobs := NewJobManager(time.Minute)
	t.Cleanup(jobs.Stop)

	templates := NewTemplateManager(ulogger.TestLogger{}, node, poolTestAddress(100), time.Hour)
	pplns := NewPPLNSCalculator(ulogger.TestLogger{}, storage, 1000)
	maturity := NewMaturityTracker(ulogger.TestLogger{}, storage, node)
	processor := NewShareProcessor(
		ulogger.TestLogger{},
		jobs, templates, storage, node, pplns, maturity,
		poolTestAddress(100), "", nil,
	)

	return &shareHarness{
		node:      node,
		storage:   storage,
		jobs:      jobs,
		templates: templates,
		maturity:  maturity,
		processor: processor,
	}
}

func authedConn(shareDifficulty uint64) *Connection {
	conn := NewConnection("session-1", "127.0.0.1:5555", DefaultVarDiffConfig(), shareDifficulty)
	conn.State = StateAuthenticated
	conn.WalletAddress = poolTestAddress(1)
	return conn
}

func TestShareRejectsUnauthenticated(t *testing.T) {
	h := newShareHarness(t)
	conn := NewConnection("s", "a", DefaultVarDiffConfig(), 1)

	result := h.processor.Process(conn, "nope", "1", "")
	assert.False(t, result.Accepted)
	assert.Equal(t, RejectUnauthorized, result.Reason)
}

func TestShareRejectsUnknownJob(t *testing.T) {
	h := newShareHarness(t)
	conn := authedConn(1)

	result := h.processor.Process(conn, "does-not-exist", "1", "")
	assert.False(t, result.Accepted)
	assert.Equal(t, RejectJobNotFound, result.Reason)
}

func TestShareRejectsBadNonce(t *testing.T) {
	h := newShareHarness(t)
	conn := authedConn(1)
	job := h.jobs.NewJob(testTemplate(5, 1<<40))

	result := h.processor.Process(conn, job.ID, "not-hex", "")
	assert.False(t, result.Accepted)
	assert.Equal(t, RejectInvalidNonceFormat, result.Reason)
}

func TestShareAcceptedAtDifficultyOne(t *testing.T) {
	h := newShareHarness(t)
	// Share difficulty 1: every hash meets the share target. Network
	// difficulty is astronomical so this is not a block.
	conn := authedConn(1)
	job := h.jobs.NewJob(testTemplate(5, 1<<60))

	result := h.processor.Process(conn, job.ID, "1f", "")
	require.True(t, result.Accepted, "reason: %s", result.Reason)
	assert.False(t, result.IsBlock)
	assert.NotEmpty(t, result.HashHex)

	assert.Equal(t, uint64(1), conn.SharesAccepted)

	stats, err := h.storage.GetMinerStats(conn.WalletAddress)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Accepted)

	shares, err := h.storage.RecentShares(10)
	require.NoError(t, err)
	require.Len(t, shares, 1)
	assert.Equal(t, conn.WalletAddress, shares[0].MinerAddress)
	assert.Equal(t, job.Blob, shares[0].JobBlob)
}

func TestDuplicateShare(t *testing.T) {
	h := newShareHarness(t)
	conn := authedConn(1)
	job := h.jobs.NewJob(testTemplate(5, 1<<60))

	first := h.processor.Process(conn, job.ID, "2a", "")
	require.True(t, first.Accepted)

	second := h.processor.Process(conn, job.ID, "2a", "")
	assert.False(t, second.Accepted)
	assert.Equal(t, RejectDuplicateShare, second.Reason)

	// Counters record one accepted and one rejected.
	assert.Equal(t, uint64(1), conn.SharesAccepted)
	assert.Equal(t, uint64(1), conn.SharesRejected)
}

func TestDuplicateShareScopedPerSession(t *testing.T) {
	h := newShareHarness(t)
	job := h.jobs.NewJob(testTemplate(5, 1<<60))

	a := authedConn(1)
	b := authedConn(1)
	b.SessionID = "session-2"

	require.True(t, h.processor.Process(a, job.ID, "3c", "").Accepted)
	assert.True(t, h.processor.Process(b, job.ID, "3c", "").Accepted,
		"the same nonce from another session is not a duplicate")
}

func TestShareRejectsLowDifficulty(t *testing.T) {
	h := newShareHarness(t)
	// An impossible share difficulty: nothing passes.
	conn := authedConn(^uint64(0) / 1000)
	job := h.jobs.NewJob(testTemplate(5, 1<<60))

	result := h.processor.Process(conn, job.ID, "4d", "")
	assert.False(t, result.Accepted)
	assert.Equal(t, RejectLowDifficulty, result.Reason)
	assert.Equal(t, uint64(1), conn.SharesRejected)
}

func TestStaleJobRejected(t *testing.T) {
	h := newShareHarness(t)
	conn := authedConn(1)

	// Job for height 5, but the chain has moved to height 10.
	job := h.jobs.NewJob(testTemplate(5, 1<<60))
	h.node.template = testTemplate(10, 1<<60)
	h.templates.refresh()

	result := h.processor.Process(conn, job.ID, "5e", "")
	assert.False(t, result.Accepted)
	assert.Equal(t, RejectJobNotFound, result.Reason)
}

func TestBlockPath(t *testing.T) {
	h := newShareHarness(t)
	// Share and network difficulty both 1: the first hash is a block.
	conn := authedConn(1)
	job := h.jobs.NewJob(testTemplate(7, 1))

	result := h.processor.Process(conn, job.ID, "6f", "")
	require.True(t, result.Accepted)
	require.True(t, result.IsBlock)
	assert.True(t, result.BlockAccepted)

	// Submitted to the node.
	assert.Len(t, h.node.submittedBlocks, 1)

	// Registered for maturity.
	count, err := h.storage.PendingBlockCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// PPLNS credits locked against the block; the sole miner in the
	// window gets the whole miner share.
	blockHash := h.node.hashAtHeight[7]
	require.NotEmpty(t, blockHash)
	require.NoError(t, h.storage.UnlockBlockCredits(blockHash))

	pending, err := h.storage.PendingBalance(conn.WalletAddress)
	require.NoError(t, err)
	assert.Equal(t, chaincfg.MinerReward(7), pending)

	stats, err := h.storage.GetMinerStats(conn.WalletAddress)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Blocks)
}

func TestBlockPathNodeRejection(t *testing.T) {
	h := newShareHarness(t)
	h.node.acceptBlocks = false

	conn := authedConn(1)
	job := h.jobs.NewJob(testTemplate(7, 1))

	result := h.processor.Process(conn, job.ID, "7a", "")
	// Share accounting survives the node rejection.
	require.True(t, result.Accepted)
	assert.False(t, result.BlockAccepted)
	assert.Equal(t, uint64(1), conn.SharesAccepted)

	count, err := h.storage.PendingBlockCount()
	require.NoError(t, err)
	assert.Zero(t, count, "rejected block must not enter maturity tracking")
}
