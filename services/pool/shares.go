package pool

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/zion-terranova/ziond/model"
	"github.com/zion-terranova/ziond/pkg/chaincfg"
	"github.com/zion-terranova/ziond/pkg/crypto"
	"github.com/zion-terranova/ziond/ulogger"
	"github.com/zion-terranova/ziond/util/retry"
)

// Rejection reasons, returned verbatim in submit responses.
const (
	RejectJobNotFound        = "job_not_found"
	RejectLowDifficulty      = "low_difficulty"
	RejectDuplicateShare     = "duplicate_share"
	RejectUnauthorized       = "unauthorized"
	RejectInvalidNonceFormat = "invalid_nonce_format"
)

// jobHeightLookahead tolerates a job for the block right after the current
// template, which happens while the template poll races a new tip.
const jobHeightLookahead = 1

// ShareResult is the outcome of one submission.
type ShareResult struct {
	Accepted        bool
	Reason          string
	IsBlock         bool
	BlockAccepted   bool
	HashHex         string
	ShareDifficulty uint64
}

// ShareProcessor validates submissions, persists accepted shares and runs
// the block path when a share also meets the network target.
type ShareProcessor struct {
	logger    ulogger.Logger
	jobs      *JobManager
	templates *TemplateManager
	storage   Storage
	node      NodeClient
	pplns     *PPLNSCalculator
	maturity  *MaturityTracker

	poolWallet         string
	humanitarianWallet string
	poolWalletSigner   *PoolWallet
}

func NewShareProcessor(
	logger ulogger.Logger,
	jobs *JobManager,
	templates *TemplateManager,
	storage Storage,
	node NodeClient,
	pplns *PPLNSCalculator,
	maturity *MaturityTracker,
	poolWallet, humanitarianWallet string,
	signer *PoolWallet,
) *ShareProcessor {
	return &ShareProcessor{
		logger:             logger,
		jobs:               jobs,
		templates:          templates,
		storage:            storage,
		node:               node,
		pplns:              pplns,
		maturity:           maturity,
		poolWallet:         poolWallet,
		humanitarianWallet: humanitarianWallet,
		poolWalletSigner:   signer,
	}
}

// Process runs the full share pipeline for one submission. The returned
// result always carries a reject reason when not accepted; infrastructure
// failures degrade to logged errors rather than dropping the miner.
func (sp *ShareProcessor) Process(conn *Connection, jobID, nonceHex, resultHex string) *ShareResult {
	if conn.State != StateAuthenticated {
		return &ShareResult{Reason: RejectUnauthorized}
	}

	job := sp.jobs.GetJob(jobID)
	if job == nil {
		return &ShareResult{Reason: RejectJobNotFound}
	}

	// A job for a height already left behind by the chain is stale.
	if currentHeight := sp.templates.Height(); currentHeight > 0 && job.Height+jobHeightLookahead < currentHeight {
		return &ShareResult{Reason: RejectJobNotFound}
	}

	nonceHex = strings.TrimPrefix(strings.ToLower(nonceHex), "0x")
	nonce, err := strconv.ParseUint(nonceHex, 16, 64)
	if err != nil {
		return &ShareResult{Reason: RejectInvalidNonceFormat}
	}

	if !sp.jobs.MarkSubmission(conn.SessionID, jobID, nonceHex) {
		sp.recordOutcome(conn, false)
		return &ShareResult{Reason: RejectDuplicateShare}
	}

	// Recompute the proof of work from the job blob and submitted nonce.
	// The miner-reported result hash is advisory; the pool trusts only its
	// own computation.
	blob, err := model.ParseTemplateBlob(job.Blob)
	if err != nil {
		sp.logger.Errorf("job %s has an unparseable blob: %v", jobID, err)
		return &ShareResult{Reason: RejectJobNotFound}
	}

	header := blob.HeaderWithNonce(nonce)
	digest := crypto.HashPoW(header.Bytes(), job.Algorithm)
	hashHex := hex.EncodeToString(digest[:])

	if resultHex != "" && !strings.EqualFold(strings.TrimPrefix(resultHex, "0x"), hashHex) {
		sp.logger.Debugf("miner %s reported a different result hash for job %s", conn.WorkerID(), jobID)
	}

	shareDifficulty := conn.Difficulty
	if !crypto.HashMeetsTarget(digest, shareDifficulty) {
		sp.recordOutcome(conn, false)
		return &ShareResult{Reason: RejectLowDifficulty, HashHex: hashHex, ShareDifficulty: shareDifficulty}
	}

	isBlock := crypto.HashMeetsTarget(digest, job.Difficulty)

	share := &Share{
		JobID:             jobID,
		MinerAddress:      conn.WalletAddress,
		Nonce:             nonceHex,
		Hash:              hashHex,
		ShareDifficulty:   shareDifficulty,
		NetworkDifficulty: job.Difficulty,
		Algorithm:         job.Algorithm.String(),
		Timestamp:         time.Now().Unix(),
		IsBlock:           isBlock,
		JobBlob:           job.Blob,
		Height:            job.Height,
	}

	if err := sp.storage.StoreShare(share); err != nil {
		sp.logger.Errorf("storing share: %v", err)
	}
	sp.recordOutcome(conn, true)

	result := &ShareResult{
		Accepted:        true,
		IsBlock:         isBlock,
		HashHex:         hashHex,
		ShareDifficulty: shareDifficulty,
	}

	if isBlock {
		result.BlockAccepted = sp.handleBlockFound(share, nonce)
	}

	return result
}

func (sp *ShareProcessor) recordOutcome(conn *Connection, accepted bool) {
	conn.RecordShare(accepted)
	if conn.WalletAddress != "" {
		if err := sp.storage.IncrementMinerShare(conn.WalletAddress, accepted); err != nil {
			sp.logger.Errorf("updating miner counters: %v", err)
		}
	}
}

// handleBlockFound runs the block path: submit to the node, register for
// maturity, lock the PPLNS distribution and schedule the tithe. Share
// accounting is never unwound on a rejected submit; the share remains a
// valid (non-block) share.
func (sp *ShareProcessor) handleBlockFound(share *Share, nonce uint64) bool {
	sp.logger.Infof("BLOCK FOUND by %s at height %d, hash %.16s", share.MinerAddress, share.Height, share.Hash)

	submitted, err := sp.node.SubmitBlock(share.JobBlob, nonce, sp.poolWallet)
	if err != nil {
		sp.logger.Errorf("block submit failed: %v", err)
		share.IsBlock = false
		return false
	}
	if !submitted.Accepted {
		sp.logger.Warnf("block candidate rejected by node: %s", submitted.Message)
		share.IsBlock = false
		return false
	}

	blockHash := submitted.Hash
	if blockHash == "" {
		blockHash = share.Hash
	}

	reward := chaincfg.BlockReward(share.Height)

	if err := sp.maturity.RecordFoundBlock(share.Height, blockHash, reward); err != nil {
		sp.logger.Errorf("recording found block: %v", err)
	}

	if err := sp.pplns.CreditBlock(blockHash, chaincfg.MinerReward(share.Height)); err != nil {
		sp.logger.Errorf("crediting PPLNS distribution: %v", err)
	}

	if err := sp.storage.IncrementMinerBlocks(share.MinerAddress); err != nil {
		sp.logger.Errorf("updating miner block counter: %v", err)
	}

	sp.scheduleTithe(share.Height)

	return true
}

// scheduleTithe transfers the humanitarian share of the reward, retrying
// with exponential backoff up to three attempts. Runs detached so a slow
// node never blocks share processing.
func (sp *ShareProcessor) scheduleTithe(height uint64) {
	if sp.humanitarianWallet == "" || sp.poolWalletSigner == nil {
		return
	}
	amount := chaincfg.TitheReward(height)
	if amount == 0 {
		return
	}

	go func() {
		err := retry.Retry(context.Background(), sp.logger, func() error {
			txID, err := sp.poolWalletSigner.SendSingle(sp.humanitarianWallet, amount)
			if err != nil {
				return err
			}
			sp.logger.Infof("humanitarian tithe sent: %d atomic to %s (tx %s)", amount, sp.humanitarianWallet, txID)
			return nil
		},
			retry.WithRetryCount(3),
			retry.WithExponentialBackoff(),
			retry.WithMessage("humanitarian tithe: "),
		)
		if err != nil {
			sp.logger.Errorf("humanitarian tithe failed after retries: %v", err)
		}
	}()
}
