package pool

import (
	"context"
	"sort"
	"time"

	"github.com/zion-terranova/ziond/pkg/wallet"
	"github.com/zion-terranova/ziond/ulogger"
)

// PayoutConfig tunes the payout cycle.
type PayoutConfig struct {
	MinPayoutAtomic uint64
	// MaxPayoutPerTx caps one recipient per cycle; zero means uncapped.
	MaxPayoutPerTx uint64
	Interval       time.Duration
	BatchLimit     int
	ConfirmTimeout time.Duration
}

func DefaultPayoutConfig() PayoutConfig {
	return PayoutConfig{
		MinPayoutAtomic: 1_000_000, // 1 ZION
		MaxPayoutPerTx:  0,
		Interval:        5 * time.Minute,
		BatchLimit:      50,
		ConfirmTimeout:  time.Hour,
	}
}

// PayoutManager drains mature pending balances into batched signed
// transactions and walks sent payments to confirmed or failed.
type PayoutManager struct {
	logger   ulogger.Logger
	storage  Storage
	node     NodeClient
	wallet   *PoolWallet
	maturity *MaturityTracker
	config   PayoutConfig
}

func NewPayoutManager(logger ulogger.Logger, storage Storage, node NodeClient, poolWallet *PoolWallet, maturity *MaturityTracker, config PayoutConfig) *PayoutManager {
	if config.BatchLimit <= 0 {
		config.BatchLimit = 50
	}
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	return &PayoutManager{
		logger:   logger,
		storage:  storage,
		node:     node,
		wallet:   poolWallet,
		maturity: maturity,
		config:   config,
	}
}

// Start runs payout cycles until ctx is cancelled.
func (pm *PayoutManager) Start(ctx context.Context) {
	ticker := time.NewTicker(pm.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.RunCycle()
		}
	}
}

// RunCycle is one full pass: mature blocks, confirm sent payments, then
// pay eligible miners.
func (pm *PayoutManager) RunCycle() {
	if _, err := pm.maturity.CheckMaturity(); err != nil {
		pm.logger.Warnf("maturity check: %v", err)
	}
	if err := pm.ConfirmSentPayouts(); err != nil {
		pm.logger.Warnf("payout confirmation: %v", err)
	}
	if err := pm.ProcessPayouts(); err != nil {
		pm.logger.Warnf("payout processing: %v", err)
	}
}

// ProcessPayouts pays every miner whose mature pending balance clears the
// minimum, batched into one signed transaction. A candidate the pool
// balance cannot cover is skipped, not fatal: smaller candidates may still
// fit.
func (pm *PayoutManager) ProcessPayouts() error {
	candidates, err := pm.storage.PayoutCandidates(pm.config.MinPayoutAtomic, pm.config.BatchLimit)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	poolBalance, err := pm.wallet.Balance()
	if err != nil {
		return err
	}
	if poolBalance == 0 {
		pm.logger.Warnf("payout skipped: pool balance is zero (%d candidates waiting)", len(candidates))
		return nil
	}

	// Deterministic order keeps cycles reproducible.
	addrs := make([]string, 0, len(candidates))
	for addr := range candidates {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var recipients []wallet.Recipient
	remaining := poolBalance
	for _, addr := range addrs {
		payable := candidates[addr]
		if pm.config.MaxPayoutPerTx > 0 && payable > pm.config.MaxPayoutPerTx {
			payable = pm.config.MaxPayoutPerTx
		}
		if payable < pm.config.MinPayoutAtomic {
			continue
		}
		if payable > remaining {
			pm.logger.Infof("skipping %s: needs %d, pool has %d left", addr, payable, remaining)
			continue
		}
		recipients = append(recipients, wallet.Recipient{Address: addr, Amount: payable})
		remaining -= payable
	}

	if len(recipients) == 0 {
		return nil
	}

	result, err := pm.wallet.SendBatch(recipients)
	if err != nil {
		return err
	}

	for _, r := range recipients {
		if _, err := pm.storage.CreatePayoutRecord(r.Address, r.Amount, result.Transaction.ID); err != nil {
			pm.logger.Errorf("recording payout for %s: %v", r.Address, err)
		}
		if err := pm.storage.DebitPending(r.Address, r.Amount); err != nil {
			pm.logger.Errorf("debiting pending for %s: %v", r.Address, err)
		}
	}

	pm.logger.Infof("payout sent: %d recipients, %d atomic total, tx %s",
		len(recipients), result.TotalSent, result.Transaction.ID)
	return nil
}

// ConfirmSentPayouts promotes sent records to confirmed once their
// transaction lands in a block, or to failed after the confirmation
// timeout.
func (pm *PayoutManager) ConfirmSentPayouts() error {
	records, err := pm.storage.SentPayoutRecords(pm.config.BatchLimit)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	for _, rec := range records {
		if rec.TxID == "" {
			continue
		}

		tx, err := pm.node.GetTransaction(rec.TxID)
		if err == nil {
			if _, confirmed := tx["block_height"]; confirmed {
				if err := pm.storage.MarkPayoutConfirmed(rec.ID); err != nil {
					pm.logger.Errorf("confirming payout %d: %v", rec.ID, err)
				} else {
					pm.logger.Infof("payout %d confirmed (tx %s)", rec.ID, rec.TxID)
				}
				continue
			}
		}

		if pm.config.ConfirmTimeout > 0 && rec.UpdatedTS > 0 {
			age := time.Duration(now-rec.UpdatedTS) * time.Second
			if age >= pm.config.ConfirmTimeout {
				reason := "confirmation timeout"
				if err != nil {
					reason = err.Error()
				}
				if err := pm.storage.MarkPayoutFailed(rec.ID, reason); err != nil {
					pm.logger.Errorf("failing payout %d: %v", rec.ID, err)
				} else {
					pm.logger.Warnf("payout %d marked failed after %s (tx %s)", rec.ID, age, rec.TxID)
				}
			}
		}
	}

	return nil
}
