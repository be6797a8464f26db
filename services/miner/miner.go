package miner

import (
	"context"
	"encoding/hex"
	"math/big"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zion-terranova/ziond/model"
	"github.com/zion-terranova/ziond/pkg/crypto"
	"github.com/zion-terranova/ziond/ulogger"
)

// Config for the CPU miner.
type Config struct {
	PoolAddr string
	Wallet   string
	Worker   string
	Algo     string
	Threads  int
}

// Miner runs proof-of-work searches against pool jobs across worker
// goroutines, each scanning a disjoint nonce range.
type Miner struct {
	logger ulogger.Logger
	config Config
	client *StratumClient

	hashes atomic.Uint64
	shares atomic.Uint64

	jobGen  atomic.Uint64
	jobMu   sync.RWMutex
	current *activeJob
}

type activeJob struct {
	gen    uint64
	job    *PoolJob
	blob   *model.TemplateBlob
	algo   crypto.Algorithm
	target *big.Int
}

func NewMiner(logger ulogger.Logger, config Config) *Miner {
	if config.Threads <= 0 {
		config.Threads = runtime.NumCPU()
	}
	if config.Worker == "" {
		config.Worker = "worker1"
	}
	if config.Algo == "" {
		config.Algo = crypto.AlgoCosmicHarmony.String()
	}

	login := config.Wallet + "." + config.Worker

	return &Miner{
		logger: logger,
		config: config,
		client: NewStratumClient(logger.New("stratum"), config.PoolAddr, login, "ziond-miner/2.9", config.Algo),
	}
}

// Start mines until ctx is cancelled.
func (m *Miner) Start(ctx context.Context) error {
	m.logger.Infof("miner starting: pool=%s wallet=%s threads=%d algo=%s",
		m.config.PoolAddr, m.config.Wallet, m.config.Threads, m.config.Algo)

	go m.client.Run(ctx)
	go m.reportHashrate(ctx)
	go m.consumeJobs(ctx)

	var wg sync.WaitGroup
	for i := 0; i < m.config.Threads; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			m.mineLoop(ctx, worker)
		}(i)
	}

	wg.Wait()
	return nil
}

func (m *Miner) consumeJobs(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-m.client.Jobs:
			blob, err := model.ParseTemplateBlob(job.Blob)
			if err != nil {
				m.logger.Warnf("job %s has unusable blob: %v", job.JobID, err)
				continue
			}

			target, ok := new(big.Int).SetString(job.Target, 16)
			if !ok {
				m.logger.Warnf("job %s has unusable target %q", job.JobID, job.Target)
				continue
			}

			algo, ok := crypto.ParseAlgorithm(job.Algo)
			if !ok {
				algo = crypto.AlgorithmForHeight(job.Height)
			}

			gen := m.jobGen.Add(1)
			m.jobMu.Lock()
			m.current = &activeJob{gen: gen, job: job, blob: blob, algo: algo, target: target}
			m.jobMu.Unlock()

			m.logger.Infof("new job %s: height=%d algo=%s", job.JobID, job.Height, algo)
		}
	}
}

// mineLoop scans nonces for the current job. Workers partition the nonce
// space by starting offset and striding by the thread count, so ranges
// never overlap.
func (m *Miner) mineLoop(ctx context.Context, worker int) {
	const checkInterval = 1024

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		m.jobMu.RLock()
		active := m.current
		m.jobMu.RUnlock()

		if active == nil {
			time.Sleep(250 * time.Millisecond)
			continue
		}

		nonce := uint64(worker)
		stride := uint64(m.config.Threads)

		for {
			for i := 0; i < checkInterval; i++ {
				header := active.blob.HeaderWithNonce(nonce)
				digest := crypto.HashPoW(header.Bytes(), active.algo)
				m.hashes.Add(1)

				if new(big.Int).SetBytes(digest[:]).Cmp(active.target) <= 0 {
					m.submitShare(active, nonce, digest)
				}

				nonce += stride
			}

			// Pick up replacement work between scan chunks.
			if m.jobGen.Load() != active.gen {
				break
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

func (m *Miner) submitShare(active *activeJob, nonce uint64, digest [32]byte) {
	nonceHex := strconv.FormatUint(nonce, 16)
	resultHex := hex.EncodeToString(digest[:])

	if err := m.client.Submit(active.job.JobID, nonceHex, resultHex); err != nil {
		m.logger.Warnf("share rejected: %v", err)
		return
	}

	m.shares.Add(1)
	m.logger.Infof("share accepted: job=%s nonce=%s", active.job.JobID, nonceHex)
}

func (m *Miner) reportHashrate(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := m.hashes.Load()
			rate := float64(total-last) / 30
			last = total
			m.logger.Infof("hashrate: %.1f H/s, shares accepted: %d", rate, m.shares.Load())
		}
	}
}
