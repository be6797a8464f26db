package pool

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zion-terranova/ziond/errors"
	"github.com/zion-terranova/ziond/pkg/crypto"
	"github.com/zion-terranova/ziond/services/rpc"
	"github.com/zion-terranova/ziond/ulogger"
)

// Config wires one pool instance.
type Config struct {
	NodeURL   string
	NodeToken string

	// RedisURL selects the production backend; empty falls back to the
	// in-process store (single-box development pools).
	RedisURL string

	StratumListen string

	// PoolWalletKey is the 64-char hex Ed25519 seed. It is required:
	// templates are requested for the pool wallet's address, so NewPool
	// fails without it.
	PoolWalletKey      string
	HumanitarianWallet string

	TemplateInterval time.Duration
	PPLNSWindow      int64
	JobTTL           time.Duration

	Stratum StratumConfig
	Payout  PayoutConfig
}

// Pool is the mining pool service: template polling, stratum serving,
// share processing and payouts.
type Pool struct {
	logger ulogger.Logger
	config Config

	node      *rpc.Client
	storage   Storage
	wallet    *PoolWallet
	jobs      *JobManager
	templates *TemplateManager
	pplns     *PPLNSCalculator
	maturity  *MaturityTracker
	processor *ShareProcessor
	stratum   *StratumServer
	payout    *PayoutManager
}

func NewPool(logger ulogger.Logger, config Config) (*Pool, error) {
	if config.HumanitarianWallet != "" && !crypto.ValidateAddressFormat(config.HumanitarianWallet) {
		return nil, errors.NewConfigurationError("invalid humanitarian wallet address")
	}

	node := rpc.NewClient(logger.New("rpcclient"), config.NodeURL, config.NodeToken)

	var storage Storage
	if config.RedisURL != "" {
		redisStorage, err := NewRedisStorage(logger.New("redis"), config.RedisURL)
		if err != nil {
			return nil, err
		}
		storage = redisStorage
	} else {
		logger.Warnf("no redis configured, using in-process pool storage")
		storage = NewMemoryStorage()
	}

	var poolWallet *PoolWallet
	if config.PoolWalletKey != "" {
		var err error
		poolWallet, err = NewPoolWallet(logger.New("wallet"), node, config.PoolWalletKey)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warnf("no pool wallet key configured, payouts disabled")
	}

	poolAddress := ""
	if poolWallet != nil {
		poolAddress = poolWallet.Address
	}
	if poolAddress == "" {
		return nil, errors.NewConfigurationError("pool wallet is required to request block templates")
	}

	jobs := NewJobManager(config.JobTTL)
	templates := NewTemplateManager(logger.New("templates"), node, poolAddress, config.TemplateInterval)
	pplns := NewPPLNSCalculator(logger.New("pplns"), storage, config.PPLNSWindow)
	maturity := NewMaturityTracker(logger.New("maturity"), storage, node)
	processor := NewShareProcessor(
		logger.New("shares"),
		jobs, templates, storage, node, pplns, maturity,
		poolAddress, config.HumanitarianWallet, poolWallet,
	)
	stratum := NewStratumServer(logger.New("stratum"), config.Stratum, jobs, templates, processor)
	payout := NewPayoutManager(logger.New("payout"), storage, node, poolWallet, maturity, config.Payout)

	return &Pool{
		logger:    logger,
		config:    config,
		node:      node,
		storage:   storage,
		wallet:    poolWallet,
		jobs:      jobs,
		templates: templates,
		pplns:     pplns,
		maturity:  maturity,
		processor: processor,
		stratum:   stratum,
		payout:    payout,
	}, nil
}

// Start runs all pool loops until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.storage.Ping(); err != nil {
		return errors.NewServiceError("pool storage unavailable: %v", err)
	}

	p.templates.OnChange(p.stratum.BroadcastTemplate)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p.templates.Start(ctx)
		return nil
	})
	g.Go(func() error {
		return p.stratum.Start(ctx)
	})
	g.Go(func() error {
		p.payout.Start(ctx)
		return nil
	})

	err := g.Wait()

	p.jobs.Stop()
	if closeErr := p.storage.Close(); closeErr != nil {
		p.logger.Warnf("closing pool storage: %v", closeErr)
	}
	return err
}
