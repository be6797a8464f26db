package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ordishs/gocore"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/zion-terranova/ziond/pkg/chaincfg"
	"github.com/zion-terranova/ziond/services/blockchain"
	"github.com/zion-terranova/ziond/services/miner"
	"github.com/zion-terranova/ziond/services/p2p"
	"github.com/zion-terranova/ziond/services/pool"
	"github.com/zion-terranova/ziond/services/rpc"
	blockchainstore "github.com/zion-terranova/ziond/stores/blockchain"
	"github.com/zion-terranova/ziond/stores/blockchain/leveldb"
	"github.com/zion-terranova/ziond/ulogger"
)

const progname = "ziond"

// Version and commit are injected at build with -ldflags -X.
var version string
var commit string

func main() {
	gocore.SetInfo(progname, version, commit)

	app := &cli.App{
		Name:  progname,
		Usage: "ZION full node, mining pool and miner",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "network",
				Usage: "mainnet or testnet",
				Value: configString("network", "testnet"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "node",
				Usage:  "run the full node (p2p + consensus + rpc)",
				Action: runNode,
			},
			{
				Name:   "pool",
				Usage:  "run the mining pool (stratum + payouts)",
				Action: runPool,
			},
			{
				Name:  "miner",
				Usage: "run the CPU miner against a pool",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "pool", Usage: "pool stratum address", Required: true},
					&cli.StringFlag{Name: "wallet", Usage: "payout wallet address", Required: true},
					&cli.StringFlag{Name: "worker", Value: "worker1"},
					&cli.StringFlag{Name: "algo", Value: "cosmic_harmony"},
					&cli.IntFlag{Name: "threads", Value: 0},
				},
				Action: runMiner,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progname, err)
		os.Exit(1)
	}
}

// configString reads a gocore setting with a default.
func configString(key, defaultValue string) string {
	value, _ := gocore.Config().Get(key, defaultValue)
	return value
}

// configList reads a pipe-separated setting.
func configList(key string) []string {
	raw, _ := gocore.Config().Get(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// signalContext cancels on SIGINT/SIGTERM so every service loop drains and
// exits.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveNetwork(c *cli.Context) (*chaincfg.Params, error) {
	params, err := chaincfg.ParamsForNetwork(c.String("network"))
	if err != nil {
		return nil, err
	}
	chaincfg.SetActiveNetwork(params)
	return params, nil
}

func runNode(c *cli.Context) error {
	logger := ulogger.NewLogger("node")

	params, err := resolveNetwork(c)
	if err != nil {
		return err
	}

	datadir := configString("datadir", filepath.Join(".", "data", params.Name))

	store, err := leveldb.New(logger.New("store"), datadir)
	if err != nil {
		// Storage-init failure is the one fatal startup condition.
		return err
	}
	defer func() { _ = store.Close() }()

	return runNodeWithStore(c, logger, params, store)
}

func runNodeWithStore(_ *cli.Context, logger ulogger.Logger, params *chaincfg.Params, store blockchainstore.Store) error {
	mempoolSize, _ := gocore.Config().GetInt("mempool_max_size", 10_000)

	chain, err := blockchain.New(logger.New("blockchain"), store, params, mempoolSize)
	if err != nil {
		return err
	}

	p2pListen := configString("p2p_listen", fmt.Sprintf(":%d", params.DefaultP2PPort))
	rpcListen := configString("rpc_listen", fmt.Sprintf(":%d", params.DefaultRPCPort))
	rpcToken := configString("rpc_token", "")
	peerCache := configString("peer_cache", filepath.Join(".", "data", params.Name, "peers.json"))
	maxPeers, _ := gocore.Config().GetInt("p2p_max_peers", 32)
	reservedOutbound, _ := gocore.Config().GetInt("p2p_reserved_outbound", 8)
	staticPeers := configList("p2p_static_peers")

	p2pServer := p2p.NewServer(logger.New("p2p"), params, chain, p2p.Config{
		ListenAddr:       p2pListen,
		MaxPeers:         maxPeers,
		ReservedOutbound: reservedOutbound,
		PeerCachePath:    peerCache,
		StaticPeers:      staticPeers,
	})

	rpcServer := rpc.NewServer(logger.New("rpc"), params, chain, p2pServer, rpcListen, rpcToken)

	ctx, cancel := signalContext()
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p2pServer.Start(ctx) })
	g.Go(func() error { return rpcServer.Start(ctx) })

	logger.Infof("node up on %s", params.Name)
	return g.Wait()
}

func runPool(c *cli.Context) error {
	logger := ulogger.NewLogger("pool")

	params, err := resolveNetwork(c)
	if err != nil {
		return err
	}

	nodeURL := configString("pool_node_url", fmt.Sprintf("http://127.0.0.1:%d/jsonrpc", params.DefaultRPCPort))
	templateSecs, _ := gocore.Config().GetInt("pool_template_interval_secs", 10)
	pplnsWindow, _ := gocore.Config().GetInt("pool_pplns_window", 1000)
	minPayout, _ := gocore.Config().GetInt("pool_min_payout_atomic", 1_000_000)
	payoutSecs, _ := gocore.Config().GetInt("pool_payout_interval_secs", 300)

	stratumCfg := pool.DefaultStratumConfig(configString("pool_stratum_listen", ":3333"))

	payoutCfg := pool.DefaultPayoutConfig()
	payoutCfg.MinPayoutAtomic = uint64(minPayout)
	payoutCfg.Interval = time.Duration(payoutSecs) * time.Second

	config := pool.Config{
		NodeURL:            nodeURL,
		NodeToken:          configString("pool_node_token", ""),
		RedisURL:           configString("pool_redis_url", ""),
		StratumListen:      stratumCfg.ListenAddr,
		PoolWalletKey:      configString("pool_wallet_key", ""),
		HumanitarianWallet: configString("pool_humanitarian_wallet", ""),
		TemplateInterval:   time.Duration(templateSecs) * time.Second,
		PPLNSWindow:        int64(pplnsWindow),
		Stratum:            stratumCfg,
		Payout:             payoutCfg,
	}

	p, err := pool.NewPool(logger, config)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	logger.Infof("pool up on %s", params.Name)
	return p.Start(ctx)
}

func runMiner(c *cli.Context) error {
	logger := ulogger.NewLogger("miner")

	if _, err := resolveNetwork(c); err != nil {
		return err
	}

	m := miner.NewMiner(logger, miner.Config{
		PoolAddr: c.String("pool"),
		Wallet:   c.String("wallet"),
		Worker:   c.String("worker"),
		Algo:     c.String("algo"),
		Threads:  c.Int("threads"),
	})

	ctx, cancel := signalContext()
	defer cancel()

	return m.Start(ctx)
}
