package chaincfg

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// Atomic units: 1 ZION = 1,000,000 atomic units (6 decimal places).
const (
	AtomicUnitsPerZion = 1_000_000

	// Total supply: 144,000,000,000 ZION.
	TotalSupply = 144_000_000_000 * AtomicUnitsPerZion

	// Genesis premine: 16,280,000,000 ZION. The remainder is mined over
	// MiningYears at a constant reward.
	GenesisPremine = 16_280_000_000 * AtomicUnitsPerZion

	MiningEmission = TotalSupply - GenesisPremine

	BlocksPerYear = 525_600
	MiningYears   = 45

	// Last height with a coinbase reward: 23,652,000.
	EmissionEndHeight = MiningYears * BlocksPerYear

	// Constant block reward: 5,400.067 ZION. This is slightly above
	// MiningEmission / EmissionEndHeight (about 5,399.966 ZION), so the
	// full schedule mints a little more than MiningEmission.
	BlockRewardAtomic = 5_400_067_000
)

// Pool reward distribution. Applied by the pool, not by consensus:
// consensus only enforces coinbase <= BlockRewardAtomic.
const (
	MinerSharePercent   = 89
	TithePercent        = 10
	PoolFeePercent      = 1
)

// Fee market. All transaction fees are burned; the coinbase never collects
// them.
const (
	MinTxFee        = 1_000
	MinFeeRate      = 1 // atomic units per byte
	MaxTxSizeBytes  = 100_000
	MaxOutputAmount = TotalSupply
)

// Consensus timing and difficulty.
const (
	TargetBlockTime  = 60 * time.Second
	MaxTimeDrift     = 2 * time.Hour
	LWMAWindow       = 60
	MinDifficulty    = uint64(1000)
	MaxDifficulty    = math.MaxUint64 / 1000
	CoinbaseMaturity = uint64(100)

	// Per-block difficulty adjustment clamp relative to the parent.
	MaxDifficultyStepUp   = 1.25
	MaxDifficultyStepDown = 0.75

	ProtocolVersion = uint32(1)
)

// Params defines a ZION network.
type Params struct {
	// Name is the canonical network name used in config and logs.
	Name string

	// Magic is carried in the P2P handshake; peers with a different magic
	// are disconnected.
	Magic string

	// GenesisTimestamp must be identical on every node of the network so
	// all nodes derive the same genesis hash.
	GenesisTimestamp uint64

	DefaultP2PPort uint16
	DefaultRPCPort uint16

	// SeedNodes are attempted during bootstrap.
	SeedNodes []string
}

var MainNetParams = Params{
	Name:             "mainnet",
	Magic:            "ZION-MAINNET-V1",
	GenesisTimestamp: 1704067200, // Jan 1, 2024 00:00:00 UTC — immutable
	DefaultP2PPort:   8333,
	DefaultRPCPort:   8443,
	SeedNodes: []string{
		"seed1.zionterranova.com:8333",
		"seed2.zionterranova.com:8333",
		"seed3.zionterranova.com:8333",
	},
}

var TestNetParams = Params{
	Name:             "testnet",
	Magic:            "ZION-TESTNET-V1",
	GenesisTimestamp: 1770552000, // Feb 8, 2026 12:00:00 UTC
	DefaultP2PPort:   8334,
	DefaultRPCPort:   8444,
	SeedNodes: []string{
		"seed1.zionterranova.com:8334",
		"seed2.zionterranova.com:8334",
		"seed3.zionterranova.com:8334",
	},
}

// ParamsForNetwork resolves a network name from config or CLI.
func ParamsForNetwork(name string) (*Params, error) {
	switch strings.ToLower(name) {
	case "mainnet", "main":
		return &MainNetParams, nil
	case "testnet", "test":
		return &TestNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q, use mainnet or testnet", name)
	}
}

var (
	activeNet  *Params
	activeOnce sync.Once
)

// SetActiveNetwork establishes the process-wide network. It may be called
// exactly once, at startup; calling it again is a programming error.
func SetActiveNetwork(p *Params) {
	set := false
	activeOnce.Do(func() {
		activeNet = p
		set = true
	})
	if !set {
		panic("chaincfg: active network already set")
	}
}

// ActiveNetwork returns the process-wide network, defaulting to testnet if
// startup never set one (tests).
func ActiveNetwork() *Params {
	if activeNet == nil {
		return &TestNetParams
	}
	return activeNet
}

// BlockReward returns the coinbase reward for a height. The emission is
// constant: every block from 1 through EmissionEndHeight yields
// BlockRewardAtomic. Genesis carries the premine and has no coinbase reward.
// Difficulty does not affect the reward.
func BlockReward(height uint64) uint64 {
	if height == 0 || height > EmissionEndHeight {
		return 0
	}
	return BlockRewardAtomic
}

// MinerReward is the 89% pool-policy share of the block reward.
func MinerReward(height uint64) uint64 {
	return BlockReward(height) / 100 * MinerSharePercent
}

// TitheReward is the 10% humanitarian share.
func TitheReward(height uint64) uint64 {
	return BlockReward(height) / 100 * TithePercent
}

// PoolFeeReward is the 1% pool share.
func PoolFeeReward(height uint64) uint64 {
	return BlockReward(height) / 100 * PoolFeePercent
}

// RequiredFee returns the minimum fee for a transaction of the given
// serialized size: max(MinTxFee, size * MinFeeRate).
func RequiredFee(sizeBytes int) uint64 {
	rateBased := uint64(sizeBytes) * MinFeeRate
	if rateBased < MinTxFee {
		return MinTxFee
	}
	return rateBased
}
