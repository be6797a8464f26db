package chaincfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenesisHasNoReward(t *testing.T) {
	assert.Equal(t, uint64(0), BlockReward(0))
}

func TestConstantReward(t *testing.T) {
	assert.Equal(t, uint64(BlockRewardAtomic), BlockReward(1))
	assert.Equal(t, BlockReward(1), BlockReward(1_000_000))
	assert.Equal(t, BlockReward(1), BlockReward(10_000_000))
	assert.Equal(t, BlockReward(1), BlockReward(EmissionEndHeight))
}

func TestEmissionEnds(t *testing.T) {
	assert.Equal(t, uint64(0), BlockReward(EmissionEndHeight+1))
	assert.Equal(t, uint64(0), BlockReward(EmissionEndHeight+1_000_000))
	assert.Equal(t, uint64(0), BlockReward(^uint64(0)))
}

func TestEmissionConstantsConsistent(t *testing.T) {
	assert.Equal(t, uint64(23_652_000), uint64(EmissionEndHeight))
	assert.Equal(t, uint64(MiningEmission), uint64(TotalSupply-GenesisPremine))
	assert.Equal(t, 100, MinerSharePercent+TithePercent+PoolFeePercent)
}

func TestRewardSplit(t *testing.T) {
	assert.Equal(t, uint64(5_400_067_000/100*89), MinerReward(1))
	assert.Equal(t, uint64(5_400_067_000/100*10), TitheReward(1))
	assert.Equal(t, uint64(5_400_067_000/100*1), PoolFeeReward(1))
	assert.Equal(t, uint64(0), MinerReward(0))
}

func TestRequiredFee(t *testing.T) {
	// The absolute floor dominates small transactions.
	assert.Equal(t, uint64(MinTxFee), RequiredFee(0))
	assert.Equal(t, uint64(MinTxFee), RequiredFee(250))
	// Rate dominates beyond the floor.
	assert.Equal(t, uint64(5_000), RequiredFee(5_000))
	assert.Equal(t, uint64(MaxTxSizeBytes), RequiredFee(MaxTxSizeBytes))
}

func TestPremineSumsToConstant(t *testing.T) {
	assert.Equal(t, uint64(GenesisPremine), PremineTotal())
}

func TestPremineAddressesFormatValid(t *testing.T) {
	for _, a := range PremineAllocations() {
		assert.Len(t, a.Address, 44)
		assert.Equal(t, "zion1", a.Address[:5])
	}
}

func TestParamsForNetwork(t *testing.T) {
	p, err := ParamsForNetwork("mainnet")
	assert.NoError(t, err)
	assert.Equal(t, "ZION-MAINNET-V1", p.Magic)

	p, err = ParamsForNetwork("TESTNET")
	assert.NoError(t, err)
	assert.Equal(t, "ZION-TESTNET-V1", p.Magic)

	_, err = ParamsForNetwork("devnet")
	assert.Error(t, err)
}

func TestNetworkMagicsDistinct(t *testing.T) {
	assert.NotEqual(t, MainNetParams.Magic, TestNetParams.Magic)
	assert.NotEqual(t, MainNetParams.GenesisTimestamp, TestNetParams.GenesisTimestamp)
}
