package chaincfg

// PremineAllocation is a genesis allocation. Addresses here are operator
// placeholders validated with the format-only check; distribution policy is
// off-chain and the allocations never participate in consensus beyond being
// ordinary genesis outputs.
type PremineAllocation struct {
	Address      string
	Amount       uint64 // atomic units
	Purpose      string
	UnlockHeight uint64
}

var premineAllocations = []PremineAllocation{
	{
		Address:      "zion1devfund00000000000000000000000000000000",
		Amount:       4_000_000_000 * AtomicUnitsPerZion,
		Purpose:      "development fund",
		UnlockHeight: 0,
	},
	{
		Address:      "zion1netfund00000000000000000000000000000000",
		Amount:       3_000_000_000 * AtomicUnitsPerZion,
		Purpose:      "infrastructure",
		UnlockHeight: 0,
	},
	{
		Address:      "zion1tithe0000000000000000000000000000000000",
		Amount:       3_000_000_000 * AtomicUnitsPerZion,
		Purpose:      "humanitarian reserve",
		UnlockHeight: 0,
	},
	{
		Address:      "zion1genesys00000000000000000000000000000000",
		Amount:       3_280_000_000 * AtomicUnitsPerZion,
		Purpose:      "genesis community",
		UnlockHeight: BlocksPerYear,
	},
	{
		Address:      "zion1reserve00000000000000000000000000000000",
		Amount:       3_000_000_000 * AtomicUnitsPerZion,
		Purpose:      "strategic reserve",
		UnlockHeight: 2 * BlocksPerYear,
	},
}

// PremineAllocations returns the genesis allocations. The sum equals
// GenesisPremine.
func PremineAllocations() []PremineAllocation {
	out := make([]PremineAllocation, len(premineAllocations))
	copy(out, premineAllocations)
	return out
}

// PremineTotal sums the allocations.
func PremineTotal() uint64 {
	var total uint64
	for _, a := range premineAllocations {
		total += a.Amount
	}
	return total
}
