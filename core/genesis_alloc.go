// genesis_alloc.go provides genesis allocation encoding/serialization and
// snapshot utilities layered on top of the core GenesisAlloc map.
package core

import (
	"encoding/json"
	"math/big"
	"sort"

	"github.com/ethreplay/ethreplay/core/state"
	"github.com/ethreplay/ethreplay/core/types"
)

// GenesisAllocJSON represents a JSON-serializable genesis allocation entry.
type GenesisAllocJSON struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

// MarshalGenesisAlloc serializes a genesis allocation to JSON. Accounts are
// serialized in sorted address order for deterministic output.
func MarshalGenesisAlloc(alloc GenesisAlloc) ([]byte, error) {
	addrs := make([]types.Address, 0, len(alloc))
	for addr := range alloc {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		for k := 0; k < types.AddressLength; k++ {
			if addrs[i][k] != addrs[j][k] {
				return addrs[i][k] < addrs[j][k]
			}
		}
		return false
	})

	entries := make([]GenesisAllocJSON, 0, len(alloc))
	for _, addr := range addrs {
		wei := alloc[addr]
		entry := GenesisAllocJSON{Address: addr.Hex(), Balance: "0"}
		if wei != nil {
			entry.Balance = wei.String()
		}
		entries = append(entries, entry)
	}

	return json.Marshal(entries)
}

// AllocAccountCount returns the number of accounts in the genesis allocation.
func AllocAccountCount(alloc GenesisAlloc) int {
	return len(alloc)
}

// AllocHasAccount checks if a specific address is present in the allocation.
func AllocHasAccount(alloc GenesisAlloc, addr types.Address) bool {
	_, ok := alloc[addr]
	return ok
}

// GenesisStateSnapshot captures a snapshot of the genesis state after applying
// allocations, for verification against an external reference.
type GenesisStateSnapshot struct {
	Root         types.Hash
	AccountCount int
	TotalBalance *big.Int
}

// SnapshotGenesisState applies a genesis allocation to a fresh in-memory state
// via the same CreditAccount path transaction processing uses, and returns
// a snapshot of the resulting state for verification purposes.
func SnapshotGenesisState(alloc GenesisAlloc) (GenesisStateSnapshot, error) {
	statedb := state.NewMemoryStateDB()
	for addr, wei := range alloc {
		if wei == nil {
			continue
		}
		CreditAccount(statedb, addr, wei)
	}

	root, err := statedb.Commit()
	if err != nil {
		return GenesisStateSnapshot{}, err
	}

	snap := GenesisStateSnapshot{
		Root:         root,
		AccountCount: len(alloc),
		TotalBalance: new(big.Int),
	}
	for _, wei := range alloc {
		if wei != nil {
			snap.TotalBalance.Add(snap.TotalBalance, wei)
		}
	}
	return snap, nil
}
