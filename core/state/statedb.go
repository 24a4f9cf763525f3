package state

import (
	"math/big"

	"github.com/ethreplay/ethreplay/core/types"
)

// StateDB is the minimal account-state interface the block processor needs:
// balance transfers, nonce bumps, and a final committed root. There is no
// EVM here, so there is no code, storage, self-destruct, log, refund, access
// list, or snapshot/revert surface to expose.
type StateDB interface {
	SubBalance(addr types.Address, amount *big.Int)
	AddBalance(addr types.Address, amount *big.Int)
	GetBalance(addr types.Address) *big.Int
	GetNonce(addr types.Address) uint64
	SetNonce(addr types.Address, nonce uint64)
	Commit() (types.Hash, error)
}
