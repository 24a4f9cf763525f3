package core

import (
	"fmt"
	"math/big"

	"github.com/ethreplay/ethreplay/core/state"
	"github.com/ethreplay/ethreplay/core/types"
	"github.com/ethreplay/ethreplay/rlp"
)

// GenesisAlloc maps a genesis-funded address to its opening balance in wei.
// Genesis allocation carries no nonce, code, or storage: accounts are
// credited as if by a transaction value transfer, nothing more.
type GenesisAlloc map[types.Address]*big.Int

// Genesis specifies the header fields of block zero and its pre-funded
// accounts. The genesis header's beneficiary, transactions root, and
// receipts root are fixed; only Difficulty, GasLimit, Time, Extra, MixHash,
// and Nonce vary across networks.
type Genesis struct {
	Config     *ChainConfig
	Nonce      uint64
	Timestamp  uint64
	ExtraData  []byte
	GasLimit   uint64
	Difficulty *big.Int
	MixHash    types.Hash
	Alloc      GenesisAlloc
}

// ToBlock builds the genesis header and block, with Root set to the
// empty-trie root as a placeholder; the caller must compute the real root
// after applying Alloc to a statedb (SetupGenesisBlock does this).
func (g *Genesis) ToBlock() *types.Block {
	head := &types.Header{
		ParentHash:  types.Hash{},
		UncleHash:   types.EmptyUncleHash,
		Coinbase:    types.Address{}, // beneficiary: 20 zero bytes
		Root:        types.EmptyRootHash,
		TxHash:      types.EmptyRootHash,
		ReceiptHash: types.EmptyRootHash,
		Difficulty:  g.Difficulty,
		Number:      new(big.Int),
		GasLimit:    g.GasLimit,
		GasUsed:     0,
		Time:        g.Timestamp,
		MixDigest:   g.MixHash,
	}

	if head.Difficulty == nil {
		head.Difficulty = new(big.Int)
	}

	if g.Nonce != 0 {
		n := g.Nonce
		for i := 7; i >= 0; i-- {
			head.Nonce[i] = byte(n)
			n >>= 8
		}
	}

	if len(g.ExtraData) > 0 {
		head.Extra = make([]byte, len(g.ExtraData))
		copy(head.Extra, g.ExtraData)
	}

	return types.NewBlock(head, nil)
}

// SetupGenesisBlock applies the genesis allocation to statedb via the same
// CreditAccount path transaction processing uses (no nonce bump, per the
// spec) and returns the genesis block with its real state root filled in.
func (g *Genesis) SetupGenesisBlock(statedb *state.MemoryStateDB) (*types.Block, error) {
	for addr, wei := range g.Alloc {
		if wei == nil {
			continue
		}
		CreditAccount(statedb, addr, wei)
	}

	stateRoot, err := statedb.Commit()
	if err != nil {
		return nil, fmt.Errorf("genesis: commit state: %w", err)
	}

	block := g.ToBlock()
	header := block.Header()
	header.Root = stateRoot
	return types.NewBlock(header, block.Body()), nil
}

// DefaultGenesisBlock returns the mainnet genesis specification (allocation
// is loaded separately via LoadGenesisAlloc, from an external
// genesis-allocation file).
func DefaultGenesisBlock() *Genesis {
	return &Genesis{
		Config:     DefaultChainConfig(),
		Nonce:      66,
		GasLimit:   5_000_000,
		Difficulty: big.NewInt(17_179_869_184),
		Alloc:      GenesisAlloc{},
	}
}

// LoadGenesisAlloc decodes the external genesis allocation file: an RLP list
// of (address_bytes, wei_bytes) tuples. Addresses may have had leading zero
// bytes stripped by RLP's minimal integer encoding and are left-padded back
// to 20 bytes.
func LoadGenesisAlloc(data []byte) (GenesisAlloc, error) {
	s := rlp.NewStreamFromBytes(data)
	if _, err := s.List(); err != nil {
		return nil, fmt.Errorf("genesis alloc: decode outer list: %w", err)
	}

	alloc := make(GenesisAlloc)
	for !s.AtListEnd() {
		if _, err := s.List(); err != nil {
			return nil, fmt.Errorf("genesis alloc: decode entry: %w", err)
		}
		addrBytes, err := s.Bytes()
		if err != nil {
			return nil, fmt.Errorf("genesis alloc: decode address: %w", err)
		}
		if len(addrBytes) > types.AddressLength {
			return nil, fmt.Errorf("genesis alloc: address too long: %d bytes", len(addrBytes))
		}
		var addr types.Address
		copy(addr[types.AddressLength-len(addrBytes):], addrBytes)

		weiBytes, err := s.Bytes()
		if err != nil {
			return nil, fmt.Errorf("genesis alloc: decode wei: %w", err)
		}
		wei := new(big.Int).SetBytes(weiBytes)

		if err := s.ListEnd(); err != nil {
			return nil, fmt.Errorf("genesis alloc: decode entry end: %w", err)
		}
		alloc[addr] = wei
	}
	if err := s.ListEnd(); err != nil {
		return nil, fmt.Errorf("genesis alloc: decode outer list end: %w", err)
	}
	return alloc, nil
}
