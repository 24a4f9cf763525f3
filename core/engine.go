package core

import (
	"errors"
	"fmt"

	"github.com/ethreplay/ethreplay/core/state"
	"github.com/ethreplay/ethreplay/core/types"
	"github.com/ethreplay/ethreplay/rlp"
)

// ErrBlockOutOfOrder is returned when a block's number does not immediately
// follow the engine's current head, or its parent hash does not match the
// engine's current head hash.
var ErrBlockOutOfOrder = errors.New("block is not the immediate successor of the current head")

// Engine drives the block-processing state machine across a sequence of
// blocks: genesis, then one transaction-bearing block at a time. It owns
// the only mutable copies of head_block_number, head_block_hash, and
// state_root, and process_block is its only mutator.
type Engine struct {
	StateDB   *state.MemoryStateDB
	Processor *StateProcessor
	Verifier  *HeaderVerifier

	headNumber *uint64 // nil until genesis has been processed
	headHash   types.Hash
	stateRoot  types.Hash

	lastHeader *types.Header
}

// NewEngine creates a replay engine backed by a fresh, empty state.
func NewEngine(config *ChainConfig) *Engine {
	return &Engine{
		StateDB:   state.NewMemoryStateDB(),
		Processor: NewStateProcessor(config),
		Verifier:  NewHeaderVerifier(config),
		stateRoot: types.EmptyRootHash,
	}
}

// HeadBlockNumber returns the number of the last successfully processed
// block, and false if no block has been processed yet.
func (e *Engine) HeadBlockNumber() (uint64, bool) {
	if e.headNumber == nil {
		return 0, false
	}
	return *e.headNumber, true
}

// HeadBlockHash returns the hash of the last successfully processed block
// header (32 zero bytes before any block has been processed).
func (e *Engine) HeadBlockHash() types.Hash { return e.headHash }

// StateRoot returns the current committed state root.
func (e *Engine) StateRoot() types.Hash { return e.stateRoot }

// ProcessBlock applies a single block to the engine's state. alloc is
// consulted only when header.Number == 0 (genesis) and is otherwise
// ignored. On any error the engine's head and state root are left exactly
// as they were after the previous successful call: the caller must discard
// the block and may resume from the last successful boundary.
func (e *Engine) ProcessBlock(header *types.Header, body *types.Body, alloc GenesisAlloc) error {
	if header.Number == nil {
		return fmt.Errorf("%w: header has no block number", ErrGenesisMalformed)
	}
	number := header.Number.Uint64()

	if e.headNumber == nil {
		if number != 0 {
			return fmt.Errorf("%w: expected genesis (block 0), got block %d", ErrBlockOutOfOrder, number)
		}
	} else if number != *e.headNumber+1 {
		return fmt.Errorf("%w: expected block %d, got block %d", ErrBlockOutOfOrder, *e.headNumber+1, number)
	}
	if header.ParentHash != e.headHash {
		return fmt.Errorf("%w: header parent_hash=%s, head hash=%s",
			ErrBlockOutOfOrder, header.ParentHash.Hex(), e.headHash.Hex())
	}
	if e.lastHeader != nil {
		if err := e.Verifier.VerifyAgainstParent(header, e.lastHeader); err != nil {
			return err
		}
	}

	// The block is applied to a copy of the state, which replaces
	// e.StateDB only once the block has been fully accepted.
	work := e.StateDB.Copy()
	var root types.Hash
	var err error
	if number == 0 {
		if err := VerifyGenesisInvariants(header, body); err != nil {
			return err
		}
		for addr, wei := range alloc {
			if wei == nil {
				continue
			}
			CreditAccount(work, addr, wei)
		}
		root, err = work.Commit()
		if err != nil {
			return fmt.Errorf("genesis: commit state: %w", err)
		}
		if root != header.Root {
			return fmt.Errorf("%w: computed=%s declared=%s",
				ErrStateRootMismatch, root.Hex(), header.Root.Hex())
		}
	} else {
		root, err = e.Processor.ProcessBlock(work, header, body)
		if err != nil {
			return err
		}
	}

	e.StateDB = work
	n := number
	e.headNumber = &n
	e.headHash = header.Hash()
	e.stateRoot = root
	e.lastHeader = header
	return nil
}

// DecodedBlock is one [header, transactions, uncles] tuple read from a block
// stream.
type DecodedBlock struct {
	Header *types.Header
	Body   *types.Body
}

// DecodeBlockStream parses a file of concatenated RLP-encoded block tuples
// (each a 3-tuple [header, transactions, uncles], per the yellow paper) into
// a slice of decoded blocks, in file order. Each tuple is self-delimiting,
// so no outer framing or length prefix is required between tuples.
func DecodeBlockStream(data []byte) ([]DecodedBlock, error) {
	s := rlp.NewStreamFromBytes(data)
	var blocks []DecodedBlock
	for !s.AtListEnd() {
		raw, err := s.RawItem()
		if err != nil {
			return nil, fmt.Errorf("block %d: reading tuple: %w", len(blocks), err)
		}
		block, err := types.DecodeBlockRLP(raw)
		if err != nil {
			return nil, fmt.Errorf("block %d: decoding tuple: %w", len(blocks), err)
		}
		blocks = append(blocks, DecodedBlock{Header: block.Header(), Body: block.Body()})
	}
	return blocks, nil
}

// ReplayStream applies a decoded block stream to the engine in order,
// supplying alloc only to the genesis block. It stops and returns the
// index of the first block that failed processing, along with the error;
// (len(blocks), nil) if every block was applied successfully.
func (e *Engine) ReplayStream(blocks []DecodedBlock, alloc GenesisAlloc) (int, error) {
	for i, b := range blocks {
		if err := e.ProcessBlock(b.Header, b.Body, alloc); err != nil {
			return i, fmt.Errorf("block %d (number %v): %w", i, b.Header.Number, err)
		}
	}
	return len(blocks), nil
}
