package core

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethreplay/ethreplay/core/types"
)

// Header chain verification bounds (Yellow Paper, pre-EIP-1559).
const (
	MinGasLimit          = 5000
	MaxGasLimit           = 0x7fffffffffffffff
	GasLimitBoundDivisor = 1024
	MaxExtraDataSize     = 32
)

// Header chain verification errors.
var (
	ErrTimestampNonMonotonic = errors.New("timestamp not monotonically increasing")
	ErrHeaderChainBroken     = errors.New("parent hash mismatch in header chain")
	ErrGasLimitJump          = errors.New("gas limit change exceeds 1/1024 bound")
	ErrExtraDataOverflow     = errors.New("extra data exceeds maximum length")
	ErrBlockNumberGap        = errors.New("block number gap in header chain")
	ErrGasUsedExceedsLimit   = errors.New("gas used exceeds gas limit in header")
	ErrGasLimitTooLow        = errors.New("gas limit below minimum")
	ErrGasLimitTooHigh       = errors.New("gas limit above maximum")
	ErrFutureBlock           = errors.New("header timestamp too far in the future")
)

// HeaderVerifier performs multi-header chain verification, checking
// consensus rules across a sequence of headers: parent-child linkage,
// block number continuity, timestamp monotonicity, extra data size,
// and gas limit bounds.
type HeaderVerifier struct {
	config *ChainConfig
}

// NewHeaderVerifier creates a new header chain verifier with the given config.
func NewHeaderVerifier(config *ChainConfig) *HeaderVerifier {
	return &HeaderVerifier{config: config}
}

// VerifyChain validates a contiguous sequence of headers starting from a
// trusted parent. Headers must be in ascending order and form a valid chain.
// Returns the index of the first invalid header and the error, or
// (len(headers), nil) if all headers are valid.
func (v *HeaderVerifier) VerifyChain(parent *types.Header, headers []*types.Header) (int, error) {
	if len(headers) == 0 {
		return 0, nil
	}

	current := parent
	for i, header := range headers {
		if err := v.VerifyAgainstParent(header, current); err != nil {
			return i, fmt.Errorf("header %d (block %v): %w", i, header.Number, err)
		}
		current = header
	}
	return len(headers), nil
}

// VerifyAgainstParent validates a single header against its parent: parent
// linkage, block number continuity, timestamp monotonicity, extra data size,
// and gas limit bounds. Proof-of-work validity is out of scope.
func (v *HeaderVerifier) VerifyAgainstParent(header, parent *types.Header) error {
	// 1. Parent hash linkage.
	if err := verifyParentHash(header, parent); err != nil {
		return err
	}

	// 2. Block number continuity: child = parent + 1.
	if err := verifyBlockNumber(header, parent); err != nil {
		return err
	}

	// 3. Timestamp monotonicity: child.Time > parent.Time.
	if err := verifyTimestampMonotonicity(header, parent); err != nil {
		return err
	}

	// 4. Extra data length limit (32 bytes).
	if err := verifyExtraDataLimit(header); err != nil {
		return err
	}

	// 5. Gas limit bounds (min/max and 1/1024 change limit).
	if err := verifyGasLimitBounds(header, parent); err != nil {
		return err
	}

	// 6. Gas used must not exceed gas limit.
	if err := verifyGasUsedBound(header); err != nil {
		return err
	}

	return nil
}

// verifyParentHash checks that header.ParentHash matches parent.Hash().
func verifyParentHash(header, parent *types.Header) error {
	expected := parent.Hash()
	if header.ParentHash != expected {
		return fmt.Errorf("%w: header parent_hash=%s, parent hash=%s",
			ErrHeaderChainBroken, header.ParentHash.Hex(), expected.Hex())
	}
	return nil
}

// verifyBlockNumber checks that header.Number == parent.Number + 1.
func verifyBlockNumber(header, parent *types.Header) error {
	if header.Number == nil || parent.Number == nil {
		return fmt.Errorf("%w: nil block number", ErrBlockNumberGap)
	}
	expected := new(big.Int).Add(parent.Number, big.NewInt(1))
	if header.Number.Cmp(expected) != 0 {
		return fmt.Errorf("%w: want %v, got %v",
			ErrBlockNumberGap, expected, header.Number)
	}
	return nil
}

// verifyTimestampMonotonicity checks that child timestamp strictly
// exceeds parent timestamp.
func verifyTimestampMonotonicity(header, parent *types.Header) error {
	if header.Time <= parent.Time {
		return fmt.Errorf("%w: child=%d, parent=%d",
			ErrTimestampNonMonotonic, header.Time, parent.Time)
	}
	return nil
}

// verifyExtraDataLimit checks that the extra data does not exceed
// the protocol maximum of 32 bytes.
func verifyExtraDataLimit(header *types.Header) error {
	if len(header.Extra) > MaxExtraDataSize {
		return fmt.Errorf("%w: len=%d, max=%d",
			ErrExtraDataOverflow, len(header.Extra), MaxExtraDataSize)
	}
	return nil
}

// verifyGasLimitBounds checks that the gas limit is within the
// allowed range [MinGasLimit, MaxGasLimit] and that the change from
// parent is strictly less than 1/1024 of the parent gas limit.
func verifyGasLimitBounds(header, parent *types.Header) error {
	if header.GasLimit < MinGasLimit {
		return fmt.Errorf("%w: %d < %d",
			ErrGasLimitTooLow, header.GasLimit, MinGasLimit)
	}
	if header.GasLimit > MaxGasLimit {
		return fmt.Errorf("%w: %d > %d",
			ErrGasLimitTooHigh, header.GasLimit, MaxGasLimit)
	}

	// The gas limit may change by at most 1/GasLimitBoundDivisor per block.
	var diff uint64
	if header.GasLimit > parent.GasLimit {
		diff = header.GasLimit - parent.GasLimit
	} else {
		diff = parent.GasLimit - header.GasLimit
	}
	bound := parent.GasLimit / GasLimitBoundDivisor
	if diff >= bound {
		return fmt.Errorf("%w: delta=%d, max_allowed=%d (parent=%d)",
			ErrGasLimitJump, diff, bound, parent.GasLimit)
	}
	return nil
}

// verifyGasUsedBound checks that header.GasUsed <= header.GasLimit.
func verifyGasUsedBound(header *types.Header) error {
	if header.GasUsed > header.GasLimit {
		return fmt.Errorf("%w: used=%d, limit=%d",
			ErrGasUsedExceedsLimit, header.GasUsed, header.GasLimit)
	}
	return nil
}

// VerifyTimestampWindow checks that a header's timestamp is not too far
// in the future relative to the given wall clock time. The allowedDrift
// parameter specifies the maximum number of seconds a header timestamp
// may exceed currentTime.
//
// This is used during block import to reject headers that claim
// unreasonable future timestamps, which could disrupt slot timing.
func VerifyTimestampWindow(header *types.Header, currentTime uint64, allowedDrift uint64) error {
	if header.Time > currentTime+allowedDrift {
		return fmt.Errorf("%w: header time %d exceeds current time %d + drift %d",
			ErrFutureBlock, header.Time, currentTime, allowedDrift)
	}
	return nil
}

// CalcGasLimitRange returns the minimum and maximum gas limit allowed
// for the next block, given the parent gas limit. The gas limit may
// change by at most parent/1024 - 1 per block.
func CalcGasLimitRange(parentGasLimit uint64) (min, max uint64) {
	bound := parentGasLimit / GasLimitBoundDivisor
	if bound == 0 {
		bound = 1
	}

	// Minimum: max(parent - (bound-1), MinGasLimit)
	min = MinGasLimit
	if parentGasLimit > bound-1 {
		candidate := parentGasLimit - (bound - 1)
		if candidate > min {
			min = candidate
		}
	}

	// Maximum: min(parent + (bound-1), MaxGasLimit)
	max = parentGasLimit + (bound - 1)
	if max > MaxGasLimit {
		max = MaxGasLimit
	}
	if max < min {
		max = min
	}
	return min, max
}

