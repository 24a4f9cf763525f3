package core

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethreplay/ethreplay/core/state"
	"github.com/ethreplay/ethreplay/core/types"
	"github.com/holiman/uint256"
)

// Intrinsic gas constants.
const (
	TxGas         uint64 = 21000
	TxDataZeroGas uint64 = 4
)

// Block reward eras, in wei.
var (
	weiPerEther               = uint256.NewInt(1_000_000_000_000_000_000)
	FrontierBlockReward       = new(uint256.Int).Mul(uint256.NewInt(5), weiPerEther)
	ByzantiumBlockReward      = new(uint256.Int).Mul(uint256.NewInt(3), weiPerEther)
	ConstantinopleBlockReward = new(uint256.Int).Mul(uint256.NewInt(2), weiPerEther)

	ByzantiumBlock      uint64 = 4_370_000
	ConstantinopleBlock uint64 = 7_280_000
)

// toUint256 converts a wei amount from the state layer's *big.Int
// representation to a 256-bit unsigned integer for reward and gas-cost
// arithmetic. A nil amount converts to zero.
func toUint256(b *big.Int) *uint256.Int {
	if b == nil {
		return new(uint256.Int)
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		// Balances and rewards never approach 2**256 wei in practice;
		// saturate rather than wrap so an impossible input fails loudly
		// downstream instead of silently wrapping around.
		return uint256.NewInt(0).Not(uint256.NewInt(0))
	}
	return u
}

var (
	ErrInsufficientBalance = errors.New("insufficient balance for transfer")
	ErrIntrinsicGasTooLow  = errors.New("gas limit below intrinsic gas cost")
	ErrGasLimitExceeded    = errors.New("accumulated block gas exceeds gas limit")
	ErrGasUsedMismatch     = errors.New("declared gas used does not match accumulated gas")
	ErrStateRootMismatch   = errors.New("computed state root does not match header")
	ErrGenesisMalformed    = errors.New("genesis block violates required invariants")
	ErrSenderRecovery      = errors.New("failed to recover transaction sender")
)

// StateProcessor applies genesis allocation, transactions, and block/uncle
// rewards to a MemoryStateDB, following the pre-EIP-1559 Yellow Paper state
// transition function. It tracks no receipts or logs: there is no EVM, and
// every state change is a plain value transfer.
type StateProcessor struct {
	config *ChainConfig
}

// NewStateProcessor creates a new state processor for the given chain config.
func NewStateProcessor(config *ChainConfig) *StateProcessor {
	return &StateProcessor{config: config}
}

// IntrinsicGas computes the gas cost of a transaction's calldata plus the
// base transaction cost: 21000 + sum(byte_cost(b) for b in data), where
// byte_cost is 4 for a zero byte and 68 (16 after Istanbul) otherwise.
func (p *StateProcessor) IntrinsicGas(data []byte, blockNumber uint64) uint64 {
	nonZeroCost := p.config.NonZeroByteCost(blockNumber)

	gas := TxGas
	for _, b := range data {
		if b == 0 {
			gas += TxDataZeroGas
		} else {
			gas += nonZeroCost
		}
	}
	return gas
}

// BlockReward returns the static miner reward for a block at the given
// number, before the uncle-inclusion bonus is added.
func BlockReward(number uint64) *uint256.Int {
	switch {
	case number < ByzantiumBlock:
		return new(uint256.Int).Set(FrontierBlockReward)
	case number < ConstantinopleBlock:
		return new(uint256.Int).Set(ByzantiumBlockReward)
	default:
		return new(uint256.Int).Set(ConstantinopleBlockReward)
	}
}

// CreditAccount adds amount wei to addr's balance, leaving its nonce
// unchanged. Used for genesis allocation, transaction value transfer to
// the recipient, and miner/uncle reward payment, none of which bump nonce.
func CreditAccount(statedb *state.MemoryStateDB, addr types.Address, amount *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	statedb.AddBalance(addr, amount)
}

// DebitAccount subtracts amount wei from addr's balance and increments its
// nonce by one. Returns ErrInsufficientBalance if the account's balance is
// less than amount; no state is mutated in that case.
func DebitAccount(statedb *state.MemoryStateDB, addr types.Address, amount *big.Int) error {
	balance := statedb.GetBalance(addr)
	if amount != nil && balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: address=%s balance=%s amount=%s",
			ErrInsufficientBalance, addr.Hex(), balance, amount)
	}
	if amount != nil && amount.Sign() != 0 {
		statedb.SubBalance(addr, amount)
	}
	statedb.SetNonce(addr, statedb.GetNonce(addr)+1)
	return nil
}

// ProcessBlock applies a single block's transactions, miner reward, and
// uncle rewards to statedb, then verifies the resulting state root matches
// header.Root. Block zero (genesis) is handled by SetupGenesisBlock instead
// and must not be passed here.
func (p *StateProcessor) ProcessBlock(statedb *state.MemoryStateDB, header *types.Header, body *types.Body) (types.Hash, error) {
	blockNumber := header.Number.Uint64()

	pool := new(GasPool).AddGas(header.GasLimit)
	var blockGasUsed uint64
	for i, tx := range body.Transactions {
		gas := p.IntrinsicGas(tx.Data(), blockNumber)
		if gas > tx.Gas() {
			return types.Hash{}, fmt.Errorf("tx %d: %w: intrinsic=%d limit=%d",
				i, ErrIntrinsicGasTooLow, gas, tx.Gas())
		}
		if err := pool.SubGas(gas); err != nil {
			return types.Hash{}, fmt.Errorf("tx %d: %w: %v", i, ErrGasLimitExceeded, err)
		}
		blockGasUsed += gas

		sender, err := p.recoverSender(tx)
		if err != nil {
			return types.Hash{}, fmt.Errorf("tx %d: %w: %v", i, ErrSenderRecovery, err)
		}

		value := toUint256(tx.Value())
		gasCost := new(uint256.Int).Mul(uint256.NewInt(gas), toUint256(tx.GasPrice()))
		debit := new(uint256.Int).Add(value, gasCost)
		if err := DebitAccount(statedb, sender, debit.ToBig()); err != nil {
			return types.Hash{}, fmt.Errorf("tx %d: %w", i, err)
		}

		if to := tx.To(); to != nil {
			CreditAccount(statedb, *to, value.ToBig())
		}
		CreditAccount(statedb, header.Coinbase, gasCost.ToBig())
	}

	if blockGasUsed != header.GasUsed {
		return types.Hash{}, fmt.Errorf("%w: accumulated=%d declared=%d",
			ErrGasUsedMismatch, blockGasUsed, header.GasUsed)
	}

	baseReward := BlockReward(blockNumber)
	minerReward := new(uint256.Int).Set(baseReward)
	if len(body.Uncles) > 0 {
		uncleBonus := new(uint256.Int).Mul(baseReward, uint256.NewInt(uint64(len(body.Uncles))))
		uncleBonus.Div(uncleBonus, uint256.NewInt(32))
		minerReward.Add(minerReward, uncleBonus)
	}
	CreditAccount(statedb, header.Coinbase, minerReward.ToBig())

	for _, uncle := range body.Uncles {
		// delta = uncle.number - header.number, always negative (an uncle is
		// a strictly older block), so the subtraction and the reward term it
		// feeds are done in signed big.Int arithmetic before returning to
		// the unsigned wei domain.
		delta := new(big.Int).Sub(uncle.Number, header.Number)
		uncleTerm := new(big.Int).Mul(baseReward.ToBig(), delta)
		uncleTerm.Div(uncleTerm, big.NewInt(8))
		uncleReward := new(big.Int).Add(baseReward.ToBig(), uncleTerm)
		CreditAccount(statedb, uncle.Coinbase, uncleReward)
	}

	root, err := statedb.Commit()
	if err != nil {
		return types.Hash{}, fmt.Errorf("commit state: %w", err)
	}
	if root != header.Root {
		return types.Hash{}, fmt.Errorf("%w: computed=%s declared=%s",
			ErrStateRootMismatch, root.Hex(), header.Root.Hex())
	}
	return root, nil
}

// recoverSender recovers the sending address of a legacy transaction. Only
// the plain legacy v (27/28) is accepted; any other V is rejected. The key
// is recovered against the pre-EIP-155 signing hash (tx.SigningHash()).
func (p *StateProcessor) recoverSender(tx *types.Transaction) (types.Address, error) {
	if cached := tx.Sender(); cached != nil {
		return *cached, nil
	}
	if v, _, _ := tx.RawSignatureValues(); v == nil || !v.IsUint64() || (v.Uint64() != 27 && v.Uint64() != 28) {
		return types.Address{}, fmt.Errorf("unsupported signature v=%v: only legacy 27/28 is accepted", v)
	}
	signer := types.NewEIP155Signer(0)
	addr, err := signer.Sender(tx)
	if err != nil {
		return types.Address{}, err
	}
	tx.SetSender(addr)
	return addr, nil
}

// VerifyGenesisInvariants checks the structural requirements imposed on
// block zero: no transactions, no uncles, a zero beneficiary, and empty
// transaction/receipt roots.
func VerifyGenesisInvariants(header *types.Header, body *types.Body) error {
	if len(body.Transactions) != 0 {
		return fmt.Errorf("%w: genesis has %d transactions", ErrGenesisMalformed, len(body.Transactions))
	}
	if len(body.Uncles) != 0 {
		return fmt.Errorf("%w: genesis has %d uncles", ErrGenesisMalformed, len(body.Uncles))
	}
	if header.Coinbase != (types.Address{}) {
		return fmt.Errorf("%w: genesis beneficiary not zero", ErrGenesisMalformed)
	}
	if header.TxHash != types.EmptyRootHash {
		return fmt.Errorf("%w: genesis transactionsRoot not empty", ErrGenesisMalformed)
	}
	if header.ReceiptHash != types.EmptyRootHash {
		return fmt.Errorf("%w: genesis receiptsRoot not empty", ErrGenesisMalformed)
	}
	return nil
}
