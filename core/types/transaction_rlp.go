package types

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethreplay/ethreplay/rlp"
	"golang.org/x/crypto/sha3"
)

var errUnknownTxType = errors.New("unknown transaction type")

// legacyTxRLP is the RLP encoding layout for LegacyTx.
// Fields: [nonce, gasPrice, gasLimit, to, value, data, v, r, s]
type legacyTxRLP struct {
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	To       []byte // empty for contract creation, 20 bytes otherwise
	Value    *big.Int
	Data     []byte
	V        *big.Int
	R        *big.Int
	S        *big.Int
}

// ---- Encoding ----

// EncodeRLP returns the RLP encoding of the transaction:
// RLP([nonce, gasPrice, gasLimit, to, value, data, v, r, s])
func (tx *Transaction) EncodeRLP() ([]byte, error) {
	inner, ok := tx.inner.(*LegacyTx)
	if !ok {
		return nil, errUnknownTxType
	}
	return encodeLegacyTx(inner)
}

func encodeLegacyTx(tx *LegacyTx) ([]byte, error) {
	enc := legacyTxRLP{
		Nonce:    tx.Nonce,
		GasPrice: bigOrZero(tx.GasPrice),
		Gas:      tx.Gas,
		To:       addressPtrToBytes(tx.To),
		Value:    bigOrZero(tx.Value),
		Data:     tx.Data,
		V:        bigOrZero(tx.V),
		R:        bigOrZero(tx.R),
		S:        bigOrZero(tx.S),
	}
	return rlp.EncodeToBytes(enc)
}

// ---- Decoding ----

// DecodeTxRLP decodes an RLP-encoded legacy transaction. Typed transaction
// envelopes (EIP-2718 and later) are out of scope: the engine only ever
// sees the 9-field legacy form.
func DecodeTxRLP(data []byte) (*Transaction, error) {
	if len(data) == 0 {
		return nil, errors.New("empty transaction data")
	}
	if data[0] < 0xc0 {
		return nil, fmt.Errorf("unsupported transaction encoding, first byte: 0x%02x", data[0])
	}
	return decodeLegacyTx(data)
}

func decodeLegacyTx(data []byte) (*Transaction, error) {
	var dec legacyTxRLP
	if err := rlp.DecodeBytes(data, &dec); err != nil {
		return nil, fmt.Errorf("decode legacy tx: %w", err)
	}
	inner := &LegacyTx{
		Nonce:    dec.Nonce,
		GasPrice: dec.GasPrice,
		Gas:      dec.Gas,
		To:       bytesToAddressPtr(dec.To),
		Value:    dec.Value,
		Data:     dec.Data,
		V:        dec.V,
		R:        dec.R,
		S:        dec.S,
	}
	return NewTransaction(inner), nil
}

// ---- Address encoding helpers ----

func addressPtrToBytes(a *Address) []byte {
	if a == nil {
		return nil
	}
	return a[:]
}

func bytesToAddressPtr(b []byte) *Address {
	if len(b) == 0 {
		return nil
	}
	a := BytesToAddress(b)
	return &a
}

// bigOrZero returns i if non-nil, otherwise a zero big.Int.
func bigOrZero(i *big.Int) *big.Int {
	if i != nil {
		return i
	}
	return new(big.Int)
}

// ---- Hash using Keccak-256 of RLP encoding ----

// hashRLP computes Keccak-256 of the transaction's RLP encoding.
func (tx *Transaction) hashRLP() Hash {
	enc, err := tx.EncodeRLP()
	if err != nil {
		return Hash{}
	}
	d := sha3.NewLegacyKeccak256()
	d.Write(enc)
	var h Hash
	copy(h[:], d.Sum(nil))
	return h
}

// SigningHash returns the hash that was signed to produce the transaction's
// signature: Keccak256(RLP([nonce, gasPrice, gas, to, value, data])), the
// pre-EIP-155 legacy preimage required by the sender-recovery step.
func (tx *Transaction) SigningHash() Hash {
	t, ok := tx.inner.(*LegacyTx)
	if !ok {
		return Hash{}
	}
	return signingHashLegacy(t)
}

// signingHashLegacy computes the legacy (v ∈ {27, 28}, no chain-id offset)
// signing hash over the six unsigned fields.
func signingHashLegacy(tx *LegacyTx) Hash {
	toBytes := make([]byte, 0)
	if tx.To != nil {
		toBytes = tx.To[:]
	}

	var items [][]byte
	enc := func(v interface{}) {
		b, _ := rlp.EncodeToBytes(v)
		items = append(items, b)
	}

	enc(tx.Nonce)
	enc(tx.GasPrice)
	enc(tx.Gas)
	enc(toBytes)
	enc(tx.Value)
	enc(tx.Data)

	var payload []byte
	for _, item := range items {
		payload = append(payload, item...)
	}
	encoded := rlp.WrapList(payload)

	d := sha3.NewLegacyKeccak256()
	d.Write(encoded)
	var h Hash
	copy(h[:], d.Sum(nil))
	return h
}
