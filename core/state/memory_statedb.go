package state

import (
	"math/big"
	"sort"

	"github.com/ethreplay/ethreplay/core/types"
	"github.com/ethreplay/ethreplay/crypto"
	"github.com/ethreplay/ethreplay/rlp"
	"github.com/ethreplay/ethreplay/trie"
)

// stateObject represents an Ethereum account's balance and nonce. Every
// account in this engine is an externally-owned account: Root is always
// EmptyRootHash and CodeHash is always EmptyCodeHash, since no transaction
// ever deploys code or writes storage.
type stateObject struct {
	account types.Account
}

func newStateObject() *stateObject {
	return &stateObject{account: types.NewAccount()}
}

// MemoryStateDB is an in-memory implementation of StateDB, backed by a
// Merkle Patricia Trie for root computation.
type MemoryStateDB struct {
	stateObjects map[types.Address]*stateObject
}

// NewMemoryStateDB creates a new in-memory state database.
func NewMemoryStateDB() *MemoryStateDB {
	return &MemoryStateDB{
		stateObjects: make(map[types.Address]*stateObject),
	}
}

func (s *MemoryStateDB) getStateObject(addr types.Address) *stateObject {
	return s.stateObjects[addr]
}

func (s *MemoryStateDB) getOrNewStateObject(addr types.Address) *stateObject {
	if obj := s.stateObjects[addr]; obj != nil {
		return obj
	}
	obj := newStateObject()
	s.stateObjects[addr] = obj
	return obj
}

func (s *MemoryStateDB) SubBalance(addr types.Address, amount *big.Int) {
	obj := s.getOrNewStateObject(addr)
	obj.account.Balance = new(big.Int).Sub(obj.account.Balance, amount)
}

func (s *MemoryStateDB) AddBalance(addr types.Address, amount *big.Int) {
	obj := s.getOrNewStateObject(addr)
	obj.account.Balance = new(big.Int).Add(obj.account.Balance, amount)
}

func (s *MemoryStateDB) GetBalance(addr types.Address) *big.Int {
	if obj := s.getStateObject(addr); obj != nil {
		return new(big.Int).Set(obj.account.Balance)
	}
	return new(big.Int)
}

func (s *MemoryStateDB) GetNonce(addr types.Address) uint64 {
	if obj := s.getStateObject(addr); obj != nil {
		return obj.account.Nonce
	}
	return 0
}

func (s *MemoryStateDB) SetNonce(addr types.Address, nonce uint64) {
	obj := s.getOrNewStateObject(addr)
	obj.account.Nonce = nonce
}

// --- Commit ---

// rlpAccount is the RLP-serializable form of an Ethereum account (Yellow Paper).
type rlpAccount struct {
	Nonce    uint64
	Balance  *big.Int
	Root     []byte // storage trie root hash (32 bytes), always EmptyRootHash here
	CodeHash []byte // keccak256 of code (32 bytes), always EmptyCodeHash here
}

// Commit builds the account trie from current balances and nonces and
// returns its root hash: key = keccak256(address), value = rlp(account).
func (s *MemoryStateDB) Commit() (types.Hash, error) {
	if len(s.stateObjects) == 0 {
		return types.EmptyRootHash, nil
	}

	stateTrie := trie.New()

	// Sort addresses for deterministic iteration order; the trie's hash is
	// deterministic regardless, but this makes debugging easier.
	addrs := make([]types.Address, 0, len(s.stateObjects))
	for addr := range s.stateObjects {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].Hex() < addrs[j].Hex()
	})

	for _, addr := range addrs {
		obj := s.stateObjects[addr]

		codeHash := obj.account.CodeHash
		if len(codeHash) == 0 {
			codeHash = types.EmptyCodeHash.Bytes()
		}

		acc := rlpAccount{
			Nonce:    obj.account.Nonce,
			Balance:  obj.account.Balance,
			Root:     types.EmptyRootHash.Bytes(),
			CodeHash: codeHash,
		}
		encoded, err := rlp.EncodeToBytes(acc)
		if err != nil {
			return types.Hash{}, err
		}

		hashedAddr := crypto.Keccak256(addr[:])
		if err := stateTrie.Put(hashedAddr, encoded); err != nil {
			return types.Hash{}, err
		}
	}

	return stateTrie.Hash(), nil
}

// Copy returns a deep copy of the MemoryStateDB. The copy shares no mutable
// state with the original.
func (s *MemoryStateDB) Copy() *MemoryStateDB {
	cp := &MemoryStateDB{
		stateObjects: make(map[types.Address]*stateObject, len(s.stateObjects)),
	}
	for addr, obj := range s.stateObjects {
		newObj := &stateObject{
			account: types.Account{
				Nonce:    obj.account.Nonce,
				Balance:  new(big.Int).Set(obj.account.Balance),
				Root:     obj.account.Root,
				CodeHash: append([]byte(nil), obj.account.CodeHash...),
			},
		}
		cp.stateObjects[addr] = newObj
	}
	return cp
}

// Verify interface compliance at compile time.
var _ StateDB = (*MemoryStateDB)(nil)
