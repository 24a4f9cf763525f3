package core

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethreplay/ethreplay/core/state"
	"github.com/ethreplay/ethreplay/core/types"
	"github.com/ethreplay/ethreplay/crypto"
)

func TestIntrinsicGasByteCost(t *testing.T) {
	p := NewStateProcessor(DefaultChainConfig())

	data := []byte{0x00, 0x01, 0x00, 0xff}
	// 2 zero bytes * 4 + 2 non-zero bytes * 68, pre-Istanbul.
	want := TxGas + 2*TxDataZeroGas + 2*68
	if got := p.IntrinsicGas(data, 0); got != want {
		t.Errorf("pre-Istanbul: got %d, want %d", got, want)
	}

	// At and after the Istanbul block, non-zero bytes cost 16.
	want = TxGas + 2*TxDataZeroGas + 2*16
	if got := p.IntrinsicGas(data, 9_069_000); got != want {
		t.Errorf("at Istanbul block: got %d, want %d", got, want)
	}
	if got := p.IntrinsicGas(data, 9_069_001); got != want {
		t.Errorf("after Istanbul block: got %d, want %d", got, want)
	}

	if got := p.IntrinsicGas(nil, 0); got != TxGas {
		t.Errorf("empty data: got %d, want %d", got, TxGas)
	}
}

func TestBlockRewardEras(t *testing.T) {
	cases := []struct {
		number uint64
		want   *big.Int
	}{
		{0, FrontierBlockReward.ToBig()},
		{4_369_999, FrontierBlockReward.ToBig()},
		{4_370_000, ByzantiumBlockReward.ToBig()},
		{7_279_999, ByzantiumBlockReward.ToBig()},
		{7_280_000, ConstantinopleBlockReward.ToBig()},
		{20_000_000, ConstantinopleBlockReward.ToBig()},
	}
	for _, c := range cases {
		got := BlockReward(c.number).ToBig()
		if got.Cmp(c.want) != 0 {
			t.Errorf("BlockReward(%d) = %s, want %s", c.number, got, c.want)
		}
	}
}

func TestCreditAccount(t *testing.T) {
	statedb := state.NewMemoryStateDB()
	addr := types.Address{0x01}

	CreditAccount(statedb, addr, big.NewInt(100))
	if got := statedb.GetBalance(addr); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("balance = %s, want 100", got)
	}
	if got := statedb.GetNonce(addr); got != 0 {
		t.Errorf("nonce = %d, want 0 (credit must not bump nonce)", got)
	}

	// Crediting zero or nil must not touch an account that doesn't exist yet.
	other := types.Address{0x02}
	CreditAccount(statedb, other, big.NewInt(0))
	CreditAccount(statedb, other, nil)
	if got := statedb.GetBalance(other); got.Sign() != 0 {
		t.Errorf("balance = %s, want 0", got)
	}
}

func TestDebitAccountBumpsNonce(t *testing.T) {
	statedb := state.NewMemoryStateDB()
	addr := types.Address{0x01}
	CreditAccount(statedb, addr, big.NewInt(1000))

	if err := DebitAccount(statedb, addr, big.NewInt(300)); err != nil {
		t.Fatalf("DebitAccount: %v", err)
	}
	if got := statedb.GetBalance(addr); got.Cmp(big.NewInt(700)) != 0 {
		t.Errorf("balance = %s, want 700", got)
	}
	if got := statedb.GetNonce(addr); got != 1 {
		t.Errorf("nonce = %d, want 1", got)
	}

	if err := DebitAccount(statedb, addr, big.NewInt(0)); err != nil {
		t.Fatalf("DebitAccount(0): %v", err)
	}
	if got := statedb.GetNonce(addr); got != 2 {
		t.Errorf("nonce after zero-value debit = %d, want 2", got)
	}
}

func TestDebitAccountInsufficientBalance(t *testing.T) {
	statedb := state.NewMemoryStateDB()
	addr := types.Address{0x01}
	CreditAccount(statedb, addr, big.NewInt(50))

	err := DebitAccount(statedb, addr, big.NewInt(51))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if got := statedb.GetBalance(addr); got.Cmp(big.NewInt(50)) != 0 {
		t.Errorf("balance = %s, want unchanged 50", got)
	}
	if got := statedb.GetNonce(addr); got != 0 {
		t.Errorf("nonce = %d, want unchanged 0 on failed debit", got)
	}
}

func TestVerifyGenesisInvariants(t *testing.T) {
	validHeader := func() *types.Header {
		return &types.Header{
			Coinbase:    types.Address{},
			TxHash:      types.EmptyRootHash,
			ReceiptHash: types.EmptyRootHash,
		}
	}
	emptyBody := &types.Body{}

	if err := VerifyGenesisInvariants(validHeader(), emptyBody); err != nil {
		t.Fatalf("valid genesis rejected: %v", err)
	}

	tests := []struct {
		name   string
		header *types.Header
		body   *types.Body
	}{
		{"has transactions", validHeader(), &types.Body{Transactions: []*types.Transaction{{}}}},
		{"has uncles", validHeader(), &types.Body{Uncles: []*types.Header{{}}}},
		{"non-zero beneficiary", func() *types.Header {
			h := validHeader()
			h.Coinbase = types.Address{0x01}
			return h
		}(), emptyBody},
		{"non-empty tx root", func() *types.Header {
			h := validHeader()
			h.TxHash = types.Hash{0x01}
			return h
		}(), emptyBody},
		{"non-empty receipt root", func() *types.Header {
			h := validHeader()
			h.ReceiptHash = types.Hash{0x01}
			return h
		}(), emptyBody},
	}
	for _, tt := range tests {
		if err := VerifyGenesisInvariants(tt.header, tt.body); !errors.Is(err, ErrGenesisMalformed) {
			t.Errorf("%s: err = %v, want ErrGenesisMalformed", tt.name, err)
		}
	}
}

// signLegacyTx fills in V/R/S on a LegacyTx using the plain (non-EIP-155)
// recovery scheme, following the same signing hash the processor verifies
// against.
func signLegacyTx(t *testing.T, inner *types.LegacyTx) *types.Transaction {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tx := types.NewTransaction(inner)
	sighash := tx.SigningHash()
	sig, err := crypto.Sign(sighash.Bytes(), key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	inner.R = new(big.Int).SetBytes(sig[0:32])
	inner.S = new(big.Int).SetBytes(sig[32:64])
	inner.V = new(big.Int).SetUint64(uint64(sig[64]) + 27)
	return types.NewTransaction(inner)
}

func TestProcessBlockSingleTransaction(t *testing.T) {
	p := NewStateProcessor(DefaultChainConfig())
	statedb := state.NewMemoryStateDB()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sender := crypto.PubkeyToAddress(key.PublicKey)
	recipient := types.Address{0xaa}
	beneficiary := types.Address{0xbb}

	gasPrice := big.NewInt(1_000_000_000)
	value := big.NewInt(5_000_000_000_000_000)
	gasLimit := TxGas

	inner := &types.LegacyTx{
		Nonce:    0,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &recipient,
		Value:    value,
		Data:     nil,
	}
	tx := types.NewTransaction(inner)
	sighash := tx.SigningHash()
	sig, err := crypto.Sign(sighash.Bytes(), key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	inner.R = new(big.Int).SetBytes(sig[0:32])
	inner.S = new(big.Int).SetBytes(sig[32:64])
	inner.V = new(big.Int).SetUint64(uint64(sig[64]) + 27)
	tx = types.NewTransaction(inner)

	gasCost := new(big.Int).Mul(big.NewInt(int64(gasLimit)), gasPrice)
	debit := new(big.Int).Add(value, gasCost)

	fundedBalance := new(big.Int).Add(debit, big.NewInt(1)) // leave a spare wei
	CreditAccount(statedb, sender, fundedBalance)

	reward := BlockReward(1).ToBig()
	expectedBeneficiaryBalance := new(big.Int).Add(gasCost, reward)

	// Predict the resulting root on an isolated copy, applying the exact
	// same balance changes ProcessBlock will make, then feed that root into
	// the header under test.
	preview := statedb.Copy()
	if err := DebitAccount(preview, sender, debit); err != nil {
		t.Fatalf("preview debit: %v", err)
	}
	CreditAccount(preview, recipient, value)
	CreditAccount(preview, beneficiary, gasCost)
	CreditAccount(preview, beneficiary, reward)
	wantRoot, err := preview.Commit()
	if err != nil {
		t.Fatalf("preview commit: %v", err)
	}

	header := &types.Header{
		Coinbase: beneficiary,
		Number:   big.NewInt(1),
		GasLimit: TxGas,
		GasUsed:  TxGas,
		Root:     wantRoot,
	}
	body := &types.Body{Transactions: []*types.Transaction{tx}}

	gotRoot, err := p.ProcessBlock(statedb, header, body)
	if err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}
	if gotRoot != wantRoot {
		t.Errorf("root = %s, want %s", gotRoot.Hex(), wantRoot.Hex())
	}

	if got := statedb.GetBalance(sender); got.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("sender balance = %s, want 1 (spare wei left over)", got)
	}
	if got := statedb.GetNonce(sender); got != 1 {
		t.Errorf("sender nonce = %d, want 1", got)
	}
	if got := statedb.GetBalance(recipient); got.Cmp(value) != 0 {
		t.Errorf("recipient balance = %s, want %s", got, value)
	}
	if got := statedb.GetBalance(beneficiary); got.Cmp(expectedBeneficiaryBalance) != 0 {
		t.Errorf("beneficiary balance = %s, want %s", got, expectedBeneficiaryBalance)
	}
}

func TestProcessBlockIntrinsicGasTooLow(t *testing.T) {
	p := NewStateProcessor(DefaultChainConfig())
	statedb := state.NewMemoryStateDB()

	recipient := types.Address{0xaa}
	inner := &types.LegacyTx{
		Nonce:    0,
		GasPrice: big.NewInt(1),
		Gas:      TxGas - 1, // below the 21000 floor
		To:       &recipient,
		Value:    big.NewInt(0),
	}
	tx := signLegacyTx(t, inner)

	header := &types.Header{Coinbase: types.Address{0xbb}, Number: big.NewInt(1)}
	body := &types.Body{Transactions: []*types.Transaction{tx}}

	_, err := p.ProcessBlock(statedb, header, body)
	if !errors.Is(err, ErrIntrinsicGasTooLow) {
		t.Fatalf("err = %v, want ErrIntrinsicGasTooLow", err)
	}
}

func TestProcessBlockGasLimitExceeded(t *testing.T) {
	p := NewStateProcessor(DefaultChainConfig())
	statedb := state.NewMemoryStateDB()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sender := crypto.PubkeyToAddress(key.PublicKey)
	recipient := types.Address{0xaa}
	inner := &types.LegacyTx{
		Nonce:    0,
		GasPrice: big.NewInt(1),
		Gas:      TxGas,
		To:       &recipient,
		Value:    big.NewInt(0),
	}
	tx := types.NewTransaction(inner)
	sighash := tx.SigningHash()
	sig, err := crypto.Sign(sighash.Bytes(), key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	inner.R = new(big.Int).SetBytes(sig[0:32])
	inner.S = new(big.Int).SetBytes(sig[32:64])
	inner.V = new(big.Int).SetUint64(uint64(sig[64]) + 27)
	tx = types.NewTransaction(inner)

	CreditAccount(statedb, sender, big.NewInt(1_000_000_000_000))

	header := &types.Header{
		Coinbase: types.Address{0xbb},
		Number:   big.NewInt(1),
		GasLimit: TxGas - 1, // smaller than a single transaction's intrinsic gas
	}
	body := &types.Body{Transactions: []*types.Transaction{tx}}

	_, err = p.ProcessBlock(statedb, header, body)
	if !errors.Is(err, ErrGasLimitExceeded) {
		t.Fatalf("err = %v, want ErrGasLimitExceeded", err)
	}
}

func TestProcessBlockUncleReward(t *testing.T) {
	p := NewStateProcessor(DefaultChainConfig())
	statedb := state.NewMemoryStateDB()

	beneficiary := types.Address{0xbb}
	uncleBeneficiary := types.Address{0xcc}
	blockNumber := uint64(10)
	uncleNumber := uint64(9)

	baseReward := BlockReward(blockNumber).ToBig()
	uncleBonus := new(big.Int).Div(baseReward, big.NewInt(32)) // 1 uncle
	minerReward := new(big.Int).Add(baseReward, uncleBonus)

	delta := new(big.Int).Sub(big.NewInt(int64(uncleNumber)), big.NewInt(int64(blockNumber)))
	uncleTerm := new(big.Int).Div(new(big.Int).Mul(baseReward, delta), big.NewInt(8))
	uncleReward := new(big.Int).Add(baseReward, uncleTerm)

	preview := statedb.Copy()
	CreditAccount(preview, beneficiary, minerReward)
	CreditAccount(preview, uncleBeneficiary, uncleReward)
	wantRoot, err := preview.Commit()
	if err != nil {
		t.Fatalf("preview commit: %v", err)
	}

	header := &types.Header{
		Coinbase: beneficiary,
		Number:   big.NewInt(int64(blockNumber)),
		GasUsed:  0,
		Root:     wantRoot,
	}
	body := &types.Body{
		Uncles: []*types.Header{{Coinbase: uncleBeneficiary, Number: big.NewInt(int64(uncleNumber))}},
	}

	gotRoot, err := p.ProcessBlock(statedb, header, body)
	if err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}
	if gotRoot != wantRoot {
		t.Errorf("root = %s, want %s", gotRoot.Hex(), wantRoot.Hex())
	}
	if got := statedb.GetBalance(beneficiary); got.Cmp(minerReward) != 0 {
		t.Errorf("beneficiary balance = %s, want %s", got, minerReward)
	}
	if got := statedb.GetBalance(uncleBeneficiary); got.Cmp(uncleReward) != 0 {
		t.Errorf("uncle beneficiary balance = %s, want %s", got, uncleReward)
	}
}

func TestProcessBlockStateRootMismatch(t *testing.T) {
	p := NewStateProcessor(DefaultChainConfig())
	statedb := state.NewMemoryStateDB()

	header := &types.Header{
		Coinbase: types.Address{0xbb},
		Number:   big.NewInt(1),
		GasUsed:  0,
		Root:     types.Hash{0xde, 0xad},
	}
	body := &types.Body{}

	_, err := p.ProcessBlock(statedb, header, body)
	if !errors.Is(err, ErrStateRootMismatch) {
		t.Fatalf("err = %v, want ErrStateRootMismatch", err)
	}
}
