package crypto

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcrecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/ethreplay/ethreplay/core/types"
)

// secp256k1N is the order of the secp256k1 curve.
var secp256k1N, _ = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)

// secp256k1halfN is half the order, used for the Homestead low-S check.
var secp256k1halfN = new(big.Int).Div(secp256k1N, big.NewInt(2))

// GenerateKey generates a new secp256k1 private key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return key.ToECDSA(), nil
}

// Sign calculates an ECDSA signature in the 65-byte [R || S || V] format,
// where V is the recovery id in {0, 1}.
func Sign(hash []byte, prv *ecdsa.PrivateKey) ([]byte, error) {
	if len(hash) != 32 {
		return nil, errors.New("hash must be 32 bytes")
	}
	if prv == nil || prv.D == nil {
		return nil, errors.New("nil private key")
	}
	priv := secp256k1.PrivKeyFromBytes(prv.D.Bytes())
	compact := dcrecdsa.SignCompact(priv, hash, false)

	sig := make([]byte, 65)
	copy(sig[0:32], compact[1:33])
	copy(sig[32:64], compact[33:65])
	sig[64] = compact[0] - 27
	return sig, nil
}

// Ecrecover recovers the uncompressed public key from hash and signature.
func Ecrecover(hash, sig []byte) ([]byte, error) {
	pub, err := SigToPub(hash, sig)
	if err != nil {
		return nil, err
	}
	return FromECDSAPub(pub), nil
}

// SigToPub recovers the public key from hash and a 65-byte [R || S || V]
// signature. V must be the raw recovery id (0/1) or the legacy value (27/28).
func SigToPub(hash, sig []byte) (*ecdsa.PublicKey, error) {
	if len(sig) != 65 {
		return nil, errors.New("signature must be 65 bytes [R || S || V]")
	}
	if len(hash) != 32 {
		return nil, errors.New("hash must be 32 bytes")
	}
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return nil, errors.New("invalid recovery id")
	}

	compact := make([]byte, 65)
	compact[0] = 27 + v
	copy(compact[1:33], sig[0:32])
	copy(compact[33:65], sig[32:64])

	pub, _, err := dcrecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return nil, err
	}
	return pub.ToECDSA(), nil
}

// ValidateSignature verifies that the given signature (64 bytes, no V) is
// valid for the provided 65-byte uncompressed public key and 32-byte hash.
func ValidateSignature(pubkey, hash, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	if len(hash) != 32 {
		return false
	}
	if len(pubkey) != 65 || pubkey[0] != 0x04 {
		return false
	}
	pub, err := secp256k1.ParsePubKey(pubkey)
	if err != nil {
		return false
	}
	var r, s secp256k1.ModNScalar
	if r.SetByteSlice(sig[:32]) {
		return false // overflow
	}
	if s.SetByteSlice(sig[32:64]) {
		return false // overflow
	}
	signature := dcrecdsa.NewSignature(&r, &s)
	return signature.Verify(hash, pub)
}

// ValidateSignatureValues checks r, s, v for validity per Homestead rules.
// If homestead is true, s must be in the lower half of the curve order.
func ValidateSignatureValues(v byte, r, s *big.Int, homestead bool) bool {
	if r == nil || s == nil {
		return false
	}
	if v > 1 {
		return false
	}
	if r.Sign() <= 0 || s.Sign() <= 0 {
		return false
	}
	if r.Cmp(secp256k1N) >= 0 || s.Cmp(secp256k1N) >= 0 {
		return false
	}
	if homestead && s.Cmp(secp256k1halfN) > 0 {
		return false
	}
	return true
}

// PubkeyToAddress derives the Ethereum address from a public key.
// Address = Keccak256(pubkey[1:])[12:]
func PubkeyToAddress(p ecdsa.PublicKey) types.Address {
	pubBytes := FromECDSAPub(&p)
	if pubBytes == nil {
		return types.Address{}
	}
	hash := Keccak256(pubBytes[1:])
	return types.BytesToAddress(hash[12:])
}

// CompressPubkey compresses a 65-byte uncompressed public key to 33 bytes.
func CompressPubkey(pubkey *ecdsa.PublicKey) []byte {
	p := toDecredPubkey(pubkey)
	if p == nil {
		return nil
	}
	return p.SerializeCompressed()
}

// DecompressPubkey decompresses a 33-byte compressed public key.
func DecompressPubkey(pubkey []byte) (*ecdsa.PublicKey, error) {
	if len(pubkey) != 33 {
		return nil, errors.New("invalid compressed public key length")
	}
	pub, err := secp256k1.ParsePubKey(pubkey)
	if err != nil {
		return nil, errors.New("invalid compressed public key")
	}
	return pub.ToECDSA(), nil
}

// FromECDSAPub marshals a public key to 65-byte uncompressed format.
func FromECDSAPub(pub *ecdsa.PublicKey) []byte {
	p := toDecredPubkey(pub)
	if p == nil {
		return nil
	}
	return p.SerializeUncompressed()
}

// toDecredPubkey converts a stdlib ECDSA public key into the decred
// secp256k1 point representation used for (de)serialization.
func toDecredPubkey(pub *ecdsa.PublicKey) *secp256k1.PublicKey {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	var x, y secp256k1.FieldVal
	x.SetByteSlice(pub.X.Bytes())
	y.SetByteSlice(pub.Y.Bytes())
	return secp256k1.NewPublicKey(&x, &y)
}
