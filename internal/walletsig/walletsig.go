// Package walletsig provides the federated multisig primitives the
// Signature Coordinator builds on: member key identity, canonical transfer
// hashing, and ECDSA sign/verify over secp256k1.
package walletsig

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/blake2b"

	"github.com/klingon-exchange/klingon-v2/internal/config"
)

// MemberPublicKey identifies one federation member by its compressed
// secp256k1 public key, hex-encoded.
type MemberPublicKey string

// WalletAddress is a ledger-native address string.
type WalletAddress string

// Signature is a DER-encoded ECDSA signature, hex-encoded for use as a
// set element.
type Signature string

// MultisigWalletInfo is the per-chain membership snapshot loaded once at
// startup. Thereafter treated as immutable.
type MultisigWalletInfo struct {
	Members                []MemberPublicKey
	MemberAddresses         map[MemberPublicKey]WalletAddress
	MemberCount             int
	RequiredSignatureCount  int
}

// IsMember reports whether pubKey belongs to this wallet's federation.
func (w *MultisigWalletInfo) IsMember(pubKey MemberPublicKey) bool {
	for _, m := range w.Members {
		if m == pubKey {
			return true
		}
	}
	return false
}

// AddressOf returns the wallet address a member signs with, for dividend
// attribution and contributor bookkeeping.
func (w *MultisigWalletInfo) AddressOf(pubKey MemberPublicKey) WalletAddress {
	return w.MemberAddresses[pubKey]
}

// AccountLoader fetches a chain's MultisigWalletInfo from the ledger's
// account database. It is implemented by the Ledger Adapter.
type AccountLoader interface {
	LoadMultisigWalletInfo(ctx context.Context, chain config.ChainID, walletAddress string) (*MultisigWalletInfo, error)
}

// LoadWalletInfo loads and freezes a chain's multisig membership at startup.
func LoadWalletInfo(ctx context.Context, loader AccountLoader, chain config.ChainID, walletAddress string) (*MultisigWalletInfo, error) {
	info, err := loader.LoadMultisigWalletInfo(ctx, chain, walletAddress)
	if err != nil {
		return nil, fmt.Errorf("load multisig wallet info for %s: %w", chain, err)
	}
	if info.RequiredSignatureCount <= 0 || info.RequiredSignatureCount > info.MemberCount {
		return nil, fmt.Errorf("invalid requiredSignatureCount %d for %d members", info.RequiredSignatureCount, info.MemberCount)
	}
	return info, nil
}

// MemberKey is this node's own signing identity for the federation.
type MemberKey struct {
	PrivKey *btcec.PrivateKey
	PubKey  MemberPublicKey
}

// NewMemberKey derives a MemberKey from a raw secp256k1 private key.
func NewMemberKey(priv *btcec.PrivateKey) *MemberKey {
	pub := priv.PubKey()
	return &MemberKey{
		PrivKey: priv,
		PubKey:  MemberPublicKey(hex.EncodeToString(pub.SerializeCompressed())),
	}
}

// TransferHash computes the deterministic blake2b-256 hash of a
// transfer's canonical unsigned encoding (the transaction without its
// signatures).
func TransferHash(canonicalEncoding []byte) [32]byte {
	return blake2b.Sum256(canonicalEncoding)
}

// Sign produces this node's ECDSA signature over a transfer hash.
func (k *MemberKey) Sign(hash [32]byte) Signature {
	sig := btcecdsa.Sign(k.PrivKey, hash[:])
	return Signature(hex.EncodeToString(sig.Serialize()))
}

// Verify checks a signature against a transfer hash and a claimed member
// public key. An invalid signature is never an error: it is
// a normal negative outcome, reported via the bool return.
func Verify(hash [32]byte, sig Signature, pubKey MemberPublicKey) bool {
	pubBytes, err := hex.DecodeString(string(pubKey))
	if err != nil {
		return false
	}
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(string(sig))
	if err != nil {
		return false
	}
	parsedSig, err := btcecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	return parsedSig.Verify(hash[:], pub)
}

// ToECDSA exposes the private key in its standard library form.
func (k *MemberKey) ToECDSA() *ecdsa.PrivateKey {
	return k.PrivKey.ToECDSA()
}
