package walletsig

import (
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

func newTestMember(t *testing.T) *MemberKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return NewMemberKey(priv)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	m := newTestMember(t)
	hash := TransferHash([]byte("canonical-transfer-bytes"))

	sig := m.Sign(hash)
	if !Verify(hash, sig, m.PubKey) {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifyRejectsWrongHash(t *testing.T) {
	m := newTestMember(t)
	hash := TransferHash([]byte("a"))
	otherHash := TransferHash([]byte("b"))

	sig := m.Sign(hash)
	if Verify(otherHash, sig, m.PubKey) {
		t.Fatal("expected verification to fail for a different hash")
	}
}

func TestVerifyRejectsWrongMember(t *testing.T) {
	m1 := newTestMember(t)
	m2 := newTestMember(t)
	hash := TransferHash([]byte("x"))

	sig := m1.Sign(hash)
	if Verify(hash, sig, m2.PubKey) {
		t.Fatal("expected verification to fail against another member's key")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	if Verify(TransferHash([]byte("x")), Signature("not-hex-!!"), MemberPublicKey("also-not-hex")) {
		t.Fatal("expected garbage input to fail verification, not error")
	}
}

func TestIsMember(t *testing.T) {
	m1 := newTestMember(t)
	m2 := newTestMember(t)
	info := &MultisigWalletInfo{
		Members:                []MemberPublicKey{m1.PubKey},
		MemberCount:            1,
		RequiredSignatureCount: 1,
	}
	if !info.IsMember(m1.PubKey) {
		t.Error("expected m1 to be a member")
	}
	if info.IsMember(m2.PubKey) {
		t.Error("expected m2 not to be a member")
	}
}

func TestTransferHashDeterministic(t *testing.T) {
	h1 := TransferHash([]byte("same-input"))
	h2 := TransferHash([]byte("same-input"))
	if h1 != h2 {
		t.Fatal("expected identical input to hash identically")
	}
}

func TestMemberKeyGeneration(t *testing.T) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("rand read: %v", err)
	}
	priv := btcec.PrivKeyFromBytes(buf)
	m := NewMemberKey(priv)
	if m.PubKey == "" {
		t.Fatal("expected non-empty pubkey")
	}
}
