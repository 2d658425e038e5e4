package sigcoord

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/klingon-v2/internal/config"
	"github.com/klingon-exchange/klingon-v2/internal/ledger"
	"github.com/klingon-exchange/klingon-v2/internal/p2pbus"
	"github.com/klingon-exchange/klingon-v2/internal/registry"
	"github.com/klingon-exchange/klingon-v2/internal/scheduler"
	"github.com/klingon-exchange/klingon-v2/internal/walletsig"
)

func newMember(t *testing.T) *walletsig.MemberKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return walletsig.NewMemberKey(priv)
}

func setup(t *testing.T, required int) (*Coordinator, *walletsig.MultisigWalletInfo, []*walletsig.MemberKey, *ledger.MemoryAdapter) {
	t.Helper()
	self := newMember(t)
	var others []*walletsig.MemberKey
	members := []walletsig.MemberPublicKey{self.PubKey}
	addrs := map[walletsig.MemberPublicKey]walletsig.WalletAddress{self.PubKey: "addr-self"}
	for i := 0; i < required-1; i++ {
		m := newMember(t)
		others = append(others, m)
		members = append(members, m.PubKey)
		addrs[m.PubKey] = walletsig.WalletAddress("addr-other")
	}

	wallet := &walletsig.MultisigWalletInfo{
		Members:                members,
		MemberAddresses:        addrs,
		MemberCount:            len(members),
		RequiredSignatureCount: required,
	}

	reg := registry.New()
	bus := p2pbus.NewMemoryBus()
	adapter := ledger.NewMemoryAdapter("B", wallet)
	sched := scheduler.New()

	clock := int64(1000)
	now := func() int64 { return clock }

	c := New("B", wallet, self, reg, bus, adapter, sched, time.Millisecond, time.Millisecond, now)
	return c, wallet, others, adapter
}

func TestAuthorOutgoingRegistersWithOwnSignature(t *testing.T) {
	c, _, _, _ := setup(t, 1)
	entry := c.AuthorOutgoing(context.Background(), "tx1", TransferRequest{Amount: 100, Recipient: "r", Height: 1, Timestamp: 1})

	if len(entry.Transaction.Signatures) != 1 {
		t.Fatalf("expected 1 signature, got %d", len(entry.Transaction.Signatures))
	}
	if !entry.IsReady {
		t.Error("expected single-signer wallet to be ready immediately")
	}
}

func TestOnPeerSignatureQuorumAndSinglePost(t *testing.T) {
	c, wallet, others, adapter := setup(t, 3)
	_ = wallet
	id := "tx1"
	entry := c.AuthorOutgoing(context.Background(), id, TransferRequest{Amount: 100, Recipient: "r", Height: 1, Timestamp: 1})
	if entry.IsReady {
		t.Fatal("expected not ready with only 1 of 3 signatures")
	}

	hash := walletsig.TransferHash(entry.Transaction.CanonicalEncoding)

	// peer 1 valid signature
	sig1 := others[0].Sign(hash)
	c.OnPeerSignature(context.Background(), PeerSignature{TransferID: id, Signature: sig1, PublicKey: others[0].PubKey})

	// duplicate of sig1 should be dropped
	c.OnPeerSignature(context.Background(), PeerSignature{TransferID: id, Signature: sig1, PublicKey: others[0].PubKey})

	// invalid signature (garbage)
	c.OnPeerSignature(context.Background(), PeerSignature{TransferID: id, Signature: "not-a-sig", PublicKey: others[1].PubKey})

	got, _ := c.Registry().Get(id)
	if len(got.Transaction.Signatures) != 2 {
		t.Fatalf("expected 2 signatures after one valid peer sig, got %d", len(got.Transaction.Signatures))
	}
	if got.IsReady {
		t.Fatal("expected still not ready with 2 of 3 required")
	}

	// peer 2 valid signature reaches quota == 0
	sig2 := others[1].Sign(hash)
	c.OnPeerSignature(context.Background(), PeerSignature{TransferID: id, Signature: sig2, PublicKey: others[1].PubKey})

	got, _ = c.Registry().Get(id)
	if !got.IsReady {
		t.Fatal("expected ready at quota 0")
	}

	time.Sleep(50 * time.Millisecond)
	c.Scheduler().Wait()

	if len(adapter.Posted()) != 1 {
		t.Fatalf("expected exactly one posted transaction, got %d", len(adapter.Posted()))
	}
}

func TestRebroadcastSweepRange(t *testing.T) {
	c, _, _, adapter := setup(t, 1)
	c.AuthorOutgoing(context.Background(), "tx1", TransferRequest{Amount: 10, Recipient: "r", Height: 100, Timestamp: 1})

	// age 5, outside (10,20): no re-post expected (the entry is ready, so inside the window it would be re-posted).
	c.RebroadcastSweep(context.Background(), 105, 10, 20)
	if len(adapter.Posted()) != 0 {
		t.Fatal("expected no re-post outside the rebroadcast window")
	}

	c.RebroadcastSweep(context.Background(), 115, 10, 20)
	if len(adapter.Posted()) != 1 {
		t.Fatalf("expected one re-post inside the rebroadcast window, got %d", len(adapter.Posted()))
	}
}
