package snapshot

import (
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/klingon-exchange/klingon-v2/internal/orderbook"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "current.json"), filepath.Join(dir, "backups"), 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newStore(t)
	snap := orderbook.OrderBookSnapshot{
		BaseHeight:  10,
		QuoteHeight: 20,
		BidLimitOrders: []orderbook.Order{{
			ID: "bid1", SourceChain: "A", SourceWalletAddress: "wA", TargetChain: "B",
			TargetWalletAddress: "wB", Height: 1, ExpiryHeight: 1001, Timestamp: 5,
			Value: 200, ValueRemaining: 200, Price: big.NewRat(2, 1),
		}},
		AskLimitOrders: []orderbook.Order{{
			ID: "ask1", SourceChain: "B", SourceWalletAddress: "wB2", TargetChain: "A",
			TargetWalletAddress: "wA2", Height: 2, ExpiryHeight: 1002, Timestamp: 6,
			Size: 50, SizeRemaining: 50, Price: big.NewRat(3, 2),
		}},
	}

	if err := s.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, ok, err := s.Load()
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if loaded.BaseHeight != 10 || loaded.QuoteHeight != 20 {
		t.Fatalf("heights mismatch: %+v", loaded)
	}
	if len(loaded.BidLimitOrders) != 1 || loaded.BidLimitOrders[0].ID != "bid1" {
		t.Fatalf("bid orders mismatch: %+v", loaded.BidLimitOrders)
	}
	if loaded.BidLimitOrders[0].Price.Cmp(big.NewRat(2, 1)) != 0 {
		t.Fatalf("bid price mismatch: %v", loaded.BidLimitOrders[0].Price)
	}
	if len(loaded.AskLimitOrders) != 1 || loaded.AskLimitOrders[0].SizeRemaining != 50 {
		t.Fatalf("ask orders mismatch: %+v", loaded.AskLimitOrders)
	}
}

func TestLoadMissingFileReturnsFalse(t *testing.T) {
	s := newStore(t)
	_, ok, err := s.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false when current.json does not exist")
	}
}

func TestLoadAppliesLegacyBidFieldRewrite(t *testing.T) {
	s := newStore(t)
	legacy := `{
		"bidLimitOrders": [{"orderId": "legacy1", "size": 100, "price": "2/1", "sourceChain": "A", "sourceWalletAddress": "wA", "targetChain": "B", "targetWalletAddress": "wB", "height": 1, "expiryHeight": 1001, "timestamp": 5}],
		"askLimitOrders": [],
		"baseHeight": 1,
		"quoteHeight": 1
	}`
	if err := os.WriteFile(s.currentPath, []byte(legacy), 0o600); err != nil {
		t.Fatalf("write legacy fixture: %v", err)
	}

	loaded, ok, err := s.Load()
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if len(loaded.BidLimitOrders) != 1 {
		t.Fatalf("expected 1 bid order, got %d", len(loaded.BidLimitOrders))
	}
	o := loaded.BidLimitOrders[0]
	if o.ID != "legacy1" {
		t.Errorf("expected id rewritten from orderId, got %q", o.ID)
	}
	if o.Value != 200 {
		t.Errorf("expected value = size*price = 200, got %d", o.Value)
	}
	if o.ValueRemaining != 200 {
		t.Errorf("expected valueRemaining defaulted to value, got %d", o.ValueRemaining)
	}
}

func TestSaveTrimsBackupsToMaxCount(t *testing.T) {
	s := newStore(t) // backupMaxCount = 2
	for h := uint64(1); h <= 4; h++ {
		if err := s.Save(orderbook.OrderBookSnapshot{BaseHeight: h}); err != nil {
			t.Fatalf("Save height %d: %v", h, err)
		}
	}

	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 retained backups, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Name() != "snapshot-3.json" && e.Name() != "snapshot-4.json" {
			t.Errorf("expected only the 2 newest backups retained, found %s", e.Name())
		}
	}
}

func TestSaveProducesValidJSON(t *testing.T) {
	s := newStore(t)
	if err := s.Save(orderbook.OrderBookSnapshot{BaseHeight: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(s.currentPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var dto fileDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		t.Fatalf("current.json is not valid JSON: %v", err)
	}
}
