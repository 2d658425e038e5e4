// Package snapshot persists order book snapshots to disk: a single
// current.json holding the latest state, plus a bounded ring of
// height-named backups. Writes are crash-safe (write to .tmp, rename).
package snapshot

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klingon-exchange/klingon-v2/internal/orderbook"
)

// Store persists OrderBookSnapshot values to a current file plus a
// retained ring of per-height backups.
type Store struct {
	mu sync.Mutex

	currentPath    string
	backupDir      string
	backupMaxCount int

	last    orderbook.OrderBookSnapshot
	hasLast bool
}

// New constructs a Store. currentPath is the path to current.json;
// backupDir holds snapshot-<baseHeight>.json sidecars, trimmed to
// backupMaxCount newest files.
func New(currentPath, backupDir string, backupMaxCount int) (*Store, error) {
	if backupMaxCount <= 0 {
		backupMaxCount = 200
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot backup dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(currentPath), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot current dir: %w", err)
	}
	return &Store{
		currentPath:    currentPath,
		backupDir:      backupDir,
		backupMaxCount: backupMaxCount,
	}, nil
}

// Save atomically overwrites current.json, additionally writes a
// snapshot-<baseHeight>.json sidecar, then trims the backup directory.
func (s *Store) Save(snap orderbook.OrderBookSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dto := toFileDTO(snap)
	data, err := json.Marshal(dto)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := writeAtomic(s.currentPath, data); err != nil {
		return fmt.Errorf("write current snapshot: %w", err)
	}

	sidecar := filepath.Join(s.backupDir, sidecarName(snap.BaseHeight))
	if err := writeAtomic(sidecar, data); err != nil {
		return fmt.Errorf("write snapshot backup: %w", err)
	}

	if err := s.trimBackups(); err != nil {
		return fmt.Errorf("trim snapshot backups: %w", err)
	}

	s.last = snap
	s.hasLast = true
	return nil
}

// LastSnapshot returns the most recently saved snapshot from this
// process's lifetime, without touching disk.
func (s *Store) LastSnapshot() (orderbook.OrderBookSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// LastSnapshotBaseHeight reports the base-chain height of the most
// recently saved snapshot, for the interleaver's fork-recovery cursor
// reset.
func (s *Store) LastSnapshotBaseHeight() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasLast {
		return 0, false
	}
	return s.last.BaseHeight, true
}

// Load reads current.json from disk, applying the legacy bid-order field
// rewrite (older snapshots carried orderId/size instead of id/value).
// Returns (snapshot, false, nil) if no current.json exists yet.
func (s *Store) Load() (orderbook.OrderBookSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.currentPath)
	if err != nil {
		if os.IsNotExist(err) {
			return orderbook.OrderBookSnapshot{}, false, nil
		}
		return orderbook.OrderBookSnapshot{}, false, fmt.Errorf("read current snapshot: %w", err)
	}

	var dto fileDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return orderbook.OrderBookSnapshot{}, false, fmt.Errorf("unmarshal current snapshot: %w", err)
	}

	snap, err := fromFileDTO(dto)
	if err != nil {
		return orderbook.OrderBookSnapshot{}, false, err
	}

	s.last = snap
	s.hasLast = true
	return snap, true, nil
}

func (s *Store) trimBackups() error {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return err
	}

	type backup struct {
		height uint64
		path   string
	}
	var backups []backup
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		h, ok := parseSidecarHeight(e.Name())
		if !ok {
			continue
		}
		backups = append(backups, backup{height: h, path: filepath.Join(s.backupDir, e.Name())})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].height > backups[j].height })

	if len(backups) <= s.backupMaxCount {
		return nil
	}
	for _, b := range backups[s.backupMaxCount:] {
		if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func sidecarName(baseHeight uint64) string {
	return fmt.Sprintf("snapshot-%d.json", baseHeight)
}

func parseSidecarHeight(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "snapshot-") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "snapshot-"), ".json")
	h, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, false
	}
	return h, true
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// --- JSON DTOs and legacy compatibility rewrite ---

type fileDTO struct {
	BidLimitOrders []bidOrderDTO `json:"bidLimitOrders"`
	AskLimitOrders []askOrderDTO `json:"askLimitOrders"`
	BaseHeight     uint64        `json:"baseHeight"`
	QuoteHeight    uint64        `json:"quoteHeight"`
}

// bidOrderDTO carries both the current field names and the legacy
// orderId/size pair that older snapshots used for bid orders.
type bidOrderDTO struct {
	ID                  string `json:"id,omitempty"`
	OrderID             string `json:"orderId,omitempty"`
	SourceChain         string `json:"sourceChain"`
	SourceWalletAddress string `json:"sourceWalletAddress"`
	TargetChain         string `json:"targetChain"`
	TargetWalletAddress string `json:"targetWalletAddress"`
	Height              uint64 `json:"height"`
	ExpiryHeight        uint64 `json:"expiryHeight"`
	Timestamp           int64  `json:"timestamp"`
	Value               uint64 `json:"value,omitempty"`
	ValueRemaining      uint64 `json:"valueRemaining,omitempty"`
	Size                uint64 `json:"size,omitempty"`
	Price               string `json:"price"`
}

type askOrderDTO struct {
	ID                  string `json:"id"`
	SourceChain         string `json:"sourceChain"`
	SourceWalletAddress string `json:"sourceWalletAddress"`
	TargetChain         string `json:"targetChain"`
	TargetWalletAddress string `json:"targetWalletAddress"`
	Height              uint64 `json:"height"`
	ExpiryHeight        uint64 `json:"expiryHeight"`
	Timestamp           int64  `json:"timestamp"`
	Size                uint64 `json:"size"`
	SizeRemaining       uint64 `json:"sizeRemaining"`
	Price               string `json:"price"`
}

func toFileDTO(snap orderbook.OrderBookSnapshot) fileDTO {
	dto := fileDTO{BaseHeight: snap.BaseHeight, QuoteHeight: snap.QuoteHeight}
	for _, o := range snap.BidLimitOrders {
		dto.BidLimitOrders = append(dto.BidLimitOrders, bidOrderDTO{
			ID:                  o.ID,
			SourceChain:         o.SourceChain,
			SourceWalletAddress: o.SourceWalletAddress,
			TargetChain:         o.TargetChain,
			TargetWalletAddress: o.TargetWalletAddress,
			Height:              o.Height,
			ExpiryHeight:        o.ExpiryHeight,
			Timestamp:           o.Timestamp,
			Value:               o.Value,
			ValueRemaining:      o.ValueRemaining,
			Price:               priceString(o.Price),
		})
	}
	for _, o := range snap.AskLimitOrders {
		dto.AskLimitOrders = append(dto.AskLimitOrders, askOrderDTO{
			ID:                  o.ID,
			SourceChain:         o.SourceChain,
			SourceWalletAddress: o.SourceWalletAddress,
			TargetChain:         o.TargetChain,
			TargetWalletAddress: o.TargetWalletAddress,
			Height:              o.Height,
			ExpiryHeight:        o.ExpiryHeight,
			Timestamp:           o.Timestamp,
			Size:                o.Size,
			SizeRemaining:       o.SizeRemaining,
			Price:               priceString(o.Price),
		})
	}
	return dto
}

func fromFileDTO(dto fileDTO) (orderbook.OrderBookSnapshot, error) {
	snap := orderbook.OrderBookSnapshot{BaseHeight: dto.BaseHeight, QuoteHeight: dto.QuoteHeight}

	for _, d := range dto.BidLimitOrders {
		price, err := parsePrice(d.Price)
		if err != nil {
			return orderbook.OrderBookSnapshot{}, fmt.Errorf("bid order %s: %w", firstNonEmpty(d.ID, d.OrderID), err)
		}

		id := d.ID
		if id == "" {
			id = d.OrderID
		}

		value := d.Value
		if value == 0 && d.Size != 0 {
			value = floorMulUint(d.Size, price)
		}
		valueRemaining := d.ValueRemaining
		if valueRemaining == 0 {
			valueRemaining = value
		}

		snap.BidLimitOrders = append(snap.BidLimitOrders, orderbook.Order{
			ID:                  id,
			Side:                orderbook.Bid,
			Kind:                orderbook.Limit,
			SourceChain:         d.SourceChain,
			SourceWalletAddress: d.SourceWalletAddress,
			TargetChain:         d.TargetChain,
			TargetWalletAddress: d.TargetWalletAddress,
			Height:              d.Height,
			ExpiryHeight:        d.ExpiryHeight,
			Timestamp:           d.Timestamp,
			Value:               value,
			ValueRemaining:      valueRemaining,
			Price:               price,
		})
	}

	for _, d := range dto.AskLimitOrders {
		price, err := parsePrice(d.Price)
		if err != nil {
			return orderbook.OrderBookSnapshot{}, fmt.Errorf("ask order %s: %w", d.ID, err)
		}
		snap.AskLimitOrders = append(snap.AskLimitOrders, orderbook.Order{
			ID:                  d.ID,
			Side:                orderbook.Ask,
			Kind:                orderbook.Limit,
			SourceChain:         d.SourceChain,
			SourceWalletAddress: d.SourceWalletAddress,
			TargetChain:         d.TargetChain,
			TargetWalletAddress: d.TargetWalletAddress,
			Height:              d.Height,
			ExpiryHeight:        d.ExpiryHeight,
			Timestamp:           d.Timestamp,
			Size:                d.Size,
			SizeRemaining:       d.SizeRemaining,
			Price:               price,
		})
	}

	return snap, nil
}

func priceString(p *big.Rat) string {
	if p == nil {
		return ""
	}
	return p.RatString()
}

func parsePrice(s string) (*big.Rat, error) {
	if s == "" {
		return nil, nil
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid price %q", s)
	}
	return r, nil
}

func floorMulUint(amount uint64, price *big.Rat) uint64 {
	if price == nil {
		return 0
	}
	r := new(big.Rat).SetUint64(amount)
	r.Mul(r, price)
	q := new(big.Int).Quo(r.Num(), r.Denom())
	if q.Sign() < 0 {
		return 0
	}
	return q.Uint64()
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
