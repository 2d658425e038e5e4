package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/klingon-exchange/klingon-v2/internal/config"
	"github.com/klingon-exchange/klingon-v2/internal/walletsig"
)

// MemoryAdapter is a deterministic, in-memory Ledger Adapter used by tests
// and the bundled integration harness. Production adapters (JSON-RPC,
// UTXO-indexed) implement the same Adapter contract.
type MemoryAdapter struct {
	mu sync.RWMutex

	chain    config.ChainID
	blocks   map[uint64]Block
	inbound  map[uint64][]Transfer
	outbound map[uint64][]Transfer
	posted   []*SignedTransfer
	walletInfo *walletsig.MultisigWalletInfo

	subs []chan uint64
}

// NewMemoryAdapter creates an empty in-memory adapter for chain.
func NewMemoryAdapter(chain config.ChainID, walletInfo *walletsig.MultisigWalletInfo) *MemoryAdapter {
	return &MemoryAdapter{
		chain:      chain,
		blocks:     make(map[uint64]Block),
		inbound:    make(map[uint64][]Transfer),
		outbound:   make(map[uint64][]Transfer),
		walletInfo: walletInfo,
	}
}

// AddBlock appends a block, along with any inbound/outbound transfers it
// carries, and notifies subscribers. Intended for building test fixtures.
func (m *MemoryAdapter) AddBlock(b Block, inbound, outbound []Transfer) {
	m.mu.Lock()
	m.blocks[b.Height] = b
	m.inbound[b.Height] = inbound
	m.outbound[b.Height] = outbound
	subs := append([]chan uint64(nil), m.subs...)
	m.mu.Unlock()

	for _, s := range subs {
		select {
		case s <- b.Height:
		default:
		}
	}
}

func (m *MemoryAdapter) Chain() config.ChainID { return m.chain }

func (m *MemoryAdapter) LatestHeight(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max uint64
	for h := range m.blocks {
		if h > max {
			max = h
		}
	}
	return max, nil
}

func (m *MemoryAdapter) BlocksInRange(ctx context.Context, from, to uint64, maxBlocks int) ([]Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var heights []uint64
	for h := range m.blocks {
		if h > from && h <= to {
			heights = append(heights, h)
		}
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	if maxBlocks > 0 && len(heights) > maxBlocks {
		heights = heights[:maxBlocks]
	}

	out := make([]Block, 0, len(heights))
	for _, h := range heights {
		out = append(out, m.blocks[h])
	}
	return out, nil
}

func (m *MemoryAdapter) BlockAt(ctx context.Context, height uint64) (Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[height]
	if !ok {
		return Block{}, fmt.Errorf("no block at height %d", height)
	}
	return b, nil
}

func (m *MemoryAdapter) InboundTransfers(ctx context.Context, height uint64) ([]Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transfer(nil), m.inbound[height]...), nil
}

func (m *MemoryAdapter) OutboundTransfers(ctx context.Context, height uint64) ([]Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transfer(nil), m.outbound[height]...), nil
}

func (m *MemoryAdapter) PostTransaction(ctx context.Context, tx *SignedTransfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posted = append(m.posted, tx.Clone())
	return nil
}

// Posted returns every transaction handed to PostTransaction, in order.
func (m *MemoryAdapter) Posted() []*SignedTransfer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*SignedTransfer(nil), m.posted...)
}

func (m *MemoryAdapter) Subscribe(ctx context.Context) (<-chan uint64, error) {
	ch := make(chan uint64, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch, nil
}

func (m *MemoryAdapter) LoadMultisigWalletInfo(ctx context.Context, chain config.ChainID, walletAddress string) (*walletsig.MultisigWalletInfo, error) {
	if m.walletInfo == nil {
		return nil, fmt.Errorf("no wallet info configured for %s", chain)
	}
	return m.walletInfo, nil
}
