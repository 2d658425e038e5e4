package interleaver

import (
	"context"
	"testing"

	"github.com/klingon-exchange/klingon-v2/internal/config"
	"github.com/klingon-exchange/klingon-v2/internal/ledger"
)

type noopForkWatcher struct{}

func (noopForkWatcher) IsForked() bool                          { return false }
func (noopForkWatcher) WaitResumed(ctx context.Context) error { return nil }

func newAdapter(chain config.ChainID) *ledger.MemoryAdapter {
	return ledger.NewMemoryAdapter(chain, nil)
}

func TestTickMergesByTimestampBaseTieBreak(t *testing.T) {
	base := newAdapter("A")
	quote := newAdapter("B")

	base.AddBlock(ledger.Block{Height: 1, Timestamp: 100}, nil, nil)
	quote.AddBlock(ledger.Block{Height: 1, Timestamp: 100}, nil, nil)
	quote.AddBlock(ledger.Block{Height: 2, Timestamp: 101}, nil, nil)
	base.AddBlock(ledger.Block{Height: 2, Timestamp: 101}, nil, nil)

	var order []string
	in := New(Config{
		Base:          "A",
		Quote:         "B",
		Adapters:      map[config.ChainID]ledger.Adapter{"A": base, "B": quote},
		Confirmations: map[config.ChainID]uint64{"A": 0, "B": 0},
		ReadMaxBlocks: map[config.ChainID]int{"A": 100, "B": 100},
		ForkWatcher:   noopForkWatcher{},
		Pipeline: func(ctx context.Context, mb MergedBlock) error {
			order = append(order, string(mb.Chain))
			return nil
		},
	})

	processed, err := in.tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 4 {
		t.Fatalf("expected 4 blocks processed, got %d", processed)
	}
	want := []string{"A", "B", "A", "B"}
	for i, c := range want {
		if order[i] != c {
			t.Fatalf("expected order %v (base-first tie-break), got %v", want, order)
		}
	}
}

func TestTickRespectsConfirmations(t *testing.T) {
	base := newAdapter("A")
	quote := newAdapter("B")
	base.AddBlock(ledger.Block{Height: 1, Timestamp: 1}, nil, nil)
	base.AddBlock(ledger.Block{Height: 2, Timestamp: 2}, nil, nil)

	var seen []uint64
	in := New(Config{
		Base:          "A",
		Quote:         "B",
		Adapters:      map[config.ChainID]ledger.Adapter{"A": base, "B": quote},
		Confirmations: map[config.ChainID]uint64{"A": 1, "B": 0},
		ReadMaxBlocks: map[config.ChainID]int{"A": 100, "B": 100},
		ForkWatcher:   noopForkWatcher{},
		Pipeline: func(ctx context.Context, mb MergedBlock) error {
			seen = append(seen, mb.Block.Height)
			return nil
		},
	})

	processed, err := in.tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// latest=2, confirmations=1 => maxHeight=1, only height 1 is safe.
	if processed != 1 || seen[0] != 1 {
		t.Fatalf("expected only height 1 processed, got %v", seen)
	}
}

func TestTickIdleReturnsZero(t *testing.T) {
	base := newAdapter("A")
	quote := newAdapter("B")

	in := New(Config{
		Base:          "A",
		Quote:         "B",
		Adapters:      map[config.ChainID]ledger.Adapter{"A": base, "B": quote},
		Confirmations: map[config.ChainID]uint64{"A": 0, "B": 0},
		ReadMaxBlocks: map[config.ChainID]int{"A": 100, "B": 100},
		ForkWatcher:   noopForkWatcher{},
		Pipeline: func(ctx context.Context, mb MergedBlock) error { return nil },
	})

	processed, err := in.tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 0 {
		t.Fatalf("expected 0 blocks on an empty stream, got %d", processed)
	}
}

func TestPipelineErrorAbortsTick(t *testing.T) {
	base := newAdapter("A")
	quote := newAdapter("B")
	base.AddBlock(ledger.Block{Height: 1, Timestamp: 1}, nil, nil)
	base.AddBlock(ledger.Block{Height: 2, Timestamp: 2}, nil, nil)

	calls := 0
	in := New(Config{
		Base:          "A",
		Quote:         "B",
		Adapters:      map[config.ChainID]ledger.Adapter{"A": base, "B": quote},
		Confirmations: map[config.ChainID]uint64{"A": 0, "B": 0},
		ReadMaxBlocks: map[config.ChainID]int{"A": 100, "B": 100},
		ForkWatcher:   noopForkWatcher{},
		Pipeline: func(ctx context.Context, mb MergedBlock) error {
			calls++
			if calls == 1 {
				return context.DeadlineExceeded
			}
			return nil
		},
	})

	processed, err := in.tick(context.Background())
	if err == nil {
		t.Fatal("expected error from failing pipeline call")
	}
	if processed != 0 {
		t.Fatalf("expected 0 successfully processed before the failure, got %d", processed)
	}
}
