// Package interleaver merges two chains' confirmed block streams into one
// deterministically-ordered sequence and drives the per-block pipeline,
// reacting to fork detection by restoring from the last snapshot.
package interleaver

import (
	"context"
	"sort"
	"time"

	"github.com/klingon-exchange/klingon-v2/internal/config"
	"github.com/klingon-exchange/klingon-v2/internal/ledger"
	"github.com/klingon-exchange/klingon-v2/pkg/logging"
)

// MergedBlock is one chain's block, tagged with whether it is the last
// block in its chain's trimmed suffix for this tick (triggers the
// rebroadcast sweep for that chain).
type MergedBlock struct {
	Chain       config.ChainID
	Block       ledger.Block
	IsLastBlock bool
}

// PipelineFunc processes one merged block. An error aborts the current
// tick; the block is retried on the next tick.
type PipelineFunc func(ctx context.Context, mb MergedBlock) error

// ForkWatcher reports whether any tracked chain has stopped progressing.
type ForkWatcher interface {
	IsForked() bool
	WaitResumed(ctx context.Context) error
}

// SnapshotSource supplies the last in-memory snapshot's base-chain height
// for fork-recovery cursor reset.
type SnapshotSource interface {
	LastSnapshotBaseHeight() (uint64, bool)
}

// RegistryClearer and BookRestorer are the two state resets fork recovery
// performs before resuming the tick loop.
type RegistryClearer interface {
	Clear()
}

type BookRestorer interface {
	RestoreFromLastSnapshot() error
}

// Interleaver drives the merged two-chain block stream.
type Interleaver struct {
	base, quote config.ChainID

	adapters map[config.ChainID]ledger.Adapter
	confirmations map[config.ChainID]uint64
	readMaxBlocks map[config.ChainID]int

	lastProcessedHeight map[config.ChainID]uint64
	lastProcessedTimestamp int64

	forkWatcher ForkWatcher
	registry    RegistryClearer
	book        BookRestorer
	snapshots   SnapshotSource

	readBlocksInterval time.Duration

	pipeline PipelineFunc

	log *logging.Logger
}

// Config bundles the construction parameters for an Interleaver.
type Config struct {
	Base, Quote         config.ChainID
	Adapters            map[config.ChainID]ledger.Adapter
	Confirmations       map[config.ChainID]uint64
	ReadMaxBlocks       map[config.ChainID]int
	ForkWatcher         ForkWatcher
	Registry            RegistryClearer
	Book                BookRestorer
	Snapshots           SnapshotSource
	ReadBlocksInterval  time.Duration
	Pipeline            PipelineFunc
}

// New constructs an Interleaver from Config.
func New(cfg Config) *Interleaver {
	return &Interleaver{
		base:                   cfg.Base,
		quote:                  cfg.Quote,
		adapters:               cfg.Adapters,
		confirmations:          cfg.Confirmations,
		readMaxBlocks:          cfg.ReadMaxBlocks,
		lastProcessedHeight:    make(map[config.ChainID]uint64),
		forkWatcher:            cfg.ForkWatcher,
		registry:               cfg.Registry,
		book:                   cfg.Book,
		snapshots:              cfg.Snapshots,
		readBlocksInterval:     cfg.ReadBlocksInterval,
		pipeline:               cfg.Pipeline,
		log:                    logging.GetDefault().Component("interleaver"),
	}
}

// Run drives ticks until ctx is cancelled.
func (in *Interleaver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if in.forkWatcher != nil && in.forkWatcher.IsForked() {
			if err := in.recoverFromFork(ctx); err != nil {
				in.log.Error("fork recovery failed", "error", err)
				continue
			}
		}

		processed, err := in.tick(ctx)
		if err != nil {
			in.log.Warn("tick aborted", "error", err)
			continue
		}
		if processed == 0 {
			select {
			case <-time.After(in.readBlocksInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (in *Interleaver) recoverFromFork(ctx context.Context) error {
	if err := in.forkWatcher.WaitResumed(ctx); err != nil {
		return err
	}
	if in.registry != nil {
		in.registry.Clear()
	}
	if in.book != nil {
		if err := in.book.RestoreFromLastSnapshot(); err != nil {
			return err
		}
	}
	if in.snapshots != nil {
		if h, ok := in.snapshots.LastSnapshotBaseHeight(); ok {
			if block, err := in.adapters[in.base].BlockAt(ctx, h); err == nil {
				in.lastProcessedTimestamp = block.Timestamp
			}
		}
	}
	return nil
}

// tick fetches, merges, trims, and processes one batch of blocks. It
// returns the number of blocks successfully processed.
func (in *Interleaver) tick(ctx context.Context) (int, error) {
	var merged []MergedBlock

	chainBlocks := make(map[config.ChainID][]ledger.Block)
	for _, chain := range []config.ChainID{in.base, in.quote} {
		adapter := in.adapters[chain]
		latest, err := adapter.LatestHeight(ctx)
		if err != nil {
			return 0, err
		}
		confirmations := in.confirmations[chain]
		if latest < confirmations {
			continue
		}
		maxHeight := latest - confirmations
		blocks, err := adapter.BlocksInRange(ctx, in.lastProcessedHeight[chain], maxHeight, in.readMaxBlocks[chain])
		if err != nil {
			return 0, err
		}
		chainBlocks[chain] = blocks
	}

	for chain, blocks := range chainBlocks {
		for _, b := range blocks {
			merged = append(merged, MergedBlock{Chain: chain, Block: b})
		}
	}
	if len(merged) == 0 {
		return 0, nil
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Block.Timestamp != merged[j].Block.Timestamp {
			return merged[i].Block.Timestamp < merged[j].Block.Timestamp
		}
		return merged[i].Chain == in.base
	})

	merged = in.trimCausally(merged, chainBlocks)
	in.flagLastBlocks(merged)

	processed := 0
	for _, mb := range merged {
		if in.forkWatcher != nil && in.forkWatcher.IsForked() {
			break
		}
		if err := in.pipeline(ctx, mb); err != nil {
			return processed, err
		}
		in.lastProcessedHeight[mb.Chain] = mb.Block.Height
		in.lastProcessedTimestamp = mb.Block.Timestamp
		processed++
	}
	return processed, nil
}

// trimCausally drops any block whose timestamp exceeds the other chain's
// last-fetched block timestamp, keeping the stream causally paired.
func (in *Interleaver) trimCausally(merged []MergedBlock, chainBlocks map[config.ChainID][]ledger.Block) []MergedBlock {
	lastFetched := make(map[config.ChainID]int64)
	for chain, blocks := range chainBlocks {
		if len(blocks) == 0 {
			continue
		}
		lastFetched[chain] = blocks[len(blocks)-1].Timestamp
	}

	otherChain := func(c config.ChainID) config.ChainID {
		if c == in.base {
			return in.quote
		}
		return in.base
	}

	out := merged[:0:0]
	for _, mb := range merged {
		otherHorizon, ok := lastFetched[otherChain(mb.Chain)]
		if ok && mb.Block.Timestamp > otherHorizon {
			continue
		}
		out = append(out, mb)
	}
	return out
}

// flagLastBlocks marks, per chain, the final block in the trimmed suffix.
func (in *Interleaver) flagLastBlocks(merged []MergedBlock) {
	lastIndex := make(map[config.ChainID]int)
	for i, mb := range merged {
		lastIndex[mb.Chain] = i
	}
	for chain, idx := range lastIndex {
		_ = chain
		merged[idx].IsLastBlock = true
	}
}
