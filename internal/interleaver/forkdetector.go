package interleaver

import (
	"context"
	"sync"

	"github.com/klingon-exchange/klingon-v2/internal/config"
	"github.com/klingon-exchange/klingon-v2/internal/ledger"
	"github.com/klingon-exchange/klingon-v2/pkg/logging"
)

// ForkDetector implements §4.7: per chain it tracks lastSeenHeight from the
// adapter's new-block subscription. A chain is progressing iff a newly
// observed height strictly exceeds the last one seen. If any tracked chain
// stops progressing the detector flips isForked until every chain reports
// a fresh, strictly-increasing height again.
type ForkDetector struct {
	mu          sync.Mutex
	lastSeen    map[config.ChainID]uint64
	progressing map[config.ChainID]bool
	forked      bool
	resumeCh    chan struct{}

	log *logging.Logger
}

// NewForkDetector constructs a detector tracking the given chains.
func NewForkDetector(chains ...config.ChainID) *ForkDetector {
	fd := &ForkDetector{
		lastSeen:    make(map[config.ChainID]uint64),
		progressing: make(map[config.ChainID]bool, len(chains)),
		resumeCh:    make(chan struct{}),
		log:         logging.GetDefault().Component("forkdetector"),
	}
	for _, c := range chains {
		fd.progressing[c] = true
	}
	return fd
}

// Watch subscribes to one chain's new-block notifications and feeds them
// into the detector until ctx is cancelled. One goroutine per chain.
func (fd *ForkDetector) Watch(ctx context.Context, chain config.ChainID, adapter ledger.Adapter) error {
	ch, err := adapter.Subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case height, ok := <-ch:
				if !ok {
					return
				}
				fd.observe(chain, height)
			}
		}
	}()
	return nil
}

func (fd *ForkDetector) observe(chain config.ChainID, height uint64) {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	last, seen := fd.lastSeen[chain]
	progressing := !seen || height > last
	fd.lastSeen[chain] = height
	fd.progressing[chain] = progressing

	if !progressing {
		if !fd.forked {
			fd.log.Warn("chain stopped progressing, entering fork recovery", "chain", chain, "height", height)
		}
		fd.forked = true
		return
	}

	if fd.forked && fd.allProgressing() {
		fd.forked = false
		close(fd.resumeCh)
		fd.resumeCh = make(chan struct{})
		fd.log.Info("all chains resumed, fork recovery cleared")
	}
}

func (fd *ForkDetector) allProgressing() bool {
	for _, p := range fd.progressing {
		if !p {
			return false
		}
	}
	return true
}

// IsForked satisfies interleaver.ForkWatcher.
func (fd *ForkDetector) IsForked() bool {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.forked
}

// WaitResumed blocks until every tracked chain is progressing again, or
// ctx is cancelled.
func (fd *ForkDetector) WaitResumed(ctx context.Context) error {
	for {
		fd.mu.Lock()
		if !fd.forked {
			fd.mu.Unlock()
			return nil
		}
		wait := fd.resumeCh
		fd.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
