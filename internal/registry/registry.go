// Package registry implements the insertion-ordered Pending Transfer
// Registry: a doubly-linked list plus hash index giving O(1) append,
// O(1) keyed remove, and ordered iteration, so head-scan expiry can stop
// at the first entry younger than the threshold.
package registry

import (
	"container/list"
	"sync"

	"github.com/klingon-exchange/klingon-v2/internal/config"
	"github.com/klingon-exchange/klingon-v2/internal/ledger"
	"github.com/klingon-exchange/klingon-v2/internal/walletsig"
)

// PendingTransfer is one outgoing multisig transaction awaiting quorum.
type PendingTransfer struct {
	Transaction          *ledger.SignedTransfer
	TargetChain          config.ChainID
	ProcessedSignatures  map[walletsig.Signature]struct{}
	Contributors         map[walletsig.WalletAddress]struct{}
	PublicKey            walletsig.MemberPublicKey
	CreationHeight       uint64
	InsertedAtMillis     int64
	IsReady              bool
}

// Registry is the ordered map from transaction id to PendingTransfer. mu
// is the registry's single logical owner lock: every exported method
// serializes under it, and Get/Values hand callers a cloned snapshot
// rather than the live entry so a caller reading outside the lock never
// races a concurrent quorum update.
type Registry struct {
	mu sync.Mutex

	order *list.List
	byID  map[string]*list.Element
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		order: list.New(),
		byID:  make(map[string]*list.Element),
	}
}

// Put appends entry under id, removing any prior entry first so
// re-authoring an id collapses to the latest append (one transaction
// submitted on-chain at most once per authoring).
func (r *Registry) Put(id string, entry *PendingTransfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
	el := r.order.PushBack(&registryEntry{id: id, transfer: entry})
	r.byID[id] = el
}

type registryEntry struct {
	id       string
	transfer *PendingTransfer
}

// clone returns an independent copy of pt, deep enough that mutating the
// original afterward (signatures appended, contributors added, IsReady
// flipped) is invisible to the copy.
func (pt *PendingTransfer) clone() *PendingTransfer {
	if pt == nil {
		return nil
	}
	cp := *pt
	if pt.Transaction != nil {
		cp.Transaction = pt.Transaction.Clone()
	}
	cp.ProcessedSignatures = make(map[walletsig.Signature]struct{}, len(pt.ProcessedSignatures))
	for k, v := range pt.ProcessedSignatures {
		cp.ProcessedSignatures[k] = v
	}
	cp.Contributors = make(map[walletsig.WalletAddress]struct{}, len(pt.Contributors))
	for k, v := range pt.Contributors {
		cp.Contributors[k] = v
	}
	return &cp
}

// Get returns a snapshot copy of the entry for id, if present. The copy
// is safe to read without holding any lock, including concurrently with
// further mutation of the live entry via WithEntry.
func (r *Registry) Get(id string) (*PendingTransfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*registryEntry).transfer.clone(), true
}

// Contains reports whether id is present.
func (r *Registry) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byID[id]
	return ok
}

// Remove deletes the entry for id, if present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) {
	el, ok := r.byID[id]
	if !ok {
		return
	}
	r.order.Remove(el)
	delete(r.byID, id)
}

// Clear removes every entry, used by fork recovery to discard pending
// transfers authored against a now-abandoned chain history.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order.Init()
	r.byID = make(map[string]*list.Element)
}

// Values iterates all entries in insertion order, returning snapshot
// copies safe to read without holding any lock.
func (r *Registry) Values() []*PendingTransfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PendingTransfer, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*registryEntry).transfer.clone())
	}
	return out
}

// Len returns the number of entries currently tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// Expire removes entries from the head while
// nowMillis - entry.InsertedAtMillis >= expiryMillis, stopping at the
// first entry younger than the threshold. Returns the removed ids.
func (r *Registry) Expire(nowMillis, expiryMillis int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for {
		el := r.order.Front()
		if el == nil {
			break
		}
		entry := el.Value.(*registryEntry)
		if nowMillis-entry.transfer.InsertedAtMillis < expiryMillis {
			break
		}
		r.order.Remove(el)
		delete(r.byID, entry.id)
		removed = append(removed, entry.id)
	}
	return removed
}

// WithEntry runs fn with exclusive, live access to id's entry while
// holding the registry lock, letting callers perform a verify-then-mutate
// sequence (duplicate check, signature verification, field updates) as
// one atomic step instead of a racy get-then-set. fn must not call back
// into any other Registry method: the lock is not reentrant. Returns
// false, without running fn, if id is not present.
func (r *Registry) WithEntry(id string, fn func(entry *PendingTransfer)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.byID[id]
	if !ok {
		return false
	}
	fn(el.Value.(*registryEntry).transfer)
	return true
}

// ForEach runs fn for every entry in insertion order while holding the
// registry lock. fn must not call back into any other Registry method
// and should not perform blocking I/O, since it runs under the single
// logical owner lock shared by every mutation.
func (r *Registry) ForEach(fn func(id string, entry *PendingTransfer)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for el := r.order.Front(); el != nil; el = el.Next() {
		re := el.Value.(*registryEntry)
		fn(re.id, re.transfer)
	}
}
