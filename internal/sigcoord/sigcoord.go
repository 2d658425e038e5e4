// Package sigcoord implements the Signature Coordinator: authoring
// outgoing multisig transfers, accumulating peer signatures to quorum,
// and rebroadcasting on a schedule.
package sigcoord

import (
	"context"
	"fmt"
	"time"

	"github.com/klingon-exchange/klingon-v2/internal/config"
	"github.com/klingon-exchange/klingon-v2/internal/ledger"
	"github.com/klingon-exchange/klingon-v2/internal/p2pbus"
	"github.com/klingon-exchange/klingon-v2/internal/registry"
	"github.com/klingon-exchange/klingon-v2/internal/scheduler"
	"github.com/klingon-exchange/klingon-v2/internal/walletsig"
	"github.com/klingon-exchange/klingon-v2/pkg/logging"
)

// TransferRequest is what a caller wants authored as an outgoing payout
// or refund.
type TransferRequest struct {
	Amount    uint64
	Recipient string
	Height    uint64
	Timestamp int64
	Memo      string
}

// Clock abstracts wall-clock monotonic milliseconds so tests can control
// InsertedAtMillis deterministically.
type Clock func() int64

// Coordinator owns one chain's outgoing-transaction quorum workflow.
type Coordinator struct {
	chain        config.ChainID
	wallet       *walletsig.MultisigWalletInfo
	member       *walletsig.MemberKey
	reg          *registry.Registry
	bus          p2pbus.Bus
	ledgerAdapter ledger.Adapter
	sched        *scheduler.Scheduler
	now          Clock

	broadcastDelay time.Duration
	submitDelay    time.Duration

	log *logging.Logger
}

// New constructs a Coordinator for one target chain.
func New(chain config.ChainID, wallet *walletsig.MultisigWalletInfo, member *walletsig.MemberKey, reg *registry.Registry, bus p2pbus.Bus, adapter ledger.Adapter, sched *scheduler.Scheduler, broadcastDelay, submitDelay time.Duration, now Clock) *Coordinator {
	return &Coordinator{
		chain:          chain,
		wallet:         wallet,
		member:         member,
		reg:            reg,
		bus:            bus,
		ledgerAdapter:  adapter,
		sched:          sched,
		now:            now,
		broadcastDelay: broadcastDelay,
		submitDelay:    submitDelay,
		log:            logging.GetDefault().Component("sigcoord"),
	}
}

// Registry exposes the underlying Pending Transfer Registry for callers
// that need direct inspection (the pipeline's observe-outbound phase).
func (c *Coordinator) Registry() *registry.Registry { return c.reg }

// Scheduler exposes the underlying task scheduler, primarily so tests can
// wait for delayed broadcast/submit tasks to settle.
func (c *Coordinator) Scheduler() *scheduler.Scheduler { return c.sched }

// AuthorOutgoing builds a canonical transfer, signs it with this node's
// member key, registers it, and schedules the broadcast-delayed gossip.
func (c *Coordinator) AuthorOutgoing(ctx context.Context, id string, req TransferRequest) *registry.PendingTransfer {
	canonical := canonicalEncoding(id, c.chain, req)
	hash := walletsig.TransferHash(canonical)
	ownSig := c.member.Sign(hash)

	tx := &ledger.SignedTransfer{
		ID:                id,
		TargetChain:       c.chain,
		Amount:            req.Amount,
		Recipient:         req.Recipient,
		Memo:              req.Memo,
		Height:            req.Height,
		Timestamp:         req.Timestamp,
		CanonicalEncoding: canonical,
		PublicKey:         c.member.PubKey,
		Signatures:        []walletsig.Signature{ownSig},
	}

	entry := &registry.PendingTransfer{
		Transaction:         tx,
		TargetChain:         c.chain,
		ProcessedSignatures: map[walletsig.Signature]struct{}{ownSig: {}},
		Contributors:        map[walletsig.WalletAddress]struct{}{c.wallet.AddressOf(c.member.PubKey): {}},
		PublicKey:           c.member.PubKey,
		CreationHeight:      req.Height,
		InsertedAtMillis:    c.now(),
		IsReady:             len(tx.Signatures) >= c.wallet.RequiredSignatureCount,
	}
	c.reg.Put(id, entry)

	quota := len(tx.Signatures) - c.wallet.RequiredSignatureCount
	if quota == 0 {
		c.sched.After(ctx, "submit:"+id, c.submitDelay, func(ctx context.Context) {
			c.submit(ctx, id)
		})
	} else {
		c.sched.After(ctx, "broadcast:"+id, c.broadcastDelay, func(ctx context.Context) {
			c.broadcastOwnSignature(ctx, id, ownSig)
		})
	}

	return entry
}

func (c *Coordinator) broadcastOwnSignature(ctx context.Context, id string, sig walletsig.Signature) {
	entry, ok := c.reg.Get(id)
	if !ok {
		return
	}
	msg := signatureMessage(id, entry.Transaction, sig)
	if err := c.bus.Publish(ctx, msg); err != nil {
		c.log.Warn("failed to broadcast own signature", "id", id, "error", err)
	}
}

func signatureMessage(id string, tx *ledger.SignedTransfer, sig walletsig.Signature) p2pbus.SignatureMessage {
	return p2pbus.SignatureMessage{
		Type:              p2pbus.MessageTransferSignature,
		TransferID:        id,
		TargetChain:       string(tx.TargetChain),
		Amount:            tx.Amount,
		Recipient:         tx.Recipient,
		Memo:              tx.Memo,
		Height:            tx.Height,
		Timestamp:         tx.Timestamp,
		CanonicalEncoding: tx.CanonicalEncoding,
		PublicKey:         tx.PublicKey,
		Signature:         sig,
	}
}

// PeerSignature is the input to OnPeerSignature.
type PeerSignature struct {
	TransferID string
	Signature  walletsig.Signature
	PublicKey  walletsig.MemberPublicKey
}

// OnPeerSignature verifies and, on success, absorbs a peer's signature
// into the pending transfer's quorum. An invalid or duplicate signature
// is silently dropped: it is never an error. The duplicate check,
// verification, and field updates all run inside one WithEntry call so
// they are serialized against every other mutation of the same entry
// (a concurrent OnPeerSignature for the same transfer, or the expiry
// sweep removing it mid-update).
func (c *Coordinator) OnPeerSignature(ctx context.Context, ps PeerSignature) {
	var absorbed, readyToSubmit bool

	found := c.reg.WithEntry(ps.TransferID, func(entry *registry.PendingTransfer) {
		if _, dup := entry.ProcessedSignatures[ps.Signature]; dup {
			return
		}
		if !c.wallet.IsMember(ps.PublicKey) {
			return
		}
		hash := walletsig.TransferHash(entry.Transaction.CanonicalEncoding)
		if !walletsig.Verify(hash, ps.Signature, ps.PublicKey) {
			return
		}

		entry.Transaction.Signatures = append(entry.Transaction.Signatures, ps.Signature)
		entry.ProcessedSignatures[ps.Signature] = struct{}{}
		entry.Contributors[c.wallet.AddressOf(ps.PublicKey)] = struct{}{}

		quota := len(entry.Transaction.Signatures) - c.wallet.RequiredSignatureCount
		entry.IsReady = quota >= 0

		absorbed = true
		readyToSubmit = quota == 0
	})
	if !found || !absorbed {
		return
	}

	c.broadcastOwnSignature(ctx, ps.TransferID, ps.Signature)

	if readyToSubmit {
		id := ps.TransferID
		c.sched.After(ctx, "submit:"+id, c.submitDelay, func(ctx context.Context) {
			c.submit(ctx, id)
		})
	}
}

func (c *Coordinator) submit(ctx context.Context, id string) {
	entry, ok := c.reg.Get(id)
	if !ok {
		return
	}
	if err := c.ledgerAdapter.PostTransaction(ctx, entry.Transaction); err != nil {
		c.log.Error("failed to submit transaction", "id", id, "error", err)
	}
}

// RebroadcastSweep runs on every last-block-of-a-batch tick. For each
// pending transfer on this chain whose age is strictly within
// (afterHeight, untilHeight), re-post if ready, else re-broadcast this
// node's own signature.
func (c *Coordinator) RebroadcastSweep(ctx context.Context, currentSafeHeight uint64, afterHeight, untilHeight uint64) {
	for _, entry := range c.reg.Values() {
		if entry.TargetChain != c.chain {
			continue
		}
		age := currentSafeHeight - entry.CreationHeight
		if age <= afterHeight || age >= untilHeight {
			continue
		}
		if entry.IsReady {
			if err := c.ledgerAdapter.PostTransaction(ctx, entry.Transaction); err != nil {
				c.log.Warn("rebroadcast re-post failed", "id", entry.Transaction.ID, "error", err)
			}
			continue
		}
		ownSig := entry.Transaction.Signatures[0]
		c.broadcastOwnSignature(ctx, entry.Transaction.ID, ownSig)
	}
}

// ObserveOutboundConfirmed removes the registry entry matching an
// outbound transfer seen confirmed on-chain.
func (c *Coordinator) ObserveOutboundConfirmed(id string) {
	c.reg.Remove(id)
}

func canonicalEncoding(id string, targetChain config.ChainID, req TransferRequest) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%s|%d|%d|%s", id, targetChain, req.Amount, req.Recipient, req.Height, req.Timestamp, req.Memo))
}
