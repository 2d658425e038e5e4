// Package ledger defines the read-only view of one chain that the Block
// Interleaver and Pipeline consume. The underlying ledger storage and its
// transport are external collaborators; this package fixes only the
// contract.
package ledger

import (
	"context"

	"github.com/klingon-exchange/klingon-v2/internal/config"
	"github.com/klingon-exchange/klingon-v2/internal/walletsig"
)

// Block is one block on a chain, as seen by the Ledger Adapter.
type Block struct {
	Height    uint64
	Timestamp int64 // unix millis, used for the interleaver's merge order
	Hash      string
}

// TransferDirection distinguishes transfers into vs. out of the multisig
// wallet, from the wallet's point of view.
type TransferDirection int

const (
	Inbound TransferDirection = iota
	Outbound
)

// Transfer is one on-chain transfer touching the multisig wallet.
type Transfer struct {
	ID            string
	Direction     TransferDirection
	SenderID      string
	RecipientID   string
	Amount        uint64
	TransferData  []byte // the memo, interpreted by the Intent Parser
	Height        uint64
	BlockTimestamp int64

	// CanonicalEncoding and Signatures are populated for outbound
	// transfers only: the unsigned encoding and the attached multisig
	// signature set exactly as posted on-chain, letting a reader
	// attribute contribution by verifying signatures directly rather than
	// trusting a submitter's own bookkeeping.
	CanonicalEncoding []byte
	Signatures        []walletsig.Signature
}

// Adapter is the read-only view of a single chain. One Adapter instance
// exists per ChainID.
type Adapter interface {
	// Chain returns the chain id this adapter serves.
	Chain() config.ChainID

	// LatestHeight returns the highest height the adapter has observed.
	LatestHeight(ctx context.Context) (uint64, error)

	// BlocksInRange returns blocks with from < height <= to, oldest first,
	// capped at maxBlocks.
	BlocksInRange(ctx context.Context, from, to uint64, maxBlocks int) ([]Block, error)

	// BlockAt returns the block at an exact height, used to recover the
	// timestamp of an already-passed expiry height.
	BlockAt(ctx context.Context, height uint64) (Block, error)

	// InboundTransfers returns transfers into the multisig wallet within
	// one block.
	InboundTransfers(ctx context.Context, height uint64) ([]Transfer, error)

	// OutboundTransfers returns transfers out of the multisig wallet
	// within one block, used to observe posted payouts and expire
	// PendingTransfer registry entries.
	OutboundTransfers(ctx context.Context, height uint64) ([]Transfer, error)

	// PostTransaction submits a fully-signed transaction to the chain.
	PostTransaction(ctx context.Context, tx *SignedTransfer) error

	// Subscribe delivers one notification per new block height observed,
	// for fork detection.
	Subscribe(ctx context.Context) (<-chan uint64, error)

	walletsig.AccountLoader
}

// SignedTransfer is the canonical outgoing transfer the Signature
// Coordinator builds and accumulates member signatures on.
type SignedTransfer struct {
	ID         string
	TargetChain config.ChainID
	Amount     uint64
	Recipient  string
	Memo       string
	Height     uint64 // source-chain height at authoring
	Timestamp  int64

	// CanonicalEncoding is the deterministic unsigned encoding this
	// transfer's hash is computed over (walletsig.TransferHash input).
	CanonicalEncoding []byte

	PublicKey  walletsig.MemberPublicKey
	Signatures []walletsig.Signature
}

// Clone returns a deep-enough copy for safe concurrent reads while the
// original continues accumulating signatures.
func (t *SignedTransfer) Clone() *SignedTransfer {
	cp := *t
	cp.Signatures = append([]walletsig.Signature(nil), t.Signatures...)
	cp.CanonicalEncoding = append([]byte(nil), t.CanonicalEncoding...)
	return &cp
}
