// Package p2pbus is the gossip transport the Signature Coordinator uses to
// broadcast outgoing transfers and collect peer signatures. One topic
// exists per (baseWalletAddress, quoteWalletAddress) coordinator pair;
// peers outside the federation may subscribe read-only.
package p2pbus

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingon-exchange/klingon-v2/internal/walletsig"
	"github.com/klingon-exchange/klingon-v2/pkg/logging"
)

// MessageType distinguishes the gossiped message kinds.
type MessageType string

const (
	MessageTransferSignature MessageType = "transfer_signature"
)

// SignatureMessage is gossiped whenever a federation member authors or
// countersigns an outgoing transfer.
type SignatureMessage struct {
	Type              MessageType            `json:"type"`
	TransferID        string                 `json:"transferId"`
	TargetChain       string                 `json:"targetChain"`
	Amount            uint64                 `json:"amount"`
	Recipient         string                 `json:"recipient"`
	Memo              string                 `json:"memo"`
	Height            uint64                 `json:"height"`
	Timestamp         int64                  `json:"timestamp"`
	CanonicalEncoding []byte                 `json:"canonicalEncoding"`
	PublicKey         walletsig.MemberPublicKey `json:"publicKey"`
	Signature         walletsig.Signature    `json:"signature"`
	FromPeer          string                 `json:"fromPeer"`
}

// Bus is the publish/subscribe contract the Signature Coordinator depends
// on. A libp2p GossipSub implementation and a deterministic in-memory
// implementation (for tests) both satisfy it.
type Bus interface {
	Publish(ctx context.Context, msg SignatureMessage) error
	Subscribe(ctx context.Context) (<-chan SignatureMessage, error)
	Close() error
}

func topicName(baseWallet, quoteWallet string) string {
	return fmt.Sprintf("/dexcoord/signatures/1.0.0/%s/%s", baseWallet, quoteWallet)
}

// GossipBus is the libp2p GossipSub-backed Bus, one topic per
// coordinator pair.
type GossipBus struct {
	host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	log   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewGossipBus joins the signature-gossip topic for one coordinator pair.
func NewGossipBus(ctx context.Context, h host.Host, ps *pubsub.PubSub, baseWallet, quoteWallet string) (*GossipBus, error) {
	ctx, cancel := context.WithCancel(ctx)

	topic, err := ps.Join(topicName(baseWallet, quoteWallet))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("join signature topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		cancel()
		return nil, fmt.Errorf("subscribe signature topic: %w", err)
	}

	return &GossipBus{
		host:   h,
		ps:     ps,
		topic:  topic,
		sub:    sub,
		log:    logging.GetDefault().Component("p2pbus"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Publish gossips a signature message to the topic.
func (b *GossipBus) Publish(ctx context.Context, msg SignatureMessage) error {
	msg.FromPeer = b.host.ID().String()
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signature message: %w", err)
	}
	if err := b.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish signature message: %w", err)
	}
	return nil
}

// Subscribe returns a channel of incoming signature messages from peers,
// excluding messages this host itself published.
func (b *GossipBus) Subscribe(ctx context.Context) (<-chan SignatureMessage, error) {
	out := make(chan SignatureMessage, 64)
	selfID := b.host.ID()

	go func() {
		defer close(out)
		for {
			raw, err := b.sub.Next(b.ctx)
			if err != nil {
				b.log.Debug("signature subscription closed", "error", err)
				return
			}
			if raw.ReceivedFrom == selfID {
				continue
			}
			var msg SignatureMessage
			if err := json.Unmarshal(raw.Data, &msg); err != nil {
				b.log.Warn("dropping malformed signature message", "error", err, "from", raw.ReceivedFrom)
				continue
			}
			select {
			case out <- msg:
			case <-b.ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close tears down the subscription and leaves the topic.
func (b *GossipBus) Close() error {
	b.cancel()
	b.sub.Cancel()
	return b.topic.Close()
}

// PeerID is exposed for diagnostics/logging callers.
func (b *GossipBus) PeerID() peer.ID {
	return b.host.ID()
}
