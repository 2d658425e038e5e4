package p2pbus

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/multiformats/go-multiaddr"
)

// HostConfig bootstraps the libp2p host + GossipSub router a production
// GossipBus rides on. Peer identity is a freshly generated Ed25519 key;
// callers that need a stable identity across restarts are expected to
// persist and reload it themselves, mirroring the teacher's
// loadOrCreateKey convention.
type HostConfig struct {
	ListenAddrs []string
}

// NewHost builds a libp2p host and joins GossipSub, returning both so the
// caller can NewGossipBus per coordinator pair on top of the shared
// router.
func NewHost(ctx context.Context, cfg HostConfig) (host.Host, *pubsub.PubSub, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate host identity: %w", err)
	}

	var listenAddrs []multiaddr.Multiaddr
	for _, a := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid listen address %s: %w", a, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h, pubsub.WithPeerExchange(true), pubsub.WithFloodPublish(true))
	if err != nil {
		h.Close()
		return nil, nil, fmt.Errorf("init gossipsub: %w", err)
	}

	return h, ps, nil
}
