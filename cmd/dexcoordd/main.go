// Package main is the bootstrap CLI for the DEX coordinator daemon: it
// loads configuration, wires a Ledger Adapter and a P2P bus for each
// chain, derives this node's federation signing key, constructs a
// coordinator.Coordinator, and runs it until interrupted.
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/klingon-v2/internal/config"
	"github.com/klingon-exchange/klingon-v2/internal/coordinator"
	"github.com/klingon-exchange/klingon-v2/internal/coreerrors"
	"github.com/klingon-exchange/klingon-v2/internal/ledger"
	"github.com/klingon-exchange/klingon-v2/internal/ledgerstore"
	"github.com/klingon-exchange/klingon-v2/internal/p2pbus"
	"github.com/klingon-exchange/klingon-v2/internal/walletsig"
	"github.com/klingon-exchange/klingon-v2/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "./data", "Data directory for ledger stores and snapshots")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		apiAddr     = flag.String("api", "127.0.0.1:8080", "Read-only Query API listen address")
		listenAddr  = flag.String("listen", "", "P2P listen multiaddr; empty uses an in-process bus (single-node/demo mode)")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("dexcoordd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	path := *configFile
	if path == "" {
		path = filepath.Join(*dataDir, "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}
	if cfg.Logging.Level != "" {
		log.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	adapters, err := buildAdapters(ctx, cfg, *dataDir)
	if err != nil {
		log.Fatal("failed to initialize ledger adapters", "error", err)
	}

	bus, err := buildBus(ctx, *listenAddr)
	if err != nil {
		log.Fatal("failed to initialize p2p bus", "error", err)
	}

	member, err := loadMemberKey(cfg)
	if err != nil {
		log.Fatal("failed to load federation signing key", "error", err)
	}

	coord, err := coordinator.New(ctx, cfg, coordinator.Deps{
		Adapters: adapters,
		Bus:      bus,
		Member:   member,
	})
	if err != nil {
		log.Fatal("failed to construct coordinator", "error", err)
	}

	if err := coord.QueryServer().Start(*apiAddr); err != nil {
		log.Fatal("failed to start query api", "error", err)
	}
	log.Info("query api listening", "addr", *apiAddr)

	log.Info("dexcoordd starting", "version", version, "baseChain", cfg.BaseChain)
	if err := coord.Run(ctx); err != nil && err != context.Canceled {
		log.Error("coordinator stopped", "error", err)
	}
	log.Info("dexcoordd shut down")
}

// buildAdapters constructs one Ledger Adapter per configured chain. Each
// chain gets its own SQLite-backed ledgerstore under <dataDir>/<chain>,
// the bundled reference Adapter implementation; a production deployment
// swaps these for a JSON-RPC or UTXO-indexed adapter against the live
// chain without touching the coordinator wiring above.
func buildAdapters(ctx context.Context, cfg *config.Config, dataDir string) (map[config.ChainID]ledger.Adapter, error) {
	adapters := make(map[config.ChainID]ledger.Adapter, len(cfg.Chains))
	for id := range cfg.Chains {
		store, err := ledgerstore.New(ledgerstore.Config{
			Chain:   id,
			DataDir: filepath.Join(dataDir, "ledger", string(id)),
		})
		if err != nil {
			return nil, err
		}
		adapters[id] = store
	}
	return adapters, nil
}

// buildBus returns an in-process bus when no listen address is given
// (single-node/demo mode, also what the integration tests exercise) or a
// libp2p GossipSub-backed bus joined to a single topic otherwise.
func buildBus(ctx context.Context, listenAddr string) (p2pbus.Bus, error) {
	if listenAddr == "" {
		return p2pbus.NewMemoryBus(), nil
	}
	h, ps, err := p2pbus.NewHost(ctx, p2pbus.HostConfig{ListenAddrs: []string{listenAddr}})
	if err != nil {
		return nil, err
	}
	// The topic is scoped by (baseAddress, quoteAddress); the wallet
	// addresses are not known here, so this helper joins the topic
	// immediately with empty base and quote wallet addresses.
	return p2pbus.NewGossipBus(ctx, h, ps, "", "")
}

// loadMemberKey derives this node's federation signing key from its
// configured clear-text passphrase. Encrypted-passphrase decryption is
// mechanical per spec and intentionally not implemented here; an
// encrypted-only chain config fails fast with a Fatal-kind error.
func loadMemberKey(cfg *config.Config) (*walletsig.MemberKey, error) {
	for _, cc := range cfg.Chains {
		if cc.Passphrase == "" {
			continue
		}
		seed := sha256.Sum256([]byte(cc.Passphrase))
		priv, _ := btcec.PrivKeyFromBytes(seed[:])
		return walletsig.NewMemberKey(priv), nil
	}
	return nil, coreerrors.New(coreerrors.KindFatal, "no chain carries a clear-text passphrase to derive the member signing key from")
}
