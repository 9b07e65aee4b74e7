// Command kadnode runs a standalone Kademlia DHT node over libp2p, for
// manual testing and as a reference wiring of package kad. Identity
// persistence and the libp2p host bootstrap are adapted from the
// teacher's internal/network/mesh.go StartNodeWithStreams.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/nmxmxh/kadmesh/kad"
)

const identityFile = "kadnode_identity.json"

type persistentIdentity struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

func loadOrCreateIdentity() (crypto.PrivKey, error) {
	data, err := os.ReadFile(identityFile)
	if err == nil {
		var id persistentIdentity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, err
		}
		return crypto.UnmarshalPrivateKey(id.PrivKey)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	privBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(persistentIdentity{PrivKey: privBytes, PeerID: pid.String()})
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(identityFile, encoded, 0o600); err != nil {
		return nil, err
	}
	return priv, nil
}

func main() {
	listen := flag.String("listen", "/ip4/0.0.0.0/tcp/0", "libp2p listen multiaddr")
	bootstrap := flag.String("bootstrap", "", "bootstrap peer multiaddr (/ip4/.../p2p/...)")
	prefix := flag.String("prefix", "/kad", "protocol prefix namespace")
	lan := flag.Bool("lan", false, "run the LAN protocol variant instead of WAN")
	clientMode := flag.Bool("client", false, "run in client mode (no inbound routing-table admission)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	priv, err := loadOrCreateIdentity()
	if err != nil {
		logger.Error("failed to load identity", "err", err)
		os.Exit(1)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(*listen),
	)
	if err != nil {
		logger.Error("failed to start libp2p host", "err", err)
		os.Exit(1)
	}
	fmt.Println("kadnode starting. peer id:", h.ID())
	for _, addr := range h.Addrs() {
		fmt.Printf("listening on %s/p2p/%s\n", addr, h.ID())
	}

	dht, err := kad.New(h,
		kad.WithProtocolPrefix(*prefix),
		kad.WithLAN(*lan),
		kad.WithClientMode(*clientMode),
		kad.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to construct dht", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dht.Start(ctx); err != nil {
		logger.Error("failed to start dht", "err", err)
		os.Exit(1)
	}

	if *bootstrap != "" {
		peerID, err := connectBootstrap(ctx, h, *bootstrap)
		if err != nil {
			logger.Warn("bootstrap connect failed", "peer", *bootstrap, "err", err)
		} else {
			logger.Info("connected to bootstrap peer", "peer", *bootstrap)
			dht.Bootstrap(ctx, peerID.String())
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := dht.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
		os.Exit(1)
	}
}

func connectBootstrap(ctx context.Context, h host.Host, addr string) (peer.ID, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return "", err
	}
	if err := h.Connect(ctx, *info); err != nil {
		return "", err
	}
	return info.ID, nil
}
