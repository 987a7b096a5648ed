package commands

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"meshchat/config"
	"meshchat/crypto"
	"meshchat/directory"
	"meshchat/discovery"
	"meshchat/ledger"
	"meshchat/metrics"
	"meshchat/models"
	"meshchat/network"
	"meshchat/storage"
)

// node is one running meshchat instance and everything it owns.
type node struct {
	cfg       *config.NodeConfig
	logger    *zap.Logger
	identity  *models.Identity
	store     *storage.Store
	directory *directory.Directory
	ledger    *ledger.Ledger
	metrics   *metrics.Metrics
	transport *network.TCPTransport
	router    *network.Router
	discovery *discovery.Service
}

func openNode(ctx context.Context, cfg *config.NodeConfig, logger *zap.Logger) (*node, error) {
	n := &node{cfg: cfg, logger: logger, metrics: metrics.New()}
	opened := false
	defer func() {
		if !opened {
			_ = n.Close()
		}
	}()

	var err error
	keys := crypto.NewKeyStore()
	n.identity, err = keys.EnsureIdentity(cfg.UserID, cfg.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	packetKey, err := crypto.LoadPacketKey(cfg.PacketKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load packet key (run `meshchat init` or copy the mesh key): %w", err)
	}
	engine, err := crypto.NewEngineWithPacketKey(packetKey)
	if err != nil {
		return nil, err
	}

	n.store, err = storage.OpenPath(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	n.directory, err = directory.Open(ctx, n.store)
	if err != nil {
		return nil, err
	}
	n.ledger = ledger.New(n.store)

	n.transport, err = network.ListenTCP(network.TCPOptions{
		ListenAddress: cfg.ListenAddress,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	n.router, err = network.NewRouter(network.RouterOptions{
		Identity:      cfg,
		Keys:          keys,
		Engine:        engine,
		Directory:     n.directory,
		Ledger:        n.ledger,
		Transport:     n.transport,
		Logger:        logger,
		Metrics:       n.metrics,
		MaxRetries:    cfg.MaxRetries,
		RetryInterval: cfg.RetryInterval.Duration,
		BroadcastTTL:  cfg.BroadcastTTL,
		SeenCacheSize: cfg.SeenCacheSize,
		SeenCacheTTL:  cfg.SeenCacheTTL.Duration,
	})
	if err != nil {
		return nil, err
	}
	n.transport.SetHandler(n.router.HandleEnvelope)

	if err := n.registerStaticPeers(ctx); err != nil {
		return nil, err
	}
	opened = true
	return n, nil
}

// registerStaticPeers trusts the configured peer keys and marks peers with a
// known address online.
func (n *node) registerStaticPeers(ctx context.Context) error {
	for _, peer := range n.cfg.Peers {
		publicKey, err := decodePeerKey(peer.PublicKey)
		if err != nil {
			return fmt.Errorf("peer %q: %w", peer.ID, err)
		}
		if _, err := n.router.RegisterPeer(ctx, peer.ID, publicKey); err != nil {
			return fmt.Errorf("peer %q: %w", peer.ID, err)
		}
		if peer.Address == "" {
			continue
		}
		n.transport.SetAddress(peer.ID, peer.Address)
		if _, err := n.router.UpdatePeerStatus(ctx, peer.ID, models.PeerOnline); err != nil {
			return fmt.Errorf("peer %q: %w", peer.ID, err)
		}
	}
	return nil
}

// startDiscovery announces the node over mDNS. Discovery failures are not
// fatal: static peers keep working.
func (n *node) startDiscovery() <-chan discovery.Event {
	port := 0
	if addr, ok := n.transport.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	svc, err := discovery.Start(discovery.Config{
		UserID:         n.cfg.UserID,
		DisplayName:    n.cfg.DisplayName,
		Port:           port,
		KeyFingerprint: crypto.KeyFingerprint(n.identity.PublicKey),
		Logger:         n.logger,
	})
	if err != nil {
		n.logger.Warn("discovery unavailable", zap.Error(err))
		return nil
	}
	n.discovery = svc
	return svc.Scanner.Events()
}

// applyDiscovery maps LAN sightings of registered peers onto transport
// addresses and presence. Keys are never learned from mDNS.
func (n *node) applyDiscovery(ctx context.Context, event discovery.Event) {
	peer, err := n.directory.Peer(event.Peer.UserID)
	if err != nil {
		n.logger.Debug("ignoring unregistered LAN peer", zap.String("user_id", event.Peer.UserID))
		return
	}

	switch event.Type {
	case discovery.EventPeerUpserted:
		if !event.Peer.MatchesKey(peer.PublicKey) {
			n.logger.Warn("LAN peer fingerprint does not match registered key", zap.String("user_id", peer.ID))
			return
		}
		address, ok := event.Peer.DialAddress()
		if !ok {
			return
		}
		n.transport.SetAddress(peer.ID, address)
		if _, err := n.router.UpdatePeerStatus(ctx, peer.ID, models.PeerOnline); err != nil {
			n.logger.Warn("mark discovered peer online", zap.String("user_id", peer.ID), zap.Error(err))
		}
	case discovery.EventPeerRemoved:
		if _, err := n.router.UpdatePeerStatus(ctx, peer.ID, models.PeerOffline); err != nil {
			n.logger.Warn("mark discovered peer offline", zap.String("user_id", peer.ID), zap.Error(err))
		}
	}
}

func (n *node) Close() error {
	if n.discovery != nil {
		n.discovery.Stop()
	}
	var err error
	if n.transport != nil {
		err = multierr.Append(err, n.transport.Close())
	}
	if n.store != nil {
		err = multierr.Append(err, n.store.Close())
	}
	return err
}
