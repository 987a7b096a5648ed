package commands

import (
	"context"
	"encoding/base64"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshchat/config"
	"meshchat/crypto"
	"meshchat/discovery"
	"meshchat/ledger"
	"meshchat/models"
)

func testNodeConfig(t *testing.T, userID string, packetKey []byte, peers ...config.StaticPeer) *config.NodeConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.NodeConfig{
		UserID:         userID,
		ListenAddress:  "127.0.0.1:0",
		PrivateKeyPath: filepath.Join(dir, "identity.pem"),
		PacketKeyPath:  filepath.Join(dir, "packet_key.pem"),
		DatabasePath:   filepath.Join(dir, "meshchat.db"),
		Peers:          peers,
	}
	require.NoError(t, crypto.SavePacketKey(cfg.PacketKeyPath, packetKey))
	return cfg
}

func startTestNode(t *testing.T, cfg *config.NodeConfig) *node {
	t.Helper()
	n, err := openNode(context.Background(), cfg, zaptest.NewLogger(t).Named(cfg.UserID))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNodesExchangeMessagesWithStaticPeers(t *testing.T) {
	ctx := context.Background()
	packetKey, err := crypto.GeneratePacketKey()
	require.NoError(t, err)

	bob := startTestNode(t, testNodeConfig(t, "bob", packetKey))
	alice := startTestNode(t, testNodeConfig(t, "alice", packetKey, config.StaticPeer{
		ID:        "bob",
		PublicKey: base64.StdEncoding.EncodeToString(bob.identity.PublicKey),
		Address:   bob.transport.Addr().String(),
	}))
	_, err = bob.router.RegisterPeer(ctx, "alice", alice.identity.PublicKey)
	require.NoError(t, err)
	bob.transport.SetAddress("alice", alice.transport.Addr().String())

	peer, err := alice.directory.Peer("bob")
	require.NoError(t, err)
	assert.Equal(t, models.PeerOnline, peer.Status)

	msg, err := alice.router.SendDirect(ctx, "bob", "hello bob")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		stored, err := alice.ledger.Message(ctx, msg.ID)
		return err == nil && stored.DeliveryStatus == models.DeliveryDelivered
	}, 5*time.Second, 10*time.Millisecond)

	conversationID, err := ledger.DirectConversationID("alice", "bob")
	require.NoError(t, err)
	received, err := bob.ledger.ListByConversation(ctx, conversationID, 0, 0)
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, "hello bob", received[0].Content)
}

func TestOpenNodeRejectsBadStaticPeer(t *testing.T) {
	packetKey, err := crypto.GeneratePacketKey()
	require.NoError(t, err)
	cfg := testNodeConfig(t, "alice", packetKey, config.StaticPeer{ID: "bob", PublicKey: "bm90IGEga2V5"})

	_, err = openNode(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestApplyDiscoveryMatchesFingerprints(t *testing.T) {
	ctx := context.Background()
	packetKey, err := crypto.GeneratePacketKey()
	require.NoError(t, err)

	bob := startTestNode(t, testNodeConfig(t, "bob", packetKey))
	alice := startTestNode(t, testNodeConfig(t, "alice", packetKey))
	_, err = alice.router.RegisterPeer(ctx, "bob", bob.identity.PublicKey)
	require.NoError(t, err)

	bobAddr := bob.transport.Addr().(*net.TCPAddr)
	sighting := discovery.DiscoveredPeer{
		UserID:         "bob",
		KeyFingerprint: crypto.KeyFingerprint(alice.identity.PublicKey),
		Port:           bobAddr.Port,
		Addresses:      []string{"127.0.0.1"},
	}

	alice.applyDiscovery(ctx, discovery.Event{Type: discovery.EventPeerUpserted, Peer: sighting})
	peer, err := alice.directory.Peer("bob")
	require.NoError(t, err)
	assert.Equal(t, models.PeerOffline, peer.Status)
	_, ok := alice.transport.Address("bob")
	assert.False(t, ok)

	sighting.KeyFingerprint = crypto.KeyFingerprint(bob.identity.PublicKey)
	alice.applyDiscovery(ctx, discovery.Event{Type: discovery.EventPeerUpserted, Peer: sighting})
	peer, err = alice.directory.Peer("bob")
	require.NoError(t, err)
	assert.Equal(t, models.PeerOnline, peer.Status)
	address, ok := alice.transport.Address("bob")
	require.True(t, ok)
	assert.Equal(t, bobAddr.String(), address)

	alice.applyDiscovery(ctx, discovery.Event{Type: discovery.EventPeerRemoved, Peer: sighting})
	peer, err = alice.directory.Peer("bob")
	require.NoError(t, err)
	assert.Equal(t, models.PeerOffline, peer.Status)

	alice.applyDiscovery(ctx, discovery.Event{Type: discovery.EventPeerUpserted, Peer: discovery.DiscoveredPeer{UserID: "stranger"}})
	_, err = alice.directory.Peer("stranger")
	assert.Error(t, err)
}
