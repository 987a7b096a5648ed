package network

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"meshchat/crypto"
	"meshchat/directory"
	"meshchat/ledger"
	"meshchat/metrics"
	"meshchat/models"
	"meshchat/storage"
)

var errUnreachable = errors.New("hub: peer unreachable")

type staticIdentity string

func (s staticIdentity) CurrentUserID() string { return string(s) }

type hubSend struct {
	From string
	To   string
	Type EnvelopeType
	ID   string
}

// memoryHub connects routers in-process. SendBytes hands the payload to the
// target router synchronously, so a send returns after the whole receive
// path (including any ack or relay) has run.
type memoryHub struct {
	mu          sync.Mutex
	nodes       map[string]*Router
	unreachable map[string]bool
	attempts    map[string]int
	sends       []hubSend
}

func newMemoryHub() *memoryHub {
	return &memoryHub{
		nodes:       make(map[string]*Router),
		unreachable: make(map[string]bool),
		attempts:    make(map[string]int),
	}
}

func (h *memoryHub) setReachable(peerID string, reachable bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unreachable[peerID] = !reachable
}

func (h *memoryHub) attemptsTo(peerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[peerID]
}

func (h *memoryHub) count(typ EnvelopeType, from string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.sends {
		if s.Type == typ && (from == "" || s.From == from) {
			n++
		}
	}
	return n
}

type hubTransport struct {
	hub  *memoryHub
	from string
}

func (t *hubTransport) SendBytes(ctx context.Context, peerID string, payload []byte) error {
	var env Envelope
	_ = json.Unmarshal(payload, &env)

	t.hub.mu.Lock()
	t.hub.attempts[peerID]++
	target := t.hub.nodes[peerID]
	if target == nil || t.hub.unreachable[peerID] {
		t.hub.mu.Unlock()
		return errUnreachable
	}
	t.hub.sends = append(t.hub.sends, hubSend{From: t.from, To: peerID, Type: env.Type, ID: env.ID})
	t.hub.mu.Unlock()

	target.HandleEnvelope(ctx, payload)
	return nil
}

type eventRecorder struct {
	mu         sync.Mutex
	messages   []models.Message
	deliveries []DeliveryStatusEvent
	peers      []models.Peer
}

func (e *eventRecorder) OnMessageReceived(msg models.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, msg)
}

func (e *eventRecorder) OnDeliveryStatusChanged(event DeliveryStatusEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deliveries = append(e.deliveries, event)
}

func (e *eventRecorder) OnPeerStatusChanged(peer models.Peer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers = append(e.peers, peer)
}

func (e *eventRecorder) receivedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.messages)
}

func (e *eventRecorder) deliveryEvents(messageID string) []DeliveryStatusEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []DeliveryStatusEvent
	for _, ev := range e.deliveries {
		if ev.MessageID == messageID {
			out = append(out, ev)
		}
	}
	return out
}

type testNode struct {
	id        string
	identity  *models.Identity
	engine    *crypto.Engine
	directory *directory.Directory
	ledger    *ledger.Ledger
	metrics   *metrics.Metrics
	router    *Router
	events    *eventRecorder
	logs      *observer.ObservedLogs
}

type testMesh struct {
	t         *testing.T
	hub       *memoryHub
	clock     *clock.Mock
	packetKey []byte
}

func newTestMesh(t *testing.T) *testMesh {
	t.Helper()
	packetKey, err := crypto.GeneratePacketKey()
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	return &testMesh{t: t, hub: newMemoryHub(), clock: mock, packetKey: packetKey}
}

func (m *testMesh) node(id string) *testNode {
	return m.nodeWithKey(id, m.packetKey)
}

func (m *testMesh) nodeWithKey(id string, packetKey []byte) *testNode {
	t := m.t
	t.Helper()
	ctx := context.Background()

	keys := crypto.NewKeyStore()
	identity, err := keys.Generate(id)
	require.NoError(t, err)
	engine, err := crypto.NewEngineWithPacketKey(packetKey)
	require.NoError(t, err)

	kv := storage.NewMemoryStore()
	dir, err := directory.Open(ctx, kv)
	require.NoError(t, err)
	led := ledger.New(kv)
	reg := metrics.New()

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(zapcore.NewTee(zaptest.NewLogger(t).Core(), core)).Named(id)

	router, err := NewRouter(RouterOptions{
		Identity:  staticIdentity(id),
		Keys:      keys,
		Engine:    engine,
		Directory: dir,
		Ledger:    led,
		Transport: &hubTransport{hub: m.hub, from: id},
		Logger:    logger,
		Metrics:   reg,
		Clock:     m.clock,
	})
	require.NoError(t, err)

	events := &eventRecorder{}
	router.AddListener(events)

	m.hub.mu.Lock()
	m.hub.nodes[id] = router
	m.hub.mu.Unlock()

	return &testNode{
		id:        id,
		identity:  identity,
		engine:    engine,
		directory: dir,
		ledger:    led,
		metrics:   reg,
		router:    router,
		events:    events,
		logs:      logs,
	}
}

// link makes a and b know each other's keys with the given status.
func link(t *testing.T, status models.PeerStatus, a, b *testNode) {
	t.Helper()
	ctx := context.Background()
	_, _, err := a.directory.RegisterPeer(ctx, b.id, b.identity.PublicKey, status)
	require.NoError(t, err)
	_, _, err = b.directory.RegisterPeer(ctx, a.id, a.identity.PublicKey, status)
	require.NoError(t, err)
}

func (n *testNode) drops(reason string) int {
	return n.logs.FilterMessage("dropping envelope").FilterField(zap.String("reason", reason)).Len()
}

func (n *testNode) conversation(t *testing.T, conversationID string) []models.Message {
	t.Helper()
	msgs, err := n.ledger.ListByConversation(context.Background(), conversationID, 0, 0)
	require.NoError(t, err)
	return msgs
}

func (n *testNode) message(t *testing.T, id string) models.Message {
	t.Helper()
	msg, err := n.ledger.Message(context.Background(), id)
	require.NoError(t, err)
	return msg
}

// craftMessage builds a signed direct envelope from n to recipient sealed
// with secret. mutate runs after signing.
func (n *testNode) craftMessage(t *testing.T, recipient, plaintext string, secret []byte, mutate func(*Envelope)) []byte {
	t.Helper()
	env := Envelope{
		ID:        "crafted-" + plaintext,
		From:      n.id,
		To:        []string{recipient},
		Type:      TypeMessage,
		Timestamp: n.router.now(),
	}
	_, _, err := n.router.sealAndSign(&env, n.identity, plaintext, secret)
	require.NoError(t, err)
	if mutate != nil {
		mutate(&env)
	}
	payload, err := EncodeJSON(env)
	require.NoError(t, err)
	return payload
}

func (n *testNode) secretWith(t *testing.T, peer *testNode) []byte {
	t.Helper()
	secret, err := crypto.DeriveSharedSecret(n.identity.PrivateKey, peer.identity.PublicKey)
	require.NoError(t, err)
	return secret
}

// advance moves the clock one retry interval and runs a retry pass.
func (m *testMesh) advance(ctx context.Context, nodes ...*testNode) {
	m.clock.Add(DefaultRetryInterval)
	for _, n := range nodes {
		n.router.retryPending(ctx)
	}
}
