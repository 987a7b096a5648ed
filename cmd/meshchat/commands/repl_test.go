package commands

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshchat/crypto"
	"meshchat/directory"
	"meshchat/ledger"
	"meshchat/network"
	"meshchat/storage"
)

type staticUser string

func (s staticUser) CurrentUserID() string { return string(s) }

type offlineTransport struct{}

func (offlineTransport) SendBytes(context.Context, string, []byte) error {
	return errors.New("offline")
}

func newTestREPL(t *testing.T) (*repl, *bytes.Buffer) {
	t.Helper()
	ctx := context.Background()

	keys := crypto.NewKeyStore()
	_, err := keys.Generate("alice")
	require.NoError(t, err)
	engine, err := crypto.NewEngine()
	require.NoError(t, err)
	kv := storage.NewMemoryStore()
	dir, err := directory.Open(ctx, kv)
	require.NoError(t, err)
	led := ledger.New(kv)

	router, err := network.NewRouter(network.RouterOptions{
		Identity:  staticUser("alice"),
		Keys:      keys,
		Engine:    engine,
		Directory: dir,
		Ledger:    led,
		Transport: offlineTransport{},
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	bob, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bobKey, err := crypto.MarshalPublicKey(&bob.PublicKey)
	require.NoError(t, err)
	_, err = router.RegisterPeer(ctx, "bob", bobKey)
	require.NoError(t, err)

	var out bytes.Buffer
	console := newREPL("alice", router, led, dir, &out)
	router.AddListener(console.listener())
	return console, &out
}

func TestREPLCommands(t *testing.T) {
	console, out := newTestREPL(t)

	script := strings.Join([]string{
		"/send bob hi there",
		"/history bob",
		"/search bob THERE",
		"/broadcast hello mesh",
		"/peers",
		"/send bob",
		"/bogus",
		"/quit",
		"/send bob never sent",
	}, "\n")

	require.NoError(t, console.Run(context.Background(), strings.NewReader(script)))

	text := out.String()
	assert.Contains(t, text, "[pending]")
	assert.Contains(t, text, "alice: hi there [pending]")
	assert.Contains(t, text, "[failed]")
	assert.Regexp(t, `bob\s+offline`, text)
	assert.Contains(t, text, "usage: /send <peer> <text>")
	assert.Contains(t, text, `unknown command "/bogus"`)
	assert.NotContains(t, text, "never sent")

	conversationID, err := ledger.DirectConversationID("alice", "bob")
	require.NoError(t, err)
	msgs, err := console.ledger.ListByConversation(context.Background(), conversationID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestREPLResolveConversation(t *testing.T) {
	console, _ := newTestREPL(t)
	ctx := context.Background()

	group, err := console.directory.CreateGroup(ctx, "team", []string{"alice", "bob"})
	require.NoError(t, err)

	id, err := console.resolveConversation(group.ID)
	require.NoError(t, err)
	assert.Equal(t, "group-"+group.ID, id)

	id, err = console.resolveConversation("broadcast")
	require.NoError(t, err)
	assert.Equal(t, ledger.BroadcastConversationID, id)

	direct, err := ledger.DirectConversationID("alice", "bob")
	require.NoError(t, err)
	id, err = console.resolveConversation("bob")
	require.NoError(t, err)
	assert.Equal(t, direct, id)

	_, err = console.resolveConversation("dm-nothex")
	assert.Error(t, err)
}

func TestREPLStopsOnContextCancel(t *testing.T) {
	console, _ := newTestREPL(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	block := strings.NewReader("")
	require.NoError(t, console.Run(ctx, block))
}
