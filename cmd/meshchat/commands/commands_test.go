package commands

import (
	"bytes"
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshchat/config"
	"meshchat/crypto"
)

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute(), out.String())
	return out.String()
}

func newPeerKey(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	raw, err := crypto.MarshalPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestInitIDAndPeerCommands(t *testing.T) {
	dir := t.TempDir()

	out := runCLI(t, "--data-dir", dir, "init", "--user", "alice", "--listen", "127.0.0.1:0")
	assert.Contains(t, out, "User ID:      alice")
	assert.FileExists(t, filepath.Join(dir, "keys", "identity.pem"))
	assert.FileExists(t, filepath.Join(dir, "keys", "packet_key.pem"))

	out = runCLI(t, "--data-dir", dir, "id")
	assert.Contains(t, out, "alice")
	line := out[strings.Index(out, "Public Key:"):]
	encoded := strings.TrimSpace(strings.TrimPrefix(line, "Public Key:"))
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Len(t, raw, crypto.PublicKeySize)

	bobKey := newPeerKey(t)
	runCLI(t, "--data-dir", dir, "peer", "add", "bob", bobKey, "127.0.0.1:9998")
	out = runCLI(t, "--data-dir", dir, "peer", "list")
	assert.Contains(t, out, "bob")
	assert.Contains(t, out, "127.0.0.1:9998")

	cfg, err := config.Load(config.ConfigPath(dir))
	require.NoError(t, err)
	require.Len(t, cfg.Peers, 1)
	assert.Equal(t, bobKey, cfg.Peers[0].PublicKey)
	assert.Equal(t, "127.0.0.1:0", cfg.ListenAddress)
}

func TestPeerAddRejectsBadKey(t *testing.T) {
	dir := t.TempDir()
	runCLI(t, "--data-dir", dir, "init", "--user", "alice")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--data-dir", dir, "peer", "add", "bob", base64.StdEncoding.EncodeToString([]byte("short"))})
	require.Error(t, root.Execute())
}

func TestGroupCommands(t *testing.T) {
	dir := t.TempDir()
	runCLI(t, "--data-dir", dir, "init", "--user", "alice")

	out := runCLI(t, "--data-dir", dir, "group", "create", "team", "bob", "carol")
	assert.Contains(t, out, "Created group")

	out = runCLI(t, "--data-dir", dir, "group", "create", "--id", "standup", "daily", "bob")
	assert.Contains(t, out, "Created group standup (daily)")

	out = runCLI(t, "--data-dir", dir, "group", "list")
	assert.Contains(t, out, "team")
	assert.Contains(t, out, "alice,bob,carol")
	assert.Contains(t, out, "standup")
}
