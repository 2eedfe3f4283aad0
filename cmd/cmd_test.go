package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentic-research/reseller/api"
	"github.com/agentic-research/reseller/internal/graph"
	"github.com/agentic-research/reseller/internal/kimap"
	"github.com/agentic-research/reseller/internal/persist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		renderRoot = ""
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// seedStore writes a snapshot into a SQLite store and returns a config file
// pointing at it.
func seedStore(t *testing.T) string {
	t.Helper()
	t.Setenv("RESELLER_RPC_URL", "")
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "index.db")

	store, err := persist.Open(api.StoreConfig{Kind: api.StoreSQLite, Path: dbPath}, nil)
	require.NoError(t, err)
	sink := persist.NewSink(store, false)

	idx := graph.NewIndex(kimap.RootHash)
	alice := kimap.Namehash("alice")
	require.NoError(t, idx.ApplyMint(kimap.RootHash, alice, "alice"))
	require.NoError(t, idx.ApplyMint(alice, kimap.Namehash("bob.alice"), "bob"))
	require.NoError(t, idx.ApplyNote(alice, "~ip", []byte{1, 2, 3}))
	require.NoError(t, sink.Persist(context.Background(), idx))
	require.NoError(t, sink.Close())

	cfgPath := filepath.Join(dir, "reseller.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  kind: sqlite\n  path: "+dbPath+"\n"), 0o644))
	return cfgPath
}

func TestNamehashCommand(t *testing.T) {
	t.Setenv("RESELLER_RPC_URL", "")
	out, err := execute(t, "namehash", "bob.alice")
	require.NoError(t, err)
	assert.Equal(t, kimap.Namehash("bob.alice").Hex()+"\n", out)
}

func TestRenderCommand(t *testing.T) {
	cfg := seedStore(t)

	out, err := execute(t, "--config", cfg, "render")
	require.NoError(t, err)
	assert.Equal(t, ".\r\n    alice\r\n    └─ ~ip: 3 bytes\r\n        bob.alice\n", out)

	out, err = execute(t, "--config", cfg, "render", "--root", "bob.alice")
	require.NoError(t, err)
	assert.Equal(t, "bob.alice\n", out)

	_, err = execute(t, "--config", cfg, "render", "--root", "carol")
	assert.ErrorContains(t, err, "no such name")
}

func TestNodeCommand(t *testing.T) {
	cfg := seedStore(t)

	out, err := execute(t, "--config", cfg, "node", "alice")
	require.NoError(t, err)

	var n graph.Node
	require.NoError(t, json.Unmarshal([]byte(out), &n))
	assert.Equal(t, "alice", n.Name)
	assert.Equal(t, []string{"bob.alice"}, n.ChildNames)
	require.Contains(t, n.DataKeys, "~ip")
	assert.Equal(t, graph.KindNote, n.DataKeys["~ip"].Kind)

	_, err = execute(t, "--config", cfg, "node", "carol")
	assert.Error(t, err)
}

func TestRunCommand_RequiresRPCURL(t *testing.T) {
	t.Setenv("RESELLER_RPC_URL", "")
	cfgPath := filepath.Join(t.TempDir(), "missing.yaml")
	_, err := execute(t, "--config", cfgPath, "run")
	assert.ErrorContains(t, err, "rpc_url is required")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	_, err = newLogger(&buf, "loud")
	assert.Error(t, err)
}

func TestCheckArenaHeadroom(t *testing.T) {
	idx := graph.NewIndex(kimap.RootHash)
	require.NoError(t, idx.ApplyMint(kimap.RootHash, kimap.Namehash("alice"), "alice"))
	blob, err := idx.Encode(false)
	require.NoError(t, err)

	openArena := func(capacity int) persist.Store {
		size := int64(persist.ArenaHeaderSize + 2*(capacity+8))
		s, err := persist.OpenArenaStore(filepath.Join(t.TempDir(), "index.arena"), size, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	var buf bytes.Buffer
	logger, err := newLogger(&buf, "info")
	require.NoError(t, err)

	checkArenaHeadroom(logger, openArena(len(blob)*10), idx, false)
	assert.Contains(t, buf.String(), "arena headroom")
	assert.NotContains(t, buf.String(), "close to arena capacity")

	buf.Reset()
	checkArenaHeadroom(logger, openArena(len(blob)+1), idx, false)
	assert.Contains(t, buf.String(), "close to arena capacity")

	buf.Reset()
	checkArenaHeadroom(logger, persist.NewMemoryStore(), idx, false)
	assert.Empty(t, buf.String())
}
