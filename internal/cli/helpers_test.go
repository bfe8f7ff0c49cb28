package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowsess/internal/bus"
	"github.com/roach88/flowsess/internal/host"
	"github.com/roach88/flowsess/internal/ir"
	"github.com/roach88/flowsess/internal/store"
	"github.com/roach88/flowsess/internal/testutil"
)

// execute runs the root command with args and returns stdout and the error.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// writeFile writes content to name inside a fresh temp dir.
func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// seedStore runs a short exchange between alice, backed by a SQLite store at
// the returned path, and bob, backed by memory. Alice opens session s1 and
// sends "hello", bob consumes both events and acks them.
func seedStore(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "alice.db")

	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	b := bus.New(bus.WithLogger(zerolog.Nop()))
	defer b.Close()
	clock := testutil.NewManualClock(testutil.Epoch)
	newNode := func(name string, backend store.Backend) *host.Node {
		n, err := host.NewNode(host.DefaultConfig(name), backend, b,
			host.WithClock(clock),
			host.WithIDGenerator(testutil.NewSequentialIDGenerator("s")),
			host.WithLogger(zerolog.Nop()),
		)
		require.NoError(t, err)
		return n
	}
	alice := newNode("alice", st)
	bob := newNode("bob", store.NewMemoryStore())

	id, err := alice.Open(ctx, "bob", ir.Init{})
	require.NoError(t, err)
	require.Equal(t, "s1", id)
	require.NoError(t, alice.Send(ctx, id, []byte("hello")))

	deliver := func(n *host.Node) int {
		msgs := b.Poll(n.Name(), 0)
		for _, m := range msgs {
			require.NoError(t, n.HandleInbound(ctx, m))
			require.NoError(t, b.Commit(m))
		}
		return len(msgs)
	}
	for range 10 {
		moved := deliver(bob) + deliver(alice)
		_, err := bob.ConsumeAll(ctx, func(context.Context, string, ir.SessionEvent) error { return nil })
		require.NoError(t, err)
		if moved == 0 {
			break
		}
	}
	return path
}
