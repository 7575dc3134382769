package cache

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testLog = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

func TestSheetAgent_Cache_Key(t *testing.T) {
	t.Parallel()

	require.Equal(t, Key("total cost", "abc"), Key("  total cost\n", "abc"))
	require.NotEqual(t, Key("total cost", "abc"), Key("total cost", "abd"))
	// md5("q|")
	require.Equal(t, "5e754dad0a17c8abb90b01c93e7f1a2a", Key("q", ""))
	require.Len(t, Key("anything", "x"), 32)
}

func TestSheetAgent_Cache_IntentAndKnowledge(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Logger: testLog})
	require.NoError(t, err)

	_, ok := c.Intent("q", "h")
	require.False(t, ok)

	c.SetIntent("q", "h", []byte(`{"type":"general_query"}`))
	got, ok := c.Intent(" q ", "h")
	require.True(t, ok)
	require.JSONEq(t, `{"type":"general_query"}`, string(got))

	_, ok = c.Intent("q", "other")
	require.False(t, ok)

	c.SetKnowledge("q", "fiscal year starts in Oct")
	k, ok := c.Knowledge("q")
	require.True(t, ok)
	require.Equal(t, "fiscal year starts in Oct", k)
	require.Equal(t, 2, c.Len())

	c.Clear()
	require.Equal(t, 0, c.Len())
	_, ok = c.Knowledge("q")
	require.False(t, ok)
}

func TestSheetAgent_Cache_Expiry(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Logger: testLog, TTL: 20 * time.Millisecond})
	require.NoError(t, err)

	c.SetKnowledge("q", "ctx")
	_, ok := c.Knowledge("q")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := c.Knowledge("q")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestSheetAgent_Cache_Capacity(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Logger: testLog, Capacity: 2})
	require.NoError(t, err)

	c.SetIntent("a", "", []byte("1"))
	c.SetIntent("b", "", []byte("2"))
	c.SetIntent("c", "", []byte("3"))
	_, ok := c.Intent("a", "")
	require.False(t, ok)
	_, ok = c.Intent("c", "")
	require.True(t, ok)
}

func TestSheetAgent_Cache_Config(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.EqualError(t, err, "logger is required")
}
