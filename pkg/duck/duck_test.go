package duck

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var testLog = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

func TestSheetAgent_Duck_NewDB(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "test.duckdb")
	db, err := NewDB(t.Context(), path, testLog)
	require.NoError(t, err)
	defer db.Close()

	conn, err := db.Conn(t.Context())
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, db, conn.DB())

	_, err = conn.ExecContext(t.Context(), "CREATE TABLE t (id INTEGER, name VARCHAR)")
	require.NoError(t, err)
	_, err = conn.ExecContext(t.Context(), "INSERT INTO t VALUES (?, ?)", 1, "HR")
	require.NoError(t, err)

	var name string
	require.NoError(t, conn.QueryRowContext(t.Context(), "SELECT name FROM t WHERE id = ?", 1).Scan(&name))
	require.Equal(t, "HR", name)

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestSheetAgent_Duck_InMemory(t *testing.T) {
	t.Parallel()

	db, err := NewDB(t.Context(), "", testLog)
	require.NoError(t, err)
	defer db.Close()

	conn, err := db.Conn(t.Context())
	require.NoError(t, err)
	defer conn.Close()

	var n int
	require.NoError(t, conn.QueryRowContext(t.Context(), "SELECT 42").Scan(&n))
	require.Equal(t, 42, n)
}

func TestSheetAgent_Duck_RetryConflicts(t *testing.T) {
	t.Parallel()

	t.Run("retries conflicts", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := RetryConflicts(t.Context(), testLog, "test", func() error {
			attempts++
			if attempts < 3 {
				return errors.New("TransactionContext Error: Transaction conflict: cannot update")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("other errors are permanent", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := RetryConflicts(t.Context(), testLog, "test", func() error {
			attempts++
			return errors.New("syntax error")
		})
		require.EqualError(t, err, "syntax error")
		require.Equal(t, 1, attempts)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := RetryConflicts(t.Context(), testLog, "test", func() error {
			attempts++
			return errors.New("Could not set lock on file")
		})
		require.Error(t, err)
		require.Equal(t, maxRetries, attempts)
	})
}
