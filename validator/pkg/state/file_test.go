package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTenex_State_FileStore(t *testing.T) {
	t.Parallel()

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		s := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
		_, ok, err := s.Load(context.Background())
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "state.json")
		s := NewFileStore(path)
		require.NoError(t, s.Save(context.Background(), 4_200_100))

		block, ok, err := NewFileStore(path).Load(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(4_200_100), block)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.JSONEq(t, `{"last_weight_update_block": 4200100}`, string(data))

		entries, err := os.ReadDir(filepath.Dir(path))
		require.NoError(t, err)
		require.Len(t, entries, 1, "temp files are cleaned up")
	})

	t.Run("existing file from an older release", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), DefaultFileName)
		require.NoError(t, os.WriteFile(path, []byte(`{"last_weight_update_block": 123, "other": true}`), 0o644))

		block, ok, err := NewFileStore(path).Load(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(123), block)
	})

	t.Run("empty object", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "state.json")
		require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))
		_, ok, err := NewFileStore(path).Load(context.Background())
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("malformed", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "state.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"last_weight_update_block": -`), 0o644))
		_, _, err := NewFileStore(path).Load(context.Background())
		require.Error(t, err)
	})

	t.Run("default path", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, DefaultFileName, NewFileStore("").Path())
	})
}

func TestTenex_State_ColdStartWatermark(t *testing.T) {
	t.Parallel()

	require.Equal(t, uint64(900), ColdStartWatermark(1000, 100))
	require.Equal(t, uint64(0), ColdStartWatermark(100, 100))
	require.Equal(t, uint64(0), ColdStartWatermark(40, 100))
}
