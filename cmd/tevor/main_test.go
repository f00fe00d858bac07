package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ted-keystonepartners/tevor/pkg/cache/memory"
	"github.com/ted-keystonepartners/tevor/pkg/server"
	"github.com/ted-keystonepartners/tevor/pkg/store"
)

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCacheStatsAndClear(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "tevor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cache, err := memory.New(5, memory.DefaultTTL)
	require.NoError(t, err)
	cache.Set("욕실 방수 몇 번 칠해요?", map[string]any{"response": "두 번 이상"}, nil)
	_, _ = cache.Get("욕실 방수 몇 번 칠해요?", nil)

	srv := httptest.NewServer(server.New(":0", st, nil, server.WithCache(cache)))
	t.Cleanup(srv.Close)

	out, err := run(t, newCacheCmd(), "stats", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Entries:  1/5")
	assert.Contains(t, out, "Hit rate: 100.0%")
	assert.Contains(t, out, "욕실 방수 몇 번 칠해요?")

	out, err = run(t, newCacheCmd(), "clear", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "cleared")
	assert.Zero(t, cache.Len())
}

func TestCacheClearDisabled(t *testing.T) {
	srv := httptest.NewServer(server.New(":0", nil, nil))
	t.Cleanup(srv.Close)

	_, err := run(t, newCacheCmd(), "clear", "--addr", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache is disabled")
}

func TestConfigCheck(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("listen: \":9000\"\n"), 0o644))
	out, err := run(t, newConfigCmd(), "check", "-c", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("cache:\n  capacity: 0\n"), 0o644))
	out, err = run(t, newConfigCmd(), "check", "-c", bad)
	require.Error(t, err)
	assert.Contains(t, out, "cache.capacity")
}

func TestProjectCreateAndHistory(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tevor.yaml")
	dbPath := filepath.Join(dir, "tevor.db")
	require.NoError(t, os.WriteFile(cfgPath, []byte("db_path: "+dbPath+"\n"), 0o644))

	out, err := run(t, newProjectCmd(), "create", "잠실 아파트", "--id", "site-9", "--spaces", "거실, 주방", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "site-9")

	st, err := store.New(dbPath)
	require.NoError(t, err)
	defer st.Close()
	p, err := st.GetProject(context.Background(), "site-9")
	require.NoError(t, err)
	assert.Equal(t, []string{"거실", "주방"}, p.ExpectedSpaces)

	_, err = run(t, newHistoryCmd(), "missing", "-c", cfgPath)
	assert.ErrorIs(t, err, store.ErrProjectNotFound)

	out, err = run(t, newProjectCmd(), "delete", "site-9", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted site-9.")
	_, err = st.GetProject(context.Background(), "site-9")
	assert.ErrorIs(t, err, store.ErrProjectNotFound)

	_, err = run(t, newProjectCmd(), "delete", "site-9", "-c", cfgPath)
	assert.ErrorIs(t, err, store.ErrProjectNotFound)
}
