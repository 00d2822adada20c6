package inventory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestContainsIsCaseAndSpaceInsensitive(t *testing.T) {
	inv := New([]string{" Red Apple ", "GREEN APPLE", "red apple", ""})

	require.Equal(t, 2, inv.Len())
	require.Equal(t, []string{"Red Apple", "GREEN APPLE"}, inv.Names())
	require.True(t, inv.Contains("red apple"))
	require.True(t, inv.Contains("  Green Apple"))
	require.False(t, inv.Contains("Peeled Pomegranate"))
}

func TestLoadJSONAndYAML(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "inventory.json")
	writeFile(t, jsonPath, `["Coca-Cola Bottle Small", "Red Apple"]`)
	inv, err := Load(jsonPath)
	require.NoError(t, err)
	require.True(t, inv.Contains("coca-cola bottle small"))

	yamlPath := filepath.Join(dir, "inventory.yaml")
	writeFile(t, yamlPath, "- Peeled Pomegranate\n- Green Apple\n")
	inv, err = Load(yamlPath)
	require.NoError(t, err)
	require.Equal(t, 2, inv.Len())
	require.True(t, inv.Contains("peeled pomegranate"))
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.json"))
	require.ErrorContains(t, err, "could not load")

	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, `{"items": 1}`)
	_, err = Load(bad)
	require.ErrorContains(t, err, "could not parse")
}

func TestDiff(t *testing.T) {
	require.Equal(t, []string{"pepsi"}, Diff([]string{"Coke"}, []string{"coke ", "Pepsi", "pepsi"}))
	require.Empty(t, Diff([]string{"a", "b"}, []string{"B"}))
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.json")
	writeFile(t, path, `["Red Apple"]`)

	inv, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, inv, zaptest.NewLogger(t))
	require.NoError(t, err)
	w.debounceDur = 10 * time.Millisecond

	reloaded := make(chan []string, 4)
	w.OnReload(func(added, _ []string) { reloaded <- added })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	writeFile(t, path, `["Red Apple", "Green Apple"]`)

	select {
	case added := <-reloaded:
		require.Equal(t, []string{"green apple"}, added)
	case <-time.After(5 * time.Second):
		t.Fatal("inventory was not reloaded")
	}
	require.True(t, inv.Contains("green apple"))
}

func TestWatcherKeepsItemsOnBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.json")
	writeFile(t, path, `["Red Apple"]`)

	inv, err := Load(path)
	require.NoError(t, err)
	w, err := NewWatcher(path, inv, zaptest.NewLogger(t))
	require.NoError(t, err)

	writeFile(t, path, `not json`)
	w.reload()
	require.True(t, inv.Contains("red apple"))
	w.Stop()
}
