package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lossprevention/lp-vlm/internal/inventory"
	"github.com/lossprevention/lp-vlm/internal/models"
)

type fakeValidator struct {
	names  []string
	result []models.ItemResult
	err    error
}

func (f *fakeValidator) ValidateItems(_ context.Context, names []string) ([]models.ItemResult, error) {
	f.names = names
	return f.result, f.err
}

func items(names ...string) []models.ItemResult {
	out := make([]models.ItemResult, len(names))
	for i, n := range names {
		out[i] = models.ItemResult{ItemName: n}
	}
	return out
}

func TestValidateAllMatched(t *testing.T) {
	fv := &fakeValidator{}
	v := NewValidator(inventory.New([]string{"Green Apple", "Red Apple"}), fv, zaptest.NewLogger(t))

	in := items(" green apple", "RED APPLE")
	status, out := v.Validate(context.Background(), in)

	require.Equal(t, models.StateCompleted, status.State)
	require.Equal(t, MsgAllValidated, status.Message)
	require.Equal(t, in, out)
	require.Nil(t, fv.names, "model must not be called")
}

func TestValidateUnmatchedItems(t *testing.T) {
	fv := &fakeValidator{result: []models.ItemResult{{ItemName: "pomegranate", Match: false, Attributes: map[string]any{"status": "not in inventory"}}}}
	v := NewValidator(inventory.New([]string{"red apple"}), fv, zaptest.NewLogger(t))

	status, out := v.Validate(context.Background(), items("red apple", "Peeled Pomegranate"))

	require.Equal(t, models.StageStatus{Stage: models.StageAgent, State: models.StateCompleted, Message: MsgValidationComplete}, status)
	require.Equal(t, []string{"Peeled Pomegranate"}, fv.names)
	want := []models.ItemResult{
		{ItemName: "red apple"},
		{ItemName: "pomegranate", Attributes: map[string]any{"status": "not in inventory"}},
	}
	require.Empty(t, cmp.Diff(want, out))
}

func TestValidateEmptyAnswerKeepsUnmatched(t *testing.T) {
	v := NewValidator(inventory.New(nil), &fakeValidator{}, zaptest.NewLogger(t))

	status, out := v.Validate(context.Background(), items("banana"))
	require.Equal(t, models.StateCompleted, status.State)
	require.Equal(t, items("banana"), out)
}

func TestValidateFailure(t *testing.T) {
	fv := &fakeValidator{err: errors.New("VLM call failed: 500 boom")}
	v := NewValidator(inventory.New([]string{"apple"}), fv, zaptest.NewLogger(t))

	in := items("apple", "banana")
	status, out := v.Validate(context.Background(), in)
	require.Equal(t, models.StateFailed, status.State)
	require.Equal(t, "VLM validation failed - VLM call failed: 500 boom", status.Message)
	require.Equal(t, "🤖 Agent: ❌ Failed - VLM validation failed - VLM call failed: 500 boom", status.String())
	require.Equal(t, in, out)
}

func TestCompareItems(t *testing.T) {
	ref := []map[string]any{
		{"item_name": "Green Apple", "count": 2.0},
		{"item_name": "banana", "Color": "Yellow "},
	}

	require.True(t, CompareItems(ref, []map[string]any{
		{"ITEM_NAME": " banana", "color": "yellow"},
		{"item_name": "green apple", "count": 2.0},
	}))
	require.False(t, CompareItems(ref, []map[string]any{{"item_name": "green apple", "count": 2.0}}))
	require.False(t, CompareItems(ref, []map[string]any{
		{"item_name": "green apple", "count": 3.0},
		{"item_name": "banana", "color": "yellow"},
	}))
	require.True(t, CompareItems(nil, nil))
}

func TestLoadReference(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "apple_color.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"payload":[{"item_name":"green apple","count":2}]}`), 0o644))
	ref, err := LoadReference(jsonPath)
	require.NoError(t, err)
	require.True(t, CompareItems(ref, []map[string]any{{"item_name": "Green Apple", "count": 2.0}}))

	yamlPath := filepath.Join(dir, "apple_color.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("payload:\n  - item_name: Green Apple\n    count: 2\n"), 0o644))
	ref, err = LoadReference(yamlPath)
	require.NoError(t, err)
	require.True(t, CompareItems(ref, []map[string]any{{"item_name": "green apple", "count": 2.0}}))

	_, err = LoadReference(filepath.Join(dir, "ref.txt"))
	require.ErrorContains(t, err, "failed to load config file")
}
