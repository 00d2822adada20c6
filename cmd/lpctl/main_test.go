package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lossprevention/lp-vlm/internal/models"
)

const cameras = `{"lane_config":{"cameras":[
	{"camera_id":"cam1","fileSrc":"items.mp4","width":1280,"fps":10,"workloads":["lp_vlm"],
	 "region_of_interest":{"x":1,"y":2,"x2":3,"y2":4}}
]}}`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestWorkloadCommands(t *testing.T) {
	t.Setenv("RTSP_STREAM_HOST", "streamer")
	t.Setenv("RTSP_STREAM_PORT", "9554")
	path := filepath.Join(t.TempDir(), "cameras.json")
	require.NoError(t, os.WriteFile(path, []byte(cameras), 0o644))

	out, err := execute(t, "workload", "has-lp-vlm", "--camera-config", path)
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	out, err = execute(t, "workload", "get-video", "--camera-config", path, "--no-probe")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, map[string]string{
		"stream_name": "cam1",
		"stream_uri":  "rtsp://streamer:9554/items-1280-10-bench",
		"roi":         "1,2,3,4",
	}, info)

	out, err = execute(t, "workload", "get-stream-uri", "--camera-config", path, "--no-probe")
	require.NoError(t, err)
	assert.Equal(t, "rtsp://streamer:9554/items-1280-10-bench\n", out)

	out, err = execute(t, "workload", "get-video-name", "--camera-config", path, "--no-probe")
	require.NoError(t, err)
	assert.Equal(t, "cam1\n", out)
}

func TestWorkloadMissingConfig(t *testing.T) {
	_, err := execute(t, "workload", "get-video", "--camera-config", filepath.Join(t.TempDir(), "none.json"), "--no-probe")
	require.ErrorContains(t, err, "configuration validation failed")
}

func TestBestFrameNeedsTwoFrames(t *testing.T) {
	_, err := execute(t, "best-frame", "only-one.jpg")
	require.Error(t, err)
}

type archivedRuns map[string]*models.RunResult

func (a archivedRuns) GetJSON(_ context.Context, bucket, name string, v any) error {
	run, ok := a[bucket+"/"+name]
	if !ok {
		return errors.New("object not found")
	}
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func TestVerifyArchived(t *testing.T) {
	run := models.NewRunResult("apple_color.mp4", "apple_color")
	run.VLMResults = []models.ItemResult{
		{ItemName: "Green Apple", Match: true, Attributes: map[string]any{"count": 2.0}},
		{ItemName: "red apple"},
	}
	run.AgentResults = []models.ItemResult{{ItemName: "red apple"}}
	runs := archivedRuns{"results/apple_color": run}

	dir := t.TempDir()
	vlmRef := filepath.Join(dir, "apple_color.yaml")
	require.NoError(t, os.WriteFile(vlmRef, []byte("payload:\n  - item_name: red apple\n  - item_name: green apple \n    count: 2\n"), 0o644))
	agentRef := filepath.Join(dir, "agent.json")
	require.NoError(t, os.WriteFile(agentRef, []byte(`{"payload":[{"item_name":"Red Apple","match":true}]}`), 0o644))

	verifyReference, verifyUseCase, verifyAgent = vlmRef, "apple_color", false
	t.Cleanup(func() { verifyReference, verifyUseCase, verifyAgent = "", "", false })

	var out bytes.Buffer
	require.NoError(t, verifyArchived(context.Background(), &out, runs, "results"))
	assert.Equal(t, "match apple_color (run "+run.RunID+")\n", out.String())

	out.Reset()
	verifyReference, verifyAgent = agentRef, true
	err := verifyArchived(context.Background(), &out, runs, "results")
	require.ErrorIs(t, err, errResultMismatch)
	assert.Contains(t, out.String(), "mismatch apple_color")

	verifyUseCase = "soda_bottle"
	err = verifyArchived(context.Background(), &out, runs, "results")
	require.ErrorContains(t, err, "failed to read archived run soda_bottle")
}
