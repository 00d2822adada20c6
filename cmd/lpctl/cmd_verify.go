package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lossprevention/lp-vlm/internal/agent"
	"github.com/lossprevention/lp-vlm/internal/models"
)

var (
	verifyReference string
	verifyUseCase   string
	verifyAgent     bool
)

var errResultMismatch = errors.New("archived results differ from the reference")

// jsonFetcher reads archived JSON documents
type jsonFetcher interface {
	GetJSON(ctx context.Context, bucket, name string, v any) error
}

// verifyCmd compares an archived run with the expected item list of its use case
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare an archived run with a reference payload",
	Long: `Downloads <use-case>.json from MINIO_BUCKET (written by the worker when
ARCHIVE_RESULTS is set) and compares its VLM results, or agent results with
--agent, against the "payload" list of a JSON or YAML reference file. Item
order, key case and the case and padding of string values are ignored.

Example:
  lpctl verify --reference configs/apple_color.yaml --use-case apple_color`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := objectStore()
		if err != nil {
			return err
		}
		return verifyArchived(cmd.Context(), cmd.OutOrStdout(), store, store.DefaultBucket())
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyReference, "reference", "", "reference file with a payload list")
	verifyCmd.Flags().StringVar(&verifyUseCase, "use-case", "", "use case name of the archived run")
	verifyCmd.Flags().BoolVar(&verifyAgent, "agent", false, "compare agent results instead of VLM results")
	_ = verifyCmd.MarkFlagRequired("reference")
	_ = verifyCmd.MarkFlagRequired("use-case")
}

func verifyArchived(ctx context.Context, out io.Writer, fetcher jsonFetcher, bucket string) error {
	reference, err := agent.LoadReference(verifyReference)
	if err != nil {
		return err
	}

	var run models.RunResult
	if err := fetcher.GetJSON(ctx, bucket, verifyUseCase, &run); err != nil {
		return fmt.Errorf("failed to read archived run %s: %w", verifyUseCase, err)
	}

	results := run.VLMResults
	if verifyAgent {
		results = run.AgentResults
	}
	got, err := itemMaps(results, hasKey(reference, "match"))
	if err != nil {
		return err
	}

	if !agent.CompareItems(reference, got) {
		fmt.Fprintf(out, "mismatch %s (run %s): %d expected, %d found\n", verifyUseCase, run.RunID, len(reference), len(got))
		return errResultMismatch
	}
	fmt.Fprintf(out, "match %s (run %s)\n", verifyUseCase, run.RunID)
	return nil
}

// itemMaps turns results into the flat objects the reference files hold.
// The inventory match flag is dropped unless the reference lists it.
func itemMaps(items []models.ItemResult, withMatch bool) ([]map[string]any, error) {
	data, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if !withMatch {
		for _, item := range out {
			delete(item, "match")
		}
	}
	return out, nil
}

func hasKey(items []map[string]any, key string) bool {
	for _, item := range items {
		for k := range item {
			if strings.EqualFold(k, key) {
				return true
			}
		}
	}
	return false
}
