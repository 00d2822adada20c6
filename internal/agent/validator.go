// Package agent validates VLM findings against the store inventory.
package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lossprevention/lp-vlm/internal/inventory"
	"github.com/lossprevention/lp-vlm/internal/models"
)

// Status messages of the agent stage
const (
	MsgAllValidated       = "All items validated against inventory"
	MsgValidationComplete = "Inventory validation completed"
)

// Catalog answers inventory membership
type Catalog interface {
	Contains(name string) bool
}

// ItemValidator asks the model about items the inventory does not know
type ItemValidator interface {
	ValidateItems(ctx context.Context, names []string) ([]models.ItemResult, error)
}

// Validator runs the decision agent
type Validator struct {
	catalog   Catalog
	validator ItemValidator
	logger    *zap.Logger
}

// NewValidator creates a decision agent
func NewValidator(catalog Catalog, validator ItemValidator, logger *zap.Logger) *Validator {
	return &Validator{catalog: catalog, validator: validator, logger: logger.Named("agent")}
}

// Validate splits results into known and unknown items and asks the model to
// validate the unknown ones. On failure the input results are returned as is.
func (v *Validator) Validate(ctx context.Context, results []models.ItemResult) (models.StageStatus, []models.ItemResult) {
	v.logger.Info("starting inventory validation", zap.Int("items", len(results)))

	var matched, unmatched []models.ItemResult
	for _, r := range results {
		name := inventory.Normalize(r.ItemName)
		if v.catalog.Contains(name) {
			v.logger.Debug("item found in inventory", zap.String("item", name))
			matched = append(matched, r)
		} else {
			v.logger.Debug("item not in inventory, will validate with VLM", zap.String("item", name))
			unmatched = append(unmatched, r)
		}
	}

	if len(unmatched) == 0 {
		v.logger.Info("all items matched inventory, no VLM validation needed")
		return completed(MsgAllValidated), results
	}

	names := make([]string, len(unmatched))
	for i, r := range unmatched {
		names[i] = r.ItemName
	}
	v.logger.Info("calling VLM to validate unmatched items", zap.Strings("items", names))

	validated, err := v.validator.ValidateItems(ctx, names)
	if err != nil {
		v.logger.Error("VLM validation failed", zap.Error(err))
		return models.StageStatus{
			Stage:   models.StageAgent,
			State:   models.StateFailed,
			Message: fmt.Sprintf("VLM validation failed - %v", err),
		}, results
	}

	out := append([]models.ItemResult(nil), matched...)
	if len(validated) > 0 {
		out = append(out, validated...)
	} else {
		out = append(out, unmatched...)
	}
	v.logger.Info("agent validation completed", zap.Int("matched", len(matched)), zap.Int("validated", len(out)))
	return completed(MsgValidationComplete), out
}

func completed(msg string) models.StageStatus {
	return models.StageStatus{Stage: models.StageAgent, State: models.StateCompleted, Message: msg}
}
