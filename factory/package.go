/*
Package factory provides JSON to Go package-coverage conversion.

PURPOSE:
  Subscription packages store their coverage rules as JSON so operators
  can change what a package covers without code changes. The factory
  parses and validates that JSON, and Coverage applies it when a station
  agent completes a subscription-funded swap.

JSON SCHEMA:
  {
    "battery_models":   ["LFP 48V", "LFP 60V"],   // optional allow-list
    "max_capacity_kwh": 3.0,                      // optional ceiling
    "swap_allowance":   10,                       // optional, absent = unlimited
    "duration_days":    30
  }

COVERAGE RULES (first that applies wins):
  1. battery_models present and non-empty -> model must be listed
     (case and whitespace insensitive)
  2. max_capacity_kwh present -> model capacity from the catalog must be
     <= the ceiling; a model missing from the catalog is not covered
  3. otherwise -> covered

SEE ALSO:
  - swap/completion.go: CoverageResolver consumer
  - api/scenarios.go: Demo packages
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/swap-engine/swap"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PackageJSON is the JSON representation of a package's coverage rules.
type PackageJSON struct {
	BatteryModels  []string         `json:"battery_models,omitempty"`
	MaxCapacityKWh *decimal.Decimal `json:"max_capacity_kwh,omitempty"`
	SwapAllowance  *int             `json:"swap_allowance,omitempty"`
	DurationDays   int              `json:"duration_days,omitempty"`
}

// =============================================================================
// FACTORY
// =============================================================================

type PackageFactory struct{}

func NewPackageFactory() *PackageFactory {
	return &PackageFactory{}
}

// ParsePackage parses and validates a package's JSON config.
// An empty config covers every model.
func (f *PackageFactory) ParsePackage(raw string) (*PackageJSON, error) {
	var pj PackageJSON
	if strings.TrimSpace(raw) == "" {
		return &pj, nil
	}
	if err := json.Unmarshal([]byte(raw), &pj); err != nil {
		return nil, fmt.Errorf("invalid package JSON: %w", err)
	}
	if err := f.validate(&pj); err != nil {
		return nil, err
	}
	return &pj, nil
}

func (f *PackageFactory) validate(pj *PackageJSON) error {
	for i, m := range pj.BatteryModels {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("battery_models[%d] is empty", i)
		}
	}
	if pj.MaxCapacityKWh != nil && !pj.MaxCapacityKWh.IsPositive() {
		return fmt.Errorf("max_capacity_kwh must be positive, got %s", pj.MaxCapacityKWh)
	}
	if pj.SwapAllowance != nil && *pj.SwapAllowance < 0 {
		return fmt.Errorf("swap_allowance must not be negative, got %d", *pj.SwapAllowance)
	}
	if pj.DurationDays < 0 {
		return fmt.Errorf("duration_days must not be negative, got %d", pj.DurationDays)
	}
	return nil
}

// Encode renders a package config for storage.
func (f *PackageFactory) Encode(pj PackageJSON) (string, error) {
	if err := f.validate(&pj); err != nil {
		return "", err
	}
	raw, err := json.Marshal(pj)
	if err != nil {
		return "", fmt.Errorf("encode package: %w", err)
	}
	return string(raw), nil
}

// =============================================================================
// COVERAGE
// =============================================================================

// Coverage implements swap.CoverageResolver over stored package configs.
type Coverage struct {
	Factory *PackageFactory
}

func NewCoverage() *Coverage {
	return &Coverage{Factory: NewPackageFactory()}
}

func (c *Coverage) Covers(ctx context.Context, r swap.Reader, sub swap.Subscription, model string) (bool, error) {
	pkg, err := r.GetPackage(ctx, sub.PackageID)
	if err != nil {
		return false, fmt.Errorf("load package %s: %w", sub.PackageID, err)
	}
	if pkg == nil {
		return false, &swap.NotFoundError{Resource: "package", ID: string(sub.PackageID)}
	}
	rules, err := c.Factory.ParsePackage(pkg.Config)
	if err != nil {
		return false, fmt.Errorf("package %s: %w", pkg.ID, err)
	}
	return c.covers(ctx, r, rules, model)
}

func (c *Coverage) covers(ctx context.Context, r swap.Reader, rules *PackageJSON, model string) (bool, error) {
	if len(rules.BatteryModels) > 0 {
		for _, m := range rules.BatteryModels {
			if swap.SameModel(m, model) {
				return true, nil
			}
		}
		return false, nil
	}

	if rules.MaxCapacityKWh != nil {
		spec, err := r.GetBatteryModel(ctx, model)
		if err != nil {
			return false, fmt.Errorf("load battery model %s: %w", model, err)
		}
		if spec == nil {
			return false, nil
		}
		return spec.CapacityKWh.LessThanOrEqual(*rules.MaxCapacityKWh), nil
	}

	return true, nil
}
