package factory_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/swap-engine/factory"
	"github.com/warp/swap-engine/swap"
	"github.com/warp/swap-engine/swap/store"
)

func seedCatalog(t *testing.T, st *store.Memory, packages map[swap.PackageID]string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, func(tx swap.Tx) error {
		for model, kwh := range map[string]string{"LFP 48V": "2.4", "NMC 60V": "3.6"} {
			if err := tx.SaveBatteryModel(ctx, swap.BatteryModelSpec{Model: model, CapacityKWh: decimal.RequireFromString(kwh)}); err != nil {
				return err
			}
		}
		for id, cfg := range packages {
			if err := tx.SavePackage(ctx, swap.PackageRecord{ID: id, Name: string(id), Config: cfg}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestParsePackage_Valid(t *testing.T) {
	f := factory.NewPackageFactory()

	pj, err := f.ParsePackage(`{"battery_models":["LFP 48V"],"max_capacity_kwh":3.5,"swap_allowance":10,"duration_days":30}`)
	require.NoError(t, err)

	assert.Equal(t, []string{"LFP 48V"}, pj.BatteryModels)
	require.NotNil(t, pj.MaxCapacityKWh)
	assert.True(t, pj.MaxCapacityKWh.Equal(decimal.RequireFromString("3.5")))
	require.NotNil(t, pj.SwapAllowance)
	assert.Equal(t, 10, *pj.SwapAllowance)
}

func TestParsePackage_Invalid(t *testing.T) {
	f := factory.NewPackageFactory()

	tests := []struct {
		name string
		raw  string
	}{
		{"malformed", `{"battery_models":`},
		{"blank model", `{"battery_models":["  "]}`},
		{"zero ceiling", `{"max_capacity_kwh":0}`},
		{"negative allowance", `{"swap_allowance":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParsePackage(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestCoverage_RulePrecedence(t *testing.T) {
	// GIVEN: Packages with an allow-list, a capacity ceiling, and no rules
	// WHEN: Checking coverage for two models
	// THEN: Allow-list beats ceiling, ceiling compares catalog capacity, no rules covers all

	st := store.NewMemory()
	seedCatalog(t, st, map[swap.PackageID]string{
		"allow":   `{"battery_models":["lfp  48v"],"max_capacity_kwh":10}`,
		"ceiling": `{"max_capacity_kwh":3.0}`,
		"open":    ``,
	})
	cov := factory.NewCoverage()
	ctx := context.Background()

	tests := []struct {
		pkg   swap.PackageID
		model string
		want  bool
	}{
		{"allow", "LFP 48V", true},
		{"allow", "NMC 60V", false},
		{"ceiling", "LFP 48V", true},
		{"ceiling", "NMC 60V", false},
		{"ceiling", "Unknown 72V", false},
		{"open", "NMC 60V", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.pkg)+"/"+tt.model, func(t *testing.T) {
			got, err := cov.Covers(ctx, st, swap.Subscription{PackageID: tt.pkg}, tt.model)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoverage_MissingPackage(t *testing.T) {
	st := store.NewMemory()
	_, err := factory.NewCoverage().Covers(context.Background(), st, swap.Subscription{PackageID: "nope"}, "LFP 48V")
	assert.True(t, swap.IsNotFound(err))
}

func TestEncode_RoundTripsThroughParse(t *testing.T) {
	f := factory.NewPackageFactory()
	ceiling := decimal.NewFromInt(3)

	raw, err := f.Encode(factory.PackageJSON{MaxCapacityKWh: &ceiling, DurationDays: 30})
	require.NoError(t, err)

	pj, err := f.ParsePackage(raw)
	require.NoError(t, err)
	assert.True(t, pj.MaxCapacityKWh.Equal(ceiling))
	assert.Nil(t, pj.SwapAllowance)
}
