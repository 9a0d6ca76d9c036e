/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with a working
	station: batteries, a model catalog, packages, a driver with a wallet
	and subscriptions, a vehicle, staff, and bookings whose holds were
	placed through the ledger.

AVAILABLE SCENARIOS:

	demo-station:  Upcoming wallet and subscription bookings, a pending top-up
	sweep-ready:   Adds an overdue no-show, a stale instant booking and a
	               booking inside the 30-minute reminder window

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create catalog, packages (via factory), batteries, wallet, subscriptions
 3. Create vehicle and staff
 4. Place holds through HoldLedger.PlaceHold
 5. Return bearer tokens for the demo driver, staff member and admin

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "sweep-ready"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Booking, sweep and top-up endpoints to try afterwards
  - factory/package.go: Package rule JSON
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/swap-engine/factory"
	"github.com/warp/swap-engine/swap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "demo-station",
		Name:        "Demo Station",
		Description: "One station, wallet and subscription bookings, a pending top-up",
	},
	{
		ID:          "sweep-ready",
		Name:        "Sweep Ready",
		Description: "Demo station plus a no-show, a stale instant booking and a reminder due",
	},
}

const (
	demoStation = swap.StationID("st-1")
	demoDriver  = swap.UserID("driver-1")
	demoStaff   = swap.UserID("staff-1")
	demoAdmin   = swap.UserID("admin")
)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario resets the database and loads the requested scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var found *ScenarioDTO
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			found = &scenarios[i]
		}
	}
	if found == nil {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.loadScenario(r.Context(), found.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	tokens, err := h.demoTokens()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue tokens", err)
		return
	}
	writeJSON(w, http.StatusOK, LoadScenarioResponse{Scenario: *found, Tokens: tokens})
}

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	if err := h.seedStation(ctx); err != nil {
		return err
	}

	now := h.Ledger.Clock.Now()
	s1 := swap.SubscriptionID("S1")
	holds := []swap.HoldRequest{
		{BookingID: "bk-wallet", BatteryID: "bat-101", WalletAmount: decimal.NewFromInt(15000), ScheduledAt: now.Add(2 * time.Hour)},
		{BookingID: "bk-sub", BatteryID: "bat-102", SubscriptionID: &s1, SwapCount: 1, ScheduledAt: now.Add(3 * time.Hour)},
	}
	if id == "sweep-ready" {
		holds = append(holds,
			swap.HoldRequest{BookingID: "bk-late", BatteryID: "bat-103", WalletAmount: decimal.NewFromInt(15000), ScheduledAt: now.Add(-20 * time.Minute)},
			swap.HoldRequest{BookingID: "bk-instant", BatteryID: "bat-104", WalletAmount: decimal.NewFromInt(15000), ScheduledAt: now.Add(-20 * time.Minute), Status: swap.BookingPending, IsInstant: true},
			swap.HoldRequest{BookingID: "bk-soon", BatteryID: "bat-105", SubscriptionID: &s1, SwapCount: 1, ScheduledAt: now.Add(28 * time.Minute)},
		)
	}

	return h.Store.WithTx(ctx, func(tx swap.Tx) error {
		for _, req := range holds {
			req.UserID, req.StationID, req.VehicleID = demoDriver, demoStation, "veh-1"
			if _, err := h.Ledger.PlaceHold(ctx, tx, req); err != nil {
				return fmt.Errorf("place %s: %w", req.BookingID, err)
			}
		}
		return nil
	})
}

// seedStation writes everything a booking can reference.
func (h *Handler) seedStation(ctx context.Context) error {
	now := h.Ledger.Clock.Now()
	st := demoStation

	lfpOnly, err := h.Packages.Encode(factory.PackageJSON{BatteryModels: []string{"LFP 48V"}, SwapAllowance: intPtr(10), DurationDays: 30})
	if err != nil {
		return err
	}
	ceiling := decimal.RequireFromString("3.0")
	small, err := h.Packages.Encode(factory.PackageJSON{MaxCapacityKWh: &ceiling, DurationDays: 30})
	if err != nil {
		return err
	}

	return h.Store.WithTx(ctx, func(tx swap.Tx) error {
		for _, m := range []swap.BatteryModelSpec{
			{Model: "LFP 48V", CapacityKWh: decimal.RequireFromString("2.4")},
			{Model: "NMC 60V", CapacityKWh: decimal.RequireFromString("3.6")},
		} {
			if err := tx.SaveBatteryModel(ctx, m); err != nil {
				return err
			}
		}

		for _, b := range []swap.Battery{
			{ID: "bat-101", StationID: &st, Model: "LFP 48V", Code: "B101", Status: swap.BatteryFull, CurrentCharge: 100},
			{ID: "bat-102", StationID: &st, Model: "LFP 48V", Code: "B102", Status: swap.BatteryCharging, CurrentCharge: 70},
			{ID: "bat-103", StationID: &st, Model: "LFP 48V", Code: "B103", Status: swap.BatteryFull, CurrentCharge: 100},
			{ID: "bat-104", StationID: &st, Model: "NMC 60V", Code: "B104", Status: swap.BatteryFull, CurrentCharge: 95},
			{ID: "bat-105", StationID: &st, Model: "LFP 48V", Code: "B105", Status: swap.BatteryFull, CurrentCharge: 100},
			{ID: "bat-106", StationID: &st, Model: "NMC 60V", Code: "B106", Status: swap.BatteryMaintenance, CurrentCharge: 10},
			{ID: "bat-201", Model: "LFP 48V", Code: "B201", Status: swap.BatteryInUse, CurrentCharge: 12},
		} {
			b.UpdatedAt = now
			if err := tx.InsertBattery(ctx, b); err != nil {
				return err
			}
		}

		for _, p := range []swap.PackageRecord{
			{ID: "pkg-lfp", Name: "LFP Commuter", Config: lfpOnly},
			{ID: "pkg-small", Name: "Up to 3 kWh", Config: small},
		} {
			if err := tx.SavePackage(ctx, p); err != nil {
				return err
			}
		}

		if _, err := tx.AdjustWallet(ctx, demoDriver, decimal.NewFromInt(200000), now); err != nil {
			return err
		}
		for _, s := range []swap.Subscription{
			{ID: "S1", UserID: demoDriver, PackageID: "pkg-lfp", RemainingSwaps: intPtr(4), Status: swap.SubscriptionActive, EndDate: now.AddDate(0, 0, 30)},
			{ID: "S-unlimited", UserID: demoDriver, PackageID: "pkg-small", Status: swap.SubscriptionActive, EndDate: now.AddDate(0, 0, 30)},
			{ID: "S-expired", UserID: demoDriver, PackageID: "pkg-lfp", RemainingSwaps: intPtr(2), Status: swap.SubscriptionExpired, EndDate: now.AddDate(0, 0, -1)},
		} {
			if err := tx.InsertSubscription(ctx, s); err != nil {
				return err
			}
		}

		if err := tx.InsertPayment(ctx, swap.Payment{
			ID: "pay-topup-1", UserID: demoDriver, Amount: decimal.NewFromInt(50000),
			Method: swap.PaymentMethodTopUp, Status: swap.PaymentPending, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}

		installed := swap.BatteryID("bat-201")
		if err := tx.SaveVehicle(ctx, swap.Vehicle{ID: "veh-1", UserID: demoDriver, Model: "Scooter X", CurrentBatteryID: &installed}); err != nil {
			return err
		}
		return tx.SaveStaff(ctx, swap.Staff{UserID: demoStaff, StationID: demoStation, Name: "Station Agent", Active: true})
	})
}

func (h *Handler) demoTokens() (map[string]string, error) {
	if h.TokenSecret == "" {
		return nil, nil
	}
	tokens := make(map[string]string, 3)
	for name, p := range map[string]Principal{
		"driver": {UserID: demoDriver, Role: RoleDriver},
		"staff":  {UserID: demoStaff, Role: RoleStaff},
		"admin":  {UserID: demoAdmin, Role: RoleAdmin},
	} {
		tok, err := IssueToken(h.TokenSecret, p.UserID, p.Role, 12*time.Hour)
		if err != nil {
			return nil, err
		}
		tokens[name] = tok
	}
	return tokens, nil
}

func intPtr(v int) *int { return &v }
