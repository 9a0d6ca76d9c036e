/*
handlers_test.go - HTTP tests for the swap endpoints

Tests for:
- Authentication and role checks
- Booking read, cancel and completion
- Error status mapping (400/403/404/409)
- Top-up settlement and replay
- Manual sweep and sweep run history
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/swap-engine/factory"
	"github.com/warp/swap-engine/store/sqlite"
	"github.com/warp/swap-engine/swap"
)

const testSecret = "test-secret"

var t0 = time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu   sync.Mutex
	sent []swap.Notification
}

func (r *recorder) Notify(_ context.Context, n swap.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recorder) events() []swap.NotificationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]swap.NotificationEvent, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Event)
	}
	return out
}

type testServer struct {
	t       *testing.T
	store   *sqlite.Store
	handler *Handler
	router  *chi.Mux
	notes   *recorder
}

func newTestServer(t *testing.T, scenario string) *testServer {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	notes := &recorder{}
	ledger := swap.NewHoldLedger(store, swap.NewManualClock(t0), nil)
	orch := swap.NewOrchestrator(ledger, factory.NewCoverage(), notes)
	sweeper := swap.NewSweeper(ledger, notes, nil, swap.DefaultSweepConfig())

	h := NewHandler(store, orch, NewSweepScheduler(store, sweeper, nil))
	h.TokenSecret = testSecret
	require.NoError(t, h.loadScenario(context.Background(), scenario))

	return &testServer{
		t:       t,
		store:   store,
		handler: h,
		router:  NewRouter(h, RouterOptions{JWTSecret: testSecret, DevScenarios: true}),
		notes:   notes,
	}
}

func (s *testServer) do(method, path string, who *Principal, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who != nil {
		tok, err := IssueToken(testSecret, who.UserID, who.Role, time.Hour)
		require.NoError(s.t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) booking(id swap.BookingID) *swap.Booking {
	s.t.Helper()
	b, err := s.store.GetBooking(context.Background(), id)
	require.NoError(s.t, err)
	require.NotNil(s.t, b)
	return b
}

func (s *testServer) balance() decimal.Decimal {
	s.t.Helper()
	w, err := s.store.GetWallet(context.Background(), demoDriver)
	require.NoError(s.t, err)
	return w.Balance
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

var (
	asDriver = &Principal{UserID: demoDriver, Role: RoleDriver}
	asStaff  = &Principal{UserID: demoStaff, Role: RoleStaff}
	asAdmin  = &Principal{UserID: demoAdmin, Role: RoleAdmin}
)

// =============================================================================
// AUTH
// =============================================================================

func TestAuth_RejectsMissingAndForgedTokens(t *testing.T) {
	s := newTestServer(t, "demo-station")

	rec := s.do(http.MethodGet, "/api/bookings/bk-wallet", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged, err := IssueToken("other-secret", demoDriver, RoleDriver, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/bookings/bk-wallet", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_RoleChecks(t *testing.T) {
	s := newTestServer(t, "demo-station")

	rec := s.do(http.MethodPost, "/api/bookings/bk-wallet/complete", asDriver, CompleteBookingRequest{})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/api/admin/sweep", asStaff, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestParseToken_UnknownRole(t *testing.T) {
	tok, err := IssueToken(testSecret, "someone", Role("root"), time.Hour)
	require.NoError(t, err)

	_, err = ParseToken(testSecret, tok)
	assert.Error(t, err)
}

// =============================================================================
// BOOKINGS
// =============================================================================

func TestGetBooking_ShowsHoldToOwnerOnly(t *testing.T) {
	s := newTestServer(t, "demo-station")

	rec := s.do(http.MethodGet, "/api/bookings/bk-wallet", asDriver, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dto := decode[BookingDTO](t, rec)
	assert.Equal(t, "confirmed", dto.Status)
	require.NotNil(t, dto.Hold.LockedBatteryID)
	assert.Equal(t, "bat-101", *dto.Hold.LockedBatteryID)
	assert.Equal(t, "15000", dto.Hold.LockedWalletAmount)

	stranger := &Principal{UserID: "driver-2", Role: RoleDriver}
	rec = s.do(http.MethodGet, "/api/bookings/bk-wallet", stranger, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/bookings/nope", asAdmin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelBooking_RefundsOnceThenConflicts(t *testing.T) {
	// GIVEN: A confirmed wallet booking holding 15000
	// WHEN: The driver cancels it twice
	// THEN: The first call refunds and releases B101; the second is a 409
	s := newTestServer(t, "demo-station")
	before := s.balance()

	rec := s.do(http.MethodPost, "/api/bookings/bk-wallet/cancel", asDriver, CancelBookingRequest{Reason: "plans changed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[CancelBookingResponse](t, rec)
	assert.Equal(t, "cancelled", resp.Booking.Status)
	assert.Equal(t, "15000", resp.WalletRefund)
	require.NotNil(t, resp.BatteryReleased)
	assert.Equal(t, "bat-101", *resp.BatteryReleased)
	assert.True(t, s.balance().Sub(before).Equal(decimal.NewFromInt(15000)))

	rec = s.do(http.MethodPost, "/api/bookings/bk-wallet/cancel", asDriver, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.True(t, s.balance().Sub(before).Equal(decimal.NewFromInt(15000)))
}

func TestCancelBooking_StaffNotifiesDriver(t *testing.T) {
	s := newTestServer(t, "demo-station")

	rec := s.do(http.MethodPost, "/api/bookings/bk-sub/cancel", asStaff, CancelBookingRequest{Reason: "station closing"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[CancelBookingResponse](t, rec)
	assert.Equal(t, 1, resp.SwapsRestored)

	assert.Equal(t, []swap.NotificationEvent{swap.NotifyBookingCancelled}, s.notes.events())
}

func TestCancelBooking_StaffFromAnotherStation(t *testing.T) {
	s := newTestServer(t, "demo-station")
	ctx := context.Background()
	require.NoError(t, s.store.WithTx(ctx, func(tx swap.Tx) error {
		return tx.SaveStaff(ctx, swap.Staff{UserID: "staff-2", StationID: "st-2", Active: true})
	}))

	rec := s.do(http.MethodPost, "/api/bookings/bk-wallet/cancel", &Principal{UserID: "staff-2", Role: RoleStaff}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, swap.BookingConfirmed, s.booking("bk-wallet").Status)
}

func TestCompleteBooking_WalletHappyPath(t *testing.T) {
	// GIVEN: bk-wallet holding B101 and 15000; the vehicle carries B201
	// WHEN: Staff completes the swap B201 -> B101
	// THEN: Booking completed, payment consumed, batteries moved, no refund
	s := newTestServer(t, "demo-station")
	before := s.balance()

	rec := s.do(http.MethodPost, "/api/bookings/bk-wallet/complete", asStaff, CompleteBookingRequest{
		OldBatteryCode:      "B201",
		NewBatteryCode:      "B101",
		OldBatteryCondition: "good",
		OldBatteryCharge:    12,
		NewBatteryCharge:    100,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[CompleteBookingResponse](t, rec)
	assert.Equal(t, "completed", resp.Booking.Status)
	assert.Equal(t, "15000", resp.Swap.Amount)
	require.NotNil(t, resp.PaymentStatus)
	assert.Equal(t, "completed", *resp.PaymentStatus)
	assert.Equal(t, "in_use", resp.NewBattery.Status)
	assert.Nil(t, resp.NewBattery.StationID)
	assert.Equal(t, "charging", resp.OldBattery.Status)
	assert.Equal(t, 1, resp.OldBattery.CycleCount)

	assert.True(t, s.balance().Equal(before), "a consumed hold is never refunded")
	assert.Contains(t, s.notes.events(), swap.NotifySwapCompleted)

	rec = s.do(http.MethodPost, "/api/bookings/bk-wallet/cancel", asDriver, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCompleteBooking_OldCodeMismatchChangesNothing(t *testing.T) {
	s := newTestServer(t, "demo-station")

	rec := s.do(http.MethodPost, "/api/bookings/bk-wallet/complete", asStaff, CompleteBookingRequest{
		OldBatteryCode: "B104", NewBatteryCode: "B101", OldBatteryCharge: 10, NewBatteryCharge: 100,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "old_battery_code", decode[ErrorResponse](t, rec).Field)

	b := s.booking("bk-wallet")
	assert.Equal(t, swap.BookingConfirmed, b.Status)
	assert.NotNil(t, b.Hold.LockedWalletPaymentID)
}

func TestGetBookingEvents(t *testing.T) {
	s := newTestServer(t, "demo-station")

	rec := s.do(http.MethodGet, "/api/bookings/bk-sub/events", asDriver, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		Events []EventDTO `json:"events"`
	}](t, rec)
	require.Len(t, body.Events, 1)
	assert.Equal(t, "hold_placed", body.Events[0].Kind)
	assert.Contains(t, string(body.Events[0].Payload), `"swap_count":1`)
}

// =============================================================================
// STATIONS & PAYMENTS
// =============================================================================

func TestGetAvailability(t *testing.T) {
	s := newTestServer(t, "demo-station")

	rec := s.do(http.MethodGet, "/api/stations/st-1/availability", asDriver, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	avail := decode[swap.StationAvailability](t, rec)
	lfp := avail.Model("LFP 48V")
	assert.Equal(t, 2, lfp.Available) // B103, B105
	assert.Equal(t, 2, lfp.Reserved)  // B101, B102
	assert.Equal(t, 4, lfp.Total)
}

func TestCompleteTopUp_CreditsOnce(t *testing.T) {
	s := newTestServer(t, "demo-station")
	before := s.balance()

	rec := s.do(http.MethodPost, "/api/payments/pay-topup-1/topup-completed", asAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, s.balance().Sub(before).Equal(decimal.NewFromInt(50000)))

	rec = s.do(http.MethodPost, "/api/payments/pay-topup-1/topup-completed", asAdmin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.True(t, s.balance().Sub(before).Equal(decimal.NewFromInt(50000)))

	rec = s.do(http.MethodPost, "/api/payments/missing/topup-completed", asAdmin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// SWEEP
// =============================================================================

func TestTriggerSweep_CancelsOverdueAndRecordsRuns(t *testing.T) {
	// GIVEN: The sweep-ready scenario at t0
	// WHEN: An admin triggers the sweep
	// THEN: The no-show and stale instant bookings are cancelled, one reminder goes out,
	//       and three runs are recorded
	s := newTestServer(t, "sweep-ready")

	rec := s.do(http.MethodPost, "/api/admin/sweep", asAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[struct {
		Reports []SweepReportDTO `json:"reports"`
	}](t, rec)
	require.Len(t, body.Reports, 3)
	assert.Equal(t, 1, body.Reports[0].Released)
	assert.Equal(t, 1, body.Reports[1].Released)
	assert.Equal(t, 1, body.Reports[2].Notified)

	assert.Equal(t, swap.BookingCancelled, s.booking("bk-late").Status)
	assert.Equal(t, swap.BookingCancelled, s.booking("bk-instant").Status)
	assert.Equal(t, swap.BookingConfirmed, s.booking("bk-soon").Status)
	assert.Equal(t, swap.BookingConfirmed, s.booking("bk-wallet").Status)

	rec = s.do(http.MethodGet, "/api/admin/sweeps?limit=10", asAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[struct {
		Runs []SweepRunDTO `json:"runs"`
	}](t, rec)
	require.Len(t, runs.Runs, 3)
	for _, run := range runs.Runs {
		assert.Equal(t, "completed", run.Status)
	}

	rec = s.do(http.MethodGet, "/api/admin/sweeps?limit=x", asAdmin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// SCENARIOS & HEALTH
// =============================================================================

func TestLoadScenario_ReturnsWorkingTokens(t *testing.T) {
	s := newTestServer(t, "demo-station")

	rec := s.do(http.MethodPost, "/api/scenarios/load", nil, LoadScenarioRequest{ScenarioID: "sweep-ready"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[LoadScenarioResponse](t, rec)
	require.Contains(t, resp.Tokens, "staff")

	p, err := ParseToken(testSecret, resp.Tokens["staff"])
	require.NoError(t, err)
	assert.Equal(t, demoStaff, p.UserID)
	assert.Equal(t, RoleStaff, p.Role)

	s.booking("bk-late")

	rec = s.do(http.MethodPost, "/api/scenarios/load", nil, LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "demo-station")

	rec := s.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
