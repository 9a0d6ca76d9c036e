package swap_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/swap-engine/factory"
	"github.com/warp/swap-engine/swap"
)

func (e *testEnv) orchestrator() *swap.Orchestrator {
	return swap.NewOrchestrator(e.ledger, factory.NewCoverage(), e.notes)
}

func completeReq(id swap.BookingID) swap.CompleteRequest {
	return swap.CompleteRequest{
		BookingID:        id,
		StaffID:          "staff-1",
		OldBatteryCode:   "B201",
		NewBatteryCode:   "B101",
		OldCondition:     swap.ConditionGood,
		OldBatteryCharge: 12,
		NewBatteryCharge: 98,
	}
}

func (e *testEnv) vehicleBattery(t *testing.T) *swap.BatteryID {
	t.Helper()
	v, err := e.store.GetVehicle(e.ctx, "veh-1")
	require.NoError(t, err)
	require.NotNil(t, v)
	return v.CurrentBatteryID
}

// =============================================================================
// HAPPY PATHS
// =============================================================================

func TestComplete_WalletBooking(t *testing.T) {
	// GIVEN: A wallet booking holding B101 for 50,000; vehicle carries B201
	// WHEN: staff-1 completes it presenting B201 (old) and B101 (new)
	// THEN: Payment completed, batteries swapped, booking completed, one notification

	env := newTestEnv(t)
	b := env.holdWallet(t, "bk-1", "bat-101", 50000)

	res, err := env.orchestrator().Complete(env.ctx, completeReq(b.ID))
	require.NoError(t, err)

	stored := env.booking(t, b.ID)
	assert.Equal(t, swap.BookingCompleted, stored.Status)
	require.NotNil(t, stored.CheckedInAt)
	assert.Equal(t, t0, *stored.CheckedInAt)
	require.NotNil(t, stored.CheckedInByStaffID)
	assert.Equal(t, swap.UserID("staff-1"), *stored.CheckedInByStaffID)
	assert.True(t, stored.Hold.IsEmpty())

	require.NotNil(t, res.Payment)
	assert.Equal(t, swap.PaymentCompleted, res.Payment.Status)
	require.NotNil(t, res.Payment.TransactionID)
	assert.Equal(t, res.Swap.ID, *res.Payment.TransactionID)
	assert.True(t, res.Swap.Amount.Equal(money(50000)))

	issued := env.battery(t, "bat-101")
	assert.Equal(t, swap.BatteryInUse, issued.Status)
	assert.Equal(t, 98, issued.CurrentCharge)

	returned := env.battery(t, "bat-201")
	assert.Equal(t, swap.BatteryCharging, returned.Status)
	assert.Equal(t, 12, returned.CurrentCharge)
	require.NotNil(t, returned.StationID)
	assert.Equal(t, station, *returned.StationID)

	assert.Equal(t, swap.BatteryID("bat-101"), *env.vehicleBattery(t))
	assert.True(t, env.balance(t).Equal(money(50000)), "consume does not touch the wallet")
	assert.Equal(t, 1, env.notes.count())

	swaps, err := env.store.ListSwapTransactions(env.ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, swaps, 1)
}

func TestComplete_SubscriptionBooking(t *testing.T) {
	env := newTestEnv(t)
	b := env.holdSwaps(t, "bk-1", "bat-101", "S1", 1)

	res, err := env.orchestrator().Complete(env.ctx, completeReq(b.ID))
	require.NoError(t, err)

	assert.Nil(t, res.Payment)
	assert.True(t, res.Swap.Amount.IsZero())
	assert.Equal(t, 3, *env.remaining(t, "S1"), "swaps stay consumed")
}

func TestComplete_DamagedOldBattery(t *testing.T) {
	env := newTestEnv(t)
	b := env.holdWallet(t, "bk-1", "bat-101", 1000)
	req := completeReq(b.ID)
	req.OldCondition = swap.ConditionDamaged

	_, err := env.orchestrator().Complete(env.ctx, req)
	require.NoError(t, err)

	assert.Equal(t, swap.BatteryDamaged, env.battery(t, "bat-201").Status)
	history, err := env.store.ListBatteryHistory(env.ctx, "bat-201")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, swap.HistoryDamaged, history[0].Action)
}

func TestComplete_ModelMatchIgnoresCaseAndSpaces(t *testing.T) {
	env := newTestEnv(t)
	b := env.place(t, swap.HoldRequest{
		BookingID: "bk-1", BatteryID: "bat-101", BatteryModel: "lfp48v", WalletAmount: money(1000),
	})

	_, err := env.orchestrator().Complete(env.ctx, completeReq(b.ID))
	assert.NoError(t, err)
}

func TestComplete_RegistersUntrackedBattery(t *testing.T) {
	// GIVEN: A vehicle with no recorded battery
	// WHEN: Staff presents an unknown old code
	// THEN: The unit is registered, bound to the vehicle and returned to the station

	env := newTestEnv(t)
	require.NoError(t, env.store.WithTx(env.ctx, func(tx swap.Tx) error {
		return tx.SaveVehicle(env.ctx, swap.Vehicle{ID: "veh-2", UserID: driver, Model: "Scooter Y"})
	}))
	b := env.place(t, swap.HoldRequest{
		BookingID: "bk-1", VehicleID: "veh-2", BatteryID: "bat-101", WalletAmount: money(1000),
	})
	req := completeReq(b.ID)
	req.OldBatteryCode = "FACTORY-77"

	res, err := env.orchestrator().Complete(env.ctx, req)
	require.NoError(t, err)

	registered, err := env.store.GetBatteryByCode(env.ctx, "FACTORY-77")
	require.NoError(t, err)
	require.NotNil(t, registered)
	assert.Equal(t, res.OldBattery.ID, registered.ID)
	assert.Equal(t, swap.BatteryCharging, registered.Status)
}

// =============================================================================
// REJECTIONS
// =============================================================================

func TestComplete_OldCodeMismatch_NoStateChanges(t *testing.T) {
	// GIVEN: Vehicle carries B201
	// WHEN: Staff presents B102 as the old battery
	// THEN: Client error, nothing mutated

	env := newTestEnv(t)
	b := env.holdWallet(t, "bk-1", "bat-101", 50000)
	req := completeReq(b.ID)
	req.OldBatteryCode = "B102"

	_, err := env.orchestrator().Complete(env.ctx, req)

	require.Error(t, err)
	assert.True(t, swap.IsClientError(err))
	assert.Equal(t, swap.BookingConfirmed, env.booking(t, b.ID).Status)
	assert.Equal(t, swap.BatteryReserved, env.battery(t, "bat-101").Status)
	assert.Equal(t, swap.BatteryCharging, env.battery(t, "bat-102").Status)
	assert.Equal(t, swap.BatteryInUse, env.battery(t, "bat-201").Status)
	assert.Equal(t, swap.BatteryID("bat-201"), *env.vehicleBattery(t))
	assert.Equal(t, 0, env.notes.count())

	p, err := env.store.GetPayment(env.ctx, *b.Hold.LockedWalletPaymentID)
	require.NoError(t, err)
	assert.Equal(t, swap.PaymentPending, p.Status)
}

func TestComplete_UnknownOldCodeOnEquippedVehicle_RollsBack(t *testing.T) {
	env := newTestEnv(t)
	b := env.holdWallet(t, "bk-1", "bat-101", 1000)
	req := completeReq(b.ID)
	req.OldBatteryCode = "NEVER-SEEN"

	_, err := env.orchestrator().Complete(env.ctx, req)

	assert.True(t, swap.IsClientError(err))
	ghost, err := env.store.GetBatteryByCode(env.ctx, "NEVER-SEEN")
	require.NoError(t, err)
	assert.Nil(t, ghost, "registration must roll back")
}

func TestComplete_NewCodeMismatch(t *testing.T) {
	env := newTestEnv(t)
	b := env.holdWallet(t, "bk-1", "bat-101", 1000)
	req := completeReq(b.ID)
	req.NewBatteryCode = "B102"

	_, err := env.orchestrator().Complete(env.ctx, req)

	var ce *swap.ClientError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "new_battery_code", ce.Field)
}

func TestComplete_StaffFromOtherStation(t *testing.T) {
	env := newTestEnv(t)
	b := env.holdWallet(t, "bk-1", "bat-101", 1000)
	req := completeReq(b.ID)
	req.StaffID = "staff-2"

	_, err := env.orchestrator().Complete(env.ctx, req)

	assert.True(t, swap.IsAuthorization(err))
}

func TestComplete_PackageDoesNotCoverModel(t *testing.T) {
	// GIVEN: S1's package only covers LFP 48V
	// WHEN: Completing a subscription booking for B103 (NMC 60V)
	// THEN: Client error

	env := newTestEnv(t)
	b := env.holdSwaps(t, "bk-1", "bat-103", "S1", 1)
	req := completeReq(b.ID)
	req.NewBatteryCode = "B103"

	_, err := env.orchestrator().Complete(env.ctx, req)

	assert.True(t, swap.IsClientError(err))
	assert.Equal(t, swap.BookingConfirmed, env.booking(t, b.ID).Status)
}

func TestComplete_MissingBatteryHoldIsIntegrityError(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.WithTx(env.ctx, func(tx swap.Tx) error {
		return tx.InsertBooking(env.ctx, swap.Booking{
			ID: "bk-legacy", UserID: driver, StationID: station, VehicleID: "veh-1",
			BatteryModel: "LFP 48V", Status: swap.BookingConfirmed, ScheduledAt: t0,
		})
	}))

	_, err := env.orchestrator().Complete(env.ctx, completeReq("bk-legacy"))

	assert.True(t, swap.IsIntegrity(err))
	assert.False(t, swap.IsClientError(err))
}

func TestComplete_PendingBookingCompletes(t *testing.T) {
	env := newTestEnv(t)
	b := env.place(t, swap.HoldRequest{
		BookingID: "bk-1", Status: swap.BookingPending, BatteryID: "bat-101", WalletAmount: money(1000),
		ScheduledAt: env.clock.Now(),
	})

	res, err := env.orchestrator().Complete(env.ctx, completeReq(b.ID))

	require.NoError(t, err)
	assert.Equal(t, swap.BookingCompleted, res.Booking.Status)
}

func TestComplete_InvalidRequest(t *testing.T) {
	env := newTestEnv(t)
	req := completeReq("bk-1")
	req.NewBatteryCharge = 140

	_, err := env.orchestrator().Complete(env.ctx, req)

	assert.True(t, swap.IsClientError(err))
}

// =============================================================================
// CONSUME VS RELEASE
// =============================================================================

func TestConsumeThenCancel_OnlyOneSettles(t *testing.T) {
	env := newTestEnv(t)
	b := env.holdWallet(t, "bk-1", "bat-101", 50000)

	_, err := env.orchestrator().Complete(env.ctx, completeReq(b.ID))
	require.NoError(t, err)

	_, err = env.ledger.Cancel(env.ctx, b.ID, driver, "too late", swap.DefaultCancelGuard)
	assert.True(t, swap.IsConflict(err))
	assert.True(t, env.balance(t).Equal(money(50000)), "no refund after consume")
	assert.Equal(t, swap.BatteryInUse, env.battery(t, "bat-101").Status)
}

func TestCancelThenComplete_Conflict(t *testing.T) {
	env := newTestEnv(t)
	b := env.holdWallet(t, "bk-1", "bat-101", 50000)

	_, err := env.ledger.Cancel(env.ctx, b.ID, driver, "", swap.DefaultCancelGuard)
	require.NoError(t, err)

	_, err = env.orchestrator().Complete(env.ctx, completeReq(b.ID))
	assert.True(t, swap.IsConflict(err))
	assert.Equal(t, swap.BatteryFull, env.battery(t, "bat-101").Status)
}

func TestComplete_NotificationFailureDoesNotFail(t *testing.T) {
	env := newTestEnv(t)
	env.notes.err = errors.New("broker down")
	b := env.holdWallet(t, "bk-1", "bat-101", 1000)

	_, err := env.orchestrator().Complete(env.ctx, completeReq(b.ID))

	require.NoError(t, err)
	assert.Equal(t, swap.BookingCompleted, env.booking(t, b.ID).Status)
}
