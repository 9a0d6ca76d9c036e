package swap_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/swap-engine/swap"
)

func (e *testEnv) sweeper() *swap.Sweeper {
	return swap.NewSweeper(e.ledger, e.notes, swap.NewMemoryReminderLog(e.clock), swap.DefaultSweepConfig())
}

func (e *testEnv) scheduledHold(t *testing.T, id swap.BookingID, battery swap.BatteryID, at time.Time, status swap.BookingStatus, instant bool) *swap.Booking {
	t.Helper()
	return e.place(t, swap.HoldRequest{
		BookingID: id, BatteryID: battery, WalletAmount: money(10000),
		ScheduledAt: at, Status: status, IsInstant: instant,
	})
}

// =============================================================================
// NO-SHOW
// =============================================================================

func TestSweep_NoShowAfterElevenMinutes(t *testing.T) {
	// GIVEN: A confirmed booking scheduled 11 minutes ago, never checked in
	// WHEN: The no-show scan runs
	// THEN: Booking cancelled, battery released, exactly one notification

	env := newTestEnv(t)
	b := env.scheduledHold(t, "bk-late", "bat-101", t0.Add(-11*time.Minute), swap.BookingConfirmed, false)

	rep, err := env.sweeper().CancelNoShows(env.ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Released)
	assert.Equal(t, swap.BookingCancelled, env.booking(t, b.ID).Status)
	assert.Equal(t, swap.BatteryFull, env.battery(t, "bat-101").Status)
	require.Equal(t, 1, env.notes.count())
	n := env.notes.sent[0]
	assert.Equal(t, swap.NotifyBookingNoShow, n.Event)
	assert.True(t, strings.Contains(n.Message, "refunded"), "message must match the refund: %s", n.Message)

	// A second run finds nothing and sends nothing.
	rep, err = env.sweeper().CancelNoShows(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Scanned)
	assert.Equal(t, 1, env.notes.count())
}

func TestSweep_NoShowLeavesRecentAndPendingBookings(t *testing.T) {
	env := newTestEnv(t)
	env.scheduledHold(t, "bk-recent", "bat-101", t0.Add(-9*time.Minute), swap.BookingConfirmed, false)
	env.scheduledHold(t, "bk-pending", "bat-102", t0.Add(-30*time.Minute), swap.BookingPending, false)

	rep, err := env.sweeper().CancelNoShows(env.ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, rep.Released)
	assert.Equal(t, swap.BookingConfirmed, env.booking(t, "bk-recent").Status)
	assert.Equal(t, swap.BookingPending, env.booking(t, "bk-pending").Status)
}

func TestSweep_ReleasesSubscriptionSwaps(t *testing.T) {
	env := newTestEnv(t)
	sub := swap.SubscriptionID("S1")
	env.place(t, swap.HoldRequest{
		BookingID: "bk-sub", BatteryID: "bat-101", SubscriptionID: &sub, SwapCount: 1,
		ScheduledAt: t0.Add(-20 * time.Minute),
	})

	_, err := env.sweeper().CancelNoShows(env.ctx)
	require.NoError(t, err)

	assert.Equal(t, 4, *env.remaining(t, "S1"))
	require.Equal(t, 1, env.notes.count())
	assert.Contains(t, env.notes.sent[0].Message, "returned to your subscription")
}

// =============================================================================
// INSTANT EXPIRY
// =============================================================================

func TestSweep_InstantExpiry(t *testing.T) {
	// GIVEN: An instant pending booking 16 minutes old and a regular pending one
	// WHEN: The instant scan runs
	// THEN: Only the instant booking is cancelled

	env := newTestEnv(t)
	env.scheduledHold(t, "bk-instant", "bat-101", t0.Add(-16*time.Minute), swap.BookingPending, true)
	env.scheduledHold(t, "bk-regular", "bat-102", t0.Add(-16*time.Minute), swap.BookingPending, false)
	env.scheduledHold(t, "bk-fresh", "bat-103", t0.Add(-14*time.Minute), swap.BookingConfirmed, true)

	rep, err := env.sweeper().ExpireInstantBookings(env.ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Released)
	assert.Equal(t, swap.BookingCancelled, env.booking(t, "bk-instant").Status)
	assert.Equal(t, swap.BookingPending, env.booking(t, "bk-regular").Status)
	assert.Equal(t, swap.BookingConfirmed, env.booking(t, "bk-fresh").Status)
	require.Equal(t, 1, env.notes.count())
	assert.Equal(t, swap.NotifyBookingExpired, env.notes.sent[0].Event)
}

func TestSweep_FailedDeliveryIsNotCountedAsNotified(t *testing.T) {
	// GIVEN: A no-show and a booking due in 28 minutes, and a notifier that is down
	// WHEN: Both scans run
	// THEN: The no-show is still released, but nothing counts as notified

	env := newTestEnv(t)
	env.scheduledHold(t, "bk-late", "bat-101", t0.Add(-11*time.Minute), swap.BookingConfirmed, false)
	env.scheduledHold(t, "bk-soon", "bat-102", t0.Add(28*time.Minute), swap.BookingConfirmed, false)
	down := swap.NotifyFunc(func(context.Context, swap.Notification) error {
		return errors.New("broker unreachable")
	})
	s := swap.NewSweeper(env.ledger, down, swap.NewMemoryReminderLog(env.clock), swap.DefaultSweepConfig())

	rep, err := s.CancelNoShows(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Released)
	assert.Equal(t, 0, rep.Notified)
	assert.Equal(t, swap.BookingCancelled, env.booking(t, "bk-late").Status)

	rep, err = s.SendReminders(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scanned)
	assert.Equal(t, 0, rep.Notified)
}

// =============================================================================
// REMINDERS
// =============================================================================

func TestSweep_RemindersSentOncePerLead(t *testing.T) {
	env := newTestEnv(t)
	env.scheduledHold(t, "bk-30", "bat-101", t0.Add(28*time.Minute), swap.BookingConfirmed, false)
	env.scheduledHold(t, "bk-10", "bat-102", t0.Add(8*time.Minute), swap.BookingConfirmed, false)
	env.scheduledHold(t, "bk-far", "bat-103", t0.Add(2*time.Hour), swap.BookingConfirmed, false)
	s := env.sweeper()

	rep, err := s.SendReminders(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Notified)

	rep, err = s.SendReminders(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Notified)
	assert.Equal(t, 2, rep.Skipped)
	assert.Equal(t, 2, env.notes.count())

	// Twenty minutes later bk-30 enters the 10-minute window.
	env.clock.Advance(20 * time.Minute)
	rep, err = s.SendReminders(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Notified)
	assert.Equal(t, swap.BookingConfirmed, env.booking(t, "bk-30").Status, "reminders never mutate")
}

// =============================================================================
// ISOLATION & RACES
// =============================================================================

func TestSweep_OneFailureDoesNotStopBatch(t *testing.T) {
	env := newTestEnv(t)
	ghost := swap.BatteryID("bat-ghost")
	require.NoError(t, env.store.WithTx(env.ctx, func(tx swap.Tx) error {
		return tx.InsertBooking(env.ctx, swap.Booking{
			ID: "bk-broken", UserID: driver, StationID: station, Status: swap.BookingConfirmed,
			ScheduledAt: t0.Add(-30 * time.Minute), Hold: swap.Hold{LockedBatteryID: &ghost},
		})
	}))
	env.scheduledHold(t, "bk-ok", "bat-101", t0.Add(-20*time.Minute), swap.BookingConfirmed, false)

	rep, err := env.sweeper().CancelNoShows(env.ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Scanned)
	assert.Equal(t, 1, rep.Released)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, swap.BookingCancelled, env.booking(t, "bk-ok").Status)
	assert.Equal(t, swap.BookingConfirmed, env.booking(t, "bk-broken").Status)
}

func TestSweep_ConcurrentRunsRefundOnce(t *testing.T) {
	// GIVEN: A no-show wallet booking
	// WHEN: Several sweeps and a staff cancellation race
	// THEN: The wallet is credited exactly once and at most one no-show notice goes out

	env := newTestEnv(t)
	env.scheduledHold(t, "bk-race", "bat-101", t0.Add(-15*time.Minute), swap.BookingConfirmed, false)
	before := env.balance(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.sweeper().RunAll(env.ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = env.ledger.Cancel(env.ctx, "bk-race", "staff-1", "staff cancel", swap.DefaultCancelGuard)
	}()
	wg.Wait()

	assert.True(t, env.balance(t).Sub(before).Equal(money(10000)))
	assert.LessOrEqual(t, env.notes.count(), 1)
	assert.Equal(t, swap.BookingCancelled, env.booking(t, "bk-race").Status)
}
