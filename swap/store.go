/*
store.go - Persistence interface for the hold ledger

PURPOSE:
  Defines the boundary between ledger logic and the database. Every
  multi-resource mutation runs inside Store.WithTx and receives an explicit
  Tx handle; operations never reach a global connection.

KEY INTERFACES:
  Reader: Lookups usable both inside and outside a transaction
  Tx:     Transaction-scoped handle with every write the ledger performs
  Store:  Reader + WithTx

AT-MOST-ONCE SETTLEMENT:
  SettleBooking is a guarded conditional update:

    UPDATE bookings SET status = ?, <hold fields cleared>
     WHERE id = ? AND status IN (guard.From) [AND checked_in_at IS NULL]

  It reports whether a row matched. Exactly one of several concurrent
  settlers sees true; the others roll back and report ErrAlreadySettled.
  TransitionPayment applies the same idea to payment status.

MISSING RECORDS:
  Get* methods return (nil, nil) when the record does not exist.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - swap/store/memory.go: In-memory for tests

SEE ALSO:
  - ledger.go: Uses Tx for release/consume
*/
package swap

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FILTERS & PATCHES
// =============================================================================

// BookingFilter selects bookings for the sweep and listings.
// Zero-valued fields do not filter.
type BookingFilter struct {
	Statuses       []BookingStatus
	InstantOnly    bool
	NotCheckedIn   bool
	ScheduledAfter *time.Time // exclusive
	ScheduledUntil *time.Time // inclusive
	UserID         *UserID
	HeldBatteryID  *BatteryID
	Limit          int
}

// Matches applies the filter to a single booking. Stores that cannot express
// a filter in their query language use it directly.
func (f BookingFilter) Matches(b Booking) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if b.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.InstantOnly && !b.IsInstant {
		return false
	}
	if f.NotCheckedIn && b.CheckedInAt != nil {
		return false
	}
	if f.ScheduledAfter != nil && !b.ScheduledAt.After(*f.ScheduledAfter) {
		return false
	}
	if f.ScheduledUntil != nil && b.ScheduledAt.After(*f.ScheduledUntil) {
		return false
	}
	if f.UserID != nil && b.UserID != *f.UserID {
		return false
	}
	if f.HeldBatteryID != nil && (b.Hold.LockedBatteryID == nil || *b.Hold.LockedBatteryID != *f.HeldBatteryID) {
		return false
	}
	return true
}

// SettleGuard is the precondition of the booking compare-and-swap.
type SettleGuard struct {
	From                []BookingStatus
	RequireNotCheckedIn bool
}

// DefaultCancelGuard allows cancelling any open booking.
var DefaultCancelGuard = SettleGuard{
	From: []BookingStatus{BookingPending, BookingConfirmed},
}

// Allows reports whether the guard admits the booking's current state.
func (g SettleGuard) Allows(b Booking) bool {
	if g.RequireNotCheckedIn && b.CheckedInAt != nil {
		return false
	}
	for _, s := range g.From {
		if b.Status == s {
			return true
		}
	}
	return false
}

// Settlement is the terminal write applied when the guard matches.
type Settlement struct {
	Status      BookingStatus
	Hold        Hold
	CheckedInAt *time.Time
	CheckedInBy *UserID
	UpdatedAt   time.Time
}

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Reader is the read surface shared by Store and Tx.
type Reader interface {
	GetBooking(ctx context.Context, id BookingID) (*Booking, error)
	FindBookings(ctx context.Context, filter BookingFilter) ([]Booking, error)
	GetBattery(ctx context.Context, id BatteryID) (*Battery, error)
	GetBatteryByCode(ctx context.Context, code string) (*Battery, error)
	ListBatteriesByStation(ctx context.Context, stationID StationID) ([]Battery, error)
	GetBatteryModel(ctx context.Context, model string) (*BatteryModelSpec, error)
	GetWallet(ctx context.Context, userID UserID) (*Wallet, error)
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)
	GetSubscription(ctx context.Context, id SubscriptionID) (*Subscription, error)
	GetPackage(ctx context.Context, id PackageID) (*PackageRecord, error)
	GetVehicle(ctx context.Context, id VehicleID) (*Vehicle, error)
	GetStaff(ctx context.Context, userID UserID) (*Staff, error)
	ListBatteryHistory(ctx context.Context, batteryID BatteryID) ([]BatteryHistory, error)
	ListEvents(ctx context.Context, bookingID BookingID) ([]LedgerEvent, error)
	ListSwapTransactions(ctx context.Context, bookingID BookingID) ([]SwapTransaction, error)
}

// Tx is a transaction-scoped handle. It is only valid inside WithTx.
type Tx interface {
	Reader

	InsertBooking(ctx context.Context, b Booking) error
	// SettleBooking applies s when the guard matches and reports whether it did.
	SettleBooking(ctx context.Context, id BookingID, guard SettleGuard, s Settlement) (bool, error)

	InsertBattery(ctx context.Context, b Battery) error
	UpdateBattery(ctx context.Context, b Battery) error
	SaveBatteryModel(ctx context.Context, m BatteryModelSpec) error

	// AdjustWallet adds delta to the balance, creating the wallet on credit,
	// and stamps the wallet with at.
	// It fails with InsufficientFundsError when the result would be negative.
	AdjustWallet(ctx context.Context, userID UserID, delta decimal.Decimal, at time.Time) (decimal.Decimal, error)

	InsertPayment(ctx context.Context, p Payment) error
	// TransitionPayment moves a payment from one status to another and
	// reports whether the payment was in the expected status.
	TransitionPayment(ctx context.Context, id PaymentID, from, to PaymentStatus, transactionID *string, at time.Time) (bool, error)

	InsertSubscription(ctx context.Context, s Subscription) error
	// AdjustRemainingSwaps adds delta to a capped subscription's allowance
	// and returns the new value.
	AdjustRemainingSwaps(ctx context.Context, id SubscriptionID, delta int) (int, error)
	SavePackage(ctx context.Context, p PackageRecord) error

	SaveVehicle(ctx context.Context, v Vehicle) error
	SaveStaff(ctx context.Context, s Staff) error

	AppendHistory(ctx context.Context, h BatteryHistory) error
	AppendEvent(ctx context.Context, e LedgerEvent) error
	InsertSwapTransaction(ctx context.Context, t SwapTransaction) error
}

// Store handles persistence of ledger state.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
