/*
types.go - Core records of the battery-swap booking engine

PURPOSE:
  Plain data records for every resource the hold ledger touches:
  bookings (with their hold fields), batteries, wallets, payments,
  subscriptions, vehicles, staff, and the append-only battery history.

HOLD FIELDS:
  A booking carries the full description of what it reserved:

    locked_battery_id + locked_battery_previous_status
    locked_wallet_payment_id + locked_wallet_amount
    locked_subscription_id + locked_swap_count (+ use_subscription)
    hold_expires_at

  They are written once when the booking is created and cleared in the
  same write that moves the booking to a terminal status. A booking in a
  terminal status never carries a hold.

SEE ALSO:
  - ledger.go: Reads and clears hold fields
  - store.go: Persistence contract for these records
*/
package swap

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	UserID         string
	BookingID      string
	BatteryID      string
	PaymentID      string
	SubscriptionID string
	StationID      string
	VehicleID      string
	PackageID      string
)

// SystemActor is recorded as the actor of sweep-driven changes.
const SystemActor UserID = "system"

// =============================================================================
// BOOKING
// =============================================================================

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s BookingStatus) IsTerminal() bool {
	return s == BookingCompleted || s == BookingCancelled
}

func (s BookingStatus) Valid() bool {
	switch s {
	case BookingPending, BookingConfirmed, BookingCompleted, BookingCancelled:
		return true
	}
	return false
}

// Hold is the set of resources reserved by a booking.
type Hold struct {
	LockedBatteryID             *BatteryID
	LockedBatteryPreviousStatus *BatteryStatus
	LockedWalletPaymentID       *PaymentID
	LockedWalletAmount          decimal.Decimal
	LockedSubscriptionID        *SubscriptionID
	LockedSwapCount             int
	UseSubscription             bool
	HoldExpiresAt               *time.Time
}

// IsEmpty reports whether the hold references nothing.
func (h Hold) IsEmpty() bool {
	return h.LockedBatteryID == nil &&
		h.LockedWalletPaymentID == nil &&
		h.LockedSubscriptionID == nil &&
		h.LockedWalletAmount.IsZero() &&
		h.LockedSwapCount == 0
}

// Cleared returns the zeroed hold written alongside a terminal status.
// UseSubscription is kept: it records how the booking was funded.
func (h Hold) Cleared() Hold {
	return Hold{
		LockedWalletAmount: decimal.Zero,
		UseSubscription:    h.UseSubscription,
	}
}

type Booking struct {
	ID                 BookingID
	UserID             UserID
	StationID          StationID
	VehicleID          VehicleID
	BatteryModel       string
	Status             BookingStatus
	ScheduledAt        time.Time
	IsInstant          bool
	CheckedInAt        *time.Time
	CheckedInByStaffID *UserID
	Hold               Hold
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// =============================================================================
// BATTERY
// =============================================================================

type BatteryStatus string

const (
	BatteryFull        BatteryStatus = "full"
	BatteryCharging    BatteryStatus = "charging"
	BatteryInUse       BatteryStatus = "in_use"
	BatteryMaintenance BatteryStatus = "maintenance"
	BatteryDamaged     BatteryStatus = "damaged"
	BatteryReserved    BatteryStatus = "reserved"
)

func (s BatteryStatus) Valid() bool {
	switch s {
	case BatteryFull, BatteryCharging, BatteryInUse, BatteryMaintenance, BatteryDamaged, BatteryReserved:
		return true
	}
	return false
}

type Battery struct {
	ID               BatteryID
	StationID        *StationID
	Model            string
	Code             string
	Status           BatteryStatus
	CurrentCharge    int
	HealthPercentage decimal.Decimal
	CycleCount       int
	UpdatedAt        time.Time
}

// NormalizeModel folds a battery model name for comparison:
// case-insensitive and ignoring whitespace.
func NormalizeModel(model string) string {
	return strings.ToLower(strings.Join(strings.Fields(model), ""))
}

// SameModel compares two model names the way station agents write them.
func SameModel(a, b string) bool {
	return NormalizeModel(a) == NormalizeModel(b)
}

// BatteryModelSpec is a catalog entry for a battery model.
type BatteryModelSpec struct {
	Model       string
	CapacityKWh decimal.Decimal
}

// =============================================================================
// WALLET & PAYMENT
// =============================================================================

type Wallet struct {
	UserID    UserID
	Balance   decimal.Decimal
	UpdatedAt time.Time
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

type PaymentMethod string

const (
	PaymentMethodWallet PaymentMethod = "wallet"
	PaymentMethodTopUp  PaymentMethod = "topup"
)

type Payment struct {
	ID            PaymentID
	UserID        UserID
	BookingID     *BookingID
	Amount        decimal.Decimal
	Method        PaymentMethod
	Status        PaymentStatus
	TransactionID *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// =============================================================================
// SUBSCRIPTION & PACKAGE
// =============================================================================

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

type Subscription struct {
	ID             SubscriptionID
	UserID         UserID
	PackageID      PackageID
	RemainingSwaps *int // nil = unlimited
	Status         SubscriptionStatus
	EndDate        time.Time
}

// IsUnlimited reports whether the subscription has no swap allowance cap.
func (s Subscription) IsUnlimited() bool {
	return s.RemainingSwaps == nil
}

// IsActiveAt reports whether swaps may be restored to the subscription at t.
func (s Subscription) IsActiveAt(t time.Time) bool {
	return s.Status == SubscriptionActive && !s.EndDate.Before(t)
}

// PackageRecord is a subscription package as stored. Coverage rules live in
// Config as JSON and are interpreted by a CoverageResolver.
type PackageRecord struct {
	ID     PackageID
	Name   string
	Config string
}

// =============================================================================
// VEHICLE & STAFF
// =============================================================================

type Vehicle struct {
	ID               VehicleID
	UserID           UserID
	Model            string
	CurrentBatteryID *BatteryID
}

type Staff struct {
	UserID    UserID
	StationID StationID
	Name      string
	Active    bool
}

// =============================================================================
// HISTORY & SWAP TRANSACTIONS
// =============================================================================

type HistoryAction string

const (
	HistoryReleased    HistoryAction = "released"
	HistoryIssued      HistoryAction = "issued"
	HistoryReturned    HistoryAction = "returned"
	HistoryDamaged     HistoryAction = "damaged"
	HistoryMaintenance HistoryAction = "maintenance"
)

// BatteryHistory is an append-only record of a battery movement.
type BatteryHistory struct {
	ID          string
	BatteryID   BatteryID
	BookingID   *BookingID
	StationID   *StationID
	ActorUserID UserID
	Action      HistoryAction
	Notes       string
	CreatedAt   time.Time
}

// SwapTransaction records a physical battery exchange.
type SwapTransaction struct {
	ID             string
	BookingID      BookingID
	UserID         UserID
	StationID      StationID
	StaffID        UserID
	OldBatteryID   BatteryID
	NewBatteryID   BatteryID
	Amount         decimal.Decimal
	PaymentID      *PaymentID
	SubscriptionID *SubscriptionID
	CreatedAt      time.Time
}

func ptr[T any](v T) *T { return &v }
