/*
completion.go - Staff "finish the swap" workflow

PURPOSE:
  A station agent physically exchanges batteries and then completes the
  booking. The orchestrator checks the presented units against the held
  reservation, moves battery and vehicle state, consumes the hold and
  closes the booking, all in one transaction.

FLOW:
  1. Staff must be active and assigned to the booking's station.
  2. The booking must carry a battery hold (absence is an integrity error).
  3. The reserved battery must sit at the station, be reserved|full, match
     the booking's model and carry the code the agent presented as "new".
  4. The vehicle's installed battery is resolved by the presented "old"
     code; an unknown code registers a new unit bound to the vehicle. The
     old code must be the vehicle's current battery and be in_use.
  5. Funding: subscription bookings need a subscription hold whose package
     still covers the model; wallet bookings need a payment hold.
  6. Swap record, battery/vehicle updates, history rows, Consume, and the
     guarded transition to completed.
  7. Notification after commit, best effort.

SEE ALSO:
  - ledger.go: Consume
  - factory/coverage.go: Package coverage rules
*/
package swap

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CoverageResolver decides whether a subscription's package covers a
// battery model.
type CoverageResolver interface {
	Covers(ctx context.Context, r Reader, sub Subscription, model string) (bool, error)
}

// OldBatteryCondition is the agent's classification of the returned unit.
type OldBatteryCondition string

const (
	ConditionGood        OldBatteryCondition = "good"
	ConditionMaintenance OldBatteryCondition = "maintenance"
	ConditionDamaged     OldBatteryCondition = "damaged"
)

func (c OldBatteryCondition) batteryStatus() (BatteryStatus, HistoryAction, bool) {
	switch c {
	case ConditionGood, "":
		return BatteryCharging, HistoryReturned, true
	case ConditionMaintenance:
		return BatteryMaintenance, HistoryMaintenance, true
	case ConditionDamaged:
		return BatteryDamaged, HistoryDamaged, true
	}
	return "", "", false
}

type CompleteRequest struct {
	BookingID        BookingID
	StaffID          UserID
	OldBatteryCode   string
	NewBatteryCode   string
	OldCondition     OldBatteryCondition
	OldBatteryCharge int
	NewBatteryCharge int
	Notes            string
}

func (r CompleteRequest) validate() error {
	if r.BookingID == "" {
		return clientErrorf("booking_id", "required")
	}
	if r.StaffID == "" {
		return clientErrorf("staff_id", "required")
	}
	if strings.TrimSpace(r.OldBatteryCode) == "" {
		return clientErrorf("old_battery_code", "required")
	}
	if strings.TrimSpace(r.NewBatteryCode) == "" {
		return clientErrorf("new_battery_code", "required")
	}
	if r.OldBatteryCharge < 0 || r.OldBatteryCharge > 100 {
		return clientErrorf("old_battery_charge", "must be between 0 and 100")
	}
	if r.NewBatteryCharge < 0 || r.NewBatteryCharge > 100 {
		return clientErrorf("new_battery_charge", "must be between 0 and 100")
	}
	if _, _, ok := r.OldCondition.batteryStatus(); !ok {
		return clientErrorf("old_battery_condition", "unknown condition %q", r.OldCondition)
	}
	return nil
}

type CompleteResult struct {
	Booking    Booking
	Swap       SwapTransaction
	Payment    *Payment
	NewBattery Battery
	OldBattery Battery
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

type Orchestrator struct {
	Store        Store
	Ledger       *HoldLedger
	Coverage     CoverageResolver
	Availability AvailabilityResolver
	Notifier     Notifier
	Clock        Clock
	Logger       *zap.Logger
}

func NewOrchestrator(ledger *HoldLedger, coverage CoverageResolver, notifier Notifier) *Orchestrator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Orchestrator{
		Store:    ledger.Store,
		Ledger:   ledger,
		Coverage: coverage,
		Notifier: notifier,
		Clock:    ledger.Clock,
		Logger:   ledger.Logger,
	}
}

// Complete finalizes a booking after the physical exchange.
func (o *Orchestrator) Complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var res *CompleteResult
	err := o.Store.WithTx(ctx, func(tx Tx) error {
		var err error
		res, err = o.complete(ctx, tx, req)
		return err
	})
	if err != nil {
		if IsIntegrity(err) {
			o.Logger.Error("completion aborted on integrity violation",
				zap.String("booking_id", string(req.BookingID)), zap.Error(err))
		}
		return nil, err
	}

	o.Logger.Info("swap completed",
		zap.String("booking_id", string(res.Booking.ID)),
		zap.String("staff_id", string(req.StaffID)),
		zap.String("swap_id", res.Swap.ID),
		zap.String("amount", res.Swap.Amount.StringFixed(2)))

	notifyAfterCommit(ctx, o.Notifier, o.Logger, Notification{
		Event:   NotifySwapCompleted,
		UserID:  res.Booking.UserID,
		Title:   "Battery swap completed",
		Message: fmt.Sprintf("Your battery was swapped for %s (%d%% charged).", res.NewBattery.Code, res.NewBattery.CurrentCharge),
		Data: map[string]string{
			"booking_id":  string(res.Booking.ID),
			"transaction": res.Swap.ID,
		},
	})
	return res, nil
}

func (o *Orchestrator) complete(ctx context.Context, tx Tx, req CompleteRequest) (*CompleteResult, error) {
	now := o.Clock.Now()

	b, err := tx.GetBooking(ctx, req.BookingID)
	if err != nil {
		return nil, fmt.Errorf("load booking: %w", err)
	}
	if b == nil {
		return nil, notFound("booking", req.BookingID)
	}
	if b.Status.IsTerminal() {
		return nil, &StateError{BookingID: b.ID, Status: b.Status}
	}
	if b.Status != BookingPending && b.Status != BookingConfirmed {
		return nil, clientErrorf("booking", "booking %s is %s", b.ID, b.Status)
	}

	// 1. Staff assignment
	staff, err := tx.GetStaff(ctx, req.StaffID)
	if err != nil {
		return nil, fmt.Errorf("load staff: %w", err)
	}
	if staff == nil || !staff.Active {
		return nil, &AuthorizationError{ActorID: req.StaffID, StationID: b.StationID, Reason: "not an active station agent"}
	}
	if staff.StationID != b.StationID {
		return nil, &AuthorizationError{ActorID: req.StaffID, StationID: b.StationID, Reason: "assigned to station " + string(staff.StationID)}
	}

	// 2. Battery hold
	if b.Hold.LockedBatteryID == nil {
		return nil, o.Ledger.integrity(b.ID, "booking has no battery hold")
	}

	// 3. Reserved battery
	newBattery, err := tx.GetBattery(ctx, *b.Hold.LockedBatteryID)
	if err != nil {
		return nil, fmt.Errorf("load reserved battery: %w", err)
	}
	if newBattery == nil {
		return nil, o.Ledger.integrity(b.ID, "held battery %s no longer exists", *b.Hold.LockedBatteryID)
	}
	if newBattery.StationID == nil || *newBattery.StationID != b.StationID {
		return nil, clientErrorf("new_battery_code", "reserved battery %s is not at station %s", newBattery.Code, b.StationID)
	}
	if newBattery.Status != BatteryReserved && newBattery.Status != BatteryFull {
		return nil, clientErrorf("new_battery_code", "reserved battery %s is %s", newBattery.Code, newBattery.Status)
	}
	if !SameModel(newBattery.Model, b.BatteryModel) {
		return nil, clientErrorf("new_battery_code", "reserved battery model %s does not match booking model %s", newBattery.Model, b.BatteryModel)
	}
	if newBattery.Code != strings.TrimSpace(req.NewBatteryCode) {
		return nil, clientErrorf("new_battery_code", "presented battery %s is not the reserved battery %s", req.NewBatteryCode, newBattery.Code)
	}
	o.checkAvailability(ctx, tx, b)

	// 4. Vehicle's installed battery
	vehicle, err := tx.GetVehicle(ctx, b.VehicleID)
	if err != nil {
		return nil, fmt.Errorf("load vehicle: %w", err)
	}
	if vehicle == nil {
		return nil, notFound("vehicle", b.VehicleID)
	}
	oldBattery, err := o.resolveInstalled(ctx, tx, b, vehicle, strings.TrimSpace(req.OldBatteryCode))
	if err != nil {
		return nil, err
	}
	if vehicle.CurrentBatteryID == nil || *vehicle.CurrentBatteryID != oldBattery.ID {
		return nil, clientErrorf("old_battery_code", "battery %s is not installed in vehicle %s", oldBattery.Code, vehicle.ID)
	}
	if oldBattery.Status != BatteryInUse {
		return nil, clientErrorf("old_battery_code", "battery %s is %s, expected in_use", oldBattery.Code, oldBattery.Status)
	}

	// 5. Funding
	amount := decimal.Zero
	if b.Hold.UseSubscription {
		if err := o.checkCoverage(ctx, tx, b); err != nil {
			return nil, err
		}
	} else {
		if b.Hold.LockedWalletPaymentID == nil || b.Hold.LockedWalletAmount.IsZero() {
			return nil, o.Ledger.integrity(b.ID, "wallet booking has no payment hold")
		}
		amount = b.Hold.LockedWalletAmount
	}

	// 6. Atomic settlement
	settled, err := tx.SettleBooking(ctx, b.ID, SettleGuard{
		From:                []BookingStatus{BookingPending, BookingConfirmed},
		RequireNotCheckedIn: true,
	}, Settlement{
		Status:      BookingCompleted,
		Hold:        b.Hold.Cleared(),
		CheckedInAt: ptr(now),
		CheckedInBy: ptr(req.StaffID),
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, fmt.Errorf("settle booking: %w", err)
	}
	if !settled {
		return nil, &StateError{BookingID: b.ID}
	}

	swapTx := SwapTransaction{
		ID:             uuid.NewString(),
		BookingID:      b.ID,
		UserID:         b.UserID,
		StationID:      b.StationID,
		StaffID:        req.StaffID,
		OldBatteryID:   oldBattery.ID,
		NewBatteryID:   newBattery.ID,
		Amount:         amount,
		PaymentID:      b.Hold.LockedWalletPaymentID,
		SubscriptionID: b.Hold.LockedSubscriptionID,
		CreatedAt:      now,
	}
	if err := tx.InsertSwapTransaction(ctx, swapTx); err != nil {
		return nil, fmt.Errorf("insert swap transaction: %w", err)
	}

	oldStatus, oldAction, _ := req.OldCondition.batteryStatus()
	oldBattery.Status = oldStatus
	oldBattery.CurrentCharge = req.OldBatteryCharge
	oldBattery.StationID = ptr(b.StationID)
	oldBattery.CycleCount++
	oldBattery.UpdatedAt = now
	if err := tx.UpdateBattery(ctx, *oldBattery); err != nil {
		return nil, fmt.Errorf("update returned battery: %w", err)
	}

	newBattery.Status = BatteryInUse
	newBattery.CurrentCharge = req.NewBatteryCharge
	newBattery.StationID = nil
	newBattery.UpdatedAt = now
	if err := tx.UpdateBattery(ctx, *newBattery); err != nil {
		return nil, fmt.Errorf("update issued battery: %w", err)
	}

	vehicle.CurrentBatteryID = ptr(newBattery.ID)
	if err := tx.SaveVehicle(ctx, *vehicle); err != nil {
		return nil, fmt.Errorf("update vehicle: %w", err)
	}

	for _, h := range []BatteryHistory{
		{BatteryID: oldBattery.ID, Action: oldAction, Notes: req.Notes},
		{BatteryID: newBattery.ID, Action: HistoryIssued, Notes: req.Notes},
	} {
		h.ID = uuid.NewString()
		h.BookingID = ptr(b.ID)
		h.StationID = ptr(b.StationID)
		h.ActorUserID = req.StaffID
		h.CreatedAt = now
		if err := tx.AppendHistory(ctx, h); err != nil {
			return nil, fmt.Errorf("battery history: %w", err)
		}
	}

	consumed, err := o.Ledger.Consume(ctx, tx, b, swapTx.ID, req.Notes)
	if err != nil {
		return nil, err
	}

	done := *b
	done.Status = BookingCompleted
	done.Hold = consumed.Patch
	done.CheckedInAt = ptr(now)
	done.CheckedInByStaffID = ptr(req.StaffID)
	done.UpdatedAt = now

	return &CompleteResult{
		Booking:    done,
		Swap:       swapTx,
		Payment:    consumed.Payment,
		NewBattery: *newBattery,
		OldBattery: *oldBattery,
	}, nil
}

// resolveInstalled finds the presented old battery, registering it when the
// code has never been seen.
func (o *Orchestrator) resolveInstalled(ctx context.Context, tx Tx, b *Booking, v *Vehicle, code string) (*Battery, error) {
	battery, err := tx.GetBatteryByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("load battery %s: %w", code, err)
	}
	if battery != nil {
		return battery, nil
	}

	now := o.Clock.Now()
	battery = &Battery{
		ID:               BatteryID(uuid.NewString()),
		Model:            b.BatteryModel,
		Code:             code,
		Status:           BatteryInUse,
		HealthPercentage: decimal.NewFromInt(100),
		UpdatedAt:        now,
	}
	if err := tx.InsertBattery(ctx, *battery); err != nil {
		return nil, fmt.Errorf("register battery %s: %w", code, err)
	}
	if v.CurrentBatteryID == nil {
		v.CurrentBatteryID = ptr(battery.ID)
		if err := tx.SaveVehicle(ctx, *v); err != nil {
			return nil, fmt.Errorf("bind battery %s: %w", code, err)
		}
	}
	o.Logger.Info("registered untracked battery",
		zap.String("booking_id", string(b.ID)),
		zap.String("battery_code", code),
		zap.String("vehicle_id", string(v.ID)))
	return battery, nil
}

func (o *Orchestrator) checkCoverage(ctx context.Context, tx Tx, b *Booking) error {
	if b.Hold.LockedSubscriptionID == nil {
		return o.Ledger.integrity(b.ID, "subscription booking has no subscription hold")
	}
	sub, err := tx.GetSubscription(ctx, *b.Hold.LockedSubscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil {
		return o.Ledger.integrity(b.ID, "held subscription %s no longer exists", *b.Hold.LockedSubscriptionID)
	}
	if o.Coverage == nil {
		return nil
	}
	covered, err := o.Coverage.Covers(ctx, tx, *sub, b.BatteryModel)
	if err != nil {
		if IsNotFound(err) {
			return o.Ledger.integrity(b.ID, "coverage lookup: %v", err)
		}
		return fmt.Errorf("coverage: %w", err)
	}
	if !covered {
		return clientErrorf("battery_model", "subscription package does not cover model %s", b.BatteryModel)
	}
	return nil
}

// checkAvailability logs when the reserved unit is not visible in the
// station counts. It never blocks completion.
func (o *Orchestrator) checkAvailability(ctx context.Context, tx Tx, b *Booking) {
	avail, err := o.Availability.Resolve(ctx, tx, b.StationID)
	if err != nil {
		o.Logger.Warn("availability check failed", zap.String("booking_id", string(b.ID)), zap.Error(err))
		return
	}
	m := avail.Model(b.BatteryModel)
	if m.Reserved == 0 && m.Available == 0 {
		o.Logger.Warn("reserved battery not reflected in station availability",
			zap.String("booking_id", string(b.ID)),
			zap.String("station_id", string(b.StationID)),
			zap.String("model", b.BatteryModel))
	}
}
