/*
ledger.go - Booking hold ledger: place, release, consume

PURPOSE:
  A booking reserves up to three scarce resources for its lifetime:

    - one battery unit         (battery.status = reserved)
    - a slice of wallet money  (wallet debited, Payment pending)
    - a slice of subscription swaps (remaining_swaps decremented)

  The ledger later either CONSUMES the hold (successful swap) or RELEASES
  it (cancellation, expiry, failed check-in). Both read the booking's hold
  fields exactly once and return the patch that clears them.

CRITICAL INVARIANTS:
  1. AT-MOST-ONCE: a booking's hold is released or consumed once, never
     both. The caller wins the right to settle by the guarded status
     update (Tx.SettleBooking) in the same transaction.
  2. NO DOUBLE REFUND: a payment is refunded only through a guarded
     pending -> refunded transition. Anything else is left untouched.
  3. CONSERVATION: wallet balance + pending wallet holds is unchanged by
     release. Balances never go negative.
  4. AUDITABLE: every resource movement appends a typed LedgerEvent.

TRANSACTIONS:
  Release and Consume never open a transaction; they run on the caller's
  Tx. Cancel and CreditTopUp own theirs.

SEE ALSO:
  - completion.go: Consume path (staff finishes the swap)
  - expiry.go: Release path driven by the sweep
*/
package swap

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// HOLD LEDGER
// =============================================================================

type HoldLedger struct {
	Store  Store
	Clock  Clock
	Logger *zap.Logger
}

func NewHoldLedger(store Store, clock Clock, logger *zap.Logger) *HoldLedger {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HoldLedger{Store: store, Clock: clock, Logger: logger}
}

// HoldRequest is an already-chosen battery and funding tuple to reserve.
// Exactly one funding source is used: SubscriptionID when set, otherwise
// WalletAmount.
type HoldRequest struct {
	BookingID      BookingID // generated when empty
	UserID         UserID
	StationID      StationID
	VehicleID      VehicleID
	BatteryModel   string
	Status         BookingStatus // pending or confirmed, default confirmed
	ScheduledAt    time.Time
	IsInstant      bool
	BatteryID      BatteryID
	WalletAmount   decimal.Decimal
	SubscriptionID *SubscriptionID
	SwapCount      int
	TTL            time.Duration
}

type ReleaseResult struct {
	WalletRefund    decimal.Decimal
	BatteryReleased *BatteryID
	SwapsRestored   int
	Forfeited       bool
	Patch           Hold
}

type ConsumeResult struct {
	Payment *Payment
	Patch   Hold
}

type CancelResult struct {
	Booking Booking
	Release ReleaseResult
}

// =============================================================================
// PLACE
// =============================================================================

// PlaceHold reserves the requested resources and inserts the booking.
func (l *HoldLedger) PlaceHold(ctx context.Context, tx Tx, req HoldRequest) (*Booking, error) {
	if req.UserID == "" {
		return nil, clientErrorf("user_id", "required")
	}
	if req.BatteryID == "" {
		return nil, clientErrorf("battery_id", "required")
	}
	status := req.Status
	if status == "" {
		status = BookingConfirmed
	}
	if status.IsTerminal() || !status.Valid() {
		return nil, clientErrorf("status", "cannot open a booking as %q", status)
	}

	now := l.Clock.Now()
	id := req.BookingID
	if id == "" {
		id = BookingID(uuid.NewString())
	}
	b := Booking{
		ID:           id,
		UserID:       req.UserID,
		StationID:    req.StationID,
		VehicleID:    req.VehicleID,
		BatteryModel: req.BatteryModel,
		Status:       status,
		ScheduledAt:  req.ScheduledAt.UTC(),
		IsInstant:    req.IsInstant,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if b.ScheduledAt.IsZero() {
		b.ScheduledAt = now
	}
	if req.TTL > 0 {
		b.Hold.HoldExpiresAt = ptr(now.Add(req.TTL))
	}

	// Battery
	battery, err := tx.GetBattery(ctx, req.BatteryID)
	if err != nil {
		return nil, fmt.Errorf("load battery: %w", err)
	}
	if battery == nil {
		return nil, notFound("battery", req.BatteryID)
	}
	if battery.Status != BatteryFull && battery.Status != BatteryCharging {
		return nil, clientErrorf("battery_id", "battery %s is %s", battery.Code, battery.Status)
	}
	prev := battery.Status
	battery.Status = BatteryReserved
	battery.UpdatedAt = now
	if err := tx.UpdateBattery(ctx, *battery); err != nil {
		return nil, fmt.Errorf("reserve battery: %w", err)
	}
	b.Hold.LockedBatteryID = ptr(battery.ID)
	b.Hold.LockedBatteryPreviousStatus = ptr(prev)
	if b.BatteryModel == "" {
		b.BatteryModel = battery.Model
	}

	// Funding
	if req.SubscriptionID != nil {
		if err := l.holdSwaps(ctx, tx, &b, *req.SubscriptionID, req.SwapCount, now); err != nil {
			return nil, err
		}
	} else {
		if err := l.holdWallet(ctx, tx, &b, req.WalletAmount, now); err != nil {
			return nil, err
		}
	}

	if err := tx.InsertBooking(ctx, b); err != nil {
		return nil, fmt.Errorf("insert booking: %w", err)
	}
	err = l.appendEvent(ctx, tx, b.ID, b.Hold.LockedWalletPaymentID, b.Hold.LockedSubscriptionID, b.UserID, HoldPlaced{
		BatteryID:      b.Hold.LockedBatteryID,
		PreviousStatus: b.Hold.LockedBatteryPreviousStatus,
		WalletAmount:   b.Hold.LockedWalletAmount,
		SwapCount:      b.Hold.LockedSwapCount,
		ExpiresAt:      b.Hold.HoldExpiresAt,
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (l *HoldLedger) holdSwaps(ctx context.Context, tx Tx, b *Booking, subID SubscriptionID, count int, now time.Time) error {
	if count <= 0 {
		return clientErrorf("swap_count", "must be positive, got %d", count)
	}
	sub, err := tx.GetSubscription(ctx, subID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil {
		return notFound("subscription", subID)
	}
	if sub.UserID != b.UserID {
		return clientErrorf("subscription_id", "subscription %s belongs to another user", subID)
	}
	if !sub.IsActiveAt(now) {
		return clientErrorf("subscription_id", "subscription %s is not active", subID)
	}
	if !sub.IsUnlimited() {
		if *sub.RemainingSwaps < count {
			return &InsufficientAllowanceError{SubscriptionID: subID, Remaining: *sub.RemainingSwaps, Requested: count}
		}
		if _, err := tx.AdjustRemainingSwaps(ctx, subID, -count); err != nil {
			return fmt.Errorf("debit swaps: %w", err)
		}
	}
	b.Hold.LockedSubscriptionID = ptr(subID)
	b.Hold.LockedSwapCount = count
	b.Hold.UseSubscription = true
	return nil
}

func (l *HoldLedger) holdWallet(ctx context.Context, tx Tx, b *Booking, amount decimal.Decimal, now time.Time) error {
	if !amount.IsPositive() {
		return clientErrorf("wallet_amount", "must be positive, got %s", amount)
	}
	if _, err := tx.AdjustWallet(ctx, b.UserID, amount.Neg(), now); err != nil {
		return err
	}
	p := Payment{
		ID:        PaymentID(uuid.NewString()),
		UserID:    b.UserID,
		BookingID: ptr(b.ID),
		Amount:    amount,
		Method:    PaymentMethodWallet,
		Status:    PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.InsertPayment(ctx, p); err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	b.Hold.LockedWalletPaymentID = ptr(p.ID)
	b.Hold.LockedWalletAmount = amount
	return nil
}

// =============================================================================
// RELEASE
// =============================================================================

// Release returns every held resource. The caller must already have won the
// booking's status transition within tx, and must persist Patch. A hold that
// was already released or consumed is left alone.
func (l *HoldLedger) Release(ctx context.Context, tx Tx, b *Booking, actor UserID, notes string) (*ReleaseResult, error) {
	now := l.Clock.Now()
	h := b.Hold
	res := &ReleaseResult{WalletRefund: decimal.Zero, Patch: h.Cleared()}

	settled, err := settledBy(ctx, tx, b.ID)
	if err != nil {
		return nil, err
	}
	if settled != "" {
		l.Logger.Warn("hold already settled, nothing to release",
			zap.String("booking_id", string(b.ID)),
			zap.String("settled_by", string(settled)))
		return res, nil
	}

	// 1. Battery back to its previous status
	if h.LockedBatteryID != nil {
		released, err := l.releaseBattery(ctx, tx, b, *h.LockedBatteryID, h.LockedBatteryPreviousStatus, actor, notes, now)
		if err != nil {
			return nil, err
		}
		res.BatteryReleased = released
	}

	// 2. Wallet refund through the guarded payment transition
	if h.LockedWalletPaymentID != nil {
		refund, err := l.refundPayment(ctx, tx, b, *h.LockedWalletPaymentID, h.LockedWalletAmount, actor, notes, now)
		if err != nil {
			return nil, err
		}
		res.WalletRefund = refund
	}

	// 3. Subscription swaps, only while the subscription can still use them
	if h.LockedSubscriptionID != nil && h.LockedSwapCount > 0 {
		restored, forfeited, err := l.restoreSwaps(ctx, tx, b, *h.LockedSubscriptionID, h.LockedSwapCount, actor, now)
		if err != nil {
			return nil, err
		}
		res.SwapsRestored = restored
		res.Forfeited = forfeited
	}

	err = l.appendEvent(ctx, tx, b.ID, h.LockedWalletPaymentID, h.LockedSubscriptionID, actor, HoldReleased{
		Reason:          notes,
		BatteryReleased: res.BatteryReleased,
		WalletRefund:    res.WalletRefund,
		SwapsRestored:   res.SwapsRestored,
		Forfeited:       res.Forfeited,
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// settledBy returns the kind of the event that already closed the booking's
// hold, or "" while the hold is open.
func settledBy(ctx context.Context, tx Tx, id BookingID) (EventKind, error) {
	events, err := tx.ListEvents(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load events: %w", err)
	}
	for _, e := range events {
		if k := e.Event.Kind(); k == EventHoldReleased || k == EventHoldConsumed {
			return k, nil
		}
	}
	return "", nil
}

// releaseBattery restores the held unit unless it has moved on: no longer
// reserved, or reserved by another open booking.
func (l *HoldLedger) releaseBattery(ctx context.Context, tx Tx, b *Booking, id BatteryID, prev *BatteryStatus, actor UserID, notes string, now time.Time) (*BatteryID, error) {
	battery, err := tx.GetBattery(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load held battery: %w", err)
	}
	if battery == nil {
		return nil, l.integrity(b.ID, "held battery %s no longer exists", id)
	}
	if battery.Status != BatteryReserved {
		l.Logger.Warn("held battery is no longer reserved, leaving it",
			zap.String("booking_id", string(b.ID)),
			zap.String("battery_id", string(battery.ID)),
			zap.String("status", string(battery.Status)))
		return nil, nil
	}
	holders, err := tx.FindBookings(ctx, BookingFilter{
		Statuses:      []BookingStatus{BookingPending, BookingConfirmed},
		HeldBatteryID: &id,
	})
	if err != nil {
		return nil, fmt.Errorf("find battery holders: %w", err)
	}
	for _, other := range holders {
		if other.ID != b.ID {
			l.Logger.Warn("held battery is reserved by another booking, leaving it",
				zap.String("booking_id", string(b.ID)),
				zap.String("battery_id", string(battery.ID)),
				zap.String("holder", string(other.ID)))
			return nil, nil
		}
	}

	restore := BatteryFull
	if prev != nil {
		restore = *prev
	}
	battery.Status = restore
	battery.UpdatedAt = now
	if err := tx.UpdateBattery(ctx, *battery); err != nil {
		return nil, fmt.Errorf("restore battery: %w", err)
	}
	err = tx.AppendHistory(ctx, BatteryHistory{
		ID:          uuid.NewString(),
		BatteryID:   battery.ID,
		BookingID:   ptr(b.ID),
		StationID:   battery.StationID,
		ActorUserID: actor,
		Action:      HistoryReleased,
		Notes:       notes,
		CreatedAt:   now,
	})
	if err != nil {
		return nil, fmt.Errorf("battery history: %w", err)
	}
	return ptr(battery.ID), nil
}

func (l *HoldLedger) refundPayment(ctx context.Context, tx Tx, b *Booking, paymentID PaymentID, amount decimal.Decimal, actor UserID, notes string, now time.Time) (decimal.Decimal, error) {
	ok, err := tx.TransitionPayment(ctx, paymentID, PaymentPending, PaymentRefunded, nil, now)
	if err != nil {
		return decimal.Zero, fmt.Errorf("refund payment: %w", err)
	}
	if !ok {
		p, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("load payment: %w", err)
		}
		switch {
		case p == nil:
			return decimal.Zero, l.integrity(b.ID, "held payment %s no longer exists", paymentID)
		case p.Status == PaymentRefunded:
			l.Logger.Warn("payment already refunded, skipping credit",
				zap.String("booking_id", string(b.ID)),
				zap.String("payment_id", string(paymentID)))
			return decimal.Zero, nil
		default:
			return decimal.Zero, l.integrity(b.ID, "held payment %s is %s, expected pending", paymentID, p.Status)
		}
	}

	if err := l.appendEvent(ctx, tx, b.ID, &paymentID, nil, actor, RefundIssued{Amount: amount, Reason: notes}); err != nil {
		return decimal.Zero, err
	}
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}
	balance, err := tx.AdjustWallet(ctx, b.UserID, amount, now)
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit wallet: %w", err)
	}
	err = l.appendEvent(ctx, tx, b.ID, &paymentID, nil, actor, WalletCredited{
		Amount:       amount,
		BalanceAfter: balance,
		Source:       EventPaymentRefunded,
	})
	if err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

func (l *HoldLedger) restoreSwaps(ctx context.Context, tx Tx, b *Booking, subID SubscriptionID, count int, actor UserID, now time.Time) (int, bool, error) {
	sub, err := tx.GetSubscription(ctx, subID)
	if err != nil {
		return 0, false, fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil {
		return 0, false, l.integrity(b.ID, "held subscription %s no longer exists", subID)
	}
	if sub.IsUnlimited() {
		return 0, false, nil
	}
	if !sub.IsActiveAt(now) {
		err := l.appendEvent(ctx, tx, b.ID, nil, &subID, actor, SwapsForfeited{
			Count:  count,
			Reason: fmt.Sprintf("subscription %s at release", describeSubscription(*sub, now)),
		})
		return 0, true, err
	}
	remaining, err := tx.AdjustRemainingSwaps(ctx, subID, count)
	if err != nil {
		return 0, false, fmt.Errorf("restore swaps: %w", err)
	}
	err = l.appendEvent(ctx, tx, b.ID, nil, &subID, actor, SwapsRestored{Count: count, RemainingAfter: remaining})
	return count, false, err
}

func describeSubscription(s Subscription, now time.Time) string {
	if s.Status != SubscriptionActive {
		return string(s.Status)
	}
	if s.EndDate.Before(now) {
		return "ended " + s.EndDate.Format(time.RFC3339)
	}
	return "active"
}

// =============================================================================
// CONSUME
// =============================================================================

// Consume finalizes the hold after a successful swap. Subscription swaps
// were already debited at hold time and stay consumed.
func (l *HoldLedger) Consume(ctx context.Context, tx Tx, b *Booking, transactionID string, notes string) (*ConsumeResult, error) {
	res := &ConsumeResult{Patch: b.Hold.Cleared()}
	h := b.Hold

	if h.LockedWalletPaymentID != nil {
		pid := *h.LockedWalletPaymentID
		ok, err := tx.TransitionPayment(ctx, pid, PaymentPending, PaymentCompleted, &transactionID, l.Clock.Now())
		if err != nil {
			return nil, fmt.Errorf("complete payment: %w", err)
		}
		p, err := tx.GetPayment(ctx, pid)
		if err != nil {
			return nil, fmt.Errorf("load payment: %w", err)
		}
		if p == nil {
			return nil, l.integrity(b.ID, "held payment %s no longer exists", pid)
		}
		if !ok {
			return nil, l.integrity(b.ID, "held payment %s is %s, expected pending", pid, p.Status)
		}
		res.Payment = p
		err = l.appendEvent(ctx, tx, b.ID, &pid, nil, b.UserID, PaymentConsumed{TransactionID: transactionID, Notes: notes})
		if err != nil {
			return nil, err
		}
	}

	err := l.appendEvent(ctx, tx, b.ID, h.LockedWalletPaymentID, h.LockedSubscriptionID, b.UserID, HoldConsumed{TransactionID: transactionID})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// =============================================================================
// CANCEL - The transaction that owns release
// =============================================================================

// Cancel moves the booking to cancelled when guard admits it and releases its
// hold in the same transaction. A lost race returns ErrAlreadySettled and
// changes nothing.
func (l *HoldLedger) Cancel(ctx context.Context, id BookingID, actor UserID, reason string, guard SettleGuard) (*CancelResult, error) {
	var out *CancelResult
	err := l.Store.WithTx(ctx, func(tx Tx) error {
		b, err := tx.GetBooking(ctx, id)
		if err != nil {
			return fmt.Errorf("load booking: %w", err)
		}
		if b == nil {
			return notFound("booking", id)
		}
		if b.Status.IsTerminal() {
			return &StateError{BookingID: id, Status: b.Status}
		}

		now := l.Clock.Now()
		settled, err := tx.SettleBooking(ctx, id, guard, Settlement{
			Status:    BookingCancelled,
			Hold:      b.Hold.Cleared(),
			UpdatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("settle booking: %w", err)
		}
		if !settled {
			return &StateError{BookingID: id, Status: b.Status}
		}

		rel, err := l.Release(ctx, tx, b, actor, reason)
		if err != nil {
			return err
		}

		cancelled := *b
		cancelled.Status = BookingCancelled
		cancelled.Hold = rel.Patch
		cancelled.UpdatedAt = now
		out = &CancelResult{Booking: cancelled, Release: *rel}
		return nil
	})
	if err != nil {
		if IsIntegrity(err) {
			l.Logger.Error("cancel failed on integrity violation", zap.String("booking_id", string(id)), zap.Error(err))
		}
		return nil, err
	}

	l.Logger.Info("booking cancelled",
		zap.String("booking_id", string(id)),
		zap.String("actor", string(actor)),
		zap.String("reason", reason),
		zap.String("refund", out.Release.WalletRefund.StringFixed(2)),
		zap.Int("swaps_restored", out.Release.SwapsRestored),
		zap.Bool("forfeited", out.Release.Forfeited))
	return out, nil
}

// =============================================================================
// TOP-UP
// =============================================================================

// CreditTopUp completes a pending top-up payment and credits the wallet.
// A replay returns ErrAlreadySettled.
func (l *HoldLedger) CreditTopUp(ctx context.Context, paymentID PaymentID, actor UserID) (*Wallet, error) {
	now := l.Clock.Now()
	var wallet *Wallet
	err := l.Store.WithTx(ctx, func(tx Tx) error {
		p, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return fmt.Errorf("load payment: %w", err)
		}
		if p == nil {
			return notFound("payment", paymentID)
		}
		if p.Method != PaymentMethodTopUp {
			return clientErrorf("payment_id", "payment %s is a %s payment, not a top-up", paymentID, p.Method)
		}
		ok, err := tx.TransitionPayment(ctx, paymentID, PaymentPending, PaymentCompleted, nil, now)
		if err != nil {
			return fmt.Errorf("complete top-up: %w", err)
		}
		if !ok {
			return fmt.Errorf("top-up %s is %s: %w", paymentID, p.Status, ErrAlreadySettled)
		}
		balance, err := tx.AdjustWallet(ctx, p.UserID, p.Amount, now)
		if err != nil {
			return fmt.Errorf("credit wallet: %w", err)
		}
		if err := l.appendEvent(ctx, tx, "", &paymentID, nil, actor, TopUpCredited{Amount: p.Amount}); err != nil {
			return err
		}
		err = l.appendEvent(ctx, tx, "", &paymentID, nil, actor, WalletCredited{
			Amount:       p.Amount,
			BalanceAfter: balance,
			Source:       EventTopUpCredited,
		})
		if err != nil {
			return err
		}
		wallet = &Wallet{UserID: p.UserID, Balance: balance, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *HoldLedger) appendEvent(ctx context.Context, tx Tx, bookingID BookingID, paymentID *PaymentID, subID *SubscriptionID, actor UserID, e Event) error {
	ev := LedgerEvent{
		ID:             uuid.NewString(),
		PaymentID:      paymentID,
		SubscriptionID: subID,
		ActorUserID:    actor,
		Event:          e,
		CreatedAt:      l.Clock.Now(),
	}
	if bookingID != "" {
		ev.BookingID = ptr(bookingID)
	}
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append %s event: %w", e.Kind(), err)
	}
	return nil
}

func (l *HoldLedger) integrity(id BookingID, format string, args ...any) error {
	err := &IntegrityError{BookingID: id, Detail: fmt.Sprintf(format, args...)}
	l.Logger.Error("ledger integrity violation", zap.String("booking_id", string(id)), zap.String("detail", err.Detail))
	return err
}
