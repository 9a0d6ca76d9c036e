package swap

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER EVENTS - Typed, append-only audit trail
// =============================================================================

type EventKind string

const (
	EventHoldPlaced      EventKind = "hold_placed"
	EventHoldReleased    EventKind = "hold_released"
	EventHoldConsumed    EventKind = "hold_consumed"
	EventPaymentRefunded EventKind = "payment_refunded"
	EventPaymentConsumed EventKind = "payment_consumed"
	EventWalletCredited  EventKind = "wallet_credited"
	EventSwapsRestored   EventKind = "swaps_restored"
	EventSwapsForfeited  EventKind = "swaps_forfeited"
	EventTopUpCredited   EventKind = "topup_credited"
)

// Event is the kind-specific payload of a ledger event.
type Event interface {
	Kind() EventKind
}

type HoldPlaced struct {
	BatteryID      *BatteryID      `json:"battery_id,omitempty"`
	PreviousStatus *BatteryStatus  `json:"previous_status,omitempty"`
	WalletAmount   decimal.Decimal `json:"wallet_amount"`
	SwapCount      int             `json:"swap_count"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
}

type HoldReleased struct {
	Reason          string          `json:"reason"`
	BatteryReleased *BatteryID      `json:"battery_released,omitempty"`
	WalletRefund    decimal.Decimal `json:"wallet_refund"`
	SwapsRestored   int             `json:"swaps_restored"`
	Forfeited       bool            `json:"forfeited"`
}

type HoldConsumed struct {
	TransactionID string `json:"transaction_id"`
}

type RefundIssued struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

type PaymentConsumed struct {
	TransactionID string `json:"transaction_id"`
	Notes         string `json:"notes,omitempty"`
}

type WalletCredited struct {
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Source       EventKind       `json:"source"`
}

type SwapsRestored struct {
	Count          int `json:"count"`
	RemainingAfter int `json:"remaining_after"`
}

type SwapsForfeited struct {
	Count  int    `json:"count"`
	Reason string `json:"reason"`
}

type TopUpCredited struct {
	Amount decimal.Decimal `json:"amount"`
}

func (HoldPlaced) Kind() EventKind      { return EventHoldPlaced }
func (HoldReleased) Kind() EventKind    { return EventHoldReleased }
func (HoldConsumed) Kind() EventKind    { return EventHoldConsumed }
func (RefundIssued) Kind() EventKind    { return EventPaymentRefunded }
func (PaymentConsumed) Kind() EventKind { return EventPaymentConsumed }
func (WalletCredited) Kind() EventKind  { return EventWalletCredited }
func (SwapsRestored) Kind() EventKind   { return EventSwapsRestored }
func (SwapsForfeited) Kind() EventKind  { return EventSwapsForfeited }
func (TopUpCredited) Kind() EventKind   { return EventTopUpCredited }

// LedgerEvent is one audit row. Exactly one of the references is usually set
// besides BookingID.
type LedgerEvent struct {
	ID             string
	BookingID      *BookingID
	PaymentID      *PaymentID
	SubscriptionID *SubscriptionID
	ActorUserID    UserID
	Event          Event
	CreatedAt      time.Time
}

// EncodeEvent serializes an event payload for storage.
func EncodeEvent(e Event) (EventKind, []byte, error) {
	if e == nil {
		return "", nil, fmt.Errorf("nil event")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", e.Kind(), err)
	}
	return e.Kind(), payload, nil
}

// DecodeEvent restores a stored event payload.
func DecodeEvent(kind EventKind, payload []byte) (Event, error) {
	var e Event
	switch kind {
	case EventHoldPlaced:
		e = &HoldPlaced{}
	case EventHoldReleased:
		e = &HoldReleased{}
	case EventHoldConsumed:
		e = &HoldConsumed{}
	case EventPaymentRefunded:
		e = &RefundIssued{}
	case EventPaymentConsumed:
		e = &PaymentConsumed{}
	case EventWalletCredited:
		e = &WalletCredited{}
	case EventSwapsRestored:
		e = &SwapsRestored{}
	case EventSwapsForfeited:
		e = &SwapsForfeited{}
	case EventTopUpCredited:
		e = &TopUpCredited{}
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if err := json.Unmarshal(payload, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return deref(e), nil
}

func deref(e Event) Event {
	switch v := e.(type) {
	case *HoldPlaced:
		return *v
	case *HoldReleased:
		return *v
	case *HoldConsumed:
		return *v
	case *RefundIssued:
		return *v
	case *PaymentConsumed:
		return *v
	case *WalletCredited:
		return *v
	case *SwapsRestored:
		return *v
	case *SwapsForfeited:
		return *v
	case *TopUpCredited:
		return *v
	}
	return e
}
