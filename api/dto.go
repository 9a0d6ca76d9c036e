/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the swap records from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are decimal strings ("10000", "12.50"), never floats.

SEE ALSO:
  - handlers.go: Uses these types
  - swap/types.go: Records these types mirror
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/warp/swap-engine/store/sqlite"
	"github.com/warp/swap-engine/swap"
)

// =============================================================================
// BOOKINGS
// =============================================================================

type HoldDTO struct {
	LockedBatteryID             *string `json:"locked_battery_id"`
	LockedBatteryPreviousStatus *string `json:"locked_battery_previous_status"`
	LockedWalletPaymentID       *string `json:"locked_wallet_payment_id"`
	LockedWalletAmount          string  `json:"locked_wallet_amount"`
	LockedSubscriptionID        *string `json:"locked_subscription_id"`
	LockedSwapCount             int     `json:"locked_swap_count"`
	UseSubscription             bool    `json:"use_subscription"`
	HoldExpiresAt               *string `json:"hold_expires_at"`
}

type BookingDTO struct {
	ID                 string  `json:"id"`
	UserID             string  `json:"user_id"`
	StationID          string  `json:"station_id"`
	VehicleID          string  `json:"vehicle_id"`
	BatteryModel       string  `json:"battery_model"`
	Status             string  `json:"status"`
	ScheduledAt        string  `json:"scheduled_at"`
	IsInstant          bool    `json:"is_instant"`
	CheckedInAt        *string `json:"checked_in_at"`
	CheckedInByStaffID *string `json:"checked_in_by_staff_id"`
	Hold               HoldDTO `json:"hold"`
	UpdatedAt          string  `json:"updated_at"`
}

type CancelBookingRequest struct {
	Reason string `json:"reason"`
}

type CancelBookingResponse struct {
	Booking         BookingDTO `json:"booking"`
	WalletRefund    string     `json:"wallet_refund"`
	BatteryReleased *string    `json:"battery_released"`
	SwapsRestored   int        `json:"swaps_restored"`
	Forfeited       bool       `json:"forfeited"`
}

type CompleteBookingRequest struct {
	OldBatteryCode      string `json:"old_battery_code"`
	NewBatteryCode      string `json:"new_battery_code"`
	OldBatteryCondition string `json:"old_battery_condition"`
	OldBatteryCharge    int    `json:"old_battery_charge"`
	NewBatteryCharge    int    `json:"new_battery_charge"`
	Notes               string `json:"notes"`
}

type SwapTransactionDTO struct {
	ID             string  `json:"id"`
	OldBatteryID   string  `json:"old_battery_id"`
	NewBatteryID   string  `json:"new_battery_id"`
	Amount         string  `json:"amount"`
	PaymentID      *string `json:"payment_id"`
	SubscriptionID *string `json:"subscription_id"`
	CreatedAt      string  `json:"created_at"`
}

type BatteryDTO struct {
	ID            string  `json:"id"`
	Code          string  `json:"battery_code"`
	Model         string  `json:"model"`
	StationID     *string `json:"station_id"`
	Status        string  `json:"status"`
	CurrentCharge int     `json:"current_charge"`
	CycleCount    int     `json:"cycle_count"`
}

type CompleteBookingResponse struct {
	Booking       BookingDTO         `json:"booking"`
	Swap          SwapTransactionDTO `json:"swap"`
	PaymentStatus *string            `json:"payment_status"`
	NewBattery    BatteryDTO         `json:"new_battery"`
	OldBattery    BatteryDTO         `json:"old_battery"`
}

// EventDTO carries the typed payload as stored.
type EventDTO struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	ActorUserID string          `json:"actor_user_id"`
	PaymentID   *string         `json:"payment_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   string          `json:"created_at"`
}

// =============================================================================
// WALLET / SWEEP / SCENARIOS
// =============================================================================

type WalletDTO struct {
	UserID  string `json:"user_id"`
	Balance string `json:"balance"`
}

type SweepReportDTO struct {
	Kind     string   `json:"kind"`
	Scanned  int      `json:"scanned"`
	Released int      `json:"released"`
	Notified int      `json:"notified"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

type SweepRunDTO struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Scanned     int    `json:"scanned"`
	Released    int    `json:"released"`
	Notified    int    `json:"notified"`
	Skipped     int    `json:"skipped"`
	Failed      int    `json:"failed"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request body for loading a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type LoadScenarioResponse struct {
	Scenario ScenarioDTO       `json:"scenario"`
	Tokens   map[string]string `json:"tokens"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBookingDTO(b swap.Booking) BookingDTO {
	h := b.Hold
	return BookingDTO{
		ID:                 string(b.ID),
		UserID:             string(b.UserID),
		StationID:          string(b.StationID),
		VehicleID:          string(b.VehicleID),
		BatteryModel:       b.BatteryModel,
		Status:             string(b.Status),
		ScheduledAt:        b.ScheduledAt.Format(time.RFC3339),
		IsInstant:          b.IsInstant,
		CheckedInAt:        formatTimePtr(b.CheckedInAt),
		CheckedInByStaffID: strOf(b.CheckedInByStaffID),
		Hold: HoldDTO{
			LockedBatteryID:             strOf(h.LockedBatteryID),
			LockedBatteryPreviousStatus: strOf(h.LockedBatteryPreviousStatus),
			LockedWalletPaymentID:       strOf(h.LockedWalletPaymentID),
			LockedWalletAmount:          h.LockedWalletAmount.String(),
			LockedSubscriptionID:        strOf(h.LockedSubscriptionID),
			LockedSwapCount:             h.LockedSwapCount,
			UseSubscription:             h.UseSubscription,
			HoldExpiresAt:               formatTimePtr(h.HoldExpiresAt),
		},
		UpdatedAt: b.UpdatedAt.Format(time.RFC3339),
	}
}

func toBatteryDTO(b swap.Battery) BatteryDTO {
	return BatteryDTO{
		ID:            string(b.ID),
		Code:          b.Code,
		Model:         b.Model,
		StationID:     strOf(b.StationID),
		Status:        string(b.Status),
		CurrentCharge: b.CurrentCharge,
		CycleCount:    b.CycleCount,
	}
}

func toEventDTO(e swap.LedgerEvent) (EventDTO, error) {
	kind, payload, err := swap.EncodeEvent(e.Event)
	if err != nil {
		return EventDTO{}, err
	}
	return EventDTO{
		ID:          e.ID,
		Kind:        string(kind),
		ActorUserID: string(e.ActorUserID),
		PaymentID:   strOf(e.PaymentID),
		Payload:     payload,
		CreatedAt:   e.CreatedAt.Format(time.RFC3339Nano),
	}, nil
}

func toSweepReportDTO(r swap.SweepReport) SweepReportDTO {
	return SweepReportDTO{
		Kind:     string(r.Kind),
		Scanned:  r.Scanned,
		Released: r.Released,
		Notified: r.Notified,
		Skipped:  r.Skipped,
		Failed:   r.Failed,
		Errors:   r.Errors,
	}
}

func toSweepRunDTO(r sqlite.SweepRun) SweepRunDTO {
	dto := SweepRunDTO{
		ID:        r.ID,
		Kind:      r.Kind,
		Status:    r.Status,
		Scanned:   r.Scanned,
		Released:  r.Released,
		Notified:  r.Notified,
		Skipped:   r.Skipped,
		Failed:    r.Failed,
		Error:     r.Error,
		StartedAt: r.StartedAt.Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

func strOf[T ~string](p *T) *string {
	if p == nil {
		return nil
	}
	s := string(*p)
	return &s
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
