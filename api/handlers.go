/*
handlers.go - HTTP API handlers for the swap engine

PURPOSE:
  Exposes the hold ledger, completion orchestrator, availability resolver
  and sweep via REST. Handles HTTP request/response, JSON serialization,
  and delegates to domain logic.

ENDPOINTS:
  Bookings:
    GET    /api/bookings/{id}           Booking with hold fields
    GET    /api/bookings/{id}/events    Ledger events for the booking
    POST   /api/bookings/{id}/cancel    Cancel and release the hold
    POST   /api/bookings/{id}/complete  Finalize after the physical swap (staff)

  Stations:
    GET    /api/stations/{id}/availability  Counts per battery model

  Payments:
    POST   /api/payments/{id}/topup-completed  Credit a pending top-up (admin)

  Admin:
    POST   /api/admin/sweep   Run the expiry sweep now
    GET    /api/admin/sweeps  Sweep run history

  Scenarios:
    GET    /api/scenarios       List demo scenarios
    POST   /api/scenarios/load  Load a demo scenario

ERROR HANDLING:
  Domain errors map to HTTP status by classification:
  - 400: ClientError, insufficient funds or allowance
  - 403: AuthorizationError
  - 404: NotFoundError
  - 409: Booking or payment already settled
  - 500: IntegrityError and anything unclassified

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Principal resolution
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/swap-engine/factory"
	"github.com/warp/swap-engine/store/sqlite"
	"github.com/warp/swap-engine/swap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        *sqlite.Store
	Ledger       *swap.HoldLedger
	Orchestrator *swap.Orchestrator
	Scheduler    *SweepScheduler
	Availability swap.AvailabilityResolver
	Packages     *factory.PackageFactory
	Notifier     swap.Notifier
	Logger       *zap.Logger

	// TokenSecret signs the demo tokens returned by LoadScenario.
	TokenSecret string

	mu sync.Mutex
}

// NewHandler creates a handler over the engine components.
func NewHandler(store *sqlite.Store, orch *swap.Orchestrator, scheduler *SweepScheduler) *Handler {
	return &Handler{
		Store:        store,
		Ledger:       orch.Ledger,
		Orchestrator: orch,
		Scheduler:    scheduler,
		Packages:     factory.NewPackageFactory(),
		Notifier:     orch.Notifier,
		Logger:       orch.Logger,
	}
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// GetBooking returns a booking with its hold fields.
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, ok := h.loadVisibleBooking(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(*b))
}

// GetBookingEvents returns the ledger events of a booking in append order.
func (h *Handler) GetBookingEvents(w http.ResponseWriter, r *http.Request) {
	b, ok := h.loadVisibleBooking(w, r)
	if !ok {
		return
	}

	events, err := h.Store.ListEvents(r.Context(), b.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list events", err)
		return
	}

	dtos := make([]EventDTO, 0, len(events))
	for _, e := range events {
		dto, err := toEventDTO(e)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to encode event", err)
			return
		}
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": dtos})
}

// CancelBooking cancels an open booking and releases its hold.
// Drivers may cancel their own bookings; staff those at their station.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, _ := PrincipalFrom(ctx)

	var req CancelBookingRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	b, ok := h.loadVisibleBooking(w, r)
	if !ok {
		return
	}
	if p.Role == RoleStaff {
		staff, err := h.Store.GetStaff(ctx, p.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to load staff", err)
			return
		}
		if staff == nil || !staff.Active || staff.StationID != b.StationID {
			writeDomainError(w, &swap.AuthorizationError{ActorID: p.UserID, StationID: b.StationID, Reason: "not assigned to the booking's station"})
			return
		}
	}

	reason := req.Reason
	if reason == "" {
		reason = fmt.Sprintf("cancelled by %s", p.Role)
	}

	res, err := h.Ledger.Cancel(ctx, b.ID, p.UserID, reason, swap.DefaultCancelGuard)
	if err != nil {
		h.logFailure(r, "cancel booking", err)
		writeDomainError(w, err)
		return
	}

	if p.UserID != res.Booking.UserID {
		h.notify(r, swap.Notification{
			Event:   swap.NotifyBookingCancelled,
			UserID:  res.Booking.UserID,
			Title:   "Booking cancelled",
			Message: fmt.Sprintf("Your booking %s was cancelled: %s.", res.Booking.ID, reason),
			Data:    map[string]string{"booking_id": string(res.Booking.ID)},
		})
	}

	writeJSON(w, http.StatusOK, CancelBookingResponse{
		Booking:         toBookingDTO(res.Booking),
		WalletRefund:    res.Release.WalletRefund.String(),
		BatteryReleased: strOf(res.Release.BatteryReleased),
		SwapsRestored:   res.Release.SwapsRestored,
		Forfeited:       res.Release.Forfeited,
	})
}

// CompleteBooking finalizes a booking after the physical battery exchange.
// The authenticated staff member is the acting agent.
func (h *Handler) CompleteBooking(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	var req CompleteBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Orchestrator.Complete(r.Context(), swap.CompleteRequest{
		BookingID:        swap.BookingID(chi.URLParam(r, "id")),
		StaffID:          p.UserID,
		OldBatteryCode:   req.OldBatteryCode,
		NewBatteryCode:   req.NewBatteryCode,
		OldCondition:     swap.OldBatteryCondition(req.OldBatteryCondition),
		OldBatteryCharge: req.OldBatteryCharge,
		NewBatteryCharge: req.NewBatteryCharge,
		Notes:            req.Notes,
	})
	if err != nil {
		h.logFailure(r, "complete booking", err)
		writeDomainError(w, err)
		return
	}

	resp := CompleteBookingResponse{
		Booking: toBookingDTO(res.Booking),
		Swap: SwapTransactionDTO{
			ID:             res.Swap.ID,
			OldBatteryID:   string(res.Swap.OldBatteryID),
			NewBatteryID:   string(res.Swap.NewBatteryID),
			Amount:         res.Swap.Amount.String(),
			PaymentID:      strOf(res.Swap.PaymentID),
			SubscriptionID: strOf(res.Swap.SubscriptionID),
			CreatedAt:      res.Swap.CreatedAt.Format(time.RFC3339),
		},
		NewBattery: toBatteryDTO(res.NewBattery),
		OldBattery: toBatteryDTO(res.OldBattery),
	}
	if res.Payment != nil {
		resp.PaymentStatus = strOf(&res.Payment.Status)
	}
	writeJSON(w, http.StatusOK, resp)
}

// loadVisibleBooking loads {id} and enforces that drivers only see their own.
func (h *Handler) loadVisibleBooking(w http.ResponseWriter, r *http.Request) (*swap.Booking, bool) {
	id := swap.BookingID(chi.URLParam(r, "id"))
	b, err := h.Store.GetBooking(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get booking", err)
		return nil, false
	}
	if b == nil {
		writeDomainError(w, &swap.NotFoundError{Resource: "booking", ID: string(id)})
		return nil, false
	}
	if p, _ := PrincipalFrom(r.Context()); p.Role == RoleDriver && p.UserID != b.UserID {
		// Another driver's booking is reported as missing.
		writeDomainError(w, &swap.NotFoundError{Resource: "booking", ID: string(id)})
		return nil, false
	}
	return b, true
}

// =============================================================================
// STATION HANDLERS
// =============================================================================

// GetAvailability returns per-model battery counts for a station.
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	avail, err := h.Availability.Resolve(r.Context(), h.Store, swap.StationID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resolve availability", err)
		return
	}
	writeJSON(w, http.StatusOK, avail)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// CompleteTopUp credits a pending top-up once the gateway confirms it.
func (h *Handler) CompleteTopUp(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	paymentID := swap.PaymentID(chi.URLParam(r, "id"))

	wallet, err := h.Ledger.CreditTopUp(r.Context(), paymentID, p.UserID)
	if err != nil {
		h.logFailure(r, "credit top-up", err)
		writeDomainError(w, err)
		return
	}

	h.notify(r, swap.Notification{
		Event:   swap.NotifyWalletCredited,
		UserID:  wallet.UserID,
		Title:   "Wallet topped up",
		Message: fmt.Sprintf("Your wallet balance is now %s.", wallet.Balance.String()),
		Data:    map[string]string{"payment_id": string(paymentID)},
	})

	writeJSON(w, http.StatusOK, WalletDTO{UserID: string(wallet.UserID), Balance: wallet.Balance.String()})
}

// =============================================================================
// SWEEP HANDLERS
// =============================================================================

// TriggerSweep runs every sweep scan now.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	reports := h.Scheduler.RunNow(r.Context())

	dtos := make([]SweepReportDTO, 0, len(reports))
	for _, rep := range reports {
		dtos = append(dtos, toSweepReportDTO(rep))
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": dtos})
}

// ListSweepRuns returns recorded sweep runs, newest first.
// GET /api/admin/sweeps?limit=50
func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListSweepRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sweep runs", err)
		return
	}

	dtos := make([]SweepRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toSweepRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// Health reports whether the database answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the swap error taxonomy onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: http.StatusText(status), Details: err.Error()}

	var ce *swap.ClientError
	if errors.As(err, &ce) {
		resp.Field = ce.Field
	}
	if status == http.StatusInternalServerError && swap.IsIntegrity(err) {
		resp.Error = "Ledger integrity violation"
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case swap.IsClientError(err):
		return http.StatusBadRequest
	case swap.IsAuthorization(err):
		return http.StatusForbidden
	case swap.IsNotFound(err):
		return http.StatusNotFound
	case swap.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func (h *Handler) logFailure(r *http.Request, op string, err error) {
	if statusFor(err) < http.StatusInternalServerError {
		return
	}
	h.logger().Error(op+" failed",
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Error(err))
}

// notify delivers after the ledger change committed. Failures are logged only.
func (h *Handler) notify(r *http.Request, n swap.Notification) {
	if h.Notifier == nil {
		return
	}
	if err := h.Notifier.Notify(r.Context(), n); err != nil {
		h.logger().Warn("notification failed",
			zap.String("event", string(n.Event)),
			zap.String("user_id", string(n.UserID)),
			zap.Error(err))
	}
}
