/*
expiry.go - Periodic release of elapsed bookings and reminders

PURPOSE:
  Three independent scans, each safe to run concurrently with itself,
  with staff actions, and with other sweeper processes:

    No-show:        confirmed, scheduled_at <= now-NoShowGrace, not checked in
    Instant expiry: instant, pending|confirmed, scheduled_at <= now-InstantExpiry
    Reminders:      confirmed, due in (lead-window, lead] for each lead time

  Cancellations go through HoldLedger.Cancel, so a booking settled by
  someone else between the scan and the update is skipped, never released
  twice and never notified.

ISOLATION:
  Each booking is processed on its own. A failure is logged and counted;
  the batch continues.

SEE ALSO:
  - ledger.go: Cancel / Release
  - api/scheduler.go: Runs the sweep on a ticker and records runs
*/
package swap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type SweepKind string

const (
	SweepNoShow    SweepKind = "no_show"
	SweepInstant   SweepKind = "instant_expiry"
	SweepReminders SweepKind = "reminders"
)

type SweepConfig struct {
	NoShowGrace    time.Duration
	InstantExpiry  time.Duration
	ReminderLeads  []time.Duration
	ReminderWindow time.Duration
	BatchLimit     int
}

func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		NoShowGrace:    10 * time.Minute,
		InstantExpiry:  15 * time.Minute,
		ReminderLeads:  []time.Duration{30 * time.Minute, 10 * time.Minute},
		ReminderWindow: 5 * time.Minute,
		BatchLimit:     500,
	}
}

// SweepReport summarizes one scan.
type SweepReport struct {
	Kind     SweepKind
	Scanned  int
	Released int
	Notified int
	Skipped  int
	Failed   int
	Errors   []string
}

func (r *SweepReport) fail(id BookingID, err error) {
	r.Failed++
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", id, err))
}

type Sweeper struct {
	Store     Store
	Ledger    *HoldLedger
	Notifier  Notifier
	Reminders ReminderLog
	Clock     Clock
	Logger    *zap.Logger
	Config    SweepConfig
}

func NewSweeper(ledger *HoldLedger, notifier Notifier, reminders ReminderLog, cfg SweepConfig) *Sweeper {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if reminders == nil {
		reminders = NewMemoryReminderLog(ledger.Clock)
	}
	return &Sweeper{
		Store:     ledger.Store,
		Ledger:    ledger,
		Notifier:  notifier,
		Reminders: reminders,
		Clock:     ledger.Clock,
		Logger:    ledger.Logger,
		Config:    cfg,
	}
}

// RunAll executes every scan. A scan that cannot even list its bookings
// does not stop the others.
func (s *Sweeper) RunAll(ctx context.Context) ([]SweepReport, error) {
	var reports []SweepReport
	var firstErr error
	for _, run := range []func(context.Context) (SweepReport, error){
		s.CancelNoShows,
		s.ExpireInstantBookings,
		s.SendReminders,
	} {
		rep, err := run(ctx)
		reports = append(reports, rep)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return reports, firstErr
}

// =============================================================================
// NO-SHOW
// =============================================================================

func (s *Sweeper) CancelNoShows(ctx context.Context) (SweepReport, error) {
	rep := SweepReport{Kind: SweepNoShow}
	cutoff := s.Clock.Now().Add(-s.Config.NoShowGrace)

	bookings, err := s.Store.FindBookings(ctx, BookingFilter{
		Statuses:       []BookingStatus{BookingConfirmed},
		NotCheckedIn:   true,
		ScheduledUntil: &cutoff,
		Limit:          s.Config.BatchLimit,
	})
	if err != nil {
		return rep, fmt.Errorf("find no-show bookings: %w", err)
	}
	rep.Scanned = len(bookings)

	guard := SettleGuard{From: []BookingStatus{BookingConfirmed}, RequireNotCheckedIn: true}
	for _, b := range bookings {
		reason := fmt.Sprintf("no check-in within %s of scheduled time", s.Config.NoShowGrace)
		s.cancelOne(ctx, &rep, b, guard, reason, func(res *CancelResult) Notification {
			return Notification{
				Event:   NotifyBookingNoShow,
				UserID:  b.UserID,
				Title:   "Booking cancelled",
				Message: "Your booking was cancelled because you did not check in on time. " + refundSentence(res.Release),
				Data:    map[string]string{"booking_id": string(b.ID)},
			}
		})
	}
	s.logReport(rep)
	return rep, nil
}

// =============================================================================
// INSTANT EXPIRY
// =============================================================================

func (s *Sweeper) ExpireInstantBookings(ctx context.Context) (SweepReport, error) {
	rep := SweepReport{Kind: SweepInstant}
	cutoff := s.Clock.Now().Add(-s.Config.InstantExpiry)

	bookings, err := s.Store.FindBookings(ctx, BookingFilter{
		Statuses:       []BookingStatus{BookingPending, BookingConfirmed},
		InstantOnly:    true,
		NotCheckedIn:   true,
		ScheduledUntil: &cutoff,
		Limit:          s.Config.BatchLimit,
	})
	if err != nil {
		return rep, fmt.Errorf("find expired instant bookings: %w", err)
	}
	rep.Scanned = len(bookings)

	guard := SettleGuard{From: []BookingStatus{BookingPending, BookingConfirmed}, RequireNotCheckedIn: true}
	for _, b := range bookings {
		reason := fmt.Sprintf("instant booking expired after %s", s.Config.InstantExpiry)
		s.cancelOne(ctx, &rep, b, guard, reason, func(res *CancelResult) Notification {
			return Notification{
				Event:   NotifyBookingExpired,
				UserID:  b.UserID,
				Title:   "Instant booking expired",
				Message: "Your instant booking expired before check-in. " + refundSentence(res.Release),
				Data:    map[string]string{"booking_id": string(b.ID)},
			}
		})
	}
	s.logReport(rep)
	return rep, nil
}

func (s *Sweeper) cancelOne(ctx context.Context, rep *SweepReport, b Booking, guard SettleGuard, reason string, message func(*CancelResult) Notification) {
	res, err := s.Ledger.Cancel(ctx, b.ID, SystemActor, reason, guard)
	switch {
	case err == nil:
		rep.Released++
		if notifyAfterCommit(ctx, s.Notifier, s.Logger, message(res)) {
			rep.Notified++
		}
	case IsConflict(err):
		rep.Skipped++
		s.Logger.Debug("booking settled concurrently, skipping", zap.String("booking_id", string(b.ID)))
	default:
		rep.fail(b.ID, err)
		s.Logger.Error("sweep failed to release booking", zap.String("booking_id", string(b.ID)), zap.Error(err))
	}
}

// refundSentence words the release outcome for the driver.
func refundSentence(r ReleaseResult) string {
	switch {
	case r.WalletRefund.IsPositive():
		return fmt.Sprintf("The held amount of %s has been refunded to your wallet.", r.WalletRefund.StringFixed(2))
	case r.SwapsRestored > 0:
		return fmt.Sprintf("%d swap(s) were returned to your subscription.", r.SwapsRestored)
	case r.Forfeited:
		return "Your subscription has ended, so the held swap could not be returned."
	}
	return "No charge was made."
}

// =============================================================================
// REMINDERS
// =============================================================================

func (s *Sweeper) SendReminders(ctx context.Context) (SweepReport, error) {
	rep := SweepReport{Kind: SweepReminders}
	now := s.Clock.Now()

	for _, lead := range s.Config.ReminderLeads {
		from := now.Add(lead - s.Config.ReminderWindow)
		until := now.Add(lead)
		bookings, err := s.Store.FindBookings(ctx, BookingFilter{
			Statuses:       []BookingStatus{BookingConfirmed},
			NotCheckedIn:   true,
			ScheduledAfter: &from,
			ScheduledUntil: &until,
			Limit:          s.Config.BatchLimit,
		})
		if err != nil {
			return rep, fmt.Errorf("find bookings due in %s: %w", lead, err)
		}
		rep.Scanned += len(bookings)

		kind := fmt.Sprintf("reminder_%dm", int(lead.Minutes()))
		for _, b := range bookings {
			first, err := s.Reminders.MarkSent(ctx, b.ID, kind, lead+time.Hour)
			if err != nil {
				rep.fail(b.ID, err)
				s.Logger.Warn("reminder log unavailable", zap.String("booking_id", string(b.ID)), zap.Error(err))
				continue
			}
			if !first {
				rep.Skipped++
				continue
			}
			minutes := int(b.ScheduledAt.Sub(now).Round(time.Minute).Minutes())
			sent := notifyAfterCommit(ctx, s.Notifier, s.Logger, Notification{
				Event:   NotifyBookingReminder,
				UserID:  b.UserID,
				Title:   "Upcoming battery swap",
				Message: fmt.Sprintf("Your battery swap is scheduled in %d minutes.", minutes),
				Data: map[string]string{
					"booking_id":   string(b.ID),
					"station_id":   string(b.StationID),
					"scheduled_at": b.ScheduledAt.Format(time.RFC3339),
				},
			})
			if sent {
				rep.Notified++
			}
		}
	}
	s.logReport(rep)
	return rep, nil
}

func (s *Sweeper) logReport(rep SweepReport) {
	if rep.Scanned == 0 {
		return
	}
	s.Logger.Info("sweep finished",
		zap.String("kind", string(rep.Kind)),
		zap.Int("scanned", rep.Scanned),
		zap.Int("released", rep.Released),
		zap.Int("notified", rep.Notified),
		zap.Int("skipped", rep.Skipped),
		zap.Int("failed", rep.Failed))
}
