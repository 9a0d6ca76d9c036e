/*
Package sqlite provides a SQLite-backed implementation of swap.Store.

PURPOSE:
  Persists every resource the hold ledger touches: bookings with their
  hold fields, batteries, wallets, payments, subscriptions, packages,
  vehicles, staff, battery history, typed ledger events, swap
  transactions, and sweep runs.

KEY TABLES:
  bookings:          Booking status + hold fields (durable contract)
  batteries:         Units, their station and status
  wallets/payments:  Money side of holds
  subscriptions:     Swap allowance (remaining_swaps NULL = unlimited)
  ledger_events:     Append-only typed audit trail
  battery_history:   Append-only battery movements
  sweep_runs:        Record of every expiry sweep execution

AT-MOST-ONCE SETTLEMENT:
  SettleBooking is one conditional UPDATE guarded on status (and
  checked_in_at IS NULL when required). RowsAffected tells the caller
  whether it won. TransitionPayment is guarded the same way on
  payment_status.

CONCURRENCY:
  WithTx holds a mutex for the whole transaction so SQLite sees a single
  writer. The pool is capped at one connection, which also keeps a
  ":memory:" database shared by every caller. Code running inside WithTx
  must use the Tx handle only.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) and foreign keys on.

TIMESTAMPS:
  Stored as fixed-width UTC text so lexical order equals time order and
  range filters can run in SQL.

USAGE:
  store, err := sqlite.New("./data/swap.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := swap.NewHoldLedger(store, swap.SystemClock(), logger)

SEE ALSO:
  - swap/store.go: Interface definitions
  - swap/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/swap-engine/swap"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements swap.Store using SQLite.
type Store struct {
	conn
	db *sql.DB
	mu sync.Mutex
}

// conn holds every query. Store uses it over the pool, txStore over a tx.
type conn struct {
	q querier
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{conn: conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	zap.L().Debug("sqlite store ready", zap.String("path", dbPath))
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS batteries (
		id TEXT PRIMARY KEY,
		station_id TEXT,
		model TEXT NOT NULL,
		battery_code TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL CHECK (status IN ('full','charging','in_use','maintenance','damaged','reserved')),
		current_charge INTEGER NOT NULL DEFAULT 0 CHECK (current_charge BETWEEN 0 AND 100),
		health_percentage TEXT NOT NULL DEFAULT '100',
		cycle_count INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_batteries_station
		ON batteries(station_id, model);

	CREATE TABLE IF NOT EXISTS battery_models (
		model_key TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		capacity_kwh TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT PRIMARY KEY,
		balance TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		booking_id TEXT,
		amount TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		payment_status TEXT NOT NULL CHECK (payment_status IN ('pending','completed','failed','refunded')),
		transaction_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS packages (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		config_json TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		package_id TEXT NOT NULL,
		remaining_swaps INTEGER CHECK (remaining_swaps IS NULL OR remaining_swaps >= 0),
		status TEXT NOT NULL CHECK (status IN ('active','expired','cancelled')),
		end_date TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS vehicles (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		current_battery_id TEXT
	);

	CREATE TABLE IF NOT EXISTS staff (
		user_id TEXT PRIMARY KEY,
		station_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1
	);

	-- Hold fields are the durable contract between booking creation,
	-- completion and the sweep. Terminal bookings carry none.
	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		station_id TEXT NOT NULL,
		vehicle_id TEXT NOT NULL DEFAULT '',
		battery_model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('pending','confirmed','completed','cancelled')),
		scheduled_at TEXT NOT NULL,
		is_instant INTEGER NOT NULL DEFAULT 0,
		checked_in_at TEXT,
		checked_in_by_staff_id TEXT,
		locked_battery_id TEXT,
		locked_battery_previous_status TEXT,
		locked_wallet_payment_id TEXT,
		locked_wallet_amount TEXT NOT NULL DEFAULT '0',
		locked_subscription_id TEXT,
		locked_swap_count INTEGER NOT NULL DEFAULT 0 CHECK (locked_swap_count >= 0),
		use_subscription INTEGER NOT NULL DEFAULT 0,
		hold_expires_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bookings_status_scheduled
		ON bookings(status, scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_bookings_user
		ON bookings(user_id);

	CREATE TABLE IF NOT EXISTS battery_history (
		id TEXT PRIMARY KEY,
		battery_id TEXT NOT NULL,
		booking_id TEXT,
		station_id TEXT,
		actor_user_id TEXT NOT NULL,
		action TEXT NOT NULL CHECK (action IN ('released','issued','returned','damaged','maintenance')),
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_battery_history_battery
		ON battery_history(battery_id);

	CREATE TABLE IF NOT EXISTS ledger_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		booking_id TEXT,
		payment_id TEXT,
		subscription_id TEXT,
		actor_user_id TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_events_booking
		ON ledger_events(booking_id);

	CREATE TABLE IF NOT EXISTS swap_transactions (
		id TEXT PRIMARY KEY,
		booking_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		station_id TEXT NOT NULL,
		staff_id TEXT NOT NULL,
		old_battery_id TEXT NOT NULL,
		new_battery_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		payment_id TEXT,
		subscription_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sweep_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		scanned INTEGER NOT NULL DEFAULT 0,
		released INTEGER NOT NULL DEFAULT 0,
		notified INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sweep_runs_started
		ON sweep_runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (swap.Store interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(swap.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{conn: conn{q: sqlTx}}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	conn
}

var (
	_ swap.Store = (*Store)(nil)
	_ swap.Tx    = (*txStore)(nil)
)

// =============================================================================
// BOOKINGS
// =============================================================================

const bookingColumns = `
	id, user_id, station_id, vehicle_id, battery_model, status, scheduled_at, is_instant,
	checked_in_at, checked_in_by_staff_id,
	locked_battery_id, locked_battery_previous_status, locked_wallet_payment_id,
	locked_wallet_amount, locked_subscription_id, locked_swap_count, use_subscription,
	hold_expires_at, created_at, updated_at`

func (c conn) GetBooking(ctx context.Context, id swap.BookingID) (*swap.Booking, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, string(id))
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (c conn) FindBookings(ctx context.Context, f swap.BookingFilter) ([]swap.Booking, error) {
	var where []string
	var args []any

	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.InstantOnly {
		where = append(where, "is_instant = 1")
	}
	if f.NotCheckedIn {
		where = append(where, "checked_in_at IS NULL")
	}
	if f.ScheduledAfter != nil {
		where = append(where, "scheduled_at > ?")
		args = append(args, formatTime(*f.ScheduledAfter))
	}
	if f.ScheduledUntil != nil {
		where = append(where, "scheduled_at <= ?")
		args = append(args, formatTime(*f.ScheduledUntil))
	}
	if f.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, string(*f.UserID))
	}
	if f.HeldBatteryID != nil {
		where = append(where, "locked_battery_id = ?")
		args = append(args, string(*f.HeldBatteryID))
	}

	query := `SELECT ` + bookingColumns + ` FROM bookings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY scheduled_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []swap.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (c conn) InsertBooking(ctx context.Context, b swap.Booking) error {
	h := b.Hold
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(b.ID), string(b.UserID), string(b.StationID), string(b.VehicleID), b.BatteryModel,
		string(b.Status), formatTime(b.ScheduledAt), b.IsInstant,
		nullTime(b.CheckedInAt), nullID(b.CheckedInByStaffID),
		nullID(h.LockedBatteryID), nullID(h.LockedBatteryPreviousStatus), nullID(h.LockedWalletPaymentID),
		h.LockedWalletAmount.String(), nullID(h.LockedSubscriptionID), h.LockedSwapCount, h.UseSubscription,
		nullTime(h.HoldExpiresAt), formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("booking %s already exists: %w", b.ID, err)
	}
	return err
}

// SettleBooking is the compare-and-swap that decides who settles a booking.
func (c conn) SettleBooking(ctx context.Context, id swap.BookingID, guard swap.SettleGuard, st swap.Settlement) (bool, error) {
	if len(guard.From) == 0 {
		return false, nil
	}
	h := st.Hold
	query := `
		UPDATE bookings SET
			status = ?,
			locked_battery_id = ?,
			locked_battery_previous_status = ?,
			locked_wallet_payment_id = ?,
			locked_wallet_amount = ?,
			locked_subscription_id = ?,
			locked_swap_count = ?,
			use_subscription = ?,
			hold_expires_at = ?,
			checked_in_at = COALESCE(?, checked_in_at),
			checked_in_by_staff_id = COALESCE(?, checked_in_by_staff_id),
			updated_at = ?
		WHERE id = ? AND status IN (` + placeholders(len(guard.From)) + `)`
	if guard.RequireNotCheckedIn {
		query += " AND checked_in_at IS NULL"
	}

	args := []any{
		string(st.Status),
		nullID(h.LockedBatteryID), nullID(h.LockedBatteryPreviousStatus), nullID(h.LockedWalletPaymentID),
		h.LockedWalletAmount.String(), nullID(h.LockedSubscriptionID), h.LockedSwapCount, h.UseSubscription,
		nullTime(h.HoldExpiresAt),
		nullTime(st.CheckedInAt), nullID(st.CheckedInBy),
		formatTime(st.UpdatedAt),
		string(id),
	}
	for _, from := range guard.From {
		args = append(args, string(from))
	}

	res, err := c.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (swap.Booking, error) {
	var b swap.Booking
	var id, userID, stationID, vehicleID, status, scheduledAt, amount, createdAt, updatedAt string
	var checkedInAt, checkedInBy, lockedBattery, prevStatus, lockedPayment, lockedSub, holdExpires sql.NullString

	err := row.Scan(
		&id, &userID, &stationID, &vehicleID, &b.BatteryModel, &status, &scheduledAt, &b.IsInstant,
		&checkedInAt, &checkedInBy,
		&lockedBattery, &prevStatus, &lockedPayment,
		&amount, &lockedSub, &b.Hold.LockedSwapCount, &b.Hold.UseSubscription,
		&holdExpires, &createdAt, &updatedAt,
	)
	if err != nil {
		return b, err
	}

	b.ID = swap.BookingID(id)
	b.UserID = swap.UserID(userID)
	b.StationID = swap.StationID(stationID)
	b.VehicleID = swap.VehicleID(vehicleID)
	b.Status = swap.BookingStatus(status)
	b.ScheduledAt = parseTime(scheduledAt)
	b.CheckedInAt = parseNullTime(checkedInAt)
	b.CheckedInByStaffID = idPtr[swap.UserID](checkedInBy)
	b.Hold.LockedBatteryID = idPtr[swap.BatteryID](lockedBattery)
	b.Hold.LockedBatteryPreviousStatus = idPtr[swap.BatteryStatus](prevStatus)
	b.Hold.LockedWalletPaymentID = idPtr[swap.PaymentID](lockedPayment)
	b.Hold.LockedWalletAmount = parseDecimal(amount)
	b.Hold.LockedSubscriptionID = idPtr[swap.SubscriptionID](lockedSub)
	b.Hold.HoldExpiresAt = parseNullTime(holdExpires)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

// =============================================================================
// BATTERIES
// =============================================================================

const batteryColumns = `id, station_id, model, battery_code, status, current_charge, health_percentage, cycle_count, updated_at`

func (c conn) GetBattery(ctx context.Context, id swap.BatteryID) (*swap.Battery, error) {
	return c.getBattery(ctx, `SELECT `+batteryColumns+` FROM batteries WHERE id = ?`, string(id))
}

func (c conn) GetBatteryByCode(ctx context.Context, code string) (*swap.Battery, error) {
	return c.getBattery(ctx, `SELECT `+batteryColumns+` FROM batteries WHERE battery_code = ?`, code)
}

func (c conn) getBattery(ctx context.Context, query string, arg any) (*swap.Battery, error) {
	b, err := scanBattery(c.q.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (c conn) ListBatteriesByStation(ctx context.Context, stationID swap.StationID) ([]swap.Battery, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+batteryColumns+` FROM batteries WHERE station_id = ? ORDER BY battery_code`, string(stationID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []swap.Battery
	for rows.Next() {
		b, err := scanBattery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (c conn) InsertBattery(ctx context.Context, b swap.Battery) error {
	_, err := c.q.ExecContext(ctx, `INSERT INTO batteries (`+batteryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(b.ID), nullID(b.StationID), b.Model, b.Code, string(b.Status), b.CurrentCharge,
		healthOrDefault(b.HealthPercentage), b.CycleCount, formatTime(orNow(b.UpdatedAt)),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("battery code %s already exists: %w", b.Code, err)
	}
	return err
}

func (c conn) UpdateBattery(ctx context.Context, b swap.Battery) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE batteries SET station_id = ?, model = ?, battery_code = ?, status = ?,
			current_charge = ?, health_percentage = ?, cycle_count = ?, updated_at = ?
		WHERE id = ?`,
		nullID(b.StationID), b.Model, b.Code, string(b.Status), b.CurrentCharge,
		healthOrDefault(b.HealthPercentage), b.CycleCount, formatTime(orNow(b.UpdatedAt)), string(b.ID),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &swap.NotFoundError{Resource: "battery", ID: string(b.ID)}
	}
	return nil
}

func scanBattery(row rowScanner) (swap.Battery, error) {
	var b swap.Battery
	var id, status, health, updatedAt string
	var stationID sql.NullString
	err := row.Scan(&id, &stationID, &b.Model, &b.Code, &status, &b.CurrentCharge, &health, &b.CycleCount, &updatedAt)
	if err != nil {
		return b, err
	}
	b.ID = swap.BatteryID(id)
	b.StationID = idPtr[swap.StationID](stationID)
	b.Status = swap.BatteryStatus(status)
	b.HealthPercentage = parseDecimal(health)
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

func (c conn) GetBatteryModel(ctx context.Context, model string) (*swap.BatteryModelSpec, error) {
	var m swap.BatteryModelSpec
	var capacity string
	err := c.q.QueryRowContext(ctx,
		`SELECT model, capacity_kwh FROM battery_models WHERE model_key = ?`, swap.NormalizeModel(model),
	).Scan(&m.Model, &capacity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.CapacityKWh = parseDecimal(capacity)
	return &m, nil
}

func (c conn) SaveBatteryModel(ctx context.Context, m swap.BatteryModelSpec) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO battery_models (model_key, model, capacity_kwh) VALUES (?, ?, ?)
		ON CONFLICT(model_key) DO UPDATE SET model = excluded.model, capacity_kwh = excluded.capacity_kwh`,
		swap.NormalizeModel(m.Model), m.Model, m.CapacityKWh.String(),
	)
	return err
}

// =============================================================================
// WALLETS & PAYMENTS
// =============================================================================

func (c conn) GetWallet(ctx context.Context, userID swap.UserID) (*swap.Wallet, error) {
	var balance, updatedAt string
	err := c.q.QueryRowContext(ctx,
		`SELECT balance, updated_at FROM wallets WHERE user_id = ?`, string(userID),
	).Scan(&balance, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &swap.Wallet{UserID: userID, Balance: parseDecimal(balance), UpdatedAt: parseTime(updatedAt)}, nil
}

// AdjustWallet applies delta with an optimistic guard on the previous balance.
func (c conn) AdjustWallet(ctx context.Context, userID swap.UserID, delta decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	now := formatTime(at)
	w, err := c.GetWallet(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}

	if w == nil {
		if delta.IsNegative() {
			return decimal.Zero, &swap.InsufficientFundsError{UserID: userID, Available: decimal.Zero, Requested: delta.Neg()}
		}
		_, err := c.q.ExecContext(ctx,
			`INSERT INTO wallets (user_id, balance, updated_at) VALUES (?, ?, ?)`,
			string(userID), delta.String(), now)
		if err != nil {
			return decimal.Zero, err
		}
		return delta, nil
	}

	next := w.Balance.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, &swap.InsufficientFundsError{UserID: userID, Available: w.Balance, Requested: delta.Neg()}
	}
	res, err := c.q.ExecContext(ctx,
		`UPDATE wallets SET balance = ?, updated_at = ? WHERE user_id = ? AND balance = ?`,
		next.String(), now, string(userID), w.Balance.String())
	if err != nil {
		return decimal.Zero, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return decimal.Zero, fmt.Errorf("wallet %s changed concurrently", userID)
	}
	return next, nil
}

const paymentColumns = `id, user_id, booking_id, amount, payment_method, payment_status, transaction_id, created_at, updated_at`

func (c conn) GetPayment(ctx context.Context, id swap.PaymentID) (*swap.Payment, error) {
	var p swap.Payment
	var pid, userID, amount, method, status, createdAt, updatedAt string
	var bookingID, txnID sql.NullString
	err := c.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, string(id)).Scan(
		&pid, &userID, &bookingID, &amount, &method, &status, &txnID, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.ID = swap.PaymentID(pid)
	p.UserID = swap.UserID(userID)
	p.BookingID = idPtr[swap.BookingID](bookingID)
	p.Amount = parseDecimal(amount)
	p.Method = swap.PaymentMethod(method)
	p.Status = swap.PaymentStatus(status)
	if txnID.Valid {
		p.TransactionID = &txnID.String
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func (c conn) InsertPayment(ctx context.Context, p swap.Payment) error {
	_, err := c.q.ExecContext(ctx, `INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(p.ID), string(p.UserID), nullID(p.BookingID), p.Amount.String(), string(p.Method),
		string(p.Status), nullString(p.TransactionID), formatTime(orNow(p.CreatedAt)), formatTime(orNow(p.UpdatedAt)),
	)
	return err
}

func (c conn) TransitionPayment(ctx context.Context, id swap.PaymentID, from, to swap.PaymentStatus, txnID *string, at time.Time) (bool, error) {
	res, err := c.q.ExecContext(ctx, `
		UPDATE payments SET payment_status = ?, transaction_id = COALESCE(?, transaction_id), updated_at = ?
		WHERE id = ? AND payment_status = ?`,
		string(to), nullString(txnID), formatTime(at), string(id), string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// =============================================================================
// SUBSCRIPTIONS & PACKAGES
// =============================================================================

func (c conn) GetSubscription(ctx context.Context, id swap.SubscriptionID) (*swap.Subscription, error) {
	var s swap.Subscription
	var sid, userID, pkgID, status, endDate string
	var remaining sql.NullInt64
	err := c.q.QueryRowContext(ctx,
		`SELECT id, user_id, package_id, remaining_swaps, status, end_date FROM subscriptions WHERE id = ?`,
		string(id),
	).Scan(&sid, &userID, &pkgID, &remaining, &status, &endDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.ID = swap.SubscriptionID(sid)
	s.UserID = swap.UserID(userID)
	s.PackageID = swap.PackageID(pkgID)
	if remaining.Valid {
		n := int(remaining.Int64)
		s.RemainingSwaps = &n
	}
	s.Status = swap.SubscriptionStatus(status)
	s.EndDate = parseTime(endDate)
	return &s, nil
}

func (c conn) InsertSubscription(ctx context.Context, s swap.Subscription) error {
	var remaining any
	if s.RemainingSwaps != nil {
		remaining = *s.RemainingSwaps
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, package_id, remaining_swaps, status, end_date)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(s.ID), string(s.UserID), string(s.PackageID), remaining, string(s.Status), formatTime(s.EndDate),
	)
	return err
}

func (c conn) AdjustRemainingSwaps(ctx context.Context, id swap.SubscriptionID, delta int) (int, error) {
	res, err := c.q.ExecContext(ctx, `
		UPDATE subscriptions SET remaining_swaps = remaining_swaps + ?
		WHERE id = ? AND remaining_swaps IS NOT NULL AND remaining_swaps + ? >= 0`,
		delta, string(id), delta,
	)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		sub, err := c.GetSubscription(ctx, id)
		if err != nil {
			return 0, err
		}
		switch {
		case sub == nil:
			return 0, &swap.NotFoundError{Resource: "subscription", ID: string(id)}
		case sub.RemainingSwaps == nil:
			return 0, fmt.Errorf("subscription %s is unlimited", id)
		default:
			return 0, &swap.InsufficientAllowanceError{SubscriptionID: id, Remaining: *sub.RemainingSwaps, Requested: -delta}
		}
	}

	var remaining int
	err = c.q.QueryRowContext(ctx, `SELECT remaining_swaps FROM subscriptions WHERE id = ?`, string(id)).Scan(&remaining)
	return remaining, err
}

func (c conn) GetPackage(ctx context.Context, id swap.PackageID) (*swap.PackageRecord, error) {
	var p swap.PackageRecord
	var pid string
	err := c.q.QueryRowContext(ctx, `SELECT id, name, config_json FROM packages WHERE id = ?`, string(id)).
		Scan(&pid, &p.Name, &p.Config)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.ID = swap.PackageID(pid)
	return &p, nil
}

func (c conn) SavePackage(ctx context.Context, p swap.PackageRecord) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO packages (id, name, config_json) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, config_json = excluded.config_json`,
		string(p.ID), p.Name, p.Config,
	)
	return err
}

// =============================================================================
// VEHICLES & STAFF
// =============================================================================

func (c conn) GetVehicle(ctx context.Context, id swap.VehicleID) (*swap.Vehicle, error) {
	var v swap.Vehicle
	var vid, userID string
	var current sql.NullString
	err := c.q.QueryRowContext(ctx,
		`SELECT id, user_id, model, current_battery_id FROM vehicles WHERE id = ?`, string(id),
	).Scan(&vid, &userID, &v.Model, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.ID = swap.VehicleID(vid)
	v.UserID = swap.UserID(userID)
	v.CurrentBatteryID = idPtr[swap.BatteryID](current)
	return &v, nil
}

func (c conn) SaveVehicle(ctx context.Context, v swap.Vehicle) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO vehicles (id, user_id, model, current_battery_id) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			model = excluded.model,
			current_battery_id = excluded.current_battery_id`,
		string(v.ID), string(v.UserID), v.Model, nullID(v.CurrentBatteryID),
	)
	return err
}

func (c conn) GetStaff(ctx context.Context, userID swap.UserID) (*swap.Staff, error) {
	var s swap.Staff
	var stationID string
	err := c.q.QueryRowContext(ctx,
		`SELECT station_id, name, active FROM staff WHERE user_id = ?`, string(userID),
	).Scan(&stationID, &s.Name, &s.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.UserID = userID
	s.StationID = swap.StationID(stationID)
	return &s, nil
}

func (c conn) SaveStaff(ctx context.Context, s swap.Staff) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO staff (user_id, station_id, name, active) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			station_id = excluded.station_id,
			name = excluded.name,
			active = excluded.active`,
		string(s.UserID), string(s.StationID), s.Name, s.Active,
	)
	return err
}

// =============================================================================
// APPEND-ONLY LOGS
// =============================================================================

func (c conn) AppendHistory(ctx context.Context, h swap.BatteryHistory) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO battery_history (id, battery_id, booking_id, station_id, actor_user_id, action, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, string(h.BatteryID), nullID(h.BookingID), nullID(h.StationID),
		string(h.ActorUserID), string(h.Action), h.Notes, formatTime(orNow(h.CreatedAt)),
	)
	return err
}

func (c conn) ListBatteryHistory(ctx context.Context, batteryID swap.BatteryID) ([]swap.BatteryHistory, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, battery_id, booking_id, station_id, actor_user_id, action, notes, created_at
		FROM battery_history WHERE battery_id = ? ORDER BY created_at, rowid`, string(batteryID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []swap.BatteryHistory
	for rows.Next() {
		var h swap.BatteryHistory
		var bid, actor, action, createdAt string
		var bookingID, stationID sql.NullString
		if err := rows.Scan(&h.ID, &bid, &bookingID, &stationID, &actor, &action, &h.Notes, &createdAt); err != nil {
			return nil, err
		}
		h.BatteryID = swap.BatteryID(bid)
		h.BookingID = idPtr[swap.BookingID](bookingID)
		h.StationID = idPtr[swap.StationID](stationID)
		h.ActorUserID = swap.UserID(actor)
		h.Action = swap.HistoryAction(action)
		h.CreatedAt = parseTime(createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (c conn) AppendEvent(ctx context.Context, e swap.LedgerEvent) error {
	kind, payload, err := swap.EncodeEvent(e.Event)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO ledger_events (id, kind, booking_id, payment_id, subscription_id, actor_user_id, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(kind), nullID(e.BookingID), nullID(e.PaymentID), nullID(e.SubscriptionID),
		string(e.ActorUserID), string(payload), formatTime(orNow(e.CreatedAt)),
	)
	return err
}

func (c conn) ListEvents(ctx context.Context, bookingID swap.BookingID) ([]swap.LedgerEvent, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, kind, booking_id, payment_id, subscription_id, actor_user_id, payload_json, created_at
		FROM ledger_events WHERE booking_id = ? ORDER BY seq`, string(bookingID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []swap.LedgerEvent
	for rows.Next() {
		var e swap.LedgerEvent
		var kind, actor, payload, createdAt string
		var bid, pid, sid sql.NullString
		if err := rows.Scan(&e.ID, &kind, &bid, &pid, &sid, &actor, &payload, &createdAt); err != nil {
			return nil, err
		}
		ev, err := swap.DecodeEvent(swap.EventKind(kind), []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", e.ID, err)
		}
		e.Event = ev
		e.BookingID = idPtr[swap.BookingID](bid)
		e.PaymentID = idPtr[swap.PaymentID](pid)
		e.SubscriptionID = idPtr[swap.SubscriptionID](sid)
		e.ActorUserID = swap.UserID(actor)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (c conn) InsertSwapTransaction(ctx context.Context, t swap.SwapTransaction) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO swap_transactions (id, booking_id, user_id, station_id, staff_id, old_battery_id,
			new_battery_id, amount, payment_id, subscription_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.BookingID), string(t.UserID), string(t.StationID), string(t.StaffID),
		string(t.OldBatteryID), string(t.NewBatteryID), t.Amount.String(),
		nullID(t.PaymentID), nullID(t.SubscriptionID), formatTime(orNow(t.CreatedAt)),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("booking %s already has a swap transaction: %w", t.BookingID, err)
	}
	return err
}

func (c conn) ListSwapTransactions(ctx context.Context, bookingID swap.BookingID) ([]swap.SwapTransaction, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, booking_id, user_id, station_id, staff_id, old_battery_id, new_battery_id,
			amount, payment_id, subscription_id, created_at
		FROM swap_transactions WHERE booking_id = ? ORDER BY created_at`, string(bookingID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []swap.SwapTransaction
	for rows.Next() {
		var t swap.SwapTransaction
		var bid, uid, stid, staff, oldID, newID, amount, createdAt string
		var pid, sid sql.NullString
		if err := rows.Scan(&t.ID, &bid, &uid, &stid, &staff, &oldID, &newID, &amount, &pid, &sid, &createdAt); err != nil {
			return nil, err
		}
		t.BookingID = swap.BookingID(bid)
		t.UserID = swap.UserID(uid)
		t.StationID = swap.StationID(stid)
		t.StaffID = swap.UserID(staff)
		t.OldBatteryID = swap.BatteryID(oldID)
		t.NewBatteryID = swap.BatteryID(newID)
		t.Amount = parseDecimal(amount)
		t.PaymentID = idPtr[swap.PaymentID](pid)
		t.SubscriptionID = idPtr[swap.SubscriptionID](sid)
		t.CreatedAt = parseTime(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

// SweepRun records one execution of an expiry sweep scan.
type SweepRun struct {
	ID          string
	Kind        string
	Status      string // running, completed, failed
	Scanned     int
	Released    int
	Notified    int
	Skipped     int
	Failed      int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// SaveSweepRun inserts or updates a sweep run.
func (s *Store) SaveSweepRun(ctx context.Context, r SweepRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_runs (id, kind, status, scanned, released, notified, skipped, failed, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			scanned = excluded.scanned,
			released = excluded.released,
			notified = excluded.notified,
			skipped = excluded.skipped,
			failed = excluded.failed,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		r.ID, r.Kind, r.Status, r.Scanned, r.Released, r.Notified, r.Skipped, r.Failed, r.Error,
		formatTime(r.StartedAt), nullTime(r.CompletedAt),
	)
	return err
}

// ListSweepRuns returns the most recent runs first.
func (s *Store) ListSweepRuns(ctx context.Context, limit int) ([]SweepRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, status, scanned, released, notified, skipped, failed, error, started_at, completed_at
		FROM sweep_runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []SweepRun
	for rows.Next() {
		var r SweepRun
		var startedAt string
		var completedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.Kind, &r.Status, &r.Scanned, &r.Released, &r.Notified,
			&r.Skipped, &r.Failed, &r.Error, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = parseNullTime(completedAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// Reset deletes all data. Used by the scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{
		"bookings", "batteries", "battery_models", "wallets", "payments", "packages",
		"subscriptions", "vehicles", "staff", "battery_history", "ledger_events",
		"swap_transactions", "sweep_runs",
	} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullID[T ~string](p *T) any {
	if p == nil {
		return nil
	}
	return string(*p)
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func idPtr[T ~string](ns sql.NullString) *T {
	if !ns.Valid {
		return nil
	}
	v := T(ns.String)
	return &v
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		zap.L().Warn("unparseable decimal in database", zap.String("value", s), zap.Error(err))
		return decimal.Zero
	}
	return d
}

func healthOrDefault(d decimal.Decimal) string {
	if d.IsZero() {
		return "100"
	}
	return d.String()
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
