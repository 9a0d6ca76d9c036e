// Package store provides an in-memory swap.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/swap-engine/swap"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type state struct {
	bookings      map[swap.BookingID]swap.Booking
	batteries     map[swap.BatteryID]swap.Battery
	models        map[string]swap.BatteryModelSpec
	wallets       map[swap.UserID]swap.Wallet
	payments      map[swap.PaymentID]swap.Payment
	subscriptions map[swap.SubscriptionID]swap.Subscription
	packages      map[swap.PackageID]swap.PackageRecord
	vehicles      map[swap.VehicleID]swap.Vehicle
	staff         map[swap.UserID]swap.Staff
	history       []swap.BatteryHistory
	events        []swap.LedgerEvent
	swaps         []swap.SwapTransaction
}

func newState() *state {
	return &state{
		bookings:      make(map[swap.BookingID]swap.Booking),
		batteries:     make(map[swap.BatteryID]swap.Battery),
		models:        make(map[string]swap.BatteryModelSpec),
		wallets:       make(map[swap.UserID]swap.Wallet),
		payments:      make(map[swap.PaymentID]swap.Payment),
		subscriptions: make(map[swap.SubscriptionID]swap.Subscription),
		packages:      make(map[swap.PackageID]swap.PackageRecord),
		vehicles:      make(map[swap.VehicleID]swap.Vehicle),
		staff:         make(map[swap.UserID]swap.Staff),
	}
}

// clone copies every table. Records hold pointers only to values that are
// replaced, never mutated in place, so a shallow record copy is enough.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	for k, v := range s.batteries {
		c.batteries[k] = v
	}
	for k, v := range s.models {
		c.models[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.subscriptions {
		if v.RemainingSwaps != nil {
			n := *v.RemainingSwaps
			v.RemainingSwaps = &n
		}
		c.subscriptions[k] = v
	}
	for k, v := range s.packages {
		c.packages[k] = v
	}
	for k, v := range s.vehicles {
		c.vehicles[k] = v
	}
	for k, v := range s.staff {
		c.staff[k] = v
	}
	c.history = append([]swap.BatteryHistory(nil), s.history...)
	c.events = append([]swap.LedgerEvent(nil), s.events...)
	c.swaps = append([]swap.SwapTransaction(nil), s.swaps...)
	return c
}

// Memory is a swap.Store kept in process memory. WithTx serializes writers
// and restores a snapshot when fn fails.
type Memory struct {
	mu sync.RWMutex
	s  *state
}

func NewMemory() *Memory {
	return &Memory{s: newState()}
}

func (m *Memory) WithTx(ctx context.Context, fn func(swap.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.s.clone()
	if err := fn(&memoryTx{s: m.s}); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

func (m *Memory) read() *memoryTx {
	return &memoryTx{s: m.s}
}

// =============================================================================
// READER (outside a transaction)
// =============================================================================

func (m *Memory) GetBooking(ctx context.Context, id swap.BookingID) (*swap.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetBooking(ctx, id)
}

func (m *Memory) FindBookings(ctx context.Context, f swap.BookingFilter) ([]swap.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().FindBookings(ctx, f)
}

func (m *Memory) GetBattery(ctx context.Context, id swap.BatteryID) (*swap.Battery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetBattery(ctx, id)
}

func (m *Memory) GetBatteryByCode(ctx context.Context, code string) (*swap.Battery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetBatteryByCode(ctx, code)
}

func (m *Memory) ListBatteriesByStation(ctx context.Context, id swap.StationID) ([]swap.Battery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListBatteriesByStation(ctx, id)
}

func (m *Memory) GetBatteryModel(ctx context.Context, model string) (*swap.BatteryModelSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetBatteryModel(ctx, model)
}

func (m *Memory) GetWallet(ctx context.Context, id swap.UserID) (*swap.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetWallet(ctx, id)
}

func (m *Memory) GetPayment(ctx context.Context, id swap.PaymentID) (*swap.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetPayment(ctx, id)
}

func (m *Memory) GetSubscription(ctx context.Context, id swap.SubscriptionID) (*swap.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetSubscription(ctx, id)
}

func (m *Memory) GetPackage(ctx context.Context, id swap.PackageID) (*swap.PackageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetPackage(ctx, id)
}

func (m *Memory) GetVehicle(ctx context.Context, id swap.VehicleID) (*swap.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetVehicle(ctx, id)
}

func (m *Memory) GetStaff(ctx context.Context, id swap.UserID) (*swap.Staff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetStaff(ctx, id)
}

func (m *Memory) ListBatteryHistory(ctx context.Context, id swap.BatteryID) ([]swap.BatteryHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListBatteryHistory(ctx, id)
}

func (m *Memory) ListEvents(ctx context.Context, id swap.BookingID) ([]swap.LedgerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListEvents(ctx, id)
}

func (m *Memory) ListSwapTransactions(ctx context.Context, id swap.BookingID) ([]swap.SwapTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListSwapTransactions(ctx, id)
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// memoryTx operates on the live state. The caller holds the lock.
type memoryTx struct {
	s *state
}

func (t *memoryTx) GetBooking(_ context.Context, id swap.BookingID) (*swap.Booking, error) {
	b, ok := t.s.bookings[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (t *memoryTx) FindBookings(_ context.Context, f swap.BookingFilter) ([]swap.Booking, error) {
	var out []swap.Booking
	for _, b := range t.s.bookings {
		if f.Matches(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memoryTx) GetBattery(_ context.Context, id swap.BatteryID) (*swap.Battery, error) {
	b, ok := t.s.batteries[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (t *memoryTx) GetBatteryByCode(_ context.Context, code string) (*swap.Battery, error) {
	for _, b := range t.s.batteries {
		if b.Code == code {
			return &b, nil
		}
	}
	return nil, nil
}

func (t *memoryTx) ListBatteriesByStation(_ context.Context, id swap.StationID) ([]swap.Battery, error) {
	var out []swap.Battery
	for _, b := range t.s.batteries {
		if b.StationID != nil && *b.StationID == id {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (t *memoryTx) GetBatteryModel(_ context.Context, model string) (*swap.BatteryModelSpec, error) {
	m, ok := t.s.models[swap.NormalizeModel(model)]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (t *memoryTx) GetWallet(_ context.Context, id swap.UserID) (*swap.Wallet, error) {
	w, ok := t.s.wallets[id]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (t *memoryTx) GetPayment(_ context.Context, id swap.PaymentID) (*swap.Payment, error) {
	p, ok := t.s.payments[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *memoryTx) GetSubscription(_ context.Context, id swap.SubscriptionID) (*swap.Subscription, error) {
	s, ok := t.s.subscriptions[id]
	if !ok {
		return nil, nil
	}
	if s.RemainingSwaps != nil {
		n := *s.RemainingSwaps
		s.RemainingSwaps = &n
	}
	return &s, nil
}

func (t *memoryTx) GetPackage(_ context.Context, id swap.PackageID) (*swap.PackageRecord, error) {
	p, ok := t.s.packages[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *memoryTx) GetVehicle(_ context.Context, id swap.VehicleID) (*swap.Vehicle, error) {
	v, ok := t.s.vehicles[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (t *memoryTx) GetStaff(_ context.Context, id swap.UserID) (*swap.Staff, error) {
	s, ok := t.s.staff[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (t *memoryTx) ListBatteryHistory(_ context.Context, id swap.BatteryID) ([]swap.BatteryHistory, error) {
	var out []swap.BatteryHistory
	for _, h := range t.s.history {
		if h.BatteryID == id {
			out = append(out, h)
		}
	}
	return out, nil
}

func (t *memoryTx) ListEvents(_ context.Context, id swap.BookingID) ([]swap.LedgerEvent, error) {
	var out []swap.LedgerEvent
	for _, e := range t.s.events {
		if e.BookingID != nil && *e.BookingID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memoryTx) ListSwapTransactions(_ context.Context, id swap.BookingID) ([]swap.SwapTransaction, error) {
	var out []swap.SwapTransaction
	for _, s := range t.s.swaps {
		if s.BookingID == id {
			out = append(out, s)
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Writes
// -----------------------------------------------------------------------------

func (t *memoryTx) InsertBooking(_ context.Context, b swap.Booking) error {
	if _, ok := t.s.bookings[b.ID]; ok {
		return fmt.Errorf("booking %s already exists", b.ID)
	}
	t.s.bookings[b.ID] = b
	return nil
}

func (t *memoryTx) SettleBooking(_ context.Context, id swap.BookingID, guard swap.SettleGuard, st swap.Settlement) (bool, error) {
	b, ok := t.s.bookings[id]
	if !ok || !guard.Allows(b) {
		return false, nil
	}
	b.Status = st.Status
	b.Hold = st.Hold
	if st.CheckedInAt != nil {
		b.CheckedInAt = st.CheckedInAt
	}
	if st.CheckedInBy != nil {
		b.CheckedInByStaffID = st.CheckedInBy
	}
	b.UpdatedAt = st.UpdatedAt
	t.s.bookings[id] = b
	return true, nil
}

func (t *memoryTx) InsertBattery(_ context.Context, b swap.Battery) error {
	for _, existing := range t.s.batteries {
		if existing.Code == b.Code {
			return fmt.Errorf("battery code %s already exists", b.Code)
		}
	}
	t.s.batteries[b.ID] = b
	return nil
}

func (t *memoryTx) UpdateBattery(_ context.Context, b swap.Battery) error {
	if _, ok := t.s.batteries[b.ID]; !ok {
		return &swap.NotFoundError{Resource: "battery", ID: string(b.ID)}
	}
	t.s.batteries[b.ID] = b
	return nil
}

func (t *memoryTx) SaveBatteryModel(_ context.Context, m swap.BatteryModelSpec) error {
	t.s.models[swap.NormalizeModel(m.Model)] = m
	return nil
}

func (t *memoryTx) AdjustWallet(_ context.Context, id swap.UserID, delta decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	w, ok := t.s.wallets[id]
	if !ok {
		if delta.IsNegative() {
			return decimal.Zero, &swap.InsufficientFundsError{UserID: id, Available: decimal.Zero, Requested: delta.Neg()}
		}
		w = swap.Wallet{UserID: id, Balance: decimal.Zero}
	}
	next := w.Balance.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, &swap.InsufficientFundsError{UserID: id, Available: w.Balance, Requested: delta.Neg()}
	}
	w.Balance = next
	w.UpdatedAt = at
	t.s.wallets[id] = w
	return next, nil
}

func (t *memoryTx) InsertPayment(_ context.Context, p swap.Payment) error {
	if _, ok := t.s.payments[p.ID]; ok {
		return fmt.Errorf("payment %s already exists", p.ID)
	}
	t.s.payments[p.ID] = p
	return nil
}

func (t *memoryTx) TransitionPayment(_ context.Context, id swap.PaymentID, from, to swap.PaymentStatus, txnID *string, at time.Time) (bool, error) {
	p, ok := t.s.payments[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = at
	if txnID != nil {
		p.TransactionID = txnID
	}
	t.s.payments[id] = p
	return true, nil
}

func (t *memoryTx) InsertSubscription(_ context.Context, s swap.Subscription) error {
	t.s.subscriptions[s.ID] = s
	return nil
}

func (t *memoryTx) AdjustRemainingSwaps(_ context.Context, id swap.SubscriptionID, delta int) (int, error) {
	s, ok := t.s.subscriptions[id]
	if !ok {
		return 0, &swap.NotFoundError{Resource: "subscription", ID: string(id)}
	}
	if s.RemainingSwaps == nil {
		return 0, fmt.Errorf("subscription %s is unlimited", id)
	}
	n := *s.RemainingSwaps + delta
	if n < 0 {
		return 0, &swap.InsufficientAllowanceError{SubscriptionID: id, Remaining: *s.RemainingSwaps, Requested: -delta}
	}
	s.RemainingSwaps = &n
	t.s.subscriptions[id] = s
	return n, nil
}

func (t *memoryTx) SavePackage(_ context.Context, p swap.PackageRecord) error {
	t.s.packages[p.ID] = p
	return nil
}

func (t *memoryTx) SaveVehicle(_ context.Context, v swap.Vehicle) error {
	t.s.vehicles[v.ID] = v
	return nil
}

func (t *memoryTx) SaveStaff(_ context.Context, s swap.Staff) error {
	t.s.staff[s.UserID] = s
	return nil
}

func (t *memoryTx) AppendHistory(_ context.Context, h swap.BatteryHistory) error {
	t.s.history = append(t.s.history, h)
	return nil
}

func (t *memoryTx) AppendEvent(_ context.Context, e swap.LedgerEvent) error {
	t.s.events = append(t.s.events, e)
	return nil
}

func (t *memoryTx) InsertSwapTransaction(_ context.Context, s swap.SwapTransaction) error {
	t.s.swaps = append(t.s.swaps, s)
	return nil
}
