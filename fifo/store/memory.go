// Package store provides an in-memory fifo.Store.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/warp/fxledger/fifo"
)

// ErrReadOnly is returned by writes inside View.
var ErrReadOnly = errors.New("store: write in read-only transaction")

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory holds all state behind one RWMutex. Writers are serialized for the
// whole transaction, which is what gives Allocate its exclusive view of lots.
type Memory struct {
	mu    sync.RWMutex
	state state

	runsMu sync.Mutex
	runs   []fifo.ReconciliationRun
}

type state struct {
	seq          int64
	lots         map[fifo.LotID]fifo.Lot
	purchases    map[fifo.PurchaseID]fifo.Purchase
	sales        map[fifo.SaleID]fifo.Sale
	allocations  []fifo.Allocation
	accounts     map[fifo.AccountID]fifo.Account
	entries      []fifo.LedgerEntry
	entryIndex   map[fifo.EntryID]int
	customers    map[fifo.CustomerID]fifo.Customer
	settlements  []fifo.Settlement
	applications []fifo.SettlementApplication
	profit       []fifo.ProfitEntry
}

func NewMemory() *Memory {
	return &Memory{state: state{
		lots:       make(map[fifo.LotID]fifo.Lot),
		purchases:  make(map[fifo.PurchaseID]fifo.Purchase),
		sales:      make(map[fifo.SaleID]fifo.Sale),
		accounts:   make(map[fifo.AccountID]fifo.Account),
		entryIndex: make(map[fifo.EntryID]int),
		customers:  make(map[fifo.CustomerID]fifo.Customer),
	}}
}

// snapshot copies every collection. Values are plain structs, so a shallow
// copy of each map and slice is enough.
func (s state) snapshot() state {
	return state{
		seq:          s.seq,
		lots:         maps.Clone(s.lots),
		purchases:    maps.Clone(s.purchases),
		sales:        maps.Clone(s.sales),
		allocations:  slices.Clone(s.allocations),
		accounts:     maps.Clone(s.accounts),
		entries:      slices.Clone(s.entries),
		entryIndex:   maps.Clone(s.entryIndex),
		customers:    maps.Clone(s.customers),
		settlements:  slices.Clone(s.settlements),
		applications: slices.Clone(s.applications),
		profit:       slices.Clone(s.profit),
	}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error
// or panic.
func (m *Memory) WithTx(ctx context.Context, fn func(fifo.Tx) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.snapshot()
	defer func() {
		if p := recover(); p != nil {
			m.state = snapshot
			panic(p)
		}
	}()

	err = fn(&txView{st: &m.state})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// View runs fn against the current state under a read lock.
func (m *Memory) View(ctx context.Context, fn func(fifo.Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&txView{st: &m.state, readOnly: true})
}

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

func (m *Memory) SaveReconciliationRun(_ context.Context, run fifo.ReconciliationRun) error {
	m.runsMu.Lock()
	defer m.runsMu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

// ListReconciliationRuns returns the newest runs first.
func (m *Memory) ListReconciliationRuns(_ context.Context, limit int) ([]fifo.ReconciliationRun, error) {
	m.runsMu.Lock()
	defer m.runsMu.Unlock()
	out := make([]fifo.ReconciliationRun, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m.runs[i])
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type txView struct {
	st       *state
	readOnly bool
}

func (t *txView) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *txView) nextSeq() int64 {
	t.st.seq++
	return t.st.seq
}

// --- lots ---

func (t *txView) InsertLot(_ context.Context, lot fifo.Lot) (fifo.Lot, error) {
	if err := t.writable(); err != nil {
		return fifo.Lot{}, err
	}
	if _, ok := t.st.lots[lot.ID]; ok {
		return fifo.Lot{}, fmt.Errorf("lot %s: %w", lot.ID, fifo.ErrDuplicateID)
	}
	lot.Seq = t.nextSeq()
	t.st.lots[lot.ID] = lot
	return lot, nil
}

func (t *txView) GetLot(_ context.Context, id fifo.LotID) (fifo.Lot, error) {
	lot, ok := t.st.lots[id]
	if !ok {
		return fifo.Lot{}, fmt.Errorf("lot %s: %w", id, fifo.ErrLotNotFound)
	}
	return lot, nil
}

func (t *txView) LotsAfter(_ context.Context, after fifo.LotCursor, limit int) ([]fifo.Lot, error) {
	var out []fifo.Lot
	for _, lot := range t.st.lots {
		if lot.Voided || !lot.Remaining.IsPositive() || !after.After(lot) {
			continue
		}
		out = append(out, lot)
	}
	sortLots(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *txView) ListLots(_ context.Context) ([]fifo.Lot, error) {
	out := slices.Collect(maps.Values(t.st.lots))
	sortLots(out)
	return out, nil
}

func sortLots(lots []fifo.Lot) {
	sort.Slice(lots, func(i, j int) bool { return lots[i].Before(lots[j]) })
}

func (t *txView) UpdateLot(_ context.Context, lot fifo.Lot) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.lots[lot.ID]; !ok {
		return fmt.Errorf("lot %s: %w", lot.ID, fifo.ErrLotNotFound)
	}
	t.st.lots[lot.ID] = lot
	return nil
}

// --- purchases ---

func (t *txView) InsertPurchase(_ context.Context, p fifo.Purchase) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.purchases[p.ID]; ok {
		return fmt.Errorf("purchase %s: %w", p.ID, fifo.ErrDuplicateID)
	}
	t.st.purchases[p.ID] = p
	return nil
}

func (t *txView) GetPurchase(_ context.Context, id fifo.PurchaseID) (fifo.Purchase, error) {
	p, ok := t.st.purchases[id]
	if !ok {
		return fifo.Purchase{}, fmt.Errorf("purchase %s: %w", id, fifo.ErrPurchaseNotFound)
	}
	return p, nil
}

func (t *txView) UpdatePurchase(_ context.Context, p fifo.Purchase) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.purchases[p.ID]; !ok {
		return fmt.Errorf("purchase %s: %w", p.ID, fifo.ErrPurchaseNotFound)
	}
	t.st.purchases[p.ID] = p
	return nil
}

func (t *txView) ListPurchases(_ context.Context) ([]fifo.Purchase, error) {
	out := slices.Collect(maps.Values(t.st.purchases))
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- sales + allocations ---

func (t *txView) InsertSale(_ context.Context, s fifo.Sale) (fifo.Sale, error) {
	if err := t.writable(); err != nil {
		return fifo.Sale{}, err
	}
	if _, ok := t.st.sales[s.ID]; ok {
		return fifo.Sale{}, fmt.Errorf("sale %s: %w", s.ID, fifo.ErrDuplicateID)
	}
	s.Seq = t.nextSeq()
	s.Allocations = nil
	t.st.sales[s.ID] = s
	return s, nil
}

func (t *txView) GetSale(_ context.Context, id fifo.SaleID) (fifo.Sale, error) {
	s, ok := t.st.sales[id]
	if !ok {
		return fifo.Sale{}, fmt.Errorf("sale %s: %w", id, fifo.ErrSaleNotFound)
	}
	return s, nil
}

func (t *txView) UpdateSale(_ context.Context, s fifo.Sale) error {
	if err := t.writable(); err != nil {
		return err
	}
	old, ok := t.st.sales[s.ID]
	if !ok {
		return fmt.Errorf("sale %s: %w", s.ID, fifo.ErrSaleNotFound)
	}
	s.Seq = old.Seq
	s.Allocations = nil
	t.st.sales[s.ID] = s
	return nil
}

func (t *txView) ListSales(_ context.Context, filter fifo.SaleFilter) ([]fifo.Sale, error) {
	var out []fifo.Sale
	for _, s := range t.st.sales {
		if filter.Match(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (t *txView) InsertAllocation(_ context.Context, a fifo.Allocation) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.allocations = append(t.st.allocations, a)
	return nil
}

func (t *txView) ListAllocations(_ context.Context, filter fifo.AllocationFilter) ([]fifo.Allocation, error) {
	var out []fifo.Allocation
	for _, a := range t.st.allocations {
		if filter.Match(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (t *txView) MarkAllocationsReversed(_ context.Context, saleID fifo.SaleID) error {
	if err := t.writable(); err != nil {
		return err
	}
	for i := range t.st.allocations {
		if t.st.allocations[i].SaleID == saleID {
			t.st.allocations[i].Reversed = true
		}
	}
	return nil
}

// --- accounts + entries ---

func (t *txView) InsertAccount(_ context.Context, a fifo.Account) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.accounts[a.ID]; ok {
		return fmt.Errorf("account %s: %w", a.ID, fifo.ErrDuplicateID)
	}
	t.st.accounts[a.ID] = a
	return nil
}

func (t *txView) GetAccount(_ context.Context, id fifo.AccountID) (fifo.Account, error) {
	a, ok := t.st.accounts[id]
	if !ok {
		return fifo.Account{}, fmt.Errorf("account %s: %w", id, fifo.ErrAccountNotFound)
	}
	return a, nil
}

func (t *txView) UpdateAccount(_ context.Context, a fifo.Account) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.accounts[a.ID]; !ok {
		return fmt.Errorf("account %s: %w", a.ID, fifo.ErrAccountNotFound)
	}
	t.st.accounts[a.ID] = a
	return nil
}

func (t *txView) ListAccounts(_ context.Context) ([]fifo.Account, error) {
	out := slices.Collect(maps.Values(t.st.accounts))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *txView) InsertEntry(_ context.Context, e fifo.LedgerEntry) (fifo.LedgerEntry, error) {
	if err := t.writable(); err != nil {
		return fifo.LedgerEntry{}, err
	}
	if _, ok := t.st.entryIndex[e.ID]; ok {
		return fifo.LedgerEntry{}, fmt.Errorf("entry %s: %w", e.ID, fifo.ErrDuplicateID)
	}
	e.Seq = t.nextSeq()
	t.st.entryIndex[e.ID] = len(t.st.entries)
	t.st.entries = append(t.st.entries, e)
	return e, nil
}

func (t *txView) GetEntry(_ context.Context, id fifo.EntryID) (fifo.LedgerEntry, error) {
	i, ok := t.st.entryIndex[id]
	if !ok {
		return fifo.LedgerEntry{}, fmt.Errorf("entry %s: %w", id, fifo.ErrEntryNotFound)
	}
	return t.st.entries[i], nil
}

func (t *txView) ListEntries(_ context.Context, filter fifo.EntryFilter) ([]fifo.LedgerEntry, error) {
	var out []fifo.LedgerEntry
	for _, e := range t.st.entries {
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- customers + settlements ---

func (t *txView) InsertCustomer(_ context.Context, c fifo.Customer) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.customers[c.ID]; ok {
		return fmt.Errorf("customer %s: %w", c.ID, fifo.ErrDuplicateID)
	}
	t.st.customers[c.ID] = c
	return nil
}

func (t *txView) GetCustomer(_ context.Context, id fifo.CustomerID) (fifo.Customer, error) {
	c, ok := t.st.customers[id]
	if !ok {
		return fifo.Customer{}, fmt.Errorf("customer %s: %w", id, fifo.ErrCustomerNotFound)
	}
	return c, nil
}

func (t *txView) UpdateCustomer(_ context.Context, c fifo.Customer) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.customers[c.ID]; !ok {
		return fmt.Errorf("customer %s: %w", c.ID, fifo.ErrCustomerNotFound)
	}
	t.st.customers[c.ID] = c
	return nil
}

func (t *txView) ListCustomers(_ context.Context) ([]fifo.Customer, error) {
	out := slices.Collect(maps.Values(t.st.customers))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *txView) InsertSettlement(_ context.Context, s fifo.Settlement) error {
	if err := t.writable(); err != nil {
		return err
	}
	if t.settlementIndex(s.ID) >= 0 {
		return fmt.Errorf("settlement %s: %w", s.ID, fifo.ErrDuplicateID)
	}
	t.st.settlements = append(t.st.settlements, s)
	return nil
}

func (t *txView) settlementIndex(id fifo.SettlementID) int {
	return slices.IndexFunc(t.st.settlements, func(s fifo.Settlement) bool { return s.ID == id })
}

func (t *txView) GetSettlement(_ context.Context, id fifo.SettlementID) (fifo.Settlement, error) {
	i := t.settlementIndex(id)
	if i < 0 {
		return fifo.Settlement{}, fmt.Errorf("settlement %s: %w", id, fifo.ErrSettlementNotFound)
	}
	return t.st.settlements[i], nil
}

func (t *txView) UpdateSettlement(_ context.Context, s fifo.Settlement) error {
	if err := t.writable(); err != nil {
		return err
	}
	i := t.settlementIndex(s.ID)
	if i < 0 {
		return fmt.Errorf("settlement %s: %w", s.ID, fifo.ErrSettlementNotFound)
	}
	t.st.settlements[i] = s
	return nil
}

func (t *txView) ListSettlements(_ context.Context, filter fifo.SettlementFilter) ([]fifo.Settlement, error) {
	var out []fifo.Settlement
	for _, s := range t.st.settlements {
		if filter.Match(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (t *txView) InsertApplication(_ context.Context, a fifo.SettlementApplication) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.applications = append(t.st.applications, a)
	return nil
}

func (t *txView) ListApplications(_ context.Context, filter fifo.ApplicationFilter) ([]fifo.SettlementApplication, error) {
	var out []fifo.SettlementApplication
	for _, a := range t.st.applications {
		if filter.Match(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (t *txView) DeleteApplications(_ context.Context, id fifo.SettlementID) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.applications = slices.DeleteFunc(t.st.applications, func(a fifo.SettlementApplication) bool {
		return a.SettlementID == id
	})
	return nil
}

// --- profit ---

func (t *txView) InsertProfitEntry(_ context.Context, e fifo.ProfitEntry) (fifo.ProfitEntry, error) {
	if err := t.writable(); err != nil {
		return fifo.ProfitEntry{}, err
	}
	if slices.ContainsFunc(t.st.profit, func(p fifo.ProfitEntry) bool { return p.ID == e.ID }) {
		return fifo.ProfitEntry{}, fmt.Errorf("profit entry %s: %w", e.ID, fifo.ErrDuplicateID)
	}
	e.Seq = t.nextSeq()
	t.st.profit = append(t.st.profit, e)
	return e, nil
}

func (t *txView) GetProfitEntry(_ context.Context, id fifo.ProfitEntryID) (fifo.ProfitEntry, error) {
	i := slices.IndexFunc(t.st.profit, func(p fifo.ProfitEntry) bool { return p.ID == id })
	if i < 0 {
		return fifo.ProfitEntry{}, fmt.Errorf("profit entry %s: %w", id, fifo.ErrProfitEntryNotFound)
	}
	return t.st.profit[i], nil
}

func (t *txView) ListProfitEntries(_ context.Context, filter fifo.ProfitFilter) ([]fifo.ProfitEntry, error) {
	var out []fifo.ProfitEntry
	for _, e := range t.st.profit {
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

var (
	_ fifo.Store    = (*Memory)(nil)
	_ fifo.RunStore = (*Memory)(nil)
	_ fifo.Tx       = (*txView)(nil)
)
