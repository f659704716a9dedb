package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/fxledger/fifo"
	"github.com/warp/fxledger/money"
)

// ErrReadOnly is returned by writes inside View.
var ErrReadOnly = errors.New("sqlite: write in read-only transaction")

// txStore implements fifo.Tx on one *sql.Tx. Every query goes through the
// transaction; touching s.db here would deadlock on the single SQLite connection.
type txStore struct {
	tx       *sql.Tx
	dialect  Dialect
	readOnly bool
}

type scanner interface {
	Scan(dest ...any) error
}

func (t *txStore) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

// forUpdate appends a row lock on PostgreSQL write transactions.
func (t *txStore) forUpdate(query string) string {
	if t.dialect == Postgres && !t.readOnly {
		return query + " FOR UPDATE"
	}
	return query
}

func (t *txStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	return t.tx.ExecContext(ctx, rebind(t.dialect, query), args...)
}

// insertSeq runs an INSERT ... RETURNING seq.
func (t *txStore) insertSeq(ctx context.Context, query string, args ...any) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	var seq int64
	err := t.tx.QueryRowContext(ctx, rebind(t.dialect, query+" RETURNING seq"), args...).Scan(&seq)
	return seq, err
}

func (t *txStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, rebind(t.dialect, query), args...)
}

func (t *txStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, rebind(t.dialect, query), args...)
}

// mustAffect turns a zero-row UPDATE into the given not-found error.
func mustAffect(res sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func insertErr(what string, id any, err error) error {
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%s %v: %w", what, id, fifo.ErrDuplicateID)
	}
	return fmt.Errorf("failed to insert %s: %w", what, err)
}

func notFound(what string, id any, sentinel error, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, sentinel)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}

func amount(s string, c money.Currency) (money.Amount, error) {
	a, err := money.Parse(s, c)
	if err != nil {
		return money.Amount{}, fmt.Errorf("bad amount %q: %w", s, err)
	}
	return a, nil
}

// =============================================================================
// LOTS
// =============================================================================

const lotColumns = `seq, id, purchase_id, acquired_at, original, remaining, unit_cost, voided`

func scanLot(row scanner) (fifo.Lot, error) {
	var (
		l                             fifo.Lot
		acquired, orig, rem, unitCost string
	)
	if err := row.Scan(&l.Seq, &l.ID, &l.PurchaseID, &acquired, &orig, &rem, &unitCost, &l.Voided); err != nil {
		return fifo.Lot{}, err
	}
	var err error
	if l.AcquiredAt, err = parseTime(acquired); err != nil {
		return fifo.Lot{}, err
	}
	if l.Original, err = amount(orig, money.Foreign); err != nil {
		return fifo.Lot{}, err
	}
	if l.Remaining, err = amount(rem, money.Foreign); err != nil {
		return fifo.Lot{}, err
	}
	if l.UnitCost, err = money.ParseRate(unitCost); err != nil {
		return fifo.Lot{}, err
	}
	return l, nil
}

func (t *txStore) queryLots(ctx context.Context, query string, args ...any) ([]fifo.Lot, error) {
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	var lots []fifo.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func (t *txStore) InsertLot(ctx context.Context, l fifo.Lot) (fifo.Lot, error) {
	seq, err := t.insertSeq(ctx, `
		INSERT INTO lots (id, purchase_id, acquired_at, original, remaining, unit_cost, voided)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.PurchaseID, formatTime(l.AcquiredAt),
		l.Original.Value.String(), l.Remaining.Value.String(), l.UnitCost.String(), l.Voided,
	)
	if err != nil {
		return fifo.Lot{}, insertErr("lot", l.ID, err)
	}
	l.Seq = seq
	return l, nil
}

func (t *txStore) GetLot(ctx context.Context, id fifo.LotID) (fifo.Lot, error) {
	row := t.queryRow(ctx, t.forUpdate(`SELECT `+lotColumns+` FROM lots WHERE id = ?`), id)
	l, err := scanLot(row)
	if err != nil {
		return fifo.Lot{}, notFound("lot", id, fifo.ErrLotNotFound, err)
	}
	return l, nil
}

// LotsAfter is the keyset page behind LotStore.Available.
func (t *txStore) LotsAfter(ctx context.Context, after fifo.LotCursor, limit int) ([]fifo.Lot, error) {
	query := `SELECT ` + lotColumns + ` FROM lots WHERE voided = ? AND CAST(remaining AS NUMERIC) > 0`
	args := []any{false}
	if !after.IsZero() {
		at := formatTime(after.AcquiredAt)
		query += ` AND (acquired_at > ? OR (acquired_at = ? AND seq > ?))`
		args = append(args, at, at, after.Seq)
	}
	query += ` ORDER BY acquired_at, seq LIMIT ?`
	args = append(args, limit)
	return t.queryLots(ctx, t.forUpdate(query), args...)
}

func (t *txStore) ListLots(ctx context.Context) ([]fifo.Lot, error) {
	return t.queryLots(ctx, `SELECT `+lotColumns+` FROM lots ORDER BY acquired_at, seq`)
}

func (t *txStore) UpdateLot(ctx context.Context, l fifo.Lot) error {
	res, err := t.exec(ctx, `UPDATE lots SET remaining = ?, voided = ? WHERE id = ?`,
		l.Remaining.Value.String(), l.Voided, l.ID)
	return mustAffect(res, err, fmt.Errorf("lot %s: %w", l.ID, fifo.ErrLotNotFound))
}

// =============================================================================
// PURCHASES
// =============================================================================

const purchaseColumns = `id, lot_id, quantity, unit_cost, cost, funding_account_id, receiving_account_id, at, status, actor, note, reversed_at`

func scanPurchase(row scanner) (fifo.Purchase, error) {
	var (
		p                       fifo.Purchase
		qty, unitCost, cost, at string
		status                  string
		reversedAt              sql.NullString
	)
	err := row.Scan(&p.ID, &p.LotID, &qty, &unitCost, &cost, &p.FundingAccountID, &p.ReceivingAccountID,
		&at, &status, &p.Actor, &p.Note, &reversedAt)
	if err != nil {
		return fifo.Purchase{}, err
	}
	p.Status = fifo.PurchaseStatus(status)
	if p.Quantity, err = amount(qty, money.Foreign); err != nil {
		return fifo.Purchase{}, err
	}
	if p.Cost, err = amount(cost, money.Home); err != nil {
		return fifo.Purchase{}, err
	}
	if p.UnitCost, err = money.ParseRate(unitCost); err != nil {
		return fifo.Purchase{}, err
	}
	if p.At, err = parseTime(at); err != nil {
		return fifo.Purchase{}, err
	}
	if p.ReversedAt, err = parseNullTime(reversedAt); err != nil {
		return fifo.Purchase{}, err
	}
	return p, nil
}

func (t *txStore) InsertPurchase(ctx context.Context, p fifo.Purchase) error {
	_, err := t.exec(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.LotID, p.Quantity.Value.String(), p.UnitCost.String(), p.Cost.Value.String(),
		p.FundingAccountID, p.ReceivingAccountID, formatTime(p.At), string(p.Status),
		p.Actor, p.Note, nullTime(p.ReversedAt),
	)
	if err != nil {
		return insertErr("purchase", p.ID, err)
	}
	return nil
}

func (t *txStore) GetPurchase(ctx context.Context, id fifo.PurchaseID) (fifo.Purchase, error) {
	row := t.queryRow(ctx, t.forUpdate(`SELECT `+purchaseColumns+` FROM purchases WHERE id = ?`), id)
	p, err := scanPurchase(row)
	if err != nil {
		return fifo.Purchase{}, notFound("purchase", id, fifo.ErrPurchaseNotFound, err)
	}
	return p, nil
}

func (t *txStore) UpdatePurchase(ctx context.Context, p fifo.Purchase) error {
	res, err := t.exec(ctx, `UPDATE purchases SET status = ?, reversed_at = ? WHERE id = ?`,
		string(p.Status), nullTime(p.ReversedAt), p.ID)
	return mustAffect(res, err, fmt.Errorf("purchase %s: %w", p.ID, fifo.ErrPurchaseNotFound))
}

func (t *txStore) ListPurchases(ctx context.Context) ([]fifo.Purchase, error) {
	rows, err := t.query(ctx, `SELECT `+purchaseColumns+` FROM purchases ORDER BY at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var out []fifo.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// SALES + ALLOCATIONS
// =============================================================================

const saleColumns = `seq, id, quantity, proceeds, customer_id, account_id, at, status, actor, note, reversed_at`

func scanSale(row scanner) (fifo.Sale, error) {
	var (
		s                 fifo.Sale
		qty, proceeds, at string
		status            string
		reversedAt        sql.NullString
	)
	err := row.Scan(&s.Seq, &s.ID, &qty, &proceeds, &s.CustomerID, &s.AccountID, &at, &status,
		&s.Actor, &s.Note, &reversedAt)
	if err != nil {
		return fifo.Sale{}, err
	}
	s.Status = fifo.SaleStatus(status)
	if s.Quantity, err = amount(qty, money.Foreign); err != nil {
		return fifo.Sale{}, err
	}
	if s.Proceeds, err = amount(proceeds, money.Home); err != nil {
		return fifo.Sale{}, err
	}
	if s.At, err = parseTime(at); err != nil {
		return fifo.Sale{}, err
	}
	if s.ReversedAt, err = parseNullTime(reversedAt); err != nil {
		return fifo.Sale{}, err
	}
	return s, nil
}

func (t *txStore) InsertSale(ctx context.Context, s fifo.Sale) (fifo.Sale, error) {
	seq, err := t.insertSeq(ctx, `
		INSERT INTO sales (id, quantity, proceeds, customer_id, account_id, at, status, actor, note, reversed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Quantity.Value.String(), s.Proceeds.Value.String(), s.CustomerID, s.AccountID,
		formatTime(s.At), string(s.Status), s.Actor, s.Note, nullTime(s.ReversedAt),
	)
	if err != nil {
		return fifo.Sale{}, insertErr("sale", s.ID, err)
	}
	s.Seq = seq
	s.Allocations = nil
	return s, nil
}

func (t *txStore) GetSale(ctx context.Context, id fifo.SaleID) (fifo.Sale, error) {
	row := t.queryRow(ctx, t.forUpdate(`SELECT `+saleColumns+` FROM sales WHERE id = ?`), id)
	s, err := scanSale(row)
	if err != nil {
		return fifo.Sale{}, notFound("sale", id, fifo.ErrSaleNotFound, err)
	}
	return s, nil
}

func (t *txStore) UpdateSale(ctx context.Context, s fifo.Sale) error {
	res, err := t.exec(ctx, `UPDATE sales SET status = ?, reversed_at = ? WHERE id = ?`,
		string(s.Status), nullTime(s.ReversedAt), s.ID)
	return mustAffect(res, err, fmt.Errorf("sale %s: %w", s.ID, fifo.ErrSaleNotFound))
}

func (t *txStore) ListSales(ctx context.Context, f fifo.SaleFilter) ([]fifo.Sale, error) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if len(f.Statuses) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(f.Statuses)), ", ")
		where = append(where, "status IN ("+marks+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	rows, err := t.query(ctx, `SELECT `+saleColumns+` FROM sales`+whereClause(where)+` ORDER BY at, seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sales: %w", err)
	}
	defer rows.Close()

	var out []fifo.Sale
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func (t *txStore) InsertAllocation(ctx context.Context, a fifo.Allocation) error {
	_, err := t.exec(ctx, `
		INSERT INTO allocations (id, sale_id, lot_id, quantity, cost, created_at, reversed)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SaleID, a.LotID, a.Quantity.Value.String(), a.Cost.Value.String(), formatTime(a.CreatedAt), a.Reversed,
	)
	if err != nil {
		return insertErr("allocation", a.ID, err)
	}
	return nil
}

func (t *txStore) ListAllocations(ctx context.Context, f fifo.AllocationFilter) ([]fifo.Allocation, error) {
	var (
		where []string
		args  []any
	)
	if f.SaleID != "" {
		where = append(where, "sale_id = ?")
		args = append(args, f.SaleID)
	}
	if f.LotID != "" {
		where = append(where, "lot_id = ?")
		args = append(args, f.LotID)
	}
	if !f.IncludeReversed {
		where = append(where, "reversed = ?")
		args = append(args, false)
	}
	rows, err := t.query(ctx, `
		SELECT id, sale_id, lot_id, quantity, cost, created_at, reversed
		FROM allocations`+whereClause(where)+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var out []fifo.Allocation
	for rows.Next() {
		var (
			a                  fifo.Allocation
			qty, cost, created string
		)
		if err := rows.Scan(&a.ID, &a.SaleID, &a.LotID, &qty, &cost, &created, &a.Reversed); err != nil {
			return nil, err
		}
		if a.Quantity, err = amount(qty, money.Foreign); err != nil {
			return nil, err
		}
		if a.Cost, err = amount(cost, money.Home); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *txStore) MarkAllocationsReversed(ctx context.Context, saleID fifo.SaleID) error {
	_, err := t.exec(ctx, `UPDATE allocations SET reversed = ? WHERE sale_id = ?`, true, saleID)
	return err
}

// =============================================================================
// ACCOUNTS + LEDGER ENTRIES
// =============================================================================

const accountColumns = `id, name, holder, currency, balance, active`

func scanAccount(row scanner) (fifo.Account, error) {
	var (
		a                 fifo.Account
		currency, balance string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Holder, &currency, &balance, &a.Active); err != nil {
		return fifo.Account{}, err
	}
	a.Currency = money.Currency(currency)
	var err error
	if a.Balance, err = amount(balance, a.Currency); err != nil {
		return fifo.Account{}, err
	}
	return a, nil
}

func (t *txStore) InsertAccount(ctx context.Context, a fifo.Account) error {
	_, err := t.exec(ctx, `INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Holder, string(a.Currency), a.Balance.Value.String(), a.Active)
	if err != nil {
		return insertErr("account", a.ID, err)
	}
	return nil
}

func (t *txStore) GetAccount(ctx context.Context, id fifo.AccountID) (fifo.Account, error) {
	row := t.queryRow(ctx, t.forUpdate(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id)
	a, err := scanAccount(row)
	if err != nil {
		return fifo.Account{}, notFound("account", id, fifo.ErrAccountNotFound, err)
	}
	return a, nil
}

func (t *txStore) UpdateAccount(ctx context.Context, a fifo.Account) error {
	res, err := t.exec(ctx, `UPDATE accounts SET name = ?, holder = ?, balance = ?, active = ? WHERE id = ?`,
		a.Name, a.Holder, a.Balance.Value.String(), a.Active, a.ID)
	return mustAffect(res, err, fmt.Errorf("account %s: %w", a.ID, fifo.ErrAccountNotFound))
}

func (t *txStore) ListAccounts(ctx context.Context) ([]fifo.Account, error) {
	rows, err := t.query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []fifo.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const entryColumns = `seq, id, kind, account_id, amount, currency, description, at, actor, ref_type, ref_id, reverses_id`

func scanEntry(row scanner) (fifo.LedgerEntry, error) {
	var (
		e                     fifo.LedgerEntry
		kind, value, currency string
		at, refType, refID    string
		reversesID            sql.NullString
	)
	err := row.Scan(&e.Seq, &e.ID, &kind, &e.AccountID, &value, &currency, &e.Description, &at,
		&e.Actor, &refType, &refID, &reversesID)
	if err != nil {
		return fifo.LedgerEntry{}, err
	}
	e.Kind = fifo.EntryKind(kind)
	e.Ref = fifo.Ref{Type: fifo.RefType(refType), ID: refID}
	e.ReversesID = fifo.EntryID(reversesID.String)
	if e.Amount, err = amount(value, money.Currency(currency)); err != nil {
		return fifo.LedgerEntry{}, err
	}
	if e.At, err = parseTime(at); err != nil {
		return fifo.LedgerEntry{}, err
	}
	return e, nil
}

func (t *txStore) InsertEntry(ctx context.Context, e fifo.LedgerEntry) (fifo.LedgerEntry, error) {
	seq, err := t.insertSeq(ctx, `
		INSERT INTO ledger_entries (id, kind, account_id, amount, currency, description, at, actor, ref_type, ref_id, reverses_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.AccountID, e.Amount.Value.String(), string(e.Amount.Currency),
		e.Description, formatTime(e.At), e.Actor, string(e.Ref.Type), e.Ref.ID, nullString(string(e.ReversesID)),
	)
	if err != nil {
		return fifo.LedgerEntry{}, insertErr("ledger entry", e.ID, err)
	}
	e.Seq = seq
	return e, nil
}

func (t *txStore) GetEntry(ctx context.Context, id fifo.EntryID) (fifo.LedgerEntry, error) {
	row := t.queryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err != nil {
		return fifo.LedgerEntry{}, notFound("ledger entry", id, fifo.ErrEntryNotFound, err)
	}
	return e, nil
}

func (t *txStore) ListEntries(ctx context.Context, f fifo.EntryFilter) ([]fifo.LedgerEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.Ref != nil {
		where = append(where, "ref_type = ? AND ref_id = ?")
		args = append(args, string(f.Ref.Type), f.Ref.ID)
	}
	if f.ReversesID != "" {
		where = append(where, "reverses_id = ?")
		args = append(args, f.ReversesID)
	}
	rows, err := t.query(ctx, `SELECT `+entryColumns+` FROM ledger_entries`+whereClause(where)+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []fifo.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// CUSTOMERS + SETTLEMENTS
// =============================================================================

func scanCustomer(row scanner) (fifo.Customer, error) {
	var (
		c          fifo.Customer
		receivable string
	)
	if err := row.Scan(&c.ID, &c.Name, &receivable, &c.Active); err != nil {
		return fifo.Customer{}, err
	}
	var err error
	if c.Receivable, err = amount(receivable, money.Home); err != nil {
		return fifo.Customer{}, err
	}
	return c, nil
}

func (t *txStore) InsertCustomer(ctx context.Context, c fifo.Customer) error {
	_, err := t.exec(ctx, `INSERT INTO customers (id, name, receivable, active) VALUES (?, ?, ?, ?)`,
		c.ID, c.Name, c.Receivable.Value.String(), c.Active)
	if err != nil {
		return insertErr("customer", c.ID, err)
	}
	return nil
}

func (t *txStore) GetCustomer(ctx context.Context, id fifo.CustomerID) (fifo.Customer, error) {
	row := t.queryRow(ctx, t.forUpdate(`SELECT id, name, receivable, active FROM customers WHERE id = ?`), id)
	c, err := scanCustomer(row)
	if err != nil {
		return fifo.Customer{}, notFound("customer", id, fifo.ErrCustomerNotFound, err)
	}
	return c, nil
}

func (t *txStore) UpdateCustomer(ctx context.Context, c fifo.Customer) error {
	res, err := t.exec(ctx, `UPDATE customers SET name = ?, receivable = ?, active = ? WHERE id = ?`,
		c.Name, c.Receivable.Value.String(), c.Active, c.ID)
	return mustAffect(res, err, fmt.Errorf("customer %s: %w", c.ID, fifo.ErrCustomerNotFound))
}

func (t *txStore) ListCustomers(ctx context.Context) ([]fifo.Customer, error) {
	rows, err := t.query(ctx, `SELECT id, name, receivable, active FROM customers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query customers: %w", err)
	}
	defer rows.Close()

	var out []fifo.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const settlementColumns = `id, customer_id, account_id, amount, at, entry_id, actor, reversed`

func scanSettlement(row scanner) (fifo.Settlement, error) {
	var (
		s         fifo.Settlement
		value, at string
	)
	err := row.Scan(&s.ID, &s.CustomerID, &s.AccountID, &value, &at, &s.EntryID, &s.Actor, &s.Reversed)
	if err != nil {
		return fifo.Settlement{}, err
	}
	if s.Amount, err = amount(value, money.Home); err != nil {
		return fifo.Settlement{}, err
	}
	if s.At, err = parseTime(at); err != nil {
		return fifo.Settlement{}, err
	}
	return s, nil
}

func (t *txStore) InsertSettlement(ctx context.Context, s fifo.Settlement) error {
	_, err := t.exec(ctx, `INSERT INTO settlements (`+settlementColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.CustomerID, s.AccountID, s.Amount.Value.String(), formatTime(s.At), s.EntryID, s.Actor, s.Reversed)
	if err != nil {
		return insertErr("settlement", s.ID, err)
	}
	return nil
}

func (t *txStore) GetSettlement(ctx context.Context, id fifo.SettlementID) (fifo.Settlement, error) {
	row := t.queryRow(ctx, t.forUpdate(`SELECT `+settlementColumns+` FROM settlements WHERE id = ?`), id)
	s, err := scanSettlement(row)
	if err != nil {
		return fifo.Settlement{}, notFound("settlement", id, fifo.ErrSettlementNotFound, err)
	}
	return s, nil
}

func (t *txStore) UpdateSettlement(ctx context.Context, s fifo.Settlement) error {
	res, err := t.exec(ctx, `UPDATE settlements SET reversed = ? WHERE id = ?`, s.Reversed, s.ID)
	return mustAffect(res, err, fmt.Errorf("settlement %s: %w", s.ID, fifo.ErrSettlementNotFound))
}

func (t *txStore) ListSettlements(ctx context.Context, f fifo.SettlementFilter) ([]fifo.Settlement, error) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if !f.IncludeReversed {
		where = append(where, "reversed = ?")
		args = append(args, false)
	}
	rows, err := t.query(ctx, `SELECT `+settlementColumns+` FROM settlements`+whereClause(where)+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	defer rows.Close()

	var out []fifo.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *txStore) InsertApplication(ctx context.Context, a fifo.SettlementApplication) error {
	_, err := t.exec(ctx, `INSERT INTO settlement_applications (settlement_id, sale_id, amount) VALUES (?, ?, ?)`,
		a.SettlementID, a.SaleID, a.Amount.Value.String())
	if err != nil {
		return fmt.Errorf("failed to insert settlement application: %w", err)
	}
	return nil
}

func (t *txStore) ListApplications(ctx context.Context, f fifo.ApplicationFilter) ([]fifo.SettlementApplication, error) {
	var (
		where []string
		args  []any
	)
	if f.SettlementID != "" {
		where = append(where, "settlement_id = ?")
		args = append(args, f.SettlementID)
	}
	if f.SaleID != "" {
		where = append(where, "sale_id = ?")
		args = append(args, f.SaleID)
	}
	rows, err := t.query(ctx, `
		SELECT settlement_id, sale_id, amount
		FROM settlement_applications`+whereClause(where)+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlement applications: %w", err)
	}
	defer rows.Close()

	var out []fifo.SettlementApplication
	for rows.Next() {
		var (
			a     fifo.SettlementApplication
			value string
		)
		if err := rows.Scan(&a.SettlementID, &a.SaleID, &value); err != nil {
			return nil, err
		}
		if a.Amount, err = amount(value, money.Home); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *txStore) DeleteApplications(ctx context.Context, id fifo.SettlementID) error {
	_, err := t.exec(ctx, `DELETE FROM settlement_applications WHERE settlement_id = ?`, id)
	return err
}

// =============================================================================
// PROFIT
// =============================================================================

const profitColumns = `seq, id, kind, amount, balance_before, balance_after, sale_id, account_id, entry_id, reverses_id, description, at, actor`

func scanProfitEntry(row scanner) (fifo.ProfitEntry, error) {
	var (
		e                   fifo.ProfitEntry
		kind, value, before string
		after, at           string
		reversesID          sql.NullString
	)
	err := row.Scan(&e.Seq, &e.ID, &kind, &value, &before, &after, &e.SaleID, &e.AccountID, &e.EntryID,
		&reversesID, &e.Description, &at, &e.Actor)
	if err != nil {
		return fifo.ProfitEntry{}, err
	}
	e.Kind = fifo.ProfitKind(kind)
	e.ReversesID = fifo.ProfitEntryID(reversesID.String)
	if e.Amount, err = amount(value, money.Home); err != nil {
		return fifo.ProfitEntry{}, err
	}
	if e.BalanceBefore, err = amount(before, money.Home); err != nil {
		return fifo.ProfitEntry{}, err
	}
	if e.BalanceAfter, err = amount(after, money.Home); err != nil {
		return fifo.ProfitEntry{}, err
	}
	if e.At, err = parseTime(at); err != nil {
		return fifo.ProfitEntry{}, err
	}
	return e, nil
}

func (t *txStore) InsertProfitEntry(ctx context.Context, e fifo.ProfitEntry) (fifo.ProfitEntry, error) {
	seq, err := t.insertSeq(ctx, `
		INSERT INTO profit_entries (id, kind, amount, balance_before, balance_after, sale_id, account_id, entry_id, reverses_id, description, at, actor)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.Amount.Value.String(), e.BalanceBefore.Value.String(), e.BalanceAfter.Value.String(),
		e.SaleID, e.AccountID, e.EntryID, nullString(string(e.ReversesID)), e.Description, formatTime(e.At), e.Actor,
	)
	if err != nil {
		return fifo.ProfitEntry{}, insertErr("profit entry", e.ID, err)
	}
	e.Seq = seq
	return e, nil
}

func (t *txStore) GetProfitEntry(ctx context.Context, id fifo.ProfitEntryID) (fifo.ProfitEntry, error) {
	row := t.queryRow(ctx, `SELECT `+profitColumns+` FROM profit_entries WHERE id = ?`, id)
	e, err := scanProfitEntry(row)
	if err != nil {
		return fifo.ProfitEntry{}, notFound("profit entry", id, fifo.ErrProfitEntryNotFound, err)
	}
	return e, nil
}

func (t *txStore) ListProfitEntries(ctx context.Context, f fifo.ProfitFilter) ([]fifo.ProfitEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.SaleID != "" {
		where = append(where, "sale_id = ?")
		args = append(args, f.SaleID)
	}
	if f.ReversesID != "" {
		where = append(where, "reverses_id = ?")
		args = append(args, f.ReversesID)
	}
	rows, err := t.query(ctx, `SELECT `+profitColumns+` FROM profit_entries`+whereClause(where)+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query profit entries: %w", err)
	}
	defer rows.Close()

	var out []fifo.ProfitEntry
	for rows.Next() {
		e, err := scanProfitEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ fifo.Tx = (*txStore)(nil)
