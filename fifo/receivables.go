/*
receivables.go - Customer receivables and settlement application

PURPOSE:
  Tracks what each customer owes. A sale raises the receivable by its
  proceeds; a settlement (customer payment into a home-currency account)
  lowers it. Customer.Receivable is maintained incrementally in the same
  transaction and is always reconcilable against:

    receivable == sum(proceeds of non-reversed sales) - sum(non-reversed settlements)

SETTLEMENT APPLICATION (FIFO):
  Settlement money is applied to the customer's oldest allocated sales
  first. A sale whose applied total reaches its proceeds moves to "settled".
  Money not yet needed stays on the settlement as customer credit and is
  applied to the next sale recorded for that customer.

SEE ALSO:
  - reversal.go: unwinds settlements when a settled sale is reversed
*/
package fifo

import (
	"context"
	"fmt"

	"github.com/warp/fxledger/money"
)

type Receivables struct {
	tx Tx
}

func NewReceivables(tx Tx) *Receivables { return &Receivables{tx: tx} }

func (r *Receivables) adjust(ctx context.Context, id CustomerID, delta money.Amount) error {
	c, err := r.tx.GetCustomer(ctx, id)
	if err != nil {
		return err
	}
	c.Receivable = c.Receivable.Add(delta)
	return r.tx.UpdateCustomer(ctx, c)
}

// RecordSale raises the customer's receivable and applies any open credit.
func (r *Receivables) RecordSale(ctx context.Context, sale Sale) error {
	if err := r.adjust(ctx, sale.CustomerID, sale.Proceeds); err != nil {
		return err
	}
	return r.Apply(ctx, sale.CustomerID)
}

// RecordSettlement lowers the receivable and applies the payment.
func (r *Receivables) RecordSettlement(ctx context.Context, s Settlement) error {
	if err := r.tx.InsertSettlement(ctx, s); err != nil {
		return err
	}
	if err := r.adjust(ctx, s.CustomerID, s.Amount.Neg()); err != nil {
		return err
	}
	return r.Apply(ctx, s.CustomerID)
}

// ReverseSale removes a sale's proceeds from the receivable.
// The sale must have no settlement applications left.
func (r *Receivables) ReverseSale(ctx context.Context, sale Sale) error {
	apps, err := r.tx.ListApplications(ctx, ApplicationFilter{SaleID: sale.ID})
	if err != nil {
		return err
	}
	if len(apps) > 0 {
		return fmt.Errorf("sale %s still has %d settlement applications: %w", sale.ID, len(apps), ErrInvalidState)
	}
	return r.adjust(ctx, sale.CustomerID, sale.Proceeds.Neg())
}

// ReverseSettlement detaches a settlement from every sale it paid, returns
// those sales to allocated and restores the receivable. It does not touch
// the ledger; the caller compensates the settlement entry.
func (r *Receivables) ReverseSettlement(ctx context.Context, s Settlement) error {
	apps, err := r.tx.ListApplications(ctx, ApplicationFilter{SettlementID: s.ID})
	if err != nil {
		return err
	}
	if err := r.tx.DeleteApplications(ctx, s.ID); err != nil {
		return err
	}
	for _, a := range apps {
		sale, err := r.tx.GetSale(ctx, a.SaleID)
		if err != nil {
			return err
		}
		if sale.Status == SaleSettled {
			sale.Status = SaleAllocated
			if err := r.tx.UpdateSale(ctx, sale); err != nil {
				return err
			}
		}
	}
	s.Reversed = true
	if err := r.tx.UpdateSettlement(ctx, s); err != nil {
		return err
	}
	return r.adjust(ctx, s.CustomerID, s.Amount)
}

// Applied returns how much settlement money has been applied to a sale.
func (r *Receivables) Applied(ctx context.Context, id SaleID) (money.Amount, error) {
	apps, err := r.tx.ListApplications(ctx, ApplicationFilter{SaleID: id})
	if err != nil {
		return money.Amount{}, err
	}
	total := money.Zero(money.Home)
	for _, a := range apps {
		total = total.Add(a.Amount)
	}
	return total, nil
}

// Apply matches unapplied settlement money against outstanding allocated
// sales of the customer, oldest first on both sides.
func (r *Receivables) Apply(ctx context.Context, id CustomerID) error {
	settlements, err := r.tx.ListSettlements(ctx, SettlementFilter{CustomerID: id})
	if err != nil {
		return err
	}
	if len(settlements) == 0 {
		return nil
	}
	sales, err := r.tx.ListSales(ctx, SaleFilter{CustomerID: id, Statuses: []SaleStatus{SaleAllocated}})
	if err != nil {
		return err
	}
	if len(sales) == 0 {
		return nil
	}

	credit := make([]money.Amount, len(settlements))
	for i, s := range settlements {
		apps, err := r.tx.ListApplications(ctx, ApplicationFilter{SettlementID: s.ID})
		if err != nil {
			return err
		}
		credit[i] = s.Amount
		for _, a := range apps {
			credit[i] = credit[i].Sub(a.Amount)
		}
	}

	i := 0
	for _, sale := range sales {
		applied, err := r.Applied(ctx, sale.ID)
		if err != nil {
			return err
		}
		outstanding := sale.Proceeds.Sub(applied)
		for outstanding.IsPositive() && i < len(settlements) {
			if !credit[i].IsPositive() {
				i++
				continue
			}
			take := outstanding.Min(credit[i])
			err := r.tx.InsertApplication(ctx, SettlementApplication{
				SettlementID: settlements[i].ID,
				SaleID:       sale.ID,
				Amount:       take,
			})
			if err != nil {
				return err
			}
			credit[i] = credit[i].Sub(take)
			outstanding = outstanding.Sub(take)
		}
		if !outstanding.IsPositive() {
			sale.Status = SaleSettled
			if err := r.tx.UpdateSale(ctx, sale); err != nil {
				return err
			}
		}
		if i >= len(settlements) {
			break
		}
	}
	return nil
}

// unwindable returns the settlements that must be reversed together with a
// sale. Every settlement touching the sale must have been applied to this
// sale alone and in full; anything else would require guessing how to
// re-split a payment, so it is reported as a conflict.
func (r *Receivables) unwindable(ctx context.Context, sale Sale) ([]Settlement, error) {
	apps, err := r.tx.ListApplications(ctx, ApplicationFilter{SaleID: sale.ID})
	if err != nil || len(apps) == 0 {
		return nil, err
	}

	var (
		out  []Settlement
		seen = map[SettlementID]bool{}
	)
	for _, a := range apps {
		if seen[a.SettlementID] {
			continue
		}
		seen[a.SettlementID] = true

		s, err := r.tx.GetSettlement(ctx, a.SettlementID)
		if err != nil {
			return nil, err
		}
		all, err := r.tx.ListApplications(ctx, ApplicationFilter{SettlementID: s.ID})
		if err != nil {
			return nil, err
		}
		applied := money.Zero(money.Home)
		for _, x := range all {
			if x.SaleID != sale.ID {
				return nil, &SettlementConflictError{
					SaleID: sale.ID, Settlements: []SettlementID{s.ID},
					Reason: fmt.Sprintf("settlement also paid sale %s", x.SaleID),
				}
			}
			applied = applied.Add(x.Amount)
		}
		if !applied.Equal(s.Amount) {
			return nil, &SettlementConflictError{
				SaleID: sale.ID, Settlements: []SettlementID{s.ID},
				Reason: fmt.Sprintf("settlement %s carries %s of unapplied credit", s.Amount.Round(), s.Amount.Sub(applied).Round()),
			}
		}
		out = append(out, s)
	}
	return out, nil
}
