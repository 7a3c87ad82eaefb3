package risk

import (
	"sync/atomic"

	"github.com/JonasMelin/tradingpalavanza/internal/metrics"
)

// Control holds operator overrides. Setters are safe to call from the control
// surface while the scheduling loop reads the flags.
type Control struct {
	purchasesBlocked    atomic.Bool
	transactionsBlocked atomic.Bool
	killed              atomic.Bool
}

// ControlStatus is a point-in-time view of the flags.
type ControlStatus struct {
	PurchasesBlocked    bool `json:"purchasesBlocked"`
	TransactionsBlocked bool `json:"transactionsBlocked"`
	Killed              bool `json:"killed"`
}

// BlockPurchases refuses all future buys until Unblock.
func (c *Control) BlockPurchases() {
	c.purchasesBlocked.Store(true)
	metrics.ControlBlocked.WithLabelValues("purchases").Set(1)
}

// BlockTransactions refuses buys and sells until Unblock.
func (c *Control) BlockTransactions() {
	c.transactionsBlocked.Store(true)
	metrics.ControlBlocked.WithLabelValues("transactions").Set(1)
}

// Unblock clears both block flags. Kill is permanent.
func (c *Control) Unblock() {
	c.purchasesBlocked.Store(false)
	c.transactionsBlocked.Store(false)
	metrics.ControlBlocked.WithLabelValues("purchases").Set(0)
	metrics.ControlBlocked.WithLabelValues("transactions").Set(0)
}

// Kill asks the scheduling loop to stop at its next check.
func (c *Control) Kill() { c.killed.Store(true) }

// PurchasesAllowed reports whether buys may be placed.
func (c *Control) PurchasesAllowed() bool {
	return !c.purchasesBlocked.Load() && !c.transactionsBlocked.Load()
}

// TransactionsAllowed reports whether any order may be placed.
func (c *Control) TransactionsAllowed() bool { return !c.transactionsBlocked.Load() }

// Killed reports whether a kill was requested.
func (c *Control) Killed() bool { return c.killed.Load() }

// Status returns the current flags.
func (c *Control) Status() ControlStatus {
	return ControlStatus{
		PurchasesBlocked:    c.purchasesBlocked.Load(),
		TransactionsBlocked: c.transactionsBlocked.Load(),
		Killed:              c.killed.Load(),
	}
}
