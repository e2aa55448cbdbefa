package schema

import (
	"context"
	"time"

	"github.com/aoserv/aoserv-client/pkg/protocol"
	"github.com/aoserv/aoserv-client/pkg/table"
)

// Ticket statuses.
const (
	TicketOpen    = "open"
	TicketClosed  = "closed"
	TicketBounced = "bounced"
)

// Ticket is a support request. Tickets are too numerous to cache, so the
// table is always read from the master.
type Ticket struct {
	Opened     time.Time `json:"opened"`
	Accounting string    `json:"accounting"`
	Summary    string    `json:"summary"`
	Status     string    `json:"status"`
	ID         int64     `json:"id"`
}

// Key returns the ticket id, the primary key.
func (t *Ticket) Key() int64 { return t.ID }

// EncodeRow writes the row in master column order.
func (t *Ticket) EncodeRow(w *protocol.Writer) {
	w.WriteInt(t.ID)
	w.WriteString(t.Accounting)
	w.WriteString(t.Summary)
	w.WriteString(t.Status)
	w.WriteTime(t.Opened)
}

// DecodeRow reads a row written by EncodeRow.
func (t *Ticket) DecodeRow(r *protocol.Reader) error {
	t.ID = r.ReadInt()
	t.Accounting = r.ReadString()
	t.Summary = r.ReadString()
	t.Status = r.ReadString()
	t.Opened = r.ReadTime()
	return r.Err()
}

// TicketAccounting selects tickets by owning business.
var TicketAccounting = table.Column[*Ticket]{
	Name:  "accounting",
	Value: func(t *Ticket) any { return t.Accounting },
}

// Tickets is the tickets table, newest first.
type Tickets struct {
	*table.RemoteTable[int64, *Ticket]
}

func newTickets(exec table.Executor) *Tickets {
	return &Tickets{table.NewRemote(table.Spec[int64, *Ticket]{
		ID:      TicketsTable,
		Name:    "tickets",
		Exec:    exec,
		NewRow:  func() *Ticket { return &Ticket{} },
		OrderBy: []table.OrderBy[*Ticket]{table.Desc("id", (*Ticket).Key)},
	})}
}

// ForBusiness returns the tickets of accounting.
func (t *Tickets) ForBusiness(ctx context.Context, accounting string) ([]*Ticket, error) {
	return t.Filter(ctx, TicketAccounting, accounting)
}
