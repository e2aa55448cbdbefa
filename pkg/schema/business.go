package schema

import (
	"context"
	"time"

	"github.com/aoserv/aoserv-client/pkg/protocol"
	"github.com/aoserv/aoserv-client/pkg/table"
)

// Business is one account in the business tree. The root business has no
// parent.
type Business struct {
	Created    time.Time `json:"created"`
	Accounting string    `json:"accounting"`
	Parent     string    `json:"parent,omitempty"`
	Disabled   bool      `json:"disabled"`
}

// Key returns the accounting code, the primary key.
func (b *Business) Key() string { return b.Accounting }

// EncodeRow writes the row in master column order.
func (b *Business) EncodeRow(w *protocol.Writer) {
	w.WriteString(b.Accounting)
	var parent *string
	if b.Parent != "" {
		parent = &b.Parent
	}
	w.WriteNullString(parent)
	w.WriteTime(b.Created)
	w.WriteBool(b.Disabled)
}

// DecodeRow reads a row written by EncodeRow.
func (b *Business) DecodeRow(r *protocol.Reader) error {
	b.Accounting = r.ReadString()
	if parent := r.ReadNullString(); parent != nil {
		b.Parent = *parent
	}
	b.Created = r.ReadTime()
	b.Disabled = r.ReadBool()
	return r.Err()
}

// BusinessParent indexes businesses by parent accounting code.
var BusinessParent = table.Column[*Business]{
	Name:  "parent",
	Value: func(b *Business) any { return b.Parent },
}

// Businesses is the businesses table.
type Businesses struct {
	*table.CachedTable[string, *Business]
}

func newBusinesses(exec table.Executor) *Businesses {
	return &Businesses{table.NewCached(table.Spec[string, *Business]{
		ID:      BusinessesTable,
		Name:    "businesses",
		Exec:    exec,
		NewRow:  func() *Business { return &Business{} },
		OrderBy: []table.OrderBy[*Business]{table.Asc("accounting", (*Business).Key)},
	})}
}

// Children returns the businesses directly below accounting.
func (t *Businesses) Children(ctx context.Context, accounting string) ([]*Business, error) {
	return t.IndexedRows(ctx, BusinessParent, accounting)
}

// Roots returns the businesses without a parent.
func (t *Businesses) Roots(ctx context.Context) ([]*Business, error) {
	return t.IndexedRows(ctx, BusinessParent, "")
}
