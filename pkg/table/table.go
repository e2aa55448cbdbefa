// Package table implements the client-side row cache for master tables.
//
// A CachedTable holds every row of one table, keyed by primary key. The rows
// are fetched once with a single GET_TABLE command and kept until the table
// is invalidated, either by the invalidate list returned with a command
// response or by a push on the cache listener connection. The next access
// after an invalidation refreshes the whole table.
//
// Secondary indexes are built lazily from the cached rows the first time a
// column is queried and are discarded together with the rows.
//
// Example:
//
//	servers := table.NewCached(table.Spec[int64, *Server]{
//		ID:      2,
//		Name:    "servers",
//		Exec:    connector,
//		NewRow:  func() *Server { return &Server{} },
//		OrderBy: []table.OrderBy[*Server]{table.Asc("hostname", (*Server).Hostname)},
//	})
//	registry.Register(servers)
//
//	srv, ok, err := servers.Get(ctx, 42)
//	all, err := servers.Rows(ctx)
//	web, err := servers.IndexedRows(ctx, byBusiness, "AOINDUSTRIES")
//
// Tables that are too large to hold client-side use RemoteTable, which has
// the same read API but asks the master every time.
package table

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	"github.com/aoserv/aoserv-client/pkg/protocol"
)

var (
	// ErrDuplicateKey is returned when a unique column holds the same value
	// in more than one row.
	ErrDuplicateKey = errors.New("duplicate key in unique index")

	// ErrUnknownTable is returned by Registry.Lookup for unregistered ids.
	ErrUnknownTable = errors.New("unknown table")
)

// Executor sends one command to the master and returns its response.
// Implementations apply the response's invalidate list before returning.
type Executor interface {
	Execute(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error)
}

// Row is one decoded table row.
type Row[K comparable] interface {
	protocol.Streamable
	Key() K
}

// Column describes a secondary index over rows of type R.
type Column[R any] struct {
	Value  func(R) any // Index key for a row; must return a comparable value
	Name   string
	Unique bool
}

// OrderBy is one term of a table's default sort order.
type OrderBy[R any] struct {
	Compare    func(a, b R) int
	Column     string
	Descending bool
}

// Asc orders rows by an ordered field, ascending.
func Asc[R any, V cmp.Ordered](column string, get func(R) V) OrderBy[R] {
	return OrderBy[R]{
		Column:  column,
		Compare: func(a, b R) int { return cmp.Compare(get(a), get(b)) },
	}
}

// Desc orders rows by an ordered field, descending.
func Desc[R any, V cmp.Ordered](column string, get func(R) V) OrderBy[R] {
	o := Asc(column, get)
	o.Descending = true
	return o
}

func compareRows[R any](orderBy []OrderBy[R]) func(a, b R) int {
	return func(a, b R) int {
		for _, o := range orderBy {
			c := o.Compare(a, b)
			if o.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	}
}

// KeyString renders a primary key in its wire form.
func KeyString[K comparable](key K) string {
	switch k := any(key).(type) {
	case string:
		return k
	case fmt.Stringer:
		return k.String()
	default:
		return fmt.Sprint(k)
	}
}

// Invalidatable is implemented by every table the Registry manages.
type Invalidatable interface {
	ID() protocol.TableID
	Name() string
	ClearCache()
}

func decodeRows[K comparable, R Row[K]](raw [][]byte, newRow func() R) ([]R, error) {
	rows := make([]R, 0, len(raw))
	for i, data := range raw {
		row := newRow()
		if err := protocol.Decode(data, row); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func expect(resp *protocol.Response, want protocol.ResponseType) error {
	if resp.Type != want {
		return fmt.Errorf("unexpected response type %d, want %d", resp.Type, want)
	}
	return nil
}
