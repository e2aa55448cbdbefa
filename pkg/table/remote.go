package table

import (
	"context"
	"fmt"
	"slices"

	"github.com/aoserv/aoserv-client/pkg/protocol"
)

// RemoteTable gives the CachedTable read API over a table that is never
// cached client-side. Every call is a round trip to the master.
type RemoteTable[K comparable, R Row[K]] struct {
	exec    Executor
	newRow  func() R
	compare func(a, b R) int
	name    string
	id      protocol.TableID
}

// NewRemote creates a RemoteTable.
func NewRemote[K comparable, R Row[K]](spec Spec[K, R]) *RemoteTable[K, R] {
	t := &RemoteTable[K, R]{
		exec:   spec.Exec,
		newRow: spec.NewRow,
		name:   spec.Name,
		id:     spec.ID,
	}
	if len(spec.OrderBy) > 0 {
		t.compare = compareRows(slices.Clone(spec.OrderBy))
	}
	return t
}

// ID returns the table id.
func (t *RemoteTable[K, R]) ID() protocol.TableID { return t.id }

// Name returns the table name.
func (t *RemoteTable[K, R]) Name() string { return t.name }

// ClearCache is a no-op; it lets the Registry fire listeners for remote tables.
func (t *RemoteTable[K, R]) ClearCache() {}

// Get fetches one row by primary key.
func (t *RemoteTable[K, R]) Get(ctx context.Context, key K) (R, bool, error) {
	var zero R
	resp, err := t.exec.Execute(ctx, &protocol.Command{
		Type:  protocol.CmdGetObject,
		Table: t.id,
		Key:   KeyString(key),
	})
	if err != nil {
		return zero, false, err
	}
	if err := expect(resp, protocol.RespRows); err != nil {
		return zero, false, err
	}
	switch len(resp.Rows) {
	case 0:
		return zero, false, nil
	case 1:
		row := t.newRow()
		if err := protocol.Decode(resp.Rows[0], row); err != nil {
			return zero, false, fmt.Errorf("%s: %w", t.name, err)
		}
		return row, true, nil
	default:
		return zero, false, fmt.Errorf("%s: %w: %d rows for key %v", t.name, ErrDuplicateKey, len(resp.Rows), key)
	}
}

// Rows fetches every row.
func (t *RemoteTable[K, R]) Rows(ctx context.Context) ([]R, error) {
	resp, err := t.exec.Execute(ctx, &protocol.Command{Type: protocol.CmdGetTable, Table: t.id})
	if err != nil {
		return nil, err
	}
	if err := expect(resp, protocol.RespRows); err != nil {
		return nil, err
	}
	rows, err := decodeRows[K](resp.Rows, t.newRow)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.name, err)
	}
	if t.compare != nil {
		slices.SortStableFunc(rows, t.compare)
	}
	return rows, nil
}

// Filter fetches every row and keeps those matching col = value.
func (t *RemoteTable[K, R]) Filter(ctx context.Context, col Column[R], value any) ([]R, error) {
	rows, err := t.Rows(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(rows, func(r R) bool { return col.Value(r) != value }), nil
}

// Count asks the master for the row count.
func (t *RemoteTable[K, R]) Count(ctx context.Context) (int, error) {
	return rowCount(ctx, t.exec, t.id)
}

// Add inserts row on the master.
func (t *RemoteTable[K, R]) Add(ctx context.Context, row R) error {
	return put[K, R](ctx, t.exec, protocol.CmdAdd, t.id, row)
}

// Update replaces row on the master.
func (t *RemoteTable[K, R]) Update(ctx context.Context, row R) error {
	return put[K, R](ctx, t.exec, protocol.CmdUpdate, t.id, row)
}

// Remove deletes the row with the given key on the master.
func (t *RemoteTable[K, R]) Remove(ctx context.Context, key K) (bool, error) {
	return remove(ctx, t.exec, t.id, KeyString(key))
}
