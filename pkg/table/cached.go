package table

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/aoserv/aoserv-client/internal/logging"
	"github.com/aoserv/aoserv-client/internal/metrics"
	"github.com/aoserv/aoserv-client/pkg/protocol"
)

const fetchKey = "rows"

// Spec describes one table binding.
type Spec[K comparable, R Row[K]] struct {
	Exec    Executor     // Connector that sends commands
	NewRow  func() R     // Allocates an empty row for decoding
	Name    string       // Table name, used in logs and metrics
	OrderBy []OrderBy[R] // Default sort order; rows keep master order when empty
	ID      protocol.TableID
}

// snapshot is one fetched copy of a table. It is never mutated after
// construction except for lazily added indexes.
type snapshot[K comparable, R any] struct {
	byKey   map[K]R
	indexes map[string]map[any][]R
	rows    []R
	mu      sync.Mutex // guards indexes
}

func (s *snapshot[K, R]) index(col Column[R]) (map[any][]R, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.indexes[col.Name]; ok {
		return idx, nil
	}

	idx := make(map[any][]R)
	for _, row := range s.rows {
		v := col.Value(row)
		if col.Unique && len(idx[v]) > 0 {
			return nil, fmt.Errorf("%w: %s=%v", ErrDuplicateKey, col.Name, v)
		}
		idx[v] = append(idx[v], row)
	}
	s.indexes[col.Name] = idx
	return idx, nil
}

// CachedTable caches all rows of one master table. It is safe for concurrent
// use; at most one GET_TABLE is in flight per table at any time.
type CachedTable[K comparable, R Row[K]] struct {
	exec    Executor
	newRow  func() R
	compare func(a, b R) int
	snap    *snapshot[K, R]
	log     zerolog.Logger
	name    string
	group   singleflight.Group
	// generation is bumped by every ClearCache; a fetch only stores its
	// result if the generation did not move while it ran.
	generation uint64
	mu         sync.RWMutex
	id         protocol.TableID
}

// NewCached creates a CachedTable. The table starts empty and loads on first access.
func NewCached[K comparable, R Row[K]](spec Spec[K, R]) *CachedTable[K, R] {
	t := &CachedTable[K, R]{
		exec:   spec.Exec,
		newRow: spec.NewRow,
		name:   spec.Name,
		id:     spec.ID,
		log:    logging.Component("table").With().Str("table", spec.Name).Logger(),
	}
	if len(spec.OrderBy) > 0 {
		t.compare = compareRows(slices.Clone(spec.OrderBy))
	}
	return t
}

// ID returns the table id.
func (t *CachedTable[K, R]) ID() protocol.TableID { return t.id }

// Name returns the table name.
func (t *CachedTable[K, R]) Name() string { return t.name }

// IsLoaded reports whether the cache currently holds a valid copy.
func (t *CachedTable[K, R]) IsLoaded() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap != nil
}

// ClearCache drops the cached rows and indexes. A fetch already in flight
// still answers its own waiters but is not stored; callers arriving after
// ClearCache start a new fetch.
func (t *CachedTable[K, R]) ClearCache() {
	t.mu.Lock()
	t.generation++
	t.snap = nil
	t.mu.Unlock()

	t.group.Forget(fetchKey)
	metrics.TableRows.WithLabelValues(t.name).Set(0)
}

// Get returns the row with the given primary key.
func (t *CachedTable[K, R]) Get(ctx context.Context, key K) (R, bool, error) {
	var zero R
	s, err := t.load(ctx)
	if err != nil {
		return zero, false, err
	}
	row, ok := s.byKey[key]
	return row, ok, nil
}

// Rows returns every row in the table's default order. The slice is a copy;
// the rows themselves are shared and must not be modified.
func (t *CachedTable[K, R]) Rows(ctx context.Context) ([]R, error) {
	s, err := t.load(ctx)
	if err != nil {
		return nil, err
	}
	return slices.Clone(s.rows), nil
}

// IndexedRows returns the rows whose column value equals value, in the
// table's default order.
func (t *CachedTable[K, R]) IndexedRows(ctx context.Context, col Column[R], value any) ([]R, error) {
	s, err := t.load(ctx)
	if err != nil {
		return nil, err
	}
	idx, err := s.index(col)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.name, err)
	}
	return slices.Clone(idx[value]), nil
}

// UniqueRow returns the single row whose unique column equals value.
func (t *CachedTable[K, R]) UniqueRow(ctx context.Context, col Column[R], value any) (R, bool, error) {
	var zero R
	if !col.Unique {
		return zero, false, fmt.Errorf("%s: column %s is not unique", t.name, col.Name)
	}
	s, err := t.load(ctx)
	if err != nil {
		return zero, false, err
	}
	idx, err := s.index(col)
	if err != nil {
		return zero, false, fmt.Errorf("%s: %w", t.name, err)
	}
	rows := idx[value]
	if len(rows) == 0 {
		return zero, false, nil
	}
	return rows[0], true, nil
}

// Count returns the number of rows. A valid cache answers locally; otherwise
// the master is asked for its row count without transferring the rows.
func (t *CachedTable[K, R]) Count(ctx context.Context) (int, error) {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	if s != nil {
		return len(s.rows), nil
	}
	return rowCount(ctx, t.exec, t.id)
}

// CachedRowCount returns the number of rows held locally, or 0 when the
// cache is invalid. It never contacts the master.
func (t *CachedTable[K, R]) CachedRowCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.snap == nil {
		return 0
	}
	return len(t.snap.rows)
}

// Add inserts row on the master.
func (t *CachedTable[K, R]) Add(ctx context.Context, row R) error {
	return put[K, R](ctx, t.exec, protocol.CmdAdd, t.id, row)
}

// Update replaces row on the master.
func (t *CachedTable[K, R]) Update(ctx context.Context, row R) error {
	return put[K, R](ctx, t.exec, protocol.CmdUpdate, t.id, row)
}

// Remove deletes the row with the given key on the master and reports
// whether it existed.
func (t *CachedTable[K, R]) Remove(ctx context.Context, key K) (bool, error) {
	return remove(ctx, t.exec, t.id, KeyString(key))
}

func (t *CachedTable[K, R]) load(ctx context.Context) (*snapshot[K, R], error) {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	if s != nil {
		metrics.TableCacheHits.WithLabelValues(t.name).Inc()
		return s, nil
	}
	metrics.TableCacheMisses.WithLabelValues(t.name).Inc()

	// The shared fetch outlives any single waiter's cancellation.
	fetchCtx := context.WithoutCancel(ctx)
	ch := t.group.DoChan(fetchKey, func() (any, error) {
		return t.fetch(fetchCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*snapshot[K, R]), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *CachedTable[K, R]) fetch(ctx context.Context) (*snapshot[K, R], error) {
	t.mu.RLock()
	gen := t.generation
	t.mu.RUnlock()

	start := time.Now()
	s, err := t.fetchSnapshot(ctx)
	metrics.TableRefreshDuration.WithLabelValues(t.name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TableRefreshes.WithLabelValues(t.name, "error").Inc()
		return nil, fmt.Errorf("refresh %s: %w", t.name, err)
	}

	t.mu.Lock()
	stored := t.generation == gen
	if stored {
		t.snap = s
	}
	t.mu.Unlock()

	if stored {
		metrics.TableRefreshes.WithLabelValues(t.name, "stored").Inc()
		metrics.TableRows.WithLabelValues(t.name).Set(float64(len(s.rows)))
	} else {
		metrics.TableRefreshes.WithLabelValues(t.name, "stale").Inc()
	}

	log := logging.Ctx(ctx, t.log)
	log.Debug().
		Int("rows", len(s.rows)).
		Bool("stored", stored).
		Dur("took", time.Since(start)).
		Msg("table refreshed")
	return s, nil
}

func (t *CachedTable[K, R]) fetchSnapshot(ctx context.Context) (*snapshot[K, R], error) {
	resp, err := t.exec.Execute(ctx, &protocol.Command{Type: protocol.CmdGetTable, Table: t.id})
	if err != nil {
		return nil, err
	}
	if err := expect(resp, protocol.RespRows); err != nil {
		return nil, err
	}

	rows, err := decodeRows[K](resp.Rows, t.newRow)
	if err != nil {
		return nil, err
	}
	if t.compare != nil {
		slices.SortStableFunc(rows, t.compare)
	}

	byKey := make(map[K]R, len(rows))
	for _, row := range rows {
		k := row.Key()
		if _, dup := byKey[k]; dup {
			return nil, fmt.Errorf("%w: primary key %v", ErrDuplicateKey, k)
		}
		byKey[k] = row
	}

	return &snapshot[K, R]{
		rows:    rows,
		byKey:   byKey,
		indexes: make(map[string]map[any][]R),
	}, nil
}

func rowCount(ctx context.Context, exec Executor, id protocol.TableID) (int, error) {
	resp, err := exec.Execute(ctx, &protocol.Command{Type: protocol.CmdGetRowCount, Table: id})
	if err != nil {
		return 0, err
	}
	if err := expect(resp, protocol.RespInt); err != nil {
		return 0, err
	}
	return int(resp.Int), nil
}

func put[K comparable, R Row[K]](ctx context.Context, exec Executor, cmdType protocol.CommandType, id protocol.TableID, row R) error {
	resp, err := exec.Execute(ctx, &protocol.Command{
		Type:    cmdType,
		Table:   id,
		Key:     KeyString(row.Key()),
		Payload: protocol.Encode(row),
	})
	if err != nil {
		return err
	}
	return expect(resp, protocol.RespOK)
}

func remove(ctx context.Context, exec Executor, id protocol.TableID, key string) (bool, error) {
	resp, err := exec.Execute(ctx, &protocol.Command{Type: protocol.CmdRemove, Table: id, Key: key})
	if err != nil {
		return false, err
	}
	if err := expect(resp, protocol.RespInt); err != nil {
		return false, err
	}
	return resp.Int > 0, nil
}
