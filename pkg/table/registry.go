package table

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aoserv/aoserv-client/internal/logging"
	"github.com/aoserv/aoserv-client/internal/metrics"
	"github.com/aoserv/aoserv-client/pkg/protocol"
)

// Registry maps table ids to the tables of one connector and applies
// invalidate lists to them.
//
// Listeners registered on a table are called asynchronously after the table
// is invalidated. Invalidations arriving while a listener waits out its
// delay are coalesced into a single call.
type Registry struct {
	tables    map[protocol.TableID]Invalidatable
	listeners map[protocol.TableID][]*listener
	log       zerolog.Logger
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
}

type listener struct {
	fn     func(protocol.TableID)
	signal chan struct{}
	done   chan struct{}
	stop   sync.Once
	delay  time.Duration
	id     protocol.TableID
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tables:    make(map[protocol.TableID]Invalidatable),
		listeners: make(map[protocol.TableID][]*listener),
		log:       logging.Component("registry"),
	}
}

// Register adds t. Registering two tables with the same id is an error.
func (r *Registry) Register(t Invalidatable) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.ID() == 0 {
		return fmt.Errorf("table %s: id must be non-zero", t.Name())
	}
	if existing, ok := r.tables[t.ID()]; ok {
		return fmt.Errorf("table id %d already registered as %s", t.ID(), existing.Name())
	}
	r.tables[t.ID()] = t
	return nil
}

// Lookup returns the table registered under id.
func (r *Registry) Lookup(id protocol.TableID) (Invalidatable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTable, id)
	}
	return t, nil
}

// Tables returns every registered table ordered by id.
func (r *Registry) Tables() []Invalidatable {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Invalidatable, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Invalidatable) int { return int(a.ID()) - int(b.ID()) })
	return out
}

// Invalidate clears every listed table and notifies its listeners. Ids with
// no registered table are ignored; the master may know tables this client
// does not bind.
func (r *Registry) Invalidate(ids []protocol.TableID, source string) {
	if len(ids) == 0 {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range ids {
		t, ok := r.tables[id]
		if !ok {
			r.log.Debug().Uint16("table_id", uint16(id)).Str("source", source).Msg("invalidation for unbound table")
			continue
		}
		t.ClearCache()
		metrics.TableInvalidations.WithLabelValues(t.Name(), source).Inc()

		for _, l := range r.listeners[id] {
			l.notify()
		}
	}
}

// InvalidateAll clears every registered table.
func (r *Registry) InvalidateAll(source string) {
	r.mu.RLock()
	ids := make([]protocol.TableID, 0, len(r.tables))
	for id := range r.tables {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	r.Invalidate(ids, source)
}

// AddListener calls fn after table id is invalidated, waiting delay first so
// bursts of invalidations produce one call. The returned function removes
// the listener.
func (r *Registry) AddListener(id protocol.TableID, delay time.Duration, fn func(protocol.TableID)) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("registry closed")
	}

	l := &listener{
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		delay:  delay,
		id:     id,
	}
	r.listeners[id] = append(r.listeners[id], l)

	r.wg.Add(1)
	go l.run(&r.wg)

	remove := func() {
		r.mu.Lock()
		r.listeners[id] = slices.DeleteFunc(r.listeners[id], func(x *listener) bool { return x == l })
		r.mu.Unlock()
		l.close()
	}
	return remove, nil
}

// Close stops all listeners and waits for running callbacks to return.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	for _, ls := range r.listeners {
		for _, l := range ls {
			l.close()
		}
	}
	r.listeners = make(map[protocol.TableID][]*listener)
	r.mu.Unlock()

	r.wg.Wait()
}

func (l *listener) notify() {
	select {
	case l.signal <- struct{}{}:
	default:
		// a call is already pending
	}
}

func (l *listener) close() {
	l.stop.Do(func() { close(l.done) })
}

func (l *listener) run(wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-l.done:
			return
		case <-l.signal:
		}

		if l.delay > 0 {
			timer := time.NewTimer(l.delay)
			select {
			case <-l.done:
				timer.Stop()
				return
			case <-timer.C:
			}
			select {
			case <-l.signal:
			default:
			}
		}

		l.fn(l.id)
	}
}
