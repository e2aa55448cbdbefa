package table

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/aoserv/aoserv-client/pkg/protocol"
)

const testTable protocol.TableID = 2

type server struct {
	hostname string
	business string
	id       int64
}

func (s *server) Key() int64 { return s.id }

func (s *server) EncodeRow(w *protocol.Writer) {
	w.WriteInt(s.id)
	w.WriteString(s.hostname)
	w.WriteString(s.business)
}

func (s *server) DecodeRow(r *protocol.Reader) error {
	s.id = r.ReadInt()
	s.hostname = r.ReadString()
	s.business = r.ReadString()
	return r.Err()
}

var (
	byBusiness = Column[*server]{Name: "business", Value: func(s *server) any { return s.business }}
	byHostname = Column[*server]{Name: "hostname", Unique: true, Value: func(s *server) any { return s.hostname }}
)

// fakeMaster answers commands from memory and applies invalidate lists to a
// registry the way the connector does.
type fakeMaster struct {
	registry *Registry
	rows     map[string][]byte
	started  chan struct{} // receives when a GET_TABLE begins, if non-nil
	gate     chan struct{} // GET_TABLE blocks until closed, if non-nil
	fetches  atomic.Int32
	counts   atomic.Int32
	mu       sync.Mutex
}

func newFakeMaster(reg *Registry, rows ...*server) *fakeMaster {
	m := &fakeMaster{registry: reg, rows: make(map[string][]byte)}
	for _, r := range rows {
		m.rows[KeyString(r.Key())] = protocol.Encode(r)
	}
	return m
}

func (m *fakeMaster) Execute(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch cmd.Type {
	case protocol.CmdGetTable:
		m.fetches.Add(1)
		if m.started != nil {
			m.started <- struct{}{}
		}
		if m.gate != nil {
			<-m.gate
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		keys := make([]string, 0, len(m.rows))
		for k := range m.rows {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		resp := &protocol.Response{Type: protocol.RespRows}
		for _, k := range keys {
			resp.Rows = append(resp.Rows, m.rows[k])
		}
		return resp, nil

	case protocol.CmdGetObject:
		m.mu.Lock()
		defer m.mu.Unlock()
		resp := &protocol.Response{Type: protocol.RespRows}
		if row, ok := m.rows[cmd.Key]; ok {
			resp.Rows = [][]byte{row}
		}
		return resp, nil

	case protocol.CmdGetRowCount:
		m.counts.Add(1)
		m.mu.Lock()
		defer m.mu.Unlock()
		return &protocol.Response{Type: protocol.RespInt, Int: int64(len(m.rows))}, nil

	case protocol.CmdAdd, protocol.CmdUpdate:
		m.mu.Lock()
		m.rows[cmd.Key] = slices.Clone(cmd.Payload)
		m.mu.Unlock()
		return m.invalidated(&protocol.Response{Type: protocol.RespOK}, cmd.Table), nil

	case protocol.CmdRemove:
		m.mu.Lock()
		_, ok := m.rows[cmd.Key]
		delete(m.rows, cmd.Key)
		m.mu.Unlock()
		var n int64
		if ok {
			n = 1
		}
		return m.invalidated(&protocol.Response{Type: protocol.RespInt, Int: n}, cmd.Table), nil
	}

	return nil, fmt.Errorf("unsupported command %s", cmd.Type)
}

func (m *fakeMaster) invalidated(resp *protocol.Response, id protocol.TableID) *protocol.Response {
	resp.Invalidate = []protocol.TableID{id}
	if m.registry != nil {
		m.registry.Invalidate(resp.Invalidate, "command")
	}
	return resp
}

func (m *fakeMaster) put(s *server) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[KeyString(s.Key())] = protocol.Encode(s)
}

func newServers(exec Executor, orderBy ...OrderBy[*server]) *CachedTable[int64, *server] {
	return NewCached(Spec[int64, *server]{
		ID:      testTable,
		Name:    "servers",
		Exec:    exec,
		NewRow:  func() *server { return &server{} },
		OrderBy: orderBy,
	})
}

func seedServers() []*server {
	return []*server{
		{id: 1, hostname: "www1.example.com", business: "AOINDUSTRIES"},
		{id: 2, hostname: "db1.example.com", business: "AOINDUSTRIES"},
		{id: 3, hostname: "mail.example.org", business: "EXAMPLE"},
	}
}
