package schema

import (
	"context"

	"github.com/aoserv/aoserv-client/pkg/protocol"
	"github.com/aoserv/aoserv-client/pkg/table"
)

// Server is a managed host.
type Server struct {
	Hostname        string `json:"hostname"`
	Accounting      string `json:"accounting"`
	OperatingSystem string `json:"operating_system"`
	ID              int64  `json:"id"`
	Monitored       bool   `json:"monitored"`
}

// Key returns the server id, the primary key.
func (s *Server) Key() int64 { return s.ID }

// EncodeRow writes the row in master column order.
func (s *Server) EncodeRow(w *protocol.Writer) {
	w.WriteInt(s.ID)
	w.WriteString(s.Hostname)
	w.WriteString(s.Accounting)
	w.WriteString(s.OperatingSystem)
	w.WriteBool(s.Monitored)
}

// DecodeRow reads a row written by EncodeRow.
func (s *Server) DecodeRow(r *protocol.Reader) error {
	s.ID = r.ReadInt()
	s.Hostname = r.ReadString()
	s.Accounting = r.ReadString()
	s.OperatingSystem = r.ReadString()
	s.Monitored = r.ReadBool()
	return r.Err()
}

var (
	// ServerHostname is unique across all servers.
	ServerHostname = table.Column[*Server]{
		Name:   "hostname",
		Unique: true,
		Value:  func(s *Server) any { return s.Hostname },
	}

	// ServerAccounting indexes servers by owning business.
	ServerAccounting = table.Column[*Server]{
		Name:  "accounting",
		Value: func(s *Server) any { return s.Accounting },
	}
)

// Servers is the servers table.
type Servers struct {
	*table.CachedTable[int64, *Server]
}

func newServers(exec table.Executor) *Servers {
	return &Servers{table.NewCached(table.Spec[int64, *Server]{
		ID:     ServersTable,
		Name:   "servers",
		Exec:   exec,
		NewRow: func() *Server { return &Server{} },
		OrderBy: []table.OrderBy[*Server]{
			table.Asc("hostname", func(s *Server) string { return s.Hostname }),
		},
	})}
}

// ByHostname finds a server by its unique hostname.
func (t *Servers) ByHostname(ctx context.Context, hostname string) (*Server, bool, error) {
	return t.UniqueRow(ctx, ServerHostname, hostname)
}

// ForBusiness returns the servers owned by accounting.
func (t *Servers) ForBusiness(ctx context.Context, accounting string) ([]*Server, error) {
	return t.IndexedRows(ctx, ServerAccounting, accounting)
}
