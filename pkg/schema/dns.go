package schema

import (
	"context"

	"github.com/aoserv/aoserv-client/pkg/protocol"
	"github.com/aoserv/aoserv-client/pkg/table"
)

// DNSZone is a DNS zone hosted for a business.
type DNSZone struct {
	Zone       string `json:"zone"`
	Accounting string `json:"accounting"`
	Hostmaster string `json:"hostmaster"`
	TTL        int64  `json:"ttl"`
}

// Key returns the zone name, the primary key.
func (z *DNSZone) Key() string { return z.Zone }

// EncodeRow writes the row in master column order.
func (z *DNSZone) EncodeRow(w *protocol.Writer) {
	w.WriteString(z.Zone)
	w.WriteString(z.Accounting)
	w.WriteString(z.Hostmaster)
	w.WriteInt(z.TTL)
}

// DecodeRow reads a row written by EncodeRow.
func (z *DNSZone) DecodeRow(r *protocol.Reader) error {
	z.Zone = r.ReadString()
	z.Accounting = r.ReadString()
	z.Hostmaster = r.ReadString()
	z.TTL = r.ReadInt()
	return r.Err()
}

// DNSZoneAccounting indexes zones by owning business.
var DNSZoneAccounting = table.Column[*DNSZone]{
	Name:  "accounting",
	Value: func(z *DNSZone) any { return z.Accounting },
}

// DNSZones is the dns_zones table.
type DNSZones struct {
	*table.CachedTable[string, *DNSZone]
}

func newDNSZones(exec table.Executor) *DNSZones {
	return &DNSZones{table.NewCached(table.Spec[string, *DNSZone]{
		ID:      DNSZonesTable,
		Name:    "dns_zones",
		Exec:    exec,
		NewRow:  func() *DNSZone { return &DNSZone{} },
		OrderBy: []table.OrderBy[*DNSZone]{table.Asc("zone", (*DNSZone).Key)},
	})}
}

// ForBusiness returns the zones owned by accounting.
func (t *DNSZones) ForBusiness(ctx context.Context, accounting string) ([]*DNSZone, error) {
	return t.IndexedRows(ctx, DNSZoneAccounting, accounting)
}

// DNSRecord is one resource record. A TTL of zero means the zone default.
type DNSRecord struct {
	Zone        string `json:"zone"`
	Domain      string `json:"domain"`
	Type        string `json:"type"`
	Destination string `json:"destination"`
	ID          int64  `json:"id"`
	TTL         int64  `json:"ttl,omitempty"`
	Priority    int64  `json:"priority,omitempty"`
}

// Key returns the record id, the primary key.
func (r *DNSRecord) Key() int64 { return r.ID }

// EncodeRow writes the row in master column order.
func (r *DNSRecord) EncodeRow(w *protocol.Writer) {
	w.WriteInt(r.ID)
	w.WriteString(r.Zone)
	w.WriteString(r.Domain)
	w.WriteString(r.Type)
	w.WriteInt(r.Priority)
	w.WriteString(r.Destination)
	w.WriteInt(r.TTL)
}

// DecodeRow reads a row written by EncodeRow.
func (r *DNSRecord) DecodeRow(rd *protocol.Reader) error {
	r.ID = rd.ReadInt()
	r.Zone = rd.ReadString()
	r.Domain = rd.ReadString()
	r.Type = rd.ReadString()
	r.Priority = rd.ReadInt()
	r.Destination = rd.ReadString()
	r.TTL = rd.ReadInt()
	return rd.Err()
}

// DNSRecordZone indexes records by zone.
var DNSRecordZone = table.Column[*DNSRecord]{
	Name:  "zone",
	Value: func(r *DNSRecord) any { return r.Zone },
}

// DNSRecords is the dns_records table, ordered by zone then domain.
type DNSRecords struct {
	*table.CachedTable[int64, *DNSRecord]
}

func newDNSRecords(exec table.Executor) *DNSRecords {
	return &DNSRecords{table.NewCached(table.Spec[int64, *DNSRecord]{
		ID:     DNSRecordsTable,
		Name:   "dns_records",
		Exec:   exec,
		NewRow: func() *DNSRecord { return &DNSRecord{} },
		OrderBy: []table.OrderBy[*DNSRecord]{
			table.Asc("zone", func(r *DNSRecord) string { return r.Zone }),
			table.Asc("domain", func(r *DNSRecord) string { return r.Domain }),
		},
	})}
}

// ForZone returns the records of zone in domain order.
func (t *DNSRecords) ForZone(ctx context.Context, zone string) ([]*DNSRecord, error) {
	return t.IndexedRows(ctx, DNSRecordZone, zone)
}
