package schema

import (
	"time"

	"github.com/aoserv/aoserv-client/pkg/protocol"
	"github.com/aoserv/aoserv-client/pkg/table"
)

// EncodedRow is one row ready to load into a master.
type EncodedRow struct {
	Key   string
	Data  []byte
	Table protocol.TableID
}

func encoded[K comparable, R table.Row[K]](id protocol.TableID, rows ...R) []EncodedRow {
	out := make([]EncodedRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, EncodedRow{Table: id, Key: table.KeyString(r.Key()), Data: protocol.Encode(r)})
	}
	return out
}

// SampleData returns a small, consistent data set for demos and tests.
func SampleData() []EncodedRow {
	created := time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

	var rows []EncodedRow
	rows = append(rows, encoded[string](BusinessesTable,
		&Business{Accounting: "AOINDUSTRIES", Created: created},
		&Business{Accounting: "EXAMPLE", Parent: "AOINDUSTRIES", Created: created.AddDate(5, 0, 0)},
		&Business{Accounting: "DORMANT", Parent: "AOINDUSTRIES", Created: created.AddDate(7, 0, 0), Disabled: true},
	)...)
	rows = append(rows, encoded[int64](ServersTable,
		&Server{ID: 1, Hostname: "www1.aoindustries.com", Accounting: "AOINDUSTRIES", OperatingSystem: "rocky-9", Monitored: true},
		&Server{ID: 2, Hostname: "db1.aoindustries.com", Accounting: "AOINDUSTRIES", OperatingSystem: "rocky-9", Monitored: true},
		&Server{ID: 3, Hostname: "mail.example.org", Accounting: "EXAMPLE", OperatingSystem: "debian-12"},
	)...)
	rows = append(rows, encoded[string](DNSZonesTable,
		&DNSZone{Zone: "aoindustries.com.", Accounting: "AOINDUSTRIES", Hostmaster: "hostmaster.aoindustries.com.", TTL: 3600},
		&DNSZone{Zone: "example.org.", Accounting: "EXAMPLE", Hostmaster: "hostmaster.example.org.", TTL: 86400},
	)...)
	rows = append(rows, encoded[int64](DNSRecordsTable,
		&DNSRecord{ID: 1, Zone: "aoindustries.com.", Domain: "www", Type: "A", Destination: "192.0.2.10"},
		&DNSRecord{ID: 2, Zone: "aoindustries.com.", Domain: "@", Type: "MX", Priority: 10, Destination: "mail.example.org."},
		&DNSRecord{ID: 3, Zone: "example.org.", Domain: "mail", Type: "A", Destination: "198.51.100.25", TTL: 300},
		&DNSRecord{ID: 4, Zone: "aoindustries.com.", Domain: "db", Type: "A", Destination: "192.0.2.11"},
	)...)
	rows = append(rows, encoded[int64](TicketsTable,
		&Ticket{ID: 100, Accounting: "EXAMPLE", Summary: "Renew certificate", Status: TicketOpen, Opened: created.AddDate(20, 0, 0)},
		&Ticket{ID: 101, Accounting: "AOINDUSTRIES", Summary: "Add MX record", Status: TicketClosed, Opened: created.AddDate(21, 0, 0)},
	)...)
	return rows
}
