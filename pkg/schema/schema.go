// Package schema binds a handful of master tables to typed Go rows.
//
// Each table is a row type implementing protocol.Streamable, a wrapper around
// a table.CachedTable or table.RemoteTable, and the typed lookups that
// callers use instead of raw index queries.
//
//	tables, err := schema.New(conn)
//	if err != nil {
//		return err
//	}
//	zones, err := tables.DNSZones.ForBusiness(ctx, "AOINDUSTRIES")
//	for _, z := range zones {
//		records, err := tables.DNSRecords.ForZone(ctx, z.Zone)
//		...
//	}
package schema

import (
	"fmt"

	"github.com/aoserv/aoserv-client/pkg/protocol"
	"github.com/aoserv/aoserv-client/pkg/table"
)

// Table ids as assigned by the master.
const (
	BusinessesTable protocol.TableID = iota + 1
	ServersTable
	DNSZonesTable
	DNSRecordsTable
	TicketsTable
)

// Dependencies lists, per table, the tables whose cached rows the master
// also invalidates when the table changes.
var Dependencies = map[protocol.TableID][]protocol.TableID{
	BusinessesTable: {ServersTable, DNSZonesTable, TicketsTable},
	DNSZonesTable:   {DNSRecordsTable},
}

// Source is what the tables need from a connector.
type Source interface {
	table.Executor
	Registry() *table.Registry
}

// Tables holds every bound table of one connector.
type Tables struct {
	Businesses *Businesses
	Servers    *Servers
	DNSZones   *DNSZones
	DNSRecords *DNSRecords
	Tickets    *Tickets
}

// New binds all tables to src and registers them with its registry.
func New(src Source) (*Tables, error) {
	t := &Tables{
		Businesses: newBusinesses(src),
		Servers:    newServers(src),
		DNSZones:   newDNSZones(src),
		DNSRecords: newDNSRecords(src),
		Tickets:    newTickets(src),
	}

	for _, tbl := range t.all() {
		if err := src.Registry().Register(tbl); err != nil {
			return nil, fmt.Errorf("register %s: %w", tbl.Name(), err)
		}
	}
	return t, nil
}

func (t *Tables) all() []table.Invalidatable {
	return []table.Invalidatable{t.Businesses, t.Servers, t.DNSZones, t.DNSRecords, t.Tickets}
}

// ByName returns the table with the given name.
func (t *Tables) ByName(name string) (table.Invalidatable, bool) {
	for _, tbl := range t.all() {
		if tbl.Name() == name {
			return tbl, true
		}
	}
	return nil, false
}
