package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aoserv/aoserv-client/pkg/schema"
)

var tableNames = []string{"businesses", "servers", "dns_zones", "dns_records", "tickets"}

func listRows(ctx context.Context, t *schema.Tables, name string) (any, error) {
	switch name {
	case "businesses":
		return t.Businesses.Rows(ctx)
	case "servers":
		return t.Servers.Rows(ctx)
	case "dns_zones":
		return t.DNSZones.Rows(ctx)
	case "dns_records":
		return t.DNSRecords.Rows(ctx)
	case "tickets":
		return t.Tickets.Rows(ctx)
	default:
		return nil, fmt.Errorf("unknown table %q", name)
	}
}

func countRows(ctx context.Context, t *schema.Tables, name string) (int, error) {
	switch name {
	case "businesses":
		return t.Businesses.Count(ctx)
	case "servers":
		return t.Servers.Count(ctx)
	case "dns_zones":
		return t.DNSZones.Count(ctx)
	case "dns_records":
		return t.DNSRecords.Count(ctx)
	case "tickets":
		return t.Tickets.Count(ctx)
	default:
		return 0, fmt.Errorf("unknown table %q", name)
	}
}

func getRow(ctx context.Context, t *schema.Tables, name, key string) (any, bool, error) {
	switch name {
	case "businesses":
		return unwrap(t.Businesses.Get(ctx, key))
	case "dns_zones":
		return unwrap(t.DNSZones.Get(ctx, key))
	}

	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("%s: key must be an integer: %w", name, err)
	}
	switch name {
	case "servers":
		return unwrap(t.Servers.Get(ctx, id))
	case "dns_records":
		return unwrap(t.DNSRecords.Get(ctx, id))
	case "tickets":
		return unwrap(t.Tickets.Get(ctx, id))
	default:
		return nil, false, fmt.Errorf("unknown table %q", name)
	}
}

func unwrap[R any](row R, ok bool, err error) (any, bool, error) {
	return row, ok, err
}
