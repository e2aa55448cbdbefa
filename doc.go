// Package aoserv is the root of the AOServ client library: typed access to
// the tables of an AOServ master with a client-side row cache that stays
// consistent through invalidate lists.
//
// # Architecture Overview
//
//   - Protocol (pkg/protocol): length-prefixed binary frames, row codec,
//     and the invalidate list carried by every response
//   - Table cache (pkg/table): CachedTable, RemoteTable, lazy secondary
//     indexes, default sort orders and the invalidation Registry
//   - Connector (pkg/client): connection pools per master, failover along a
//     consistent-hash ring (pkg/hash), circuit breakers, the cache listener
//     and the ConnectorCache
//   - Schema (pkg/schema): typed bindings for a handful of tables
//   - Configuration (pkg/config): koanf layering of defaults, YAML and
//     AOSERV_* environment variables
//   - Reference master (internal/server, internal/store): an in-memory
//     master for development and tests
//
// # Quick Start
//
// Master:
//
//	go run ./cmd/server --seed
//
// Client:
//
//	cfg, err := config.LoadClientConfig("")
//	conn, err := client.New(cfg)
//	defer conn.Close()
//
//	tables, err := schema.New(conn)
//	servers, err := tables.Servers.ForBusiness(ctx, "AOINDUSTRIES")
//
// # Cache Consistency
//
// A cached table is fetched whole on first access and served locally until
// it is invalidated. Invalidations come from two places:
//
//   - The invalidate list returned with every command response. It is
//     applied before the command returns, so a connector always reads its
//     own writes.
//   - The cache listener connection, on which the master pushes the
//     invalidate lists caused by other connectors.
//
// At most one fetch per table is in flight at a time. A fetch that started
// before an invalidation still answers the callers waiting on it, but its
// rows are not kept.
package aoserv
