// Package stores provides the persistence layer of the concierge: the
// broken lot ledger, the journal of successful registry patches and the
// change feed cursor. SQLite (WAL mode, embedded migrations) is the default
// backend; PostgresStore serves deployments that share a database server.
package stores
