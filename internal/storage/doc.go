// Package storage persists the four scheduler datasets (tenant configs, sent
// notifications, participation and the event cache) as JSON documents.
//
// Backends only move opaque documents. Drivers:
//   - "file": one JSON file per dataset, written atomically (tmp + rename)
//   - "sqlite": a single-table SQLite database (modernc.org/sqlite, no cgo)
//   - "postgres": the same table on PostgreSQL via pgx
//
// Persistence layers typed load/save pairs and the load policy on top.
package storage
