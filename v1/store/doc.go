// Package store is the catalog store. Open picks a document (MongoDB) or
// relational (GORM over PostgreSQL or SQLite) backend from the connection
// string and exposes the same upsert, search, sync and dedupe operations
// over either. A store whose backend cannot be reached keeps running in
// error mode: every call returns its safe default and a Fatal-kind error.
package store
