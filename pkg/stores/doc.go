// Package stores provides the durable document store for careflow.
// It includes a SQLite implementation of engine.DocumentStore with WAL mode,
// immediate write transactions, embedded migrations and typed errors for
// missing documents and busy databases.
package stores
