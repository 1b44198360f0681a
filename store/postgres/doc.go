// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: optimistic compare-and-swap guarded by state and version,
// an index_time column that serves scheduler scans, embedded SQL
// migrations.
package postgres
