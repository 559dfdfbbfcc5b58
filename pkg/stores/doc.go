// Package stores provides the durable overlay journal. SQLiteStore appends
// every lifecycle event and keeps a folded per-instance table, so the last
// known state survives restarts. Schema changes ship as embedded migrations.
package stores
