// Package store is the SQLite system of record for thoughtd.
//
// One database holds the thought records, a full-text index over their
// content, the per-tenant fingerprint bit set, and the per-tenant event logs
// with their consumer groups. Keeping them together lets the dedup gate test
// the fingerprint, write the record and append the creation event in a
// single transaction.
//
// SQLiteStore implements eventlog.Log.
package store
