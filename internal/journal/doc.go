// Package journal records rolling updates so that an interrupted rollout
// can be inspected and resumed after the process exits.
//
// The default implementation is a SQLite database (modernc.org/sqlite, no
// cgo) with one row per rollout and one row per phase transition. Payloads
// are never written to the journal; only names, IDs and phases are.
//
// Nop satisfies the Journal interface without persisting anything. It is
// used when the journal is disabled and in tests that do not care about
// history.
package journal
