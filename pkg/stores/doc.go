// Package stores keeps the transaction history of an image in SQLite: one
// row per transaction, the state transitions of each package plan in it,
// and an append-only event log.
package stores
