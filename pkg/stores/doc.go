// Package stores persists the control plane's state.
//
// SQLiteStore keeps the job board, the flow log book, cluster/node/endpoint
// records and named lease locks in one SQLite database (WAL mode, schema
// managed by golang-migrate). BoltStore is a single-file bbolt alternative
// for the job board and log book on one host.
//
// Both stores implement jobboard.Board and jobboard.LogBook and pass the
// shared jobboardtest conformance suite.
package stores
