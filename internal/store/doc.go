// Package store persists the hub's registry directory and relay audit log.
//
// The SQLite implementation (modernc.org/sqlite, pure Go) creates its schema
// on open and uses WAL mode for concurrent reads. Directory records survive
// hub restarts; agents re-announce themselves on reconnect either way.
package store
