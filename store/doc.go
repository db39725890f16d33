// Package store defines the storage collaborator of the cyphercore
// messenger and ships two implementations of it.
//
// Everything the messenger persists crosses this boundary already
// encrypted: store implementations only ever see opaque payload bytes plus
// the plaintext index fields (record ids, sender device, order, owner
// username) needed to query them back.
//
// MemoryStore keeps everything in process memory and backs the test suite.
// SQLiteStore persists to a local SQLite database and is the durable
// default for real clients, including the task queue that must survive
// process restarts.
package store
