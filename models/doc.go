// Package models defines the persisted data model of the cyphercore
// messenger: conversations, chat messages, device identities, group
// configuration and outbound delivery tasks.
//
// Records that carry user content are persisted through the Encrypted
// wrapper, which guarantees that plaintext never reaches the storage
// collaborator: the only way to obtain storable bytes is to encrypt, and
// the only way to read them back is an authenticated decrypt that fails
// hard on tampering.
//
// Group configuration travels between devices inside a SignedBlob, which
// separates structural parsing from signature verification so the trust
// protocol can inspect a config before deciding whether to believe it.
package models
