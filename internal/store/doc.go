// Package store implements the shared backing stores of the sync engine:
// the document snapshot store, the operation log, the per-room session
// registry and the bounded chat log.
//
// Redis is the primary backend and uses the key layout
//
//	doc:{id}           JSON document record
//	ops:{id}           stream of operations
//	room:{id}:users    hash of userId to session record
//	chat:{id}          list of chat messages, newest first
//
// Postgres and bbolt backends exist for documents and operations, and an
// in-memory backend implements every interface for tests and local runs.
package store
