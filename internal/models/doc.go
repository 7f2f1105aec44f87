// Package models defines the documents, operations, session records, chat
// messages and fanout events shared by the stores, the bus and the router.
package models
