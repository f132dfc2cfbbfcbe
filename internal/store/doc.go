// Package store defines the target work-queue contract and the records it
// persists. Implementations live in internal/storage/*; this package must not
// import database drivers or concrete clients.
package store
