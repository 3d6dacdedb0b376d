// Package store holds the PostgreSQL repositories behind the persistence
// service: message records, the device directory, the offline delivery queue,
// read cursors, and the per-conversation change log that feeds sync.
package store

import "errors"

// Sentinel errors for the store package.
var (
	ErrNotFound     = errors.New("record not found")
	ErrNotSender    = errors.New("message belongs to another sender")
	ErrRecallWindow = errors.New("recall window expired")
)

// Pagination defaults for history and sync queries.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ClampLimit normalises a caller-supplied page size into [1, MaxLimit].
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
