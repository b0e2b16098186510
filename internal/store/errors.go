package store

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrSlotTaken           = errors.New("slot already taken")
	ErrStaleVersion        = errors.New("appointment changed concurrently")
	ErrIdempotencyConflict = errors.New("idempotency key conflict")
)
