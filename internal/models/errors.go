package models

import "errors"

var (
	// ErrNotFound is wrapped when a task, payout request or other non-account record is missing.
	ErrNotFound = errors.New("not found")
	// ErrStateConflict is wrapped when a record is not in the state an operation requires,
	// e.g. reviewing a payout that is no longer pending.
	ErrStateConflict = errors.New("state conflict")
)
