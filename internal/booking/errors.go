package booking

import "github.com/loadzone/loadzone/internal/store"

// Sentinel errors surfaced by booking operations. They are the store's
// domain sentinels; callers match with errors.Is.
var (
	ErrNotFound       = store.ErrNotFound
	ErrAlreadyLeased  = store.ErrAlreadyLeased
	ErrNotOwner       = store.ErrNotOwner
	ErrSelfOwnership  = store.ErrSelfOwnership
	ErrQueueFull      = store.ErrQueueFull
	ErrNotQueued      = store.ErrNotQueued
	ErrResourceExists = store.ErrResourceExists
	ErrGroupExists    = store.ErrGroupExists
	ErrGroupNotFound  = store.ErrGroupNotFound
)
