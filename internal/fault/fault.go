// Package fault defines the error taxonomy shared by every component.
//
// Components wrap their failures with one of the sentinels below so callers
// can branch with errors.Is without knowing which layer produced the error.
package fault

import (
	"context"
	"errors"
)

var (
	// ErrTransientNetwork is retried with backoff; the ingestion cursor is preserved.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrSchemaMismatch marks cached or persisted data as absent.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrQuotaExceeded is returned by the local key-value store when a write
	// would exceed its byte quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrStaleResult is recorded when an async continuation outlived its generation.
	// It is never shown to the user.
	ErrStaleResult = errors.New("stale result discarded")
	// ErrNotFound means a member or post does not exist. It renders as an empty state.
	ErrNotFound = errors.New("not found")
)

// Kind is the coarse classification of an error.
type Kind int

const (
	KindNone Kind = iota
	KindTransient
	KindSchema
	KindQuota
	KindStale
	KindNotFound
	KindCanceled
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindSchema:
		return "schema"
	case KindQuota:
		return "quota"
	case KindStale:
		return "stale"
	case KindNotFound:
		return "not_found"
	case KindCanceled:
		return "canceled"
	default:
		return "other"
	}
}

// Classify maps err onto the taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrStaleResult):
		return KindStale
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrTransientNetwork), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, ErrSchemaMismatch):
		return KindSchema
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuota
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindOther
	}
}

// Silent reports whether err should be dropped without surfacing anything.
func Silent(err error) bool {
	k := Classify(err)
	return k == KindStale || k == KindCanceled
}
