package cursorpage

import (
	"errors"

	"github.com/unkn0wn-root/cursorpage/cursor"
	"github.com/unkn0wn-root/cursorpage/fetch"
	"github.com/unkn0wn-root/cursorpage/keyset"
	"github.com/unkn0wn-root/cursorpage/pagecache"
)

var (
	ErrInvalidLimit   = keyset.ErrInvalidLimit
	ErrInvalidRequest = errors.New("invalid request")

	// Callers should treat the three cursor errors identically.
	ErrInvalidCursorFormat      = cursor.ErrInvalidFormat
	ErrCursorChecksumMismatch   = cursor.ErrChecksumMismatch
	ErrCursorVersionUnsupported = cursor.ErrVersionUnsupported

	ErrUpstreamUnavailable = fetch.ErrUpstreamUnavailable
	ErrUpstreamTimeout     = fetch.ErrUpstreamTimeout
	ErrUpstreamError       = fetch.ErrUpstreamError

	// ErrCacheBackend is only ever returned by Invalidate; reads degrade to
	// direct computation instead.
	ErrCacheBackend = pagecache.ErrCacheBackend
)

// InvalidateError carries both causes of a failed invalidation.
type InvalidateError = pagecache.InvalidateError

// Code maps err to a stable, transport-friendly error code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidLimit):
		return "invalid_limit"
	case errors.Is(err, ErrInvalidCursorFormat),
		errors.Is(err, ErrCursorChecksumMismatch),
		errors.Is(err, ErrCursorVersionUnsupported):
		return "invalid_cursor"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrUpstreamTimeout):
		return "upstream_timeout"
	case errors.Is(err, ErrUpstreamError):
		return "upstream_error"
	case errors.Is(err, ErrCacheBackend):
		return "cache_backend"
	default:
		return "internal"
	}
}
