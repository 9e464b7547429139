// Package cursorpage serves large, changing listings through stable keyset
// pagination.
//
// A page request names a listing identity, optional filters, a limit and an
// opaque cursor. The service decodes and verifies the cursor, fingerprints
// the request, and asks the page cache for it. On a miss the cache runs one
// computation per fingerprint no matter how many callers wait:
//
//	keyset.Plan  -> bounded range after the cursor, limit+1 rows
//	fetch.Client -> retries + circuit breaker around the DataSource
//	Finalize     -> trim the look-ahead row, restore forward order, sign cursors
//
// Components:
//   - sortkey: total order over a listing (last unique field breaks ties).
//   - cursor: HMAC-signed, versioned, URL-safe position tokens.
//   - keyset: range planning, no offsets anywhere.
//   - fetch: resilient DataSource calls (go-retry backoff, gobreaker).
//   - pagecache: single-flight page cache over a pluggable provider with
//     per-listing generations for O(1) invalidation.
//
// Keys:
//
//	page:<ns>:<identity hash>:g<gen>:<fingerprint>  - cached pages
//	pagegen:<ns>:<identity>                         - generations (RedisGenStore)
//
// Write path:
//
//	store.Follow(ctx, a, b)
//	_ = svc.Invalidate(ctx, "followers:"+b) // next read rebuilds the listing
package cursorpage
