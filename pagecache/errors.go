package pagecache

import (
	"errors"
	"fmt"
)

// ErrCacheBackend marks failures of the backing store or generation store.
// GetOrCompute never returns it; only Invalidate can.
var ErrCacheBackend = errors.New("cache backend")

var ErrClosed = errors.New("pagecache: closed")

// InvalidateError reports an invalidation that could not be guaranteed:
// the generation bump failed and no eager delete made up for it.
type InvalidateError struct {
	Identity string
	BumpErr  error
	DelErr   error
}

func (e *InvalidateError) Error() string {
	switch {
	case e.BumpErr != nil && e.DelErr != nil:
		return fmt.Sprintf("invalidate %q failed: gen bump and delete failed: bump=%v; delete=%v",
			e.Identity, e.BumpErr, e.DelErr)
	case e.BumpErr != nil:
		return fmt.Sprintf("invalidate %q: gen bump failed: %v", e.Identity, e.BumpErr)
	case e.DelErr != nil:
		return fmt.Sprintf("invalidate %q: delete failed: %v", e.Identity, e.DelErr)
	default:
		return fmt.Sprintf("invalidate %q: unknown error", e.Identity)
	}
}

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, 3)
	errs = append(errs, ErrCacheBackend)
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}
