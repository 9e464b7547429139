package cursorpage

import "github.com/unkn0wn-root/cursorpage/hooks"

// Hooks receives high-signal cache and upstream events.
// Implementations MUST be cheap and non-blocking; wrap slow sinks with
// hooks/async.
type Hooks = hooks.Hooks

// NopHooks is the default no-op.
type NopHooks = hooks.NopHooks
