package cursorpage

import "github.com/unkn0wn-root/cursorpage/logging"

// Fields is a minimal structured field map for logs.
type Fields = logging.Fields

// Logger is a tiny leveled logger. Provide an adapter around logging stack
// (see log/zap, log/logrus, log/slog). If Logger is nil in Options, logging
// is disabled.
type Logger = logging.Logger

type NopLogger = logging.NopLogger
