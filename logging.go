package meshalloc

import "github.com/rs/zerolog"

// defaultLogger is the package-wide default every Allocator constructed
// without WithLogger inherits. It starts silent; embedding applications
// that want meshing diagnostics call SetLogger before New.
var defaultLogger = zerolog.Nop()

// SetLogger overrides the package-wide default logger.
func SetLogger(log zerolog.Logger) {
	defaultLogger = log
}
