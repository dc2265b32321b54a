package sandbox

import (
	"io"
	"strings"
)

// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
const maxOutputBytes = 1 << 20 // 1 MB

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}

// shellQuote wraps s in single quotes so it passes through a POSIX shell
// verbatim. Embedded single quotes become '\''.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
