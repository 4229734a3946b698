// Package progress defines the callback surface through which the engine
// reports per-file transfer progress to its embedder.
package progress

// Sink receives progress notifications. Implementations must be safe for
// concurrent use: workers report from their own goroutines. A notification
// is delivered at session start (copied == 0), after each transferred
// chunk, and at completion (copied == total).
type Sink interface {
	Progress(copied, total int64, file string)
}

// Nop discards all notifications. It is the default sink.
type Nop struct{}

func (Nop) Progress(int64, int64, string) {}

// Func adapts a plain function to a Sink.
type Func func(copied, total int64, file string)

func (f Func) Progress(copied, total int64, file string) {
	f(copied, total, file)
}
