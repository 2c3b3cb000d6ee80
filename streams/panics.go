package streams

import (
	"log"
	"runtime/debug"
)

// CatchAndLogPanic logs a panic with its stack trace on the standard logger,
// then panics again with the same value. Use it deferred at the top of every
// goroutine, so that the crash is in the log files too.
func CatchAndLogPanic() {
	if r := recover(); r != nil {
		log.Printf("Panic: %v\n\n%s", r, debug.Stack())
		panic(r)
	}
}
