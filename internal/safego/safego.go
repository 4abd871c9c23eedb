package safego

import (
	"log"
	"runtime/debug"
)

// Go runs fn in a new goroutine. The curses UI owns the terminal, so a
// panic in a background goroutine would vanish with the screen; log it
// with a stack trace first, then re-panic.
func Go(logger *log.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("PANIC: %v\n%s", r, debug.Stack())
				panic(r)
			}
		}()
		fn()
	}()
}
