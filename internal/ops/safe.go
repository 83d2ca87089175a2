package ops

import "runtime/debug"

// Go runs fn in a goroutine. A panic is logged instead of taking the process
// down; the task is not restarted.
func Go(logger *Logger, task string, fn func()) {
	go Safely(logger, task, fn)
}

// Safely runs fn on the calling goroutine and logs a panic instead of
// propagating it
func Safely(logger *Logger, task string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields("task", task).LogPanic(r, string(debug.Stack()))
		}
	}()
	fn()
}
