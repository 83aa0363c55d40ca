// Package audit buffers audit events and delivers them to a sink off the
// caller's goroutine.
//
// [Dispatcher] either drops events when its buffer is full or blocks the
// emitter until there is room or the emitter's context ends. It never
// decides which events to emit; the coordinator does that.
package audit
