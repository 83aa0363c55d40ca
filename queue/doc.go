// Package queue serializes auth operations that mutate shared state.
//
// A [Queue] runs one [Func] at a time in submission order. A failing or
// panicking operation settles only its own result; the worker moves on to
// the next entry. [Global] exposes a process-wide instance for wiring code;
// everything else receives a *Queue explicitly.
package queue
