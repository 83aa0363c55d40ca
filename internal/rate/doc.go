// Package rate throttles password sign-in attempts with Redis counters.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Failed
// attempts are keyed per normalized identifier under "<prefix>:att:".
// A successful sign-in resets the identifier's window.
package rate
