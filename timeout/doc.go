// Package timeout bounds the latency of network-facing operations.
//
// [Run] races an operation against a budget and yields an [*Error] naming the
// operation and the budget when the budget wins. [RunWithFallback] swaps the
// timeout for a default value, and [Start] returns a [Handle] whose timer can
// be disarmed. Every timeout is logged through the supplied slog.Logger.
//
// # What this package must NOT do
//
//   - Retry operations or alter their results.
//   - Forcefully stop an operation; cancellation of the operation context is
//     advisory.
package timeout
