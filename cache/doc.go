// Package cache decides whether locally persisted session artifacts can be
// trusted and is the one place that purges them.
//
// A [Validator] reads the provider's keys from a durable storage scope,
// classifies them through [Validator.Validate], and removes them from both
// scopes through [Validator.Clear] with a [ClearReason] that ends up in logs.
package cache
