// Package storage provides the key-value scopes that hold persisted session
// artifacts: a durable scope backed by Redis and an in-process scope that
// lives as long as the process.
package storage
