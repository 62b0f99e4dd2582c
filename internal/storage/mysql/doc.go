// Package mysql provides repositories and data access helpers backed by MySQL.
// It owns the embedded schema migrations and persists the key-value
// observations produced by the log indexer.
package mysql
