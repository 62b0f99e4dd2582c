// Package redis persists ledger accounts in Redis so several daemon replicas
// can share program state. Each account is a single Borsh encoded value and a
// commit is applied inside one MULTI/EXEC block.
package redis
