// Package ledger hosts on-ledger programs. It models a Solana-style runtime:
// accounts with owners, per-instruction declared access, synchronous
// cross-program invocation with a return-data side channel, a shared compute
// budget, and all-or-nothing commit of every transaction.
package ledger
