// Package evm validates Solana log proofs against the prover contract deployed
// on an EVM chain and extracts the key/value records from the proven logs.
package evm
