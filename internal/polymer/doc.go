// Package polymer talks to the Polymer proof API over JSON-RPC. A proof is
// requested for a transaction signature and program id, then polled until the
// service reports it complete, backing off between polls.
package polymer
