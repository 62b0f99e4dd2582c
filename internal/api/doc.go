// Package api exposes the REST interface of the daemon: submitting logger and
// relay transactions, looking up committed transactions and indexed entries,
// and managing proof jobs. Metrics and health endpoints share the same server.
package api
