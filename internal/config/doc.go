// Package config loads the YAML configuration of the OpenProof daemon and
// CLI. The file path comes from OPENPROOF_CONFIG; every field has a default
// so an empty file describes a single-node, in-memory deployment.
package config
