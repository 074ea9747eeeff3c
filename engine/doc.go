// Package engine defines the worker-side execution engine for distributed
// simulation jobs: the value types that identify work, and the runtime
// configuration that binds the engine's components together.
//
// # Reading Guide
//
// Start with these three files to understand the data model:
//   - params.go: UniqueParameterSet and the canonical param_id derivation
//   - task.go: SimTask / AggregationTask and their content-hash identities
//   - artifact.go: TableArtifact, SimReturn and the success-xor-failure invariant
//
// # Architecture
//
// The engine package defines value types and interfaces; the moving parts
// live in sub-packages:
//   - engine/bundle/: bundle reference resolution and content digests
//   - engine/provenance/: schema-driven content-addressed result store
//   - engine/kvstore/: versioned key/value store with CAS semantics
//   - engine/registry/: job lifecycle state machine and output validation
//   - engine/rpc/: Content-Length framed JSON-RPC 2.0 over subprocess stdio
//   - engine/pool/: warm subprocess pool keyed by bundle digest
//   - engine/execenv/: warm and cold execution environments
//
// All identities are blake2b-256 content hashes: two tasks with equal
// bundle, entrypoint, parameters and seed share a sim_root wherever they
// are computed, which is what makes the provenance store a cache.
package engine
