// Package index is the disposable SQLite index over the mirror.
//
// The index stores structure only: compounds, molecule offsets and
// fingerprints, atoms and the molecule-atom tag edges. Body text never enters
// the database; callers resolve offsets against the mirror.
//
// Retrieval runs as two set-oriented statements:
//
//   - Phase 1 matches query terms against atom ids through an FTS5
//     external-content table and ranks molecules by the summed weight of their
//     matching atoms.
//   - Phase 2 walks the tag edges of a seed set and scores neighbours by
//     shared tags, temporal decay and fingerprint similarity.
//
// Two scalar functions are registered with the driver: hamming(a, b) and
// decay(dt_nanos, lambda_per_hour).
//
// The database can be deleted at any time. On startup it is validated against
// the mirror generation and the schema version and rebuilt when either check
// fails.
package index
