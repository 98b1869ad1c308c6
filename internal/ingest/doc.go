// Package ingest turns compounds into committed molecules.
//
// A compound is atomized and fingerprinted on the worker pool, durably
// mirrored, then committed to the index in batches. Mirror appends always
// precede the index commit of the same batch, so an index row never points at
// bytes that are not on disk.
package ingest
