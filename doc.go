// Package ece is a local-first content memory engine.
//
// It ingests documents, source code and conversational logs, decomposes them
// into molecules (contiguous byte spans) tagged with atoms (symbols,
// entities, hashtags, keywords), and answers relevance queries by walking
// the tag graph.
//
// # Quick Start
//
//	ctx := context.Background()
//	eng, err := ece.Open(ctx, "./data")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
//	rcpt, _ := eng.Ingest(ctx, ece.Compound{Bucket: "notes", Path: "notes.md"})
//	fmt.Println(rcpt.Molecules, "molecules")
//
//	res, _ := eng.Search(ctx, ece.Query{Text: "garden project", Budget: 10})
//	for _, h := range res.Hits {
//	    fmt.Println(h.Phase, h.Score, h.Text)
//	}
//
// # Durability Model
//
// Raw content and per-compound metadata are written to an append-only
// mirror on disk before the index is touched. The index is a disposable
// SQLite database holding offsets, fingerprints and tags but no text; it is
// deleted on Close and rebuilt from the mirror on the next Open:
//
//	dir/mirror/<bucket>/<compound>.dat   raw bytes
//	dir/mirror/<bucket>/<compound>.meta  CRC-framed JSON records
//	dir/mirror/<bucket>/suppressed.log   molecules removed by compaction
//	dir/mirror/STATE                     generation
//	dir/index.db                         index
//
// # Retrieval
//
// Search runs in two phases. Phase 1 ("planets") matches query terms against
// atom labels. Phase 2 ("moons") ranks molecules sharing tags with the
// planets by shared tag count, temporal decay and fingerprint similarity.
// The budget is split between the phases by WithPlanetRatio. Every hit is
// returned with its exact text, and neighbouring hits are inflated into
// spans of surrounding content.
//
// # Deduplication
//
// Every molecule carries a 64-bit simhash fingerprint. A molecule within
// WithDedupThreshold bits of one already indexed in the same bucket is not
// stored. Re-ingesting identical content is a no-op.
//
// # Resource Pressure
//
// Memory is sampled in the background. Under elevated pressure ingests
// commit in smaller batches and queries shrink their inflation radius;
// under critical pressure ingests abort with ErrResourcePressure and queries
// skip Phase 2.
//
// # Maintenance
//
// Rebuild, Compact, Export, Import, Backup and Restore operate on the
// running engine. Replica targets for Backup live in the replica,
// replica/s3 and replica/minio packages.
package ece
