// Package mirror is the durable, append-only source of truth of the engine.
//
// Layout under the mirror root:
//
//	STATE                   generation counter, bumped on every sidecar append
//	<bucket>/<id>.dat       raw compound bytes, written atomically
//	<bucket>/<id>.meta      sidecar: CRC-framed JSON records
//	<bucket>/suppressed.log molecule ids collapsed by compaction
//
// Every sidecar line is "<crc32c hex> <json>\n". A header record is written
// atomically together with the content; molecule records are appended in
// batches and fsynced before the index commits them; a seal record marks a
// completed ingest. Replay stops at the first line that fails its checksum,
// so a torn tail from a crash is ignored.
//
// The index can always be rebuilt from these files alone.
package mirror
