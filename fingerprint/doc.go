// Package fingerprint computes 64-bit locality-sensitive fingerprints (simhash)
// of text and compares them by Hamming distance.
//
// Near-identical texts produce fingerprints that differ in few bits, so the
// engine uses them both as a deduplication gate and as a similarity signal
// during associative retrieval.
//
// # Algorithm
//
//   - Tokenize into lowercased letter/digit runs (non-space runs when a text
//     has no word characters).
//   - Slide a window of Window tokens to form shingles.
//   - Hash every shingle to 64 bits and add +w / -w to 64 bit-votes.
//   - Bit i of the fingerprint is set when vote i is positive.
//
// Empty text maps to Sentinel.
//
// # Usage
//
//	fp := fingerprint.Sum("the quick brown fox")
//	d := fingerprint.Distance(fp, other) // 0..64
//
//	h := fingerprint.New(fingerprint.WithWindow(4), fingerprint.WithWeighting(fingerprint.Uniform))
//	fp = h.Sum(text)
package fingerprint
