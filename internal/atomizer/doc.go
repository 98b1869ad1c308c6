// Package atomizer decomposes a compound (file, document or conversation log)
// into molecules and extracts the atoms (tags) that link them.
//
// Segmentation is dispatched by content type through a strategy table:
//
//   - code: top-level declaration boundaries, comments travel with the
//     declaration they precede
//   - prose: paragraphs, headings start a new unit
//   - log: speaker or timestamp turns
//
// Every strategy returns contiguous byte spans covering the whole input.
// Spans above MaxSize are split at the most natural interior boundary and
// fragments below MinSize are merged into a neighbour. The atomizer never
// copies text into its result; molecules are offsets into the original bytes.
package atomizer
