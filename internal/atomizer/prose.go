package atomizer

import (
	"bytes"
	"regexp"
)

type proseStrategy struct{}

var headingRe = regexp.MustCompile(`^#{1,6}\s+\S`)

func isHeading(line []byte) bool {
	return headingRe.Match(line)
}

// Segment starts a unit at the first non-blank line after a blank line and at
// every markdown heading.
func (proseStrategy) Segment(doc Document, opts Options) []Span {
	content := doc.Content
	starts := lines(content)

	var (
		unitStarts []int
		heading    = map[int]bool{}
		prevBlank  = true
	)
	for i, off := range starts {
		line := lineAt(content, starts, i)
		blank := len(bytes.TrimSpace(line)) == 0
		if blank {
			prevBlank = true
			continue
		}
		h := isHeading(line)
		if prevBlank || h {
			unitStarts = append(unitStarts, off)
			heading[off] = h
		}
		// The line after a heading starts a new unit.
		prevBlank = h
	}

	var out []Span
	for _, s := range fromStarts(unitStarts, len(content)) {
		s.Heading = heading[s.Start]
		out = append(out, splitSentences(content, s, opts.MaxSize)...)
	}
	return out
}

// splitSentences cuts an oversized span after sentence terminators, then at
// whitespace. The span's metadata is copied to every piece.
func splitSentences(content []byte, s Span, max int) []Span {
	if s.len() <= max {
		return []Span{s}
	}
	sentences, spaces := sentenceCuts(content, s.Start, s.End)

	var out []Span
	start := s.Start
	for s.End-start > max {
		limit := start + max
		cut := lastIn(sentences, start, limit)
		if cut < 0 {
			cut = lastIn(spaces, start, limit)
		}
		if cut < 0 {
			cut = runeCut(content, start, limit)
		}
		piece := s
		piece.Start, piece.End = start, cut
		piece.Heading = false
		out = append(out, piece)
		start = cut
	}
	last := s
	last.Start = start
	last.Heading = start == s.Start && s.Heading
	return append(out, last)
}

// sentenceCuts returns offsets just after sentence terminators followed by
// whitespace (the run of whitespace stays with the sentence), and offsets
// just after any whitespace run.
func sentenceCuts(content []byte, start, end int) (sentences, spaces []int) {
	for i := start; i < end; i++ {
		if !isSpaceByte(content[i]) {
			continue
		}
		j := i
		for j < end && isSpaceByte(content[j]) {
			j++
		}
		if j >= end {
			break
		}
		spaces = append(spaces, j)
		if i > start {
			switch content[i-1] {
			case '.', '!', '?', ':', ';':
				sentences = append(sentences, j)
			}
		}
		i = j - 1
	}
	return sentences, spaces
}

func lastIn(sorted []int, start, limit int) int {
	best := -1
	for _, v := range sorted {
		if v > limit {
			break
		}
		if v > start {
			best = v
		}
	}
	return best
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
