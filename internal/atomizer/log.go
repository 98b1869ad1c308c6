package atomizer

import (
	"regexp"
	"strings"
	"time"
)

type logStrategy struct{}

var (
	tsRe      = regexp.MustCompile(`^\s*\[?(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(?::\d{2}(?:\.\d+)?)?(?:Z|[+-]\d{2}:?\d{2})?)\]?`)
	speakerRe = regexp.MustCompile(`^\s*(?:\[[^\]]*\]\s*)?(?:\d{4}-\d{2}-\d{2}[T ][\d:.]+\S*\s+)?([\p{L}][\p{L}\p{N}_.'-]*(?: [\p{L}\p{N}_.'-]+){0,2}):\s`)
)

var tsLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range tsLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// isTurnStart reports lines that open a conversational turn or log record.
func isTurnStart(line string) bool {
	return tsRe.MatchString(line) || speakerRe.MatchString(line)
}

// turnHeader parses the optional timestamp and speaker of a turn line.
func turnHeader(line string) (ts time.Time, speaker string, ok bool) {
	if m := tsRe.FindStringSubmatch(line); m != nil {
		ts, _ = parseTimestamp(m[1])
		ok = true
	}
	if m := speakerRe.FindStringSubmatch(line); m != nil {
		speaker = strings.TrimSpace(m[1])
		ok = true
	}
	return ts, speaker, ok
}

// Segment starts a unit at every turn line. Continuation lines belong to the
// current turn.
func (logStrategy) Segment(doc Document, opts Options) []Span {
	content := doc.Content
	starts := lines(content)

	type header struct {
		ts      time.Time
		speaker string
	}
	var unitStarts []int
	headers := map[int]header{}
	for i, off := range starts {
		ts, speaker, ok := turnHeader(string(lineAt(content, starts, i)))
		if !ok {
			continue
		}
		unitStarts = append(unitStarts, off)
		headers[off] = header{ts: ts, speaker: speaker}
	}

	var out []Span
	for _, s := range fromStarts(unitStarts, len(content)) {
		h := headers[s.Start]
		s.Timestamp, s.Speaker = h.ts, h.speaker
		out = append(out, splitSentences(content, s, opts.MaxSize)...)
	}
	return out
}
