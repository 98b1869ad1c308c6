package atomizer

import (
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// ContentType selects the segmentation strategy.
type ContentType string

const (
	Code  ContentType = "code"
	Prose ContentType = "prose"
	Log   ContentType = "log"
)

// ParseContentType maps a name to a ContentType. The empty string is valid and
// means "detect".
func ParseContentType(s string) (ContentType, bool) {
	switch ContentType(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return "", true
	case Code:
		return Code, true
	case Prose:
		return Prose, true
	case Log:
		return Log, true
	}
	return "", false
}

const (
	DefaultMaxSize     = 2048
	DefaultMinSize     = 64
	DefaultTopKeywords = 8
)

// Options configures an Atomizer.
type Options struct {
	MaxSize     int // Upper bound of a molecule in bytes.
	MinSize     int // Fragments below this merge into a neighbour.
	TopKeywords int // Keywords extracted per molecule.
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		MaxSize:     DefaultMaxSize,
		MinSize:     DefaultMinSize,
		TopKeywords: DefaultTopKeywords,
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.MaxSize <= 0 {
		o.MaxSize = d.MaxSize
	}
	if o.MaxSize < 16 {
		o.MaxSize = 16
	}
	if o.MinSize < 0 {
		o.MinSize = 0
	}
	if o.MinSize > o.MaxSize/2 {
		o.MinSize = o.MaxSize / 2
	}
	if o.TopKeywords <= 0 {
		o.TopKeywords = d.TopKeywords
	}
	return o
}

// Document is the input of Atomize.
type Document struct {
	Type    ContentType // Detected from Path and Content when empty.
	Path    string
	Content []byte
}

// Draft is a molecule before it has an identity.
type Draft struct {
	Ordinal   int
	Start     int
	End       int
	Timestamp time.Time
	Atoms     []string // Atom ids, sorted.
}

// Len returns the byte length of the draft.
func (d Draft) Len() int { return d.End - d.Start }

// Result is the output of Atomize.
type Result struct {
	Type   ContentType
	Drafts []Draft
	Atoms  []AtomCandidate // Unique by ID, sorted by ID.
}

// Span is a contiguous byte range produced by a strategy.
type Span struct {
	Start     int
	End       int
	Timestamp time.Time
	Speaker   string
	Heading   bool // Merges forward when small.
	Unit      bool // A complete declaration. Never folded away, however small.
}

func (s Span) len() int { return s.End - s.Start }

// Strategy segments content into contiguous spans covering [0, len(content)).
type Strategy interface {
	Segment(doc Document, opts Options) []Span
}

// Atomizer is safe for concurrent use.
type Atomizer struct {
	opts       Options
	strategies map[ContentType]Strategy
}

// New returns an Atomizer with the built-in strategies.
func New(opts Options) *Atomizer {
	return &Atomizer{
		opts: opts.normalized(),
		strategies: map[ContentType]Strategy{
			Code:  codeStrategy{},
			Prose: proseStrategy{},
			Log:   logStrategy{},
		},
	}
}

// Options returns the effective options.
func (a *Atomizer) Options() Options { return a.opts }

// Atomize segments doc and extracts atoms.
func (a *Atomizer) Atomize(doc Document) Result {
	if doc.Type == "" {
		doc.Type = Detect(doc.Path, doc.Content)
	}
	res := Result{Type: doc.Type}
	if isBlank(doc.Content) {
		return res
	}

	strategy, ok := a.strategies[doc.Type]
	if !ok {
		strategy = a.strategies[Prose]
	}

	spans := strategy.Segment(doc, a.opts)
	spans = enforceMax(doc.Content, spans, a.opts.MaxSize)
	spans = mergeSmall(spans, a.opts)

	atoms := newAtomSet()
	for _, s := range spans {
		text := doc.Content[s.Start:s.End]
		if isBlank(text) {
			continue
		}
		ids := extractTags(doc.Type, string(text), s.Speaker, a.opts.TopKeywords, atoms)
		res.Drafts = append(res.Drafts, Draft{
			Ordinal:   len(res.Drafts),
			Start:     s.Start,
			End:       s.End,
			Timestamp: s.Timestamp,
			Atoms:     ids,
		})
	}
	res.Atoms = atoms.sorted()
	return res
}

// enforceMax splits spans that a strategy left above max at line boundaries,
// then on rune boundaries.
func enforceMax(content []byte, spans []Span, max int) []Span {
	out := make([]Span, 0, len(spans))
	for _, s := range spans {
		if s.len() <= max {
			out = append(out, s)
			continue
		}
		for _, c := range splitGreedy(content, s.Start, s.End, max, lineStarts(content, s.Start, s.End)) {
			out = append(out, Span{Start: c[0], End: c[1], Timestamp: s.Timestamp, Speaker: s.Speaker})
		}
	}
	return out
}

// splitGreedy cuts [start, end) into chunks of at most max bytes, cutting at
// the largest candidate offset that fits and falling back to a rune boundary.
// candidates must be sorted.
func splitGreedy(content []byte, start, end, max int, candidates []int) [][2]int {
	var out [][2]int
	for end-start > max {
		limit := start + max
		i := sort.SearchInts(candidates, limit+1) - 1
		cut := -1
		if i >= 0 && candidates[i] > start {
			cut = candidates[i]
		}
		if cut < 0 {
			cut = runeCut(content, start, limit)
		}
		out = append(out, [2]int{start, cut})
		start = cut
	}
	return append(out, [2]int{start, end})
}

// runeCut returns the largest rune boundary in (start, limit].
func runeCut(content []byte, start, limit int) int {
	cut := limit
	for cut > start+1 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return cut
}

// lineStarts returns the start offsets of lines in (start, end).
func lineStarts(content []byte, start, end int) []int {
	var out []int
	for i := start; i < end-1; i++ {
		if content[i] == '\n' {
			out = append(out, i+1)
		}
	}
	return out
}

// mergeSmall folds fragments below MinSize into a neighbour as long as the
// result stays within MaxSize. Leading fragments and headings merge forward,
// all others merge backward. Units are never treated as fragments.
func mergeSmall(spans []Span, opts Options) []Span {
	out := make([]Span, 0, len(spans))
	var (
		pending    Span
		hasPending bool
	)
	for _, s := range spans {
		if hasPending {
			hasPending = false
			if s.End-pending.Start <= opts.MaxSize {
				s = join(pending, s)
			} else {
				out = append(out, pending)
			}
		}
		small := !s.Unit && s.len() < opts.MinSize
		if small && (len(out) == 0 || s.Heading) {
			pending, hasPending = s, true
			continue
		}
		if small && len(out) > 0 && s.End-out[len(out)-1].Start <= opts.MaxSize {
			out[len(out)-1] = join(out[len(out)-1], s)
			continue
		}
		out = append(out, s)
	}
	if hasPending {
		if n := len(out); n > 0 && pending.End-out[n-1].Start <= opts.MaxSize {
			out[n-1] = join(out[n-1], pending)
		} else {
			out = append(out, pending)
		}
	}
	return out
}

func join(a, b Span) Span {
	out := Span{Start: a.Start, End: b.End, Timestamp: a.Timestamp, Speaker: a.Speaker, Unit: a.Unit || b.Unit}
	if out.Timestamp.IsZero() {
		out.Timestamp = b.Timestamp
	}
	if out.Speaker == "" {
		out.Speaker = b.Speaker
	}
	return out
}

// fromStarts converts sorted unit start offsets into contiguous spans over
// [0, n). The first start is forced to 0.
func fromStarts(starts []int, n int) []Span {
	if n == 0 {
		return nil
	}
	if len(starts) == 0 || starts[0] != 0 {
		starts = append([]int{0}, starts...)
	}
	out := make([]Span, 0, len(starts))
	for i, s := range starts {
		e := n
		if i+1 < len(starts) {
			e = starts[i+1]
		}
		if e > s {
			out = append(out, Span{Start: s, End: e})
		}
	}
	return out
}

// lines returns the start offset of every line in content, including 0.
func lines(content []byte) []int {
	out := []int{0}
	for i, c := range content {
		if c == '\n' && i+1 < len(content) {
			out = append(out, i+1)
		}
	}
	return out
}

func lineAt(content []byte, starts []int, i int) []byte {
	end := len(content)
	if i+1 < len(starts) {
		end = starts[i+1]
	}
	return content[starts[i]:end]
}

func isBlank(b []byte) bool {
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if !unicode.IsSpace(r) {
			return false
		}
		b = b[size:]
	}
	return true
}
