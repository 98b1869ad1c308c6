package atomizer

import (
	"bytes"
	"path/filepath"
	"sort"
	"strings"
)

type codeStrategy struct{}

// dialect captures the lexical rules that matter for boundary detection.
type dialect struct {
	slashComments bool // "//" and "/* */"
	hashComments  bool // "#"
	singleQuotes  bool // '...' is a string or char literal
	tripleQuotes  bool // """...""" and '''...'''
	backticks     bool // `...` may span lines
}

func dialectFor(path string) dialect {
	ext := strings.ToLower(filepath.Ext(path))
	if hashComment[ext] {
		return dialect{hashComments: true, singleQuotes: true, tripleQuotes: ext == ".py"}
	}
	switch ext {
	case ".rs":
		// Lifetimes ('a) make single quotes ambiguous.
		return dialect{slashComments: true}
	case ".sql", ".lua":
		return dialect{singleQuotes: true}
	}
	return dialect{slashComments: true, singleQuotes: true, backticks: true}
}

// lineState is the lexer state at the start of a line.
type lineState struct {
	depth   int
	inBlock bool // inside /* */
	inLong  bool // inside a multi-line string
}

func (s lineState) clean() bool { return s.depth == 0 && !s.inBlock && !s.inLong }

// scanLines runs the lexer over content and returns the state at the start of
// every line.
func scanLines(content []byte, starts []int, d dialect) []lineState {
	states := make([]lineState, len(starts))
	var st lineState
	var longDelim string
	for li := range starts {
		states[li] = st
		line := lineAt(content, starts, li)
		var quote byte
		for i := 0; i < len(line); i++ {
			c := line[i]
			switch {
			case st.inBlock:
				if c == '*' && i+1 < len(line) && line[i+1] == '/' {
					st.inBlock = false
					i++
				}
			case st.inLong:
				if bytes.HasPrefix(line[i:], []byte(longDelim)) {
					st.inLong = false
					i += len(longDelim) - 1
				} else if c == '\\' {
					i++
				}
			case quote != 0:
				if c == '\\' {
					i++
				} else if c == quote {
					quote = 0
				}
			case d.slashComments && c == '/' && i+1 < len(line) && line[i+1] == '/':
				i = len(line)
			case d.slashComments && c == '/' && i+1 < len(line) && line[i+1] == '*':
				st.inBlock = true
				i++
			case d.hashComments && c == '#':
				i = len(line)
			case d.tripleQuotes && (bytes.HasPrefix(line[i:], []byte(`"""`)) || bytes.HasPrefix(line[i:], []byte(`'''`))):
				st.inLong = true
				longDelim = string(line[i : i+3])
				i += 2
			case d.backticks && c == '`':
				st.inLong = true
				longDelim = "`"
			case c == '"' || (d.singleQuotes && c == '\''):
				quote = c
			case c == '{' || c == '(' || c == '[':
				st.depth++
			case c == '}' || c == ')' || c == ']':
				if st.depth > 0 {
					st.depth--
				}
			}
		}
	}
	return states
}

var closingPrefixes = []string{"}", ")", "]", "else", "elif", "except", "finally", "catch", "end"}

func isCommentLine(trimmed []byte, d dialect) bool {
	switch {
	case d.slashComments && (bytes.HasPrefix(trimmed, []byte("//")) || bytes.HasPrefix(trimmed, []byte("/*")) || bytes.HasPrefix(trimmed, []byte("*"))):
		return true
	case d.hashComments && bytes.HasPrefix(trimmed, []byte("#")):
		return true
	case bytes.HasPrefix(trimmed, []byte("--")):
		return true
	}
	return false
}

// isAttachment reports lines that belong to the declaration below them.
func isAttachment(line []byte, st lineState, d dialect) bool {
	if st.depth != 0 || st.inLong {
		return false
	}
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return false
	}
	if st.inBlock || isCommentLine(trimmed, d) {
		return true
	}
	return bytes.HasPrefix(line, []byte("@")) || bytes.HasPrefix(line, []byte("#["))
}

func isBoundary(line []byte, st lineState, d dialect) bool {
	if !st.clean() || len(line) == 0 {
		return false
	}
	if line[0] == ' ' || line[0] == '\t' {
		return false
	}
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || isCommentLine(trimmed, d) {
		return false
	}
	for _, p := range closingPrefixes {
		if bytes.HasPrefix(trimmed, []byte(p)) {
			rest := trimmed[len(p):]
			if len(p) == 1 || len(rest) == 0 || !isIdentByte(rest[0]) {
				return false
			}
		}
	}
	return true
}

// headerKeywords open lines that set up a file rather than declare anything.
var headerKeywords = []string{"package", "import", "from", "use", "using", "module", "require", "#include", "#import"}

func isHeader(trimmed []byte) bool {
	for _, k := range headerKeywords {
		if bytes.HasPrefix(trimmed, []byte(k)) {
			rest := trimmed[len(k):]
			if len(rest) == 0 || !isIdentByte(rest[0]) {
				return true
			}
		}
	}
	return false
}

// declares reports whether the first line of s below its attachments is a
// top-level declaration.
func declares(content []byte, s Span, starts []int, states []lineState, d dialect) bool {
	for i := sort.SearchInts(starts, s.Start); i < len(starts) && starts[i] < s.End; i++ {
		line := lineAt(content, starts, i)
		if isBlank(line) || isAttachment(line, states[i], d) {
			continue
		}
		return isBoundary(line, states[i], d) && !isHeader(bytes.TrimSpace(line))
	}
	return false
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func (codeStrategy) Segment(doc Document, opts Options) []Span {
	content := doc.Content
	d := dialectFor(doc.Path)
	starts := lines(content)
	states := scanLines(content, starts, d)

	var unitStarts []int
	for i := 1; i < len(starts); i++ {
		if !isBoundary(lineAt(content, starts, i), states[i], d) {
			continue
		}
		j := i
		for j-1 > 0 && isAttachment(lineAt(content, starts, j-1), states[j-1], d) {
			j--
		}
		b := starts[j]
		if n := len(unitStarts); n > 0 && unitStarts[n-1] >= b {
			continue
		}
		unitStarts = append(unitStarts, b)
	}

	spans := fromStarts(unitStarts, len(content))
	out := make([]Span, 0, len(spans))
	for _, s := range spans {
		if s.len() <= opts.MaxSize {
			s.Unit = declares(content, s, starts, states, d)
			out = append(out, s)
			continue
		}
		for _, c := range splitCode(content, s, starts, states, opts.MaxSize) {
			out = append(out, Span{Start: c[0], End: c[1]})
		}
	}
	return out
}

// splitCode cuts an oversized unit at the shallowest interior line starts.
// Among the lines of minimal depth that fit, the last one wins.
func splitCode(content []byte, s Span, starts []int, states []lineState, max int) [][2]int {
	type cand struct {
		off   int
		depth int
	}
	var cands []cand
	for i, off := range starts {
		if off <= s.Start || off >= s.End {
			continue
		}
		st := states[i]
		depth := st.depth
		if st.inBlock || st.inLong {
			depth += 1 << 16
		}
		if isBlank(lineAt(content, starts, i)) {
			depth++
		}
		cands = append(cands, cand{off: off, depth: depth})
	}

	var out [][2]int
	start := s.Start
	for s.End-start > max {
		limit := start + max
		best := -1
		bestDepth := 0
		for _, c := range cands {
			if c.off <= start {
				continue
			}
			if c.off > limit {
				break
			}
			if best < 0 || c.depth <= bestDepth {
				best, bestDepth = c.off, c.depth
			}
		}
		if best < 0 {
			best = runeCut(content, start, limit)
		}
		out = append(out, [2]int{start, best})
		start = best
	}
	return append(out, [2]int{start, s.End})
}
