package atomizer

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goSource = `package main

import "fmt"

// Greet prints a greeting for the given name and returns the number of bytes.
func Greet(name string) int {
	n, _ := fmt.Printf("hello, %s! welcome to the memory engine\n", name)
	return n
}

// Farewell prints a goodbye message for the given name and returns nothing.
func Farewell(name string) {
	fmt.Printf("goodbye, %s! see you next time in the engine\n", name)
}
`

func requireContiguous(t *testing.T, content []byte, drafts []Draft) {
	t.Helper()
	require.NotEmpty(t, drafts)
	assert.Equal(t, 0, drafts[0].Start)
	assert.Equal(t, len(content), drafts[len(drafts)-1].End)
	for i := 1; i < len(drafts); i++ {
		assert.Equal(t, drafts[i-1].End, drafts[i].Start, "gap between %d and %d", i-1, i)
	}
	for i, d := range drafts {
		assert.Equal(t, i, d.Ordinal)
	}
}

func TestCodeHeaderMergesIntoFirstFunction(t *testing.T) {
	a := New(DefaultOptions())
	res := a.Atomize(Document{Path: "main.go", Content: []byte(goSource)})

	assert.Equal(t, Code, res.Type)
	require.Len(t, res.Drafts, 2)
	requireContiguous(t, []byte(goSource), res.Drafts)

	first := goSource[res.Drafts[0].Start:res.Drafts[0].End]
	second := goSource[res.Drafts[1].Start:res.Drafts[1].End]
	assert.True(t, strings.HasPrefix(first, "package main"))
	assert.Contains(t, first, "func Greet")
	assert.True(t, strings.HasPrefix(second, "// Farewell"), "comment travels with its declaration")

	assert.Contains(t, res.Drafts[0].Atoms, "greet")
	assert.Contains(t, res.Drafts[1].Atoms, "farewell")

	var greet AtomCandidate
	for _, at := range res.Atoms {
		if at.ID == "greet" {
			greet = at
		}
	}
	assert.Equal(t, AtomSymbol, greet.Type)
	assert.Equal(t, "Greet", greet.Label)
	assert.InDelta(t, 1.0, greet.Weight, 1e-9)
}

func TestCodeShortFunctionsStayWhole(t *testing.T) {
	src := "package calc\n\nfunc add(a, b int) int {\n\treturn a + b\n}\n\nfunc sub(a, b int) int {\n\treturn a - b\n}\n"
	res := New(DefaultOptions()).Atomize(Document{Path: "calc.go", Content: []byte(src)})

	require.Len(t, res.Drafts, 2)
	requireContiguous(t, []byte(src), res.Drafts)
	first := src[res.Drafts[0].Start:res.Drafts[0].End]
	second := src[res.Drafts[1].Start:res.Drafts[1].End]
	assert.True(t, strings.HasPrefix(first, "package calc"), "the header folds into the first function")
	assert.Contains(t, first, "return a + b\n}\n")
	assert.NotContains(t, first, "func sub")
	assert.Equal(t, "func sub(a, b int) int {\n\treturn a - b\n}\n", second)
}

func TestCodeOversizedUnitSplitsAtShallowLines(t *testing.T) {
	var b strings.Builder
	b.WriteString("func Big() {\n")
	for i := 0; i < 40; i++ {
		b.WriteString("\tif x := compute(); x > 0 {\n\t\tuse(x)\n\t}\n")
	}
	b.WriteString("}\n")
	src := b.String()

	a := New(Options{MaxSize: 256, MinSize: 16})
	res := a.Atomize(Document{Type: Code, Path: "big.go", Content: []byte(src)})

	require.Greater(t, len(res.Drafts), 1)
	requireContiguous(t, []byte(src), res.Drafts)
	for _, d := range res.Drafts[1:] {
		assert.LessOrEqual(t, d.Len(), 256)
		assert.True(t, strings.HasPrefix(src[d.Start:], "\tif ") || strings.HasPrefix(src[d.Start:], "}"),
			"cut at a depth-1 statement: %q", src[d.Start:min(d.Start+10, len(src))])
	}
}

func TestCodeHugeLineCutsOnRuneBoundary(t *testing.T) {
	src := "var s = \"" + strings.Repeat("é", 300) + "\"\n"
	a := New(Options{MaxSize: 100, MinSize: 10})
	res := a.Atomize(Document{Type: Code, Content: []byte(src)})

	requireContiguous(t, []byte(src), res.Drafts)
	for _, d := range res.Drafts {
		assert.LessOrEqual(t, d.Len(), 100)
		assert.True(t, strings.ToValidUTF8(src[d.Start:d.End], "?") == src[d.Start:d.End])
	}
}

func TestPythonDecoratorsAndDocstrings(t *testing.T) {
	src := `"""Module docstring that mentions
def not_a_boundary():
"""

@decorator
def first(a, b):
    return a + b + 1000000000000000000000000000000000000000000000000

class Second:
    def method(self):
        return "a string with a # hash and // slashes in it for good measure"
`
	a := New(Options{MaxSize: 2048, MinSize: 8})
	res := a.Atomize(Document{Path: "mod.py", Content: []byte(src)})
	require.Len(t, res.Drafts, 3)
	requireContiguous(t, []byte(src), res.Drafts)
	assert.True(t, strings.HasPrefix(src[res.Drafts[1].Start:], "@decorator"))
	assert.True(t, strings.HasPrefix(src[res.Drafts[2].Start:], "class Second"))
}

func TestProseParagraphsAndHeadings(t *testing.T) {
	src := "# Title\n" +
		"The first paragraph talks about memory engines and how they remember things.\n" +
		"\n" +
		"A second paragraph discusses retrieval with budgets and gravity scoring.\n"
	a := New(DefaultOptions())
	res := a.Atomize(Document{Path: "notes.md", Content: []byte(src)})

	require.Len(t, res.Drafts, 2)
	requireContiguous(t, []byte(src), res.Drafts)
	assert.True(t, strings.HasPrefix(src[res.Drafts[0].Start:], "# Title\nThe first"), "heading merges forward")
}

func TestProseOversizedParagraphSplitsAtSentences(t *testing.T) {
	sentence := "This sentence is about forty bytes long. "
	src := strings.Repeat(sentence, 20)
	a := New(Options{MaxSize: 200, MinSize: 10})
	res := a.Atomize(Document{Type: Prose, Content: []byte(src)})

	requireContiguous(t, []byte(src), res.Drafts)
	for _, d := range res.Drafts[1:] {
		assert.True(t, strings.HasPrefix(src[d.Start:], "This sentence"))
		assert.LessOrEqual(t, d.Len(), 200)
	}
}

func TestLogTurnsWithTimestamps(t *testing.T) {
	src := "[2024-03-01 10:00:00] Alice: I talked with Dory about ADHD coping strategies again today.\n" +
		"It went well overall.\n" +
		"[2024-03-01 10:05:00] Bob: Dory mentioned the garden project, which needs more volunteers.\n"
	a := New(DefaultOptions())
	res := a.Atomize(Document{Path: "chat.log", Content: []byte(src)})

	require.Len(t, res.Drafts, 2)
	requireContiguous(t, []byte(src), res.Drafts)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), res.Drafts[0].Timestamp)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC), res.Drafts[1].Timestamp)

	assert.Contains(t, res.Drafts[0].Atoms, "dory")
	assert.Contains(t, res.Drafts[0].Atoms, "adhd")
	assert.Contains(t, res.Drafts[0].Atoms, "alice")
	assert.Contains(t, res.Drafts[1].Atoms, "dory")
	assert.NotContains(t, res.Drafts[1].Atoms, "adhd")
}

func TestSmallTrailingFragmentMergesBackward(t *testing.T) {
	src := "This paragraph is comfortably longer than the minimum molecule size of sixty-four bytes.\n\nok\n"
	res := New(DefaultOptions()).Atomize(Document{Type: Prose, Content: []byte(src)})
	require.Len(t, res.Drafts, 1)
	assert.Equal(t, len(src), res.Drafts[0].End)
}

func TestBlankContent(t *testing.T) {
	a := New(DefaultOptions())
	assert.Empty(t, a.Atomize(Document{Content: nil}).Drafts)
	assert.Empty(t, a.Atomize(Document{Content: []byte(" \n\t\n")}).Drafts)
}

func TestTags(t *testing.T) {
	set := newAtomSet()
	text := "Meeting with Ada Lovelace about #memory and @grace_hopper. NASA called twice. The engine engine engine works."
	ids := extractTags(Prose, text, "", 8, set)

	assert.Contains(t, ids, "ada lovelace")
	assert.Contains(t, ids, "memory")
	assert.Contains(t, ids, "grace_hopper")
	assert.Contains(t, ids, "nasa")
	assert.Contains(t, ids, "engine")
	assert.NotContains(t, ids, "the")

	byID := map[string]AtomCandidate{}
	for _, a := range set.sorted() {
		byID[a.ID] = a
	}
	assert.Equal(t, AtomHashtag, byID["memory"].Type)
	assert.Equal(t, AtomMention, byID["grace_hopper"].Type)
	assert.Equal(t, AtomAcronym, byID["nasa"].Type)
	assert.Equal(t, AtomKeyword, byID["engine"].Type)
	assert.InDelta(t, 0.5, byID["engine"].Weight, 1e-9)
}

func TestTagsIgnoreNoise(t *testing.T) {
	set := newAtomSet()
	ids := extractTags(Prose, "╭──╮ \x1b[31mRed\x1b[0m ✔ [Truncated] done", "", 8, set)
	for _, id := range ids {
		assert.NotContains(t, id, "─")
		assert.NotEqual(t, "truncated", id)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, Normalize("  STRASSE  "), Normalize("straße"))
	assert.Equal(t, Normalize("ADHD"), Normalize("adhd"))
	assert.Equal(t, "file", Normalize("ﬁle"))
	assert.Equal(t, "new york", Normalize("New   York"))
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		content string
		want    ContentType
	}{
		{"GoExt", "a.go", "whatever", Code},
		{"MarkdownExt", "README.md", "func x() {}", Prose},
		{"LogExt", "server.log", "hello", Log},
		{"ChatHeuristic", "", "Alice: hi there\nBob: hello\nAlice: how are you\n", Log},
		{"CodeHeuristic", "", "int main() {\n  return 0;\n}\n", Code},
		{"ProseHeuristic", "", "Just some words.\nAnd more words here.\n", Prose},
		{"Empty", "", "", Prose},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.path, []byte(tt.content)))
		})
	}
}

func TestParseContentType(t *testing.T) {
	ct, ok := ParseContentType("CODE")
	assert.True(t, ok)
	assert.Equal(t, Code, ct)
	_, ok = ParseContentType("binary")
	assert.False(t, ok)
}

func TestAtomizeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	maxSize := 64
	a := New(Options{MaxSize: maxSize, MinSize: 8})

	check := func(ct ContentType, s string) bool {
		content := []byte(s)
		res := a.Atomize(Document{Type: ct, Content: content})
		pos := 0
		for _, d := range res.Drafts {
			if d.Start < pos || d.End <= d.Start || d.End > len(content) || d.Len() > maxSize {
				return false
			}
			if !isBlank(content[pos:d.Start]) {
				return false
			}
			pos = d.End
		}
		return isBlank(content[pos:])
	}

	for _, ct := range []ContentType{Code, Prose, Log} {
		ct := ct
		properties.Property(string(ct)+" drafts cover all non-blank bytes within MaxSize", prop.ForAll(
			func(s string) bool { return check(ct, s) },
			gen.AnyString(),
		))
		properties.Property(string(ct)+" multi-line text", prop.ForAll(
			func(parts []string) bool { return check(ct, strings.Join(parts, "\n")) },
			gen.SliceOf(gen.AlphaString()),
		))
	}

	properties.TestingRun(t)
}
