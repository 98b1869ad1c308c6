package atomizer

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// AtomType classifies how an atom was extracted.
type AtomType string

const (
	AtomSymbol  AtomType = "symbol"
	AtomEntity  AtomType = "entity"
	AtomAcronym AtomType = "acronym"
	AtomHashtag AtomType = "hashtag"
	AtomMention AtomType = "mention"
	AtomSpeaker AtomType = "speaker"
	AtomKeyword AtomType = "keyword"
)

var typeRank = map[AtomType]int{
	AtomSymbol:  6,
	AtomEntity:  5,
	AtomAcronym: 5,
	AtomHashtag: 4,
	AtomMention: 3,
	AtomSpeaker: 2,
	AtomKeyword: 1,
}

var typeWeight = map[AtomType]float64{
	AtomSymbol:  1.0,
	AtomHashtag: 1.0,
	AtomEntity:  0.9,
	AtomAcronym: 0.9,
	AtomMention: 0.8,
	AtomSpeaker: 0.8,
	AtomKeyword: 0.5,
}

// AtomCandidate is an extracted tag.
type AtomCandidate struct {
	ID     string // Normalized label.
	Label  string // First surface form.
	Type   AtomType
	Weight float64
}

// Normalize folds case and applies NFKC so that surface variants of a label
// map to the same atom id.
func Normalize(label string) string {
	s := norm.NFKC.String(cases.Fold().String(label))
	return strings.Join(strings.Fields(s), " ")
}

var (
	hashtagRe = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_&#/])#([\p{L}_][\p{L}\p{N}_-]*)`)
	mentionRe = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_.@])@([\p{L}_][\p{L}\p{N}_.-]*[\p{L}\p{N}_])`)
	entityRe  = regexp.MustCompile(`\b(\p{Lu}\p{Ll}+(?:[ \t]+\p{Lu}\p{Ll}+){0,2})(?:[^\p{L}\p{N}_]|$)`)
	acronymRe = regexp.MustCompile(`\b\p{Lu}{2,8}[0-9]{0,2}s?\b`)
	symbolRe  = regexp.MustCompile(`\b(?:func|def|class|type|struct|interface|enum|fn|trait|impl|module|function|const|let|var|macro)\s+(?:\([^)]*\)\s*)?([A-Za-z_][A-Za-z0-9_]*)`)
	wordRe    = regexp.MustCompile(`[\p{L}][\p{L}\p{N}_]*`)
)

type atomSet struct {
	byID map[string]*AtomCandidate
}

func newAtomSet() *atomSet {
	return &atomSet{byID: make(map[string]*AtomCandidate)}
}

// add records an extraction and returns the atom id ("" when rejected).
func (s *atomSet) add(label string, t AtomType) string {
	label = strings.TrimSpace(label)
	id := Normalize(label)
	if utf8.RuneCountInString(id) < 2 {
		return ""
	}
	w := typeWeight[t]
	if a, ok := s.byID[id]; ok {
		if typeRank[t] > typeRank[a.Type] {
			a.Type = t
		}
		if w > a.Weight {
			a.Weight = w
		}
		return id
	}
	s.byID[id] = &AtomCandidate{ID: id, Label: label, Type: t, Weight: w}
	return id
}

func (s *atomSet) sorted() []AtomCandidate {
	out := make([]AtomCandidate, 0, len(s.byID))
	for _, a := range s.byID {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// extractTags extracts the atoms of one molecule into set and returns their
// ids, sorted and unique.
func extractTags(ct ContentType, raw, speaker string, topK int, set *atomSet) []string {
	text := cleanse(raw)
	ids := make(map[string]struct{})
	add := func(label string, t AtomType) {
		if id := set.add(label, t); id != "" {
			ids[id] = struct{}{}
		}
	}

	if ct == Code {
		for _, m := range symbolRe.FindAllStringSubmatch(text, -1) {
			add(m[1], AtomSymbol)
		}
	} else {
		for _, m := range hashtagRe.FindAllStringSubmatch(text, -1) {
			add(m[1], AtomHashtag)
		}
		for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
			add(m[1], AtomMention)
		}
		for _, m := range entityRe.FindAllStringSubmatch(text, -1) {
			if e := trimEntity(m[1]); e != "" {
				add(e, AtomEntity)
			}
		}
	}
	for _, m := range acronymRe.FindAllString(text, -1) {
		add(strings.TrimSuffix(m, "s"), AtomAcronym)
	}
	if speaker != "" {
		add(speaker, AtomSpeaker)
	}
	for _, kw := range topKeywords(text, topK) {
		add(kw, AtomKeyword)
	}

	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// trimEntity drops leading stopwords ("Then Dory" becomes "Dory").
func trimEntity(m string) string {
	words := strings.Fields(m)
	for len(words) > 0 && stopwords[strings.ToLower(words[0])] {
		words = words[1:]
	}
	return strings.Join(words, " ")
}

// topKeywords returns the k most frequent words of at least four letters that
// are not stopwords. Ties break alphabetically.
func topKeywords(text string, k int) []string {
	counts := make(map[string]int)
	for _, w := range wordRe.FindAllString(text, -1) {
		lw := strings.ToLower(w)
		if utf8.RuneCountInString(lw) < 4 || stopwords[lw] || !hasLetter(lw) {
			continue
		}
		counts[lw]++
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > k {
		words = words[:k]
	}
	return words
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

var stopwords = func() map[string]bool {
	m := make(map[string]bool)
	for _, w := range strings.Fields(`
a about above after again against all also am an and any are as at be because
been before being below between both but by can could did do does doing down
during each few for from further had has have having he her here hers herself
him himself his how i if in into is it its itself just like me more most my
myself no nor not now of off on once only or other our ours ourselves out over
own same she should so some such than that the their theirs them themselves
then there these they this those through to too under until up very was we
were what when where which while who whom why will with would you your yours
yourself yourselves yes okay well still even much many every thing things
really going want know think make made said says into onto upon been being
return true false null nil none self this that func else elif import from
package string int error`) {
		m[w] = true
	}
	return m
}()
