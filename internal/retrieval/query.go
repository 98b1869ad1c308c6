package retrieval

import (
	"strings"
	"time"
	"unicode"

	"github.com/hupe1980/ece/fingerprint"
	"github.com/hupe1980/ece/internal/atomizer"
	"github.com/hupe1980/ece/internal/mirror"
)

// Query is a retrieval request.
type Query struct {
	Text    string    `json:"text"`
	Buckets []string  `json:"buckets,omitempty"`
	Tags    []string  `json:"tags,omitempty"`
	From    time.Time `json:"from,omitzero"`
	To      time.Time `json:"to,omitzero"`
	// Budget is the total number of molecules returned. Zero uses the
	// configured default.
	Budget int `json:"budget,omitempty"`
	// Anchor is the reference time of temporal decay. Zero uses the newest
	// Phase-1 hit.
	Anchor time.Time `json:"anchor,omitzero"`
}

// normalized validates q and returns its query terms and normalized tags.
func (q Query) normalized(defaultBudget, maxBudget int) (Query, []string, error) {
	if strings.TrimSpace(q.Text) == "" {
		return q, nil, invalid("text", "must not be empty")
	}
	if q.Budget == 0 {
		q.Budget = defaultBudget
	}
	if q.Budget < 1 || q.Budget > maxBudget {
		return q, nil, invalid("budget", "%d is outside [1, %d]", q.Budget, maxBudget)
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.From.After(q.To) {
		return q, nil, invalid("from", "%s is after to %s", q.From.Format(time.RFC3339), q.To.Format(time.RFC3339))
	}
	for _, b := range q.Buckets {
		if !mirror.ValidBucket(b) {
			return q, nil, invalid("buckets", "%q is not a bucket name", b)
		}
	}
	tags := make([]string, 0, len(q.Tags))
	for _, t := range q.Tags {
		n := atomizer.Normalize(strings.TrimPrefix(strings.TrimPrefix(t, "#"), "@"))
		if n == "" {
			return q, nil, invalid("tags", "%q is empty after normalization", t)
		}
		tags = append(tags, n)
	}
	q.Tags = tags

	terms := uniqueTerms(q.Text)
	if len(terms) == 0 {
		return q, nil, invalid("text", "contains no searchable terms")
	}
	return q, terms, nil
}

func uniqueTerms(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range fingerprint.Tokens(text) {
		t := atomizer.Normalize(tok)
		if !searchable(t) {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// searchable reports whether the FTS tokenizer keeps anything of t.
func searchable(t string) bool {
	return strings.IndexFunc(t, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) >= 0
}
