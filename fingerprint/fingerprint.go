package fingerprint

import (
	"math/bits"
	"strings"
	"unicode"

	"github.com/hupe1980/ece/internal/hash"
)

// Bits is the width of a fingerprint.
const Bits = 64

// Sentinel is the fingerprint of text without tokens.
const Sentinel uint64 = 0

// DefaultWindow is the default shingle width in tokens.
const DefaultWindow = 3

// BandCount is the number of 16-bit LSH bands of a fingerprint.
const BandCount = 4

// Weighting selects how repeated shingles contribute to the bit votes.
type Weighting int

const (
	// Frequency counts every occurrence of a shingle.
	Frequency Weighting = iota
	// Uniform counts each distinct shingle once.
	Uniform
)

// String returns the configuration name of the weighting.
func (w Weighting) String() string {
	switch w {
	case Uniform:
		return "uniform"
	default:
		return "frequency"
	}
}

// ParseWeighting maps a configuration name to a Weighting.
func ParseWeighting(s string) (Weighting, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "frequency":
		return Frequency, true
	case "uniform":
		return Uniform, true
	}
	return Frequency, false
}

// Hasher computes fingerprints with a fixed configuration. It is safe for
// concurrent use.
type Hasher struct {
	window    int
	weighting Weighting
}

// Option configures a Hasher.
type Option func(*Hasher)

// WithWindow sets the shingle width in tokens. Values below 1 are ignored.
func WithWindow(n int) Option {
	return func(h *Hasher) {
		if n > 0 {
			h.window = n
		}
	}
}

// WithWeighting sets the shingle weighting.
func WithWeighting(w Weighting) Option {
	return func(h *Hasher) {
		h.weighting = w
	}
}

// New returns a Hasher.
func New(opts ...Option) *Hasher {
	h := &Hasher{window: DefaultWindow, weighting: Frequency}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Window returns the configured shingle width.
func (h *Hasher) Window() int { return h.window }

// Weighting returns the configured weighting.
func (h *Hasher) Weighting() Weighting { return h.weighting }

var defaultHasher = New()

// Sum fingerprints text with the default configuration.
func Sum(text string) uint64 {
	return defaultHasher.Sum(text)
}

// Sum fingerprints text.
func (h *Hasher) Sum(text string) uint64 {
	tokens := Tokens(text)
	if len(tokens) == 0 {
		return Sentinel
	}

	var votes [Bits]int
	add := func(shingle string, w int) {
		x := hash.Token64(shingle)
		for i := 0; i < Bits; i++ {
			if x&(1<<uint(i)) != 0 {
				votes[i] += w
			} else {
				votes[i] -= w
			}
		}
	}

	counts := make(map[string]int)
	order := make([]string, 0, len(tokens))
	n := len(tokens) - h.window + 1
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		end := i + h.window
		if end > len(tokens) {
			end = len(tokens)
		}
		s := strings.Join(tokens[i:end], "\x1f")
		if _, ok := counts[s]; !ok {
			order = append(order, s)
		}
		counts[s]++
	}

	for _, s := range order {
		w := 1
		if h.weighting == Frequency {
			w = counts[s]
		}
		add(s, w)
	}

	var fp uint64
	for i := 0; i < Bits; i++ {
		if votes[i] > 0 {
			fp |= 1 << uint(i)
		}
	}
	return fp
}

// Tokens splits text into lowercased letter/digit runs. When text has none,
// it falls back to runs of non-space characters.
func Tokens(text string) []string {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		tokens = strings.Fields(text)
	}
	for i, t := range tokens {
		tokens[i] = strings.ToLower(t)
	}
	return tokens
}

// Distance returns the Hamming distance between two fingerprints.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Similarity maps the Hamming distance onto [0, 1].
func Similarity(a, b uint64) float64 {
	return 1 - float64(Distance(a, b))/Bits
}

// Bands splits fp into four 16-bit bands. Two fingerprints within Hamming
// distance < BandCount share at least one band exactly.
func Bands(fp uint64) [BandCount]uint16 {
	return [BandCount]uint16{
		uint16(fp),
		uint16(fp >> 16),
		uint16(fp >> 32),
		uint16(fp >> 48),
	}
}
