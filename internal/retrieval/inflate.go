package retrieval

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/hupe1980/ece/internal/mmap"
)

type window struct {
	lo, hi int64
	ids    []string
}

// inflate fills in the text of every hit and returns the merged windows of
// radius bytes around them. Compounds appear in the order of their best hit.
func (e *Engine) inflate(hits []Hit, radius int) ([]Span, error) {
	type group struct {
		bucket, path string
		windows      []window
	}
	files := make(map[string]*mmap.File)
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	groups := make(map[string]*group)
	var order []string
	for i := range hits {
		h := &hits[i]
		f, ok := files[h.CompoundID]
		if !ok {
			var err error
			f, err = e.deps.Mirror.OpenContent(h.Bucket, h.CompoundID)
			if err != nil {
				return nil, e.corrupt(h, err.Error())
			}
			files[h.CompoundID] = f
		}
		size := f.Size()
		if h.Start < 0 || h.End <= h.Start || h.End > size {
			return nil, e.corrupt(h, fmt.Sprintf("offsets [%d, %d) outside %d bytes", h.Start, h.End, size))
		}
		data := f.Bytes()
		h.Text = string(data[h.Start:h.End])

		lo, hi := snap(data, h.Start-int64(radius), h.End+int64(radius))
		g, ok := groups[h.CompoundID]
		if !ok {
			g = &group{bucket: h.Bucket, path: h.Path}
			groups[h.CompoundID] = g
			order = append(order, h.CompoundID)
		}
		g.windows = append(g.windows, window{lo: lo, hi: hi, ids: []string{h.MoleculeID}})
	}

	var spans []Span
	for _, id := range order {
		g := groups[id]
		data := files[id].Bytes()
		for _, w := range merge(g.windows) {
			spans = append(spans, Span{
				CompoundID: id,
				Bucket:     g.bucket,
				Path:       g.path,
				Start:      w.lo,
				End:        w.hi,
				Molecules:  w.ids,
				Text:       string(data[w.lo:w.hi]),
			})
		}
	}
	return spans, nil
}

func (e *Engine) corrupt(h *Hit, reason string) error {
	e.deps.Index.MarkCorrupt(fmt.Sprintf("molecule %s: %s", h.MoleculeID, reason))
	return fmt.Errorf("%w: molecule %s: %s", ErrIndexCorrupt, h.MoleculeID, reason)
}

// snap clamps [lo, hi) to data and widens it to rune boundaries.
func snap(data []byte, lo, hi int64) (int64, int64) {
	n := int64(len(data))
	lo = max(0, lo)
	hi = min(n, hi)
	for lo > 0 && !utf8.RuneStart(data[lo]) {
		lo--
	}
	for hi < n && !utf8.RuneStart(data[hi]) {
		hi++
	}
	return lo, hi
}

// merge joins overlapping or touching windows in offset order.
func merge(ws []window) []window {
	sort.Slice(ws, func(i, j int) bool { return ws[i].lo < ws[j].lo })
	out := []window{ws[0]}
	for _, w := range ws[1:] {
		last := &out[len(out)-1]
		if w.lo <= last.hi {
			last.hi = max(last.hi, w.hi)
			last.ids = append(last.ids, w.ids...)
			continue
		}
		out = append(out, w)
	}
	return out
}
