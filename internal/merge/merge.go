// Package merge implements line-based three-way merging of file content.
package merge

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineRange is a run of lines. Start is 1-based; an empty range sits
// before line Start.
type LineRange struct {
	Start int
	Len   int
}

func (r LineRange) String() string {
	if r.Len == 0 {
		return fmt.Sprintf("%d,0", r.Start)
	}
	if r.Len == 1 {
		return fmt.Sprintf("%d", r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.Start+r.Len-1)
}

// Hunk is a region both sides changed differently.
type Hunk struct {
	Base   LineRange
	Ours   LineRange
	Theirs LineRange
}

// Result is the outcome of Merge3.
type Result struct {
	// Merged holds the merged content. Unresolved hunks are written with
	// conflict markers.
	Merged    []byte
	Conflicts []Hunk
	// Binary is set when an input looked binary and the sides differ; no
	// line merge was attempted.
	Binary bool
}

// Clean reports whether the merge needs no manual resolution.
func (r *Result) Clean() bool {
	return len(r.Conflicts) == 0 && !r.Binary
}

// Labels name the sides in conflict markers.
type Labels struct {
	Ours, Base, Theirs string
}

var defaultLabels = Labels{Ours: "ours", Base: "base", Theirs: "theirs"}

// change replaces base lines [bStart, bEnd) with side lines [sStart, sEnd).
type change struct {
	side         int
	bStart, bEnd int
	sStart, sEnd int
}

const (
	sideOurs = iota
	sideTheirs
)

// Merge3 merges the edits base→ours and base→theirs.
func Merge3(base, ours, theirs []byte, labels *Labels) *Result {
	if labels == nil {
		labels = &defaultLabels
	}
	switch {
	case bytes.Equal(ours, theirs), bytes.Equal(base, theirs):
		return &Result{Merged: clone(ours)}
	case bytes.Equal(base, ours):
		return &Result{Merged: clone(theirs)}
	}
	if isBinary(base) || isBinary(ours) || isBinary(theirs) {
		return &Result{Merged: clone(ours), Binary: true}
	}

	baseLines := splitLines(string(base))
	sides := [2][]string{splitLines(string(ours)), splitLines(string(theirs))}
	changes := append(diffLines(string(base), string(ours), sideOurs), diffLines(string(base), string(theirs), sideTheirs)...)
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].bStart != changes[j].bStart {
			return changes[i].bStart < changes[j].bStart
		}
		return changes[i].bEnd < changes[j].bEnd
	})

	res := &Result{}
	var out strings.Builder
	pos := 0
	for i := 0; i < len(changes); {
		lo, hi := changes[i].bStart, changes[i].bEnd
		j := i + 1
		for j < len(changes) && changes[j].bStart <= hi {
			if changes[j].bEnd > hi {
				hi = changes[j].bEnd
			}
			j++
		}
		group := changes[i:j]
		i = j

		writeLines(&out, baseLines[pos:lo])
		pos = hi

		var texts [2][]string
		var ranges [2]LineRange
		var touched [2]bool
		for side := range sides {
			first, last := -1, -1
			for k, c := range group {
				if c.side == side {
					if first < 0 {
						first = k
					}
					last = k
				}
			}
			if first < 0 {
				texts[side] = baseLines[lo:hi]
				continue
			}
			touched[side] = true
			start := group[first].sStart - (group[first].bStart - lo)
			end := group[last].sEnd + (hi - group[last].bEnd)
			texts[side] = sides[side][start:end]
			ranges[side] = LineRange{Start: start + 1, Len: end - start}
		}

		switch {
		case !touched[sideTheirs]:
			writeLines(&out, texts[sideOurs])
		case !touched[sideOurs]:
			writeLines(&out, texts[sideTheirs])
		case equalLines(texts[sideOurs], texts[sideTheirs]):
			writeLines(&out, texts[sideOurs])
		default:
			res.Conflicts = append(res.Conflicts, Hunk{
				Base:   LineRange{Start: lo + 1, Len: hi - lo},
				Ours:   ranges[sideOurs],
				Theirs: ranges[sideTheirs],
			})
			writeMarker(&out, "<<<<<<< "+labels.Ours)
			writeLines(&out, texts[sideOurs])
			writeMarker(&out, "||||||| "+labels.Base)
			writeLines(&out, baseLines[lo:hi])
			writeMarker(&out, "=======")
			writeLines(&out, texts[sideTheirs])
			writeMarker(&out, ">>>>>>> "+labels.Theirs)
		}
	}
	writeLines(&out, baseLines[pos:])
	res.Merged = []byte(out.String())
	return res
}

// diffLines lists the hunks turning base into side, in line units.
func diffLines(base, side string, tag int) []change {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	a, b, _ := dmp.DiffLinesToRunes(base, side)
	diffs := dmp.DiffMainRunes(a, b, false)

	var out []change
	var cur *change
	bPos, sPos := 0, 0
	flush := func() {
		if cur != nil {
			out = append(out, *cur)
			cur = nil
		}
	}
	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			bPos += n
			sPos += n
		case diffmatchpatch.DiffDelete:
			if cur == nil {
				cur = &change{side: tag, bStart: bPos, bEnd: bPos, sStart: sPos, sEnd: sPos}
			}
			bPos += n
			cur.bEnd = bPos
		case diffmatchpatch.DiffInsert:
			if cur == nil {
				cur = &change{side: tag, bStart: bPos, bEnd: bPos, sStart: sPos, sEnd: sPos}
			}
			sPos += n
			cur.sEnd = sPos
		}
	}
	flush()
	return out
}

// splitLines splits after each newline; a final line without one is kept.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func writeLines(sb *strings.Builder, lines []string) {
	for _, l := range lines {
		sb.WriteString(l)
	}
}

func writeMarker(sb *strings.Builder, marker string) {
	if s := sb.String(); s != "" && !strings.HasSuffix(s, "\n") {
		sb.WriteByte('\n')
	}
	sb.WriteString(marker)
	sb.WriteByte('\n')
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isBinary(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
