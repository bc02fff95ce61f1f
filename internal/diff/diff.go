// Package diff compares two object files instruction by instruction.
//
// Binaries are decoded into groups of units (instruction words on
// fixed-width ISAs, bytes otherwise), groups are paired by symbol name, and
// each pair is aligned with a longest-common-subsequence edit script. The
// package is pure: it never touches the filesystem.
package diff

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"strconv"
)

// Kind tags an aligned row.
type Kind string

const (
	KindMatched  Kind = "matched"
	KindChanged  Kind = "changed"
	KindInserted Kind = "inserted" // only in the candidate
	KindDeleted  Kind = "deleted"  // only in the reference
)

// Row is one line of the aligned output. Left is the reference side, Right
// the candidate side; the missing side of an insert or delete is nil.
type Row struct {
	Kind  Kind   `json:"kind"`
	Group string `json:"group"`
	Left  *Unit  `json:"left,omitempty"`
	Right *Unit  `json:"right,omitempty"`
}

// Result is the outcome of a comparison.
type Result struct {
	Rows       []Row   `json:"rows"`
	Similarity float64 `json:"similarity"`
	Matched    int     `json:"matched"`
	Changed    int     `json:"changed"`
	Inserted   int     `json:"inserted"`
	Deleted    int     `json:"deleted"`
}

// Identical reports whether the comparison found no edits.
func (r Result) Identical() bool {
	return r.Changed == 0 && r.Inserted == 0 && r.Deleted == 0
}

// Diff decodes both binaries and compares them.
func Diff(reference, candidate []byte) Result {
	return Compare(Decode(reference), Decode(candidate))
}

// Compare aligns candidate against reference.
//
// The alignment is computed on a canonical ordering of the two inputs and
// relabelled afterwards, so Compare(b, a) is Compare(a, b) with inserted and
// deleted rows (and left and right) swapped, and the same similarity.
func Compare(reference, candidate Artifact) Result {
	if bytes.Compare(fingerprint(reference), fingerprint(candidate)) <= 0 {
		return compare(reference, candidate)
	}
	return compare(candidate, reference).mirror()
}

func compare(left, right Artifact) Result {
	type slot struct {
		group Group
		used  bool
	}
	rightByKey := make(map[string]*slot, len(right.Groups))
	rightOrder := make([]string, 0, len(right.Groups))
	for _, k := range groupKeys(right.Groups) {
		rightOrder = append(rightOrder, k.key)
		rightByKey[k.key] = &slot{group: k.group}
	}

	var res Result
	for _, k := range groupKeys(left.Groups) {
		if s, ok := rightByKey[k.key]; ok {
			s.used = true
			res.appendAligned(k.group, s.group)
			continue
		}
		res.appendAligned(k.group, Group{Name: k.group.Name})
	}
	for _, key := range rightOrder {
		if s := rightByKey[key]; !s.used {
			res.appendAligned(Group{Name: s.group.Name}, s.group)
		}
	}
	res.score(left, right)
	return res
}

type keyedGroup struct {
	key   string
	group Group
}

// groupKeys disambiguates repeated names (static functions in different
// sections) by occurrence.
func groupKeys(groups []Group) []keyedGroup {
	seen := make(map[string]int, len(groups))
	out := make([]keyedGroup, len(groups))
	for i, g := range groups {
		n := seen[g.Name]
		seen[g.Name] = n + 1
		key := g.Name
		if n > 0 {
			key += "\x00" + strconv.Itoa(n)
		}
		out[i] = keyedGroup{key: key, group: g}
	}
	return out
}

// appendAligned aligns one group pair and collapses each run of edits into
// changed rows pairwise, with the leftover deletes or inserts after them.
func (r *Result) appendAligned(left, right Group) {
	name := left.Name
	if name == "" {
		name = right.Name
	}
	a := unitKeys(left.Units)
	b := unitKeys(right.Units)
	ops := align(a, b)

	i, j := 0, 0
	var dels, ins []*Unit
	flush := func() {
		k := 0
		for ; k < len(dels) && k < len(ins); k++ {
			r.Rows = append(r.Rows, Row{Kind: KindChanged, Group: name, Left: dels[k], Right: ins[k]})
			r.Changed++
		}
		for _, u := range dels[k:] {
			r.Rows = append(r.Rows, Row{Kind: KindDeleted, Group: name, Left: u})
			r.Deleted++
		}
		for _, u := range ins[k:] {
			r.Rows = append(r.Rows, Row{Kind: KindInserted, Group: name, Right: u})
			r.Inserted++
		}
		dels, ins = dels[:0], ins[:0]
	}
	for _, o := range ops {
		switch o {
		case opMatch:
			flush()
			r.Rows = append(r.Rows, Row{Kind: KindMatched, Group: name, Left: &left.Units[i], Right: &right.Units[j]})
			r.Matched++
			i++
			j++
		case opDelete:
			dels = append(dels, &left.Units[i])
			i++
		case opInsert:
			ins = append(ins, &right.Units[j])
			j++
		}
	}
	flush()
}

// score sets Similarity to 100 * matched bytes / total bytes of both sides.
func (r *Result) score(left, right Artifact) {
	total := artifactBytes(left) + artifactBytes(right)
	if total == 0 {
		r.Similarity = 100
		return
	}
	matched := 0
	for _, row := range r.Rows {
		if row.Kind == KindMatched {
			matched += len(row.Left.Bytes) + len(row.Right.Bytes)
		}
	}
	r.Similarity = 100 * float64(matched) / float64(total)
}

func (r Result) mirror() Result {
	out := Result{
		Rows:       make([]Row, len(r.Rows)),
		Similarity: r.Similarity,
		Matched:    r.Matched,
		Changed:    r.Changed,
		Inserted:   r.Deleted,
		Deleted:    r.Inserted,
	}
	for i, row := range r.Rows {
		row.Left, row.Right = row.Right, row.Left
		switch row.Kind {
		case KindInserted:
			row.Kind = KindDeleted
		case KindDeleted:
			row.Kind = KindInserted
		}
		out.Rows[i] = row
	}
	return out
}

func unitKeys(units []Unit) []string {
	keys := make([]string, len(units))
	for i, u := range units {
		keys[i] = string(u.Bytes)
	}
	return keys
}

func artifactBytes(a Artifact) int {
	n := 0
	for _, g := range a.Groups {
		for _, u := range g.Units {
			n += len(u.Bytes)
		}
	}
	return n
}

// fingerprint is a total order over artifacts used only to pick the
// canonical orientation.
func fingerprint(a Artifact) []byte {
	h := sha256.New()
	var n [8]byte
	for _, g := range a.Groups {
		binary.BigEndian.PutUint64(n[:], uint64(len(g.Name)))
		h.Write(n[:])
		h.Write([]byte(g.Name))
		binary.BigEndian.PutUint64(n[:], uint64(len(g.Units)))
		h.Write(n[:])
		for _, u := range g.Units {
			h.Write([]byte{byte(len(u.Bytes))})
			h.Write(u.Bytes)
		}
	}
	return h.Sum(nil)
}
