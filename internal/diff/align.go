package diff

import "slices"

// op is one step of an alignment between two unit streams.
type op uint8

const (
	opMatch op = iota
	opDelete
	opInsert
)

// maxCells bounds the LCS table. Larger middles are halved until each
// piece fits, keeping memory linear without giving up a minimal script.
const maxCells = 1 << 22

// align returns a minimal edit script between a and b as a sequence of ops.
// Matches are taken as early as possible; on ties deletions come before
// insertions.
func align(a, b []string) []op {
	// Common prefix and suffix never need the table.
	pre := 0
	for pre < len(a) && pre < len(b) && a[pre] == b[pre] {
		pre++
	}
	suf := 0
	for suf < len(a)-pre && suf < len(b)-pre && a[len(a)-1-suf] == b[len(b)-1-suf] {
		suf++
	}

	ops := make([]op, 0, len(a)+len(b))
	for i := 0; i < pre; i++ {
		ops = append(ops, opMatch)
	}
	ops = append(ops, alignMiddle(a[pre:len(a)-suf], b[pre:len(b)-suf])...)
	for i := 0; i < suf; i++ {
		ops = append(ops, opMatch)
	}
	return ops
}

func alignMiddle(a, b []string) []op {
	n, m := len(a), len(b)
	switch {
	case n == 0 || m == 0:
		return edits(n, m)
	case (n+1)*(m+1) <= maxCells:
		return alignTable(a, b)
	case n == 1:
		return alignOne(a[0], b)
	}

	// Hirschberg: split a in half and cut b where the two halves' LCS
	// lengths sum to the maximum.
	mid := n / 2
	fwd := lcsLengths(a[:mid], b, false)
	bwd := lcsLengths(a[mid:], b, true)
	best, k := int32(-1), 0
	for j := 0; j <= m; j++ {
		if s := fwd[j] + bwd[m-j]; s > best {
			best, k = s, j
		}
	}
	return append(alignMiddle(a[:mid], b[:k]), alignMiddle(a[mid:], b[k:])...)
}

func alignTable(a, b []string) []op {
	n, m := len(a), len(b)
	ops := make([]op, 0, n+m)

	// lcs[i*(m+1)+j] is the LCS length of a[i:] and b[j:].
	w := m + 1
	lcs := make([]int32, (n+1)*w)
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			switch {
			case a[i] == b[j]:
				lcs[i*w+j] = lcs[(i+1)*w+j+1] + 1
			case lcs[(i+1)*w+j] >= lcs[i*w+j+1]:
				lcs[i*w+j] = lcs[(i+1)*w+j]
			default:
				lcs[i*w+j] = lcs[i*w+j+1]
			}
		}
	}

	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			ops = append(ops, opMatch)
			i++
			j++
		case lcs[(i+1)*w+j] >= lcs[i*w+j+1]:
			ops = append(ops, opDelete)
			i++
		default:
			ops = append(ops, opInsert)
			j++
		}
	}
	for ; i < n; i++ {
		ops = append(ops, opDelete)
	}
	for ; j < m; j++ {
		ops = append(ops, opInsert)
	}
	return ops
}

// alignOne places a single unit against b at its first match.
func alignOne(x string, b []string) []op {
	j := slices.Index(b, x)
	if j < 0 {
		return edits(1, len(b))
	}
	ops := make([]op, 0, len(b))
	for i := 0; i < j; i++ {
		ops = append(ops, opInsert)
	}
	ops = append(ops, opMatch)
	for i := j + 1; i < len(b); i++ {
		ops = append(ops, opInsert)
	}
	return ops
}

// edits deletes n units then inserts m.
func edits(n, m int) []op {
	ops := make([]op, 0, n+m)
	for i := 0; i < n; i++ {
		ops = append(ops, opDelete)
	}
	for j := 0; j < m; j++ {
		ops = append(ops, opInsert)
	}
	return ops
}

// lcsLengths returns row[j], the LCS length of a and b[:j], using two rows.
// With rev set both sequences are read back to front, so row[j] covers the
// last j units of b.
func lcsLengths(a, b []string, rev bool) []int32 {
	n, m := len(a), len(b)
	at := func(s []string, i int) string {
		if rev {
			return s[len(s)-1-i]
		}
		return s[i]
	}
	prev := make([]int32, m+1)
	cur := make([]int32, m+1)
	for i := 0; i < n; i++ {
		x := at(a, i)
		for j := 1; j <= m; j++ {
			switch {
			case x == at(b, j-1):
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev
}
