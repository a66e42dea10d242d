package bzip2

import "sort"

// encodeBWT computes the Burrows-Wheeler transform of src treating it as
// a cyclic buffer (every rotation of src, not every suffix): this matches
// bzip2's block-transform semantics rather than a plain suffix sort. It
// returns the transformed bytes and the origin pointer (the row index, in
// the sorted rotation order, that reproduces src unrotated).
//
// The rotations are ranked via prefix doubling: starting from each byte's
// own rank, the rank of a 2^k-length prefix is derived from the ranks of
// its two constituent 2^(k-1)-length halves, which doubles the amount of
// context resolved per pass and converges in O(log n) passes. This is a
// plain, allocation-heavy but fully deterministic construction, favored
// over porting a suffix-array library because the only hard requirement
// here is that equal inputs always produce identical output.
func encodeBWT(src []byte) (transformed []byte, origPtr int) {
	n := len(src)
	if n == 0 {
		return nil, 0
	}
	if n == 1 {
		return append([]byte(nil), src...), 0
	}

	rank := make([]int, n)
	for i, b := range src {
		rank[i] = int(b)
	}

	sa := make([]int, n)
	for i := range sa {
		sa[i] = i
	}

	tmp := make([]int, n)
	for k := 1; ; k *= 2 {
		r := rank
		keyAt := func(i, off int) int {
			return r[(i+off)%n]
		}
		sort.SliceStable(sa, func(a, b int) bool {
			ia, ib := sa[a], sa[b]
			if r[ia] != r[ib] {
				return r[ia] < r[ib]
			}
			return keyAt(ia, k) < keyAt(ib, k)
		})

		tmp[sa[0]] = 0
		for i := 1; i < n; i++ {
			prev, cur := sa[i-1], sa[i]
			same := r[prev] == r[cur] && keyAt(prev, k) == keyAt(cur, k)
			if same {
				tmp[cur] = tmp[prev]
			} else {
				tmp[cur] = tmp[prev] + 1
			}
		}
		rank, tmp = tmp, rank

		if rank[sa[n-1]] == n-1 {
			break
		}
		if k > n {
			break
		}
	}

	transformed = make([]byte, n)
	for row, start := range sa {
		if start == 0 {
			origPtr = row
			transformed[row] = src[n-1]
		} else {
			transformed[row] = src[start-1]
		}
	}
	return transformed, origPtr
}
