package bzip2

import (
	"container/heap"
	"sort"

	"github.com/cosnicolaou/pbzip2w/internal/bitstream"
)

const (
	groupSize    = 50
	maxCodeLen   = 17
	huffmanIters = 4
)

// numHuffmanTables returns the number of Huffman tables to use for a block
// whose MTF/RLE2 symbol stream (including the trailing EOB) has the given
// length, following bzip2's fixed thresholds.
func numHuffmanTables(numSymbols int) int {
	switch {
	case numSymbols < 200:
		return 2
	case numSymbols < 600:
		return 3
	case numSymbols < 1200:
		return 4
	case numSymbols < 2400:
		return 5
	default:
		return 6
	}
}

// huffNode is a node in the Huffman merge heap: either a leaf (sym >= 0)
// or an internal node whose weight is the sum of its children.
type huffNode struct {
	freq  int
	depth int // accumulated code length, filled in during length assignment
	left  *huffNode
	right *huffNode
	sym   int // -1 for internal nodes
}

type nodeHeap []*huffNode

func (h nodeHeap) Len() int            { return len(h) }
func (h nodeHeap) Less(i, j int) bool  { return h[i].freq < h[j].freq }
func (h nodeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x interface{}) { *h = append(*h, x.(*huffNode)) }
func (h *nodeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// buildHuffmanLengths returns a code length, one per symbol, from the
// given per-symbol frequencies (every symbol must have frequency >= 1: the
// bzip2 format requires every symbol in the alphabet to be assigned a code
// in every table, even tables it never actually selects, since any
// 50-symbol group may pick any table).
func buildHuffmanLengths(freq []int) []int {
	n := len(freq)
	if n == 1 {
		return []int{1}
	}
	h := make(nodeHeap, n)
	for i, f := range freq {
		h[i] = &huffNode{freq: f, sym: i}
	}
	heap.Init(&h)
	for h.Len() > 1 {
		a := heap.Pop(&h).(*huffNode)
		b := heap.Pop(&h).(*huffNode)
		heap.Push(&h, &huffNode{freq: a.freq + b.freq, left: a, right: b, sym: -1})
	}
	lengths := make([]int, n)
	var walk func(node *huffNode, depth int)
	walk = func(node *huffNode, depth int) {
		if node.sym >= 0 {
			if depth == 0 {
				depth = 1 // single-symbol alphabet edge case
			}
			lengths[node.sym] = depth
			return
		}
		walk(node.left, depth+1)
		walk(node.right, depth+1)
	}
	if h.Len() > 0 {
		walk(h[0], 0)
	}
	return lengths
}

// lengthLimitedLengths returns Huffman code lengths for freq capped at
// maxLen, repeatedly halving the frequency table (bzip2's own technique)
// until the naturally generated tree no longer exceeds the limit. freq is
// not mutated.
func lengthLimitedLengths(freq []int, maxLen int) []int {
	work := make([]int, len(freq))
	copy(work, freq)
	for i, f := range work {
		if f == 0 {
			work[i] = 1
		}
	}
	for {
		lengths := buildHuffmanLengths(work)
		max := 0
		for _, l := range lengths {
			if l > max {
				max = l
			}
		}
		if max <= maxLen {
			return lengths
		}
		for i := range work {
			work[i] = (work[i] + 1) / 2
			if work[i] == 0 {
				work[i] = 1
			}
		}
	}
}

// canonicalCodes assigns canonical Huffman codes given per-symbol lengths,
// sorting by (length, symbol index) ascending and incrementing the code by
// one per symbol, left-shifting on each length increase.
func canonicalCodes(lengths []int) []uint32 {
	type pair struct {
		sym, length int
	}
	pairs := make([]pair, len(lengths))
	for i, l := range lengths {
		pairs[i] = pair{i, l}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].length != pairs[j].length {
			return pairs[i].length < pairs[j].length
		}
		return pairs[i].sym < pairs[j].sym
	})
	codes := make([]uint32, len(lengths))
	code := uint32(0)
	prevLen := pairs[0].length
	for _, p := range pairs {
		code <<= uint(p.length - prevLen)
		codes[p.sym] = code
		code++
		prevLen = p.length
	}
	return codes
}

// huffmanTable holds the canonical lengths and codes for one of the
// multiple Huffman tables used to encode a block's symbol stream.
type huffmanTable struct {
	lengths []int
	codes   []uint32
}

// selectHuffmanTables partitions symbols into groups of groupSize and
// assigns each group to one of numTables tables, iteratively refining the
// assignment to minimize total encoded length, following bzip2's own
// coordinate-descent approach (initial round-robin assignment, a handful
// of passes reassigning each group to its cheapest table and rebuilding
// table frequencies from that assignment).
func selectHuffmanTables(symbols []int, numSymbols, numTables int) (tables []huffmanTable, selectors []int) {
	numGroups := (len(symbols) + groupSize - 1) / groupSize
	if numGroups == 0 {
		numGroups = 1
	}
	groupFreq := make([][]int, numGroups)
	for g := 0; g < numGroups; g++ {
		groupFreq[g] = make([]int, numSymbols)
		start := g * groupSize
		end := start + groupSize
		if end > len(symbols) {
			end = len(symbols)
		}
		for _, s := range symbols[start:end] {
			groupFreq[g][s]++
		}
	}

	selectors = make([]int, numGroups)
	for g := range selectors {
		selectors[g] = g % numTables
	}

	tables = make([]huffmanTable, numTables)

	rebuild := func() {
		tableFreq := make([][]int, numTables)
		for t := range tableFreq {
			tableFreq[t] = make([]int, numSymbols)
		}
		for g, t := range selectors {
			for s, f := range groupFreq[g] {
				tableFreq[t][s] += f
			}
		}
		for t := 0; t < numTables; t++ {
			lengths := lengthLimitedLengths(tableFreq[t], maxCodeLen)
			tables[t] = huffmanTable{lengths: lengths, codes: canonicalCodes(lengths)}
		}
	}

	rebuild()
	for iter := 1; iter < huffmanIters; iter++ {
		changed := false
		for g := 0; g < numGroups; g++ {
			best, bestCost := selectors[g], -1
			for t := 0; t < numTables; t++ {
				cost := 0
				for s, f := range groupFreq[g] {
					if f == 0 {
						continue
					}
					cost += f * tables[t].lengths[s]
				}
				if bestCost == -1 || cost < bestCost {
					best, bestCost = t, cost
				}
			}
			if best != selectors[g] {
				selectors[g] = best
				changed = true
			}
		}
		rebuild()
		if !changed {
			break
		}
	}
	return tables, selectors
}

// writeSelectors encodes the per-group table selector list using move-to-
// front over [0, numTables) followed by unary (RUNA/RUNB-style, but here
// just a run of 1-bits terminated by a 0) encoding of each resulting rank.
func writeSelectors(sink bitstream.Sink, selectors []int, numTables int) error {
	mtf := make([]int, numTables)
	for i := range mtf {
		mtf[i] = i
	}
	for _, sel := range selectors {
		rank := -1
		for i, v := range mtf {
			if v == sel {
				rank = i
				break
			}
		}
		if err := sink.WriteUnary(rank); err != nil {
			return err
		}
		copy(mtf[1:rank+1], mtf[:rank])
		mtf[0] = sel
	}
	return nil
}

// writeTableLengths emits one table's code lengths using bzip2's delta
// scheme: a 5-bit starting length, then per symbol a sequence of
// continuation bits (1 = another adjustment follows, 0 = this symbol's
// length is final) each paired with a direction bit (1 = decrement, 0 =
// increment) when continuing.
func writeTableLengths(sink bitstream.Sink, lengths []int) error {
	length := lengths[0]
	if err := sink.WriteBits(5, uint32(length)); err != nil {
		return err
	}
	for _, target := range lengths {
		for length != target {
			if err := sink.WriteBool(true); err != nil {
				return err
			}
			if target > length {
				if err := sink.WriteBool(false); err != nil {
					return err
				}
				length++
			} else {
				if err := sink.WriteBool(true); err != nil {
					return err
				}
				length--
			}
		}
		if err := sink.WriteBool(false); err != nil {
			return err
		}
	}
	return nil
}

// writeSymbolStream emits the coded symbol stream, switching Huffman
// tables every groupSize symbols according to selectors.
func writeSymbolStream(sink bitstream.Sink, symbols []int, tables []huffmanTable, selectors []int) error {
	for i, s := range symbols {
		g := i / groupSize
		t := tables[selectors[g]]
		if err := sink.WriteBits(uint(t.lengths[s]), t.codes[s]); err != nil {
			return err
		}
	}
	return nil
}
