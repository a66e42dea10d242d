package bzip2

// moveToFront implements the move-to-front transform over the alphabet of
// symbols actually present in a block (as opposed to all 256 byte values):
// callers build the initial dictionary from the symbol map so that low MTF
// ranks are available immediately rather than being wasted on absent bytes.
type moveToFront struct {
	dict []byte
}

func newMoveToFront(alphabet []byte) *moveToFront {
	dict := make([]byte, len(alphabet))
	copy(dict, alphabet)
	return &moveToFront{dict: dict}
}

// encode returns the rank of b in the current dictionary and promotes b to
// the front.
func (m *moveToFront) encode(b byte) int {
	for i, v := range m.dict {
		if v == b {
			if i > 0 {
				copy(m.dict[1:i+1], m.dict[:i])
				m.dict[0] = b
			}
			return i
		}
	}
	panic("bzip2: symbol not present in move-to-front alphabet")
}

// runEncoder accumulates a run of MTF rank-0 symbols and, once the run
// ends, emits it as a sequence of RUNA (0) / RUNB (1) symbols using
// bijective base-2 numeration: the run length r is encoded as (r+1) written
// in base 2 with the leading 1 bit dropped, each remaining bit read
// least-significant first and mapped 0->RUNA, 1->RUNB. This is how bzip2
// folds long runs of the most-recently-used byte into a handful of
// symbols instead of emitting rank 0 literally once per repeat.
type runEncoder struct {
	len int
}

// append records one more repeat of the current rank-0 run.
func (r *runEncoder) append() {
	r.len++
}

// flush returns the RUNA/RUNB symbol sequence for the accumulated run and
// resets it. Returns nil if no run is pending.
func (r *runEncoder) flush() []int {
	if r.len == 0 {
		return nil
	}
	n := r.len + 1
	var out []int
	for n > 1 {
		if n&1 == 0 {
			out = append(out, symRUNA)
		} else {
			out = append(out, symRUNB)
		}
		n >>= 1
	}
	r.len = 0
	return out
}

const (
	symRUNA = 0
	symRUNB = 1
)

// mtfAndRLE2 runs the move-to-front transform over data (which must already
// be an alphabet-restricted, BWT-transformed buffer) using the given sorted
// list of distinct symbols present, folding runs of MTF rank 0 into
// RUNA/RUNB pairs, and appends the end-of-block symbol. It returns the
// resulting symbol stream together with the EOB symbol value,
// len(alphabet) + 1 (the literal ranks 1..len(alphabet)-1 are mapped to
// 2..len(alphabet), so the Huffman alphabet size is one more than eob).
func mtfAndRLE2(data []byte, alphabet []byte) (symbols []int, eob int) {
	mtf := newMoveToFront(alphabet)
	run := &runEncoder{}
	for _, b := range data {
		rank := mtf.encode(b)
		if rank == 0 {
			run.append()
			continue
		}
		symbols = append(symbols, run.flush()...)
		// RUNA and RUNB occupy symbols 0 and 1 and rank 0 is only ever
		// emitted through the run encoder, so a non-zero rank r becomes
		// symbol r+1 (rank 1 -> symbol 2).
		symbols = append(symbols, rank+1)
	}
	symbols = append(symbols, run.flush()...)
	eob = len(alphabet) + 1
	symbols = append(symbols, eob)
	return symbols, eob
}
