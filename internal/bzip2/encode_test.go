package bzip2

import (
	"bytes"
	"testing"

	"github.com/cosnicolaou/pbzip2w/internal/bitstream"
	"github.com/google/go-cmp/cmp"
)

func TestCRCKnownAnswers(t *testing.T) {
	// Known-answer vector 1.
	var c crc
	c.update([]byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A,
		0xF1, 0xF2, 0xF3, 0xF4, 0xF5, 0xF6, 0xF7, 0xF8, 0xF9, 0xFA,
	})
	if got, want := c.val, uint32(0x8AEE127A); got != want {
		t.Errorf("KA1: got %#08x, want %#08x", got, want)
	}

	// Known-answer vector 2.
	c = crc{}
	c.update(bytes.Repeat([]byte{0x55}, 10))
	if got, want := c.val, uint32(0xA1E07747); got != want {
		t.Errorf("KA2: got %#08x, want %#08x", got, want)
	}
}

func TestCRCIncremental(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	var whole crc
	whole.update(data)

	var piecewise crc
	for i := 0; i < len(data); i += 7 {
		end := i + 7
		if end > len(data) {
			end = len(data)
		}
		piecewise.update(data[i:end])
	}
	if whole.val != piecewise.val {
		t.Errorf("incremental CRC mismatch: whole %#08x, piecewise %#08x", whole.val, piecewise.val)
	}
}

func TestEncodeRLE1(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   []byte
		want []byte
	}{
		{"empty", nil, nil},
		{"no-runs", []byte{1, 2, 3}, []byte{1, 2, 3}},
		{"short-run", []byte{1, 1, 1}, []byte{1, 1, 1}},
		{"min-run", []byte{1, 1, 1, 1}, []byte{1, 1, 1, 1, 0}},
		{"run-plus-count", []byte{1, 1, 1, 1, 1, 1}, []byte{1, 1, 1, 1, 2}},
		{"mixed", []byte{2, 2, 2, 2, 2, 3}, []byte{2, 2, 2, 2, 1, 3}},
		{"long-run-splits", append(bytes.Repeat([]byte{9}, 255), 9),
			append(append([]byte{9, 9, 9, 9}, 251), []byte{9}...)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := encodeRLE1(tc.in)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("encodeRLE1(%v) mismatch (-want +got):\n%s", tc.in, diff)
			}
		})
	}
}

func TestEncodeBWTRoundTrips(t *testing.T) {
	for _, in := range [][]byte{
		{},
		{'a'},
		[]byte("banana"),
		[]byte("abracadabra"),
		bytes.Repeat([]byte{'x'}, 64),
		[]byte("mississippi river"),
	} {
		transformed, origPtr := encodeBWT(in)
		if len(in) == 0 {
			continue
		}
		got := inverseBWTForTest(transformed, origPtr)
		if diff := cmp.Diff(in, got); diff != "" {
			t.Errorf("BWT round-trip for %q mismatch (-want +got):\n%s", in, diff)
		}
	}
}

// inverseBWTForTest reconstructs the original buffer from a BWT transform
// using the standard "C table + LF mapping" inversion; the module has no
// decoder of its own, so the inversion lives here in the test.
func inverseBWTForTest(l []byte, origPtr int) []byte {
	n := len(l)
	count := make(map[byte]int)
	base := make(map[byte]int)
	for _, b := range l {
		count[b]++
	}
	sum := 0
	for b := 0; b < 256; b++ {
		base[byte(b)] = sum
		sum += count[byte(b)]
	}
	next := make([]int, n)
	seen := make(map[byte]int)
	for i, b := range l {
		next[base[b]+seen[b]] = i
		seen[b]++
	}
	out := make([]byte, n)
	row := next[origPtr]
	for i := 0; i < n; i++ {
		out[i] = l[row]
		row = next[row]
	}
	return out
}

func TestUsedAlphabetAndSymbolMap(t *testing.T) {
	data := []byte("hello, world!")
	alphabet := usedAlphabet(data)
	for i := 1; i < len(alphabet); i++ {
		if alphabet[i-1] >= alphabet[i] {
			t.Fatalf("alphabet not sorted/distinct: %v", alphabet)
		}
	}
	var buf bitRecorder
	if err := writeSymbolMap(&buf, alphabet); err != nil {
		t.Fatal(err)
	}
	// Outer map (16 bits) + one inner map (16 bits) per populated group.
	groups := map[int]bool{}
	for _, b := range alphabet {
		groups[int(b)/16] = true
	}
	wantBits := 16 + 16*len(groups)
	if got := buf.bits; got != wantBits {
		t.Errorf("writeSymbolMap wrote %d bits, want %d", got, wantBits)
	}
}

func TestMTFAndRLE2(t *testing.T) {
	alphabet := []byte{'a', 'b', 'c'}
	// a a a b c -> ranks: 0,0,0 (b: rank1 after 'a' moves to front: dict
	// starts [a,b,c]; encode('a')=0 dict unchanged; encode('a')=0;
	// encode('a')=0; encode('b')=1 dict->[b,a,c]; encode('c')=2 (c is at
	// index 2 in [b,a,c]) dict->[c,b,a].
	symbols, eob := mtfAndRLE2([]byte("aaabc"), alphabet)
	if eob != len(alphabet)+1 {
		t.Errorf("eob = %d, want %d", eob, len(alphabet)+1)
	}
	if symbols[len(symbols)-1] != eob {
		t.Errorf("last symbol = %d, want eob %d", symbols[len(symbols)-1], eob)
	}
	// Run of three rank-0 hits folds to RUNA/RUNB per the r+1 base-2
	// encoding: r=3 -> n=4 -> binary 100 -> drop leading 1 -> "00" read
	// LSB-first -> RUNA, RUNA.
	if symbols[0] != symRUNA || symbols[1] != symRUNA {
		t.Errorf("run-of-3 encoding = %v, want [RUNA RUNA ...]", symbols[:2])
	}
}

func TestNumHuffmanTables(t *testing.T) {
	for _, tc := range []struct {
		n    int
		want int
	}{
		{1, 2}, {200, 3}, {600, 4}, {1200, 5}, {2400, 6}, {5000, 6},
	} {
		if got := numHuffmanTables(tc.n); got != tc.want {
			t.Errorf("numHuffmanTables(%d) = %d, want %d", tc.n, got, tc.want)
		}
	}
}

func TestLengthLimitedLengths(t *testing.T) {
	freq := []int{1000, 1, 1, 1, 1, 1, 1, 1}
	lengths := lengthLimitedLengths(freq, 17)
	for _, l := range lengths {
		if l < 1 || l > 17 {
			t.Fatalf("length %d out of [1,17]", l)
		}
	}
	codes := canonicalCodes(lengths)
	seen := map[string]bool{}
	for i, l := range lengths {
		key := prefixKey(codes[i], l)
		if seen[key] {
			t.Fatalf("duplicate/non-prefix-free code for symbol %d", i)
		}
		seen[key] = true
	}
}

func prefixKey(code uint32, length int) string {
	b := make([]byte, length)
	for i := length - 1; i >= 0; i-- {
		b[i] = byte('0' + code&1)
		code >>= 1
	}
	return string(b)
}

func TestBlockCompressorCompressProducesDecodableHeader(t *testing.T) {
	var rec bitRecorder
	var bc BlockCompressor
	stats, err := bc.Compress(&rec, []byte("the quick brown fox jumps over the lazy dog, repeatedly, repeatedly"))
	if err != nil {
		t.Fatal(err)
	}
	if stats.RawSize == 0 || stats.SymbolCount == 0 || stats.TableCount < 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	// Magic, CRC, randomized bit and orig_ptr are the first 48+32+1+24 bits.
	if rec.bits < 48+32+1+24 {
		t.Errorf("block too short: %d bits", rec.bits)
	}
}

// bitRecorder is a minimal bitstream.Sink used purely to count bits
// written, for shape assertions that don't need a real decodable output.
type bitRecorder struct {
	bits int
}

func (b *bitRecorder) WriteBits(width uint, _ uint32) error {
	b.bits += int(width)
	return nil
}
func (b *bitRecorder) WriteBool(bool) error { b.bits++; return nil }
func (b *bitRecorder) WriteUnary(n int) error {
	b.bits += n + 1
	return nil
}
func (b *bitRecorder) WriteU32(uint32) error { b.bits += 32; return nil }
func (b *bitRecorder) Flush() error          { return nil }

var _ bitstream.Sink = (*bitRecorder)(nil)
