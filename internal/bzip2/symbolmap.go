package bzip2

import "github.com/cosnicolaou/pbzip2w/internal/bitstream"

// usedAlphabet scans data and returns the sorted list of distinct byte
// values present in it.
func usedAlphabet(data []byte) []byte {
	var present [256]bool
	for _, b := range data {
		present[b] = true
	}
	alphabet := make([]byte, 0, 256)
	for v := 0; v < 256; v++ {
		if present[v] {
			alphabet = append(alphabet, byte(v))
		}
	}
	return alphabet
}

// writeSymbolMap emits the two-level symbol-presence bitmap: a 16-bit
// outer map marking which 16-symbol ranges have at least one member
// present, followed by one 16-bit inner map per marked range, each bit set
// MSB-first in both levels to mirror the decoder's
// (1<<(15-index)) bit test.
func writeSymbolMap(sink bitstream.Sink, alphabet []byte) error {
	var present [256]bool
	for _, b := range alphabet {
		present[b] = true
	}

	var outer uint16
	var inner [16]uint16
	for v := 0; v < 256; v++ {
		if present[v] {
			group, bit := v/16, v%16
			outer |= 1 << uint(15-group)
			inner[group] |= 1 << uint(15-bit)
		}
	}
	if err := sink.WriteBits(16, uint32(outer)); err != nil {
		return err
	}
	for group := 0; group < 16; group++ {
		if outer&(1<<uint(15-group)) == 0 {
			continue
		}
		if err := sink.WriteBits(16, uint32(inner[group])); err != nil {
			return err
		}
	}
	return nil
}
