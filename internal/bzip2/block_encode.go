package bzip2

import "github.com/cosnicolaou/pbzip2w/internal/bitstream"

// BlockStats reports the shape of a single encoded block: how many raw
// bytes went in, how the symbol stream and Huffman tables came out, and the
// block's CRC.
type BlockStats struct {
	RawSize     int
	SymbolCount int
	TableCount  int
	Selectors   int
	CRC         uint32
}

// BlockCompressor runs the full per-block pipeline (RLE1, BWT, MTF+RLE2,
// multi-table Huffman coding) and writes the resulting bit-exact block to
// a bitstream.Sink. A single BlockCompressor may be reused across blocks;
// it holds no per-block state between calls.
type BlockCompressor struct{}

// Compress encodes raw as one bzip2 block, writing BlockMagic, the block
// CRC, the BWT origin pointer, symbol map, Huffman tables and coded symbol
// stream to sink, in that order. It returns stats describing the block.
func (BlockCompressor) Compress(sink bitstream.Sink, raw []byte) (BlockStats, error) {
	var c crc
	c.update(raw)

	rle1 := encodeRLE1(raw)
	transformed, origPtr := encodeBWT(rle1)
	alphabet := usedAlphabet(transformed)

	numSymbols := len(alphabet) + 2 // RUNA, RUNB, ..., EOB
	symbols, _ := mtfAndRLE2(transformed, alphabet)
	numTables := numHuffmanTables(len(symbols))
	tables, selectors := selectHuffmanTables(symbols, numSymbols, numTables)

	if err := writeBlockMagic(sink); err != nil {
		return BlockStats{}, err
	}
	if err := sink.WriteU32(c.val); err != nil {
		return BlockStats{}, err
	}
	if err := sink.WriteBool(false); err != nil { // randomized: never produced
		return BlockStats{}, err
	}
	if err := sink.WriteBits(24, uint32(origPtr)); err != nil {
		return BlockStats{}, err
	}
	if err := writeSymbolMap(sink, alphabet); err != nil {
		return BlockStats{}, err
	}
	if err := sink.WriteBits(3, uint32(numTables)); err != nil {
		return BlockStats{}, err
	}
	if err := sink.WriteBits(15, uint32(len(selectors))); err != nil {
		return BlockStats{}, err
	}
	if err := writeSelectors(sink, selectors, numTables); err != nil {
		return BlockStats{}, err
	}
	for _, t := range tables {
		if err := writeTableLengths(sink, t.lengths); err != nil {
			return BlockStats{}, err
		}
	}
	if err := writeSymbolStream(sink, symbols, tables, selectors); err != nil {
		return BlockStats{}, err
	}

	return BlockStats{
		RawSize:     len(raw),
		SymbolCount: len(symbols),
		TableCount:  numTables,
		Selectors:   len(selectors),
		CRC:         c.val,
	}, nil
}

func writeBlockMagic(sink bitstream.Sink) error {
	for _, b := range BlockMagic {
		if err := sink.WriteBits(8, uint32(b)); err != nil {
			return err
		}
	}
	return nil
}

// writeEOSMagic writes the end-of-stream marker, used by the container
// framer once all blocks have been emitted.
func writeEOSMagic(sink bitstream.Sink) error {
	for _, b := range EOSMagic {
		if err := sink.WriteBits(8, uint32(b)); err != nil {
			return err
		}
	}
	return nil
}

// WriteEOSMagic is the exported form of writeEOSMagic for use by the
// container framer in the parent package.
func WriteEOSMagic(sink bitstream.Sink) error { return writeEOSMagic(sink) }
