// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pbzip2

import (
	"github.com/cosnicolaou/pbzip2w/internal/bitstream"
	"github.com/cosnicolaou/pbzip2w/internal/bzip2"
)

// writeStreamHeader writes the bzip2 file header: "BZh" followed by the
// compression level digit. It mirrors bzip2.reader.setup, which expects to
// read exactly these bytes before the first block.
func writeStreamHeader(sink bitstream.Sink, level int) error {
	for _, b := range bzip2.FileMagic {
		if err := sink.WriteBits(8, uint32(b)); err != nil {
			return err
		}
	}
	if err := sink.WriteBits(8, uint32('h')); err != nil {
		return err
	}
	return sink.WriteBits(8, uint32('0'+level))
}

// writeStreamFooter writes the end-of-stream marker and combined stream
// CRC, then flushes any partial trailing byte. Calling CompressStream
// repeatedly against the same io.Writer appends independent streams, each
// with its own header/blocks/footer, which is how bzip2 decoders support
// concatenated files; that is simply a consequence of
// writeStreamHeader/writeStreamFooter carrying no state across calls.
func writeStreamFooter(sink bitstream.Sink, streamCRC uint32) error {
	if err := bzip2.WriteEOSMagic(sink); err != nil {
		return err
	}
	if err := sink.WriteU32(streamCRC); err != nil {
		return err
	}
	return sink.Flush()
}
