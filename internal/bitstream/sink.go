// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package bitstream

import (
	"io"
)

// Sink accepts bits MSB-first, exactly as a bzip2 bitstream requires.
//
// Width must be in [1,24]; WriteU32 covers the handful of 32-bit fields
// (block/stream CRCs) that would otherwise overflow a single WriteBits call.
type Sink interface {
	WriteBits(width uint, value uint32) error
	WriteBool(b bool) error
	WriteUnary(n int) error
	WriteU32(v uint32) error
	Flush() error
}

// RealSink packs bits MSB-first into bytes and writes them to an underlying
// io.Writer as soon as a byte is complete. Flush pads the trailing partial
// byte with zero bits.
type RealSink struct {
	w     io.Writer
	cur   byte
	nbits uint
}

// NewRealSink returns a Sink that writes packed bytes to w as they complete.
// Callers that care about syscall count should wrap w in a *bufio.Writer;
// RealSink issues one Write per completed byte.
func NewRealSink(w io.Writer) *RealSink {
	return &RealSink{w: w}
}

func (s *RealSink) WriteBits(width uint, value uint32) error {
	for i := int(width) - 1; i >= 0; i-- {
		bit := byte((value >> uint(i)) & 1)
		s.cur = (s.cur << 1) | bit
		s.nbits++
		if s.nbits == 8 {
			if _, err := s.w.Write([]byte{s.cur}); err != nil {
				return err
			}
			s.cur, s.nbits = 0, 0
		}
	}
	return nil
}

func (s *RealSink) WriteBool(b bool) error {
	if b {
		return s.WriteBits(1, 1)
	}
	return s.WriteBits(1, 0)
}

func (s *RealSink) WriteUnary(n int) error {
	for i := 0; i < n; i++ {
		if err := s.WriteBool(true); err != nil {
			return err
		}
	}
	return s.WriteBool(false)
}

func (s *RealSink) WriteU32(v uint32) error {
	if err := s.WriteBits(16, v>>16); err != nil {
		return err
	}
	return s.WriteBits(16, v&0xffff)
}

// Flush pads the current byte with zero bits and writes it, if any bits
// have been accumulated. It is idempotent.
func (s *RealSink) Flush() error {
	if s.nbits == 0 {
		return nil
	}
	s.cur <<= (8 - s.nbits)
	if _, err := s.w.Write([]byte{s.cur}); err != nil {
		return err
	}
	s.cur, s.nbits = 0, 0
	return nil
}

// bitRecord is a single (width, value) entry in a DeferredSink's log.
type bitRecord struct {
	width uint
	value uint32
}

// DeferredSink implements Sink by recording every call into an in-memory,
// append-only log instead of touching real output. A worker goroutine
// encodes a whole block into a DeferredSink because bzip2 blocks are not
// byte-aligned with respect to each other: only the coordinator, replaying
// logs in block order into a RealSink, can correctly glue the bit streams
// together. See Replay.
type DeferredSink struct {
	records  []bitRecord
	blockCRC uint32
	rawSize  int
}

// NewDeferredSink returns an empty deferred bit log. sizeHint is the
// expected number of records and is used only to presize the backing slice.
func NewDeferredSink(sizeHint int) *DeferredSink {
	return &DeferredSink{records: make([]bitRecord, 0, sizeHint)}
}

func (d *DeferredSink) WriteBits(width uint, value uint32) error {
	d.records = append(d.records, bitRecord{width, value & ((1 << width) - 1)})
	return nil
}

func (d *DeferredSink) WriteBool(b bool) error {
	if b {
		return d.WriteBits(1, 1)
	}
	return d.WriteBits(1, 0)
}

// WriteUnary records n one-bits followed by a terminating zero. Runs of
// eight or more ones are folded into single 8-bit 0xFF records: this is a
// cosmetic reduction in record count only, since Replay reproduces the same
// bits from either representation.
func (d *DeferredSink) WriteUnary(n int) error {
	for n >= 8 {
		if err := d.WriteBits(8, 0xff); err != nil {
			return err
		}
		n -= 8
	}
	if n > 0 {
		if err := d.WriteBits(uint(n), (1<<uint(n))-1); err != nil {
			return err
		}
	}
	return d.WriteBool(false)
}

func (d *DeferredSink) WriteU32(v uint32) error {
	if err := d.WriteBits(16, v>>16); err != nil {
		return err
	}
	return d.WriteBits(16, v&0xffff)
}

// Flush is a no-op: a deferred log is only ever byte-aligned once replayed
// into a real sink, and that sink owns the actual padding.
func (d *DeferredSink) Flush() error { return nil }

// SetBlockCRC stores the owning block's CRC alongside its bit log so that
// the coordinator can fold it into the stream CRC at the same time it
// replays the log, without a second lookup.
func (d *DeferredSink) SetBlockCRC(crc uint32) { d.blockCRC = crc }

// BlockCRC returns the CRC set by SetBlockCRC.
func (d *DeferredSink) BlockCRC() uint32 { return d.blockCRC }

// SetRawSize records the number of raw input bytes the owning block was
// built from, alongside the CRC, so progress reporting has it available at
// drain time without a second lookup.
func (d *DeferredSink) SetRawSize(n int) { d.rawSize = n }

// RawSize returns the value set by SetRawSize.
func (d *DeferredSink) RawSize() int { return d.rawSize }

// Len reports the number of records in the log, for sizing/diagnostics.
func (d *DeferredSink) Len() int { return len(d.records) }

// BitLen reports the total number of bits recorded, which is the exact
// size in bits this block will occupy once replayed into a real sink
// (modulo the trailing byte's padding).
func (d *DeferredSink) BitLen() int {
	n := 0
	for _, r := range d.records {
		n += int(r.width)
	}
	return n
}

// Replay writes every recorded (width, value) pair, in order, into real.
func (d *DeferredSink) Replay(real Sink) error {
	for _, r := range d.records {
		if err := real.WriteBits(r.width, r.value); err != nil {
			return err
		}
	}
	return nil
}
