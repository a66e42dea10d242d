// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pbzip2_test

import (
	"bytes"
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/cosnicolaou/pbzip2w"
	"github.com/cosnicolaou/pbzip2w/internal"
)

func decodeWithStdlib(t *testing.T, compressed []byte) []byte {
	t.Helper()
	out, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(compressed)))
	if err != nil {
		t.Fatalf("stdlib bzip2 decode failed: %v", err)
	}
	return out
}

func compressAll(t *testing.T, data []byte, opts ...pbzip2.CompressorOption) []byte {
	t.Helper()
	var buf bytes.Buffer
	if _, err := pbzip2.CompressStream(context.Background(), bytes.NewReader(data), &buf, opts...); err != nil {
		t.Fatalf("CompressStream failed: %v", err)
	}
	return buf.Bytes()
}

// TestRoundTrip is P1: decompress(compress(B)) == B, across a spread of
// sizes, levels and worker counts.
func TestRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 17, 1024, 100 * 1024}
	for _, size := range sizes {
		for _, workers := range []int{0, 1, 4} {
			data := internal.GenPredictableRandomData(size)
			name := fmt.Sprintf("size=%d/workers=%d", size, workers)
			t.Run(name, func(t *testing.T) {
				compressed := compressAll(t, data, pbzip2.Level(9), pbzip2.Workers(workers))
				got := decodeWithStdlib(t, compressed)
				if !bytes.Equal(got, data) {
					t.Fatalf("round-trip mismatch: got %d bytes, want %d bytes", len(got), len(data))
				}
			})
		}
	}
}

// TestDeterminism is P2/P5/S6: the same input and level produce
// byte-identical output regardless of worker count, since every block is
// a pure function of its own bytes and only contributes to ordering.
func TestDeterminism(t *testing.T) {
	// Level 1 keeps the read block size at 80,000 bytes so this input spans
	// four blocks, making worker-count-dependent reordering observable if
	// the serialization point ever regressed.
	data := internal.GenPredictableRandomData(300 * 1024)
	seq := compressAll(t, data, pbzip2.Level(1), pbzip2.Workers(0))
	for _, workers := range []int{1, 4, 16} {
		got := compressAll(t, data, pbzip2.Level(1), pbzip2.Workers(workers))
		if !bytes.Equal(got, seq) {
			t.Errorf("workers=%d produced different bytes than the sequential driver (%d vs %d bytes)",
				workers, len(got), len(seq))
		}
	}
}

// TestSizeBound is P3: |compress(B)| < 1.25*|B| + C.
func TestSizeBound(t *testing.T) {
	data := internal.GenPredictableRandomData(200 * 1024)
	compressed := compressAll(t, data, pbzip2.Level(9), pbzip2.Workers(4))
	limit := int(1.25*float64(len(data))) + 4096
	if len(compressed) >= limit {
		t.Errorf("compressed size %d exceeds bound %d for input size %d", len(compressed), limit, len(data))
	}
}

// TestEmptyInput is S4: header, no blocks, footer with stream_crc=0, 14
// bytes total after padding.
func TestEmptyInput(t *testing.T) {
	compressed := compressAll(t, nil, pbzip2.Level(9), pbzip2.Workers(0))
	if got, want := len(compressed), 14; got != want {
		t.Errorf("empty-input stream is %d bytes, want %d", got, want)
	}
	got := decodeWithStdlib(t, compressed)
	if len(got) != 0 {
		t.Errorf("decoded %d bytes from an empty-input stream, want 0", len(got))
	}
}

// TestSingleByte is S5: round-trips and is a valid single-block stream.
func TestSingleByte(t *testing.T) {
	compressed := compressAll(t, []byte{0x00}, pbzip2.Level(9), pbzip2.Workers(0))
	got := decodeWithStdlib(t, compressed)
	if !bytes.Equal(got, []byte{0x00}) {
		t.Errorf("got %v, want [0x00]", got)
	}
}

// TestRunStreaks is S3: exercises RLE1 with injected runs.
func TestRunStreaks(t *testing.T) {
	data := internal.GenPredictableRandomData(200 * 1024)
	gen := internal.GenPredictableRandomData(64) // deterministic positions/lengths
	for i := 0; i < 64; i++ {
		pos := int(gen[i]) * (len(data) / 256)
		runLen := 64 + int(gen[(i+1)%64])*2
		if pos+runLen > len(data) {
			runLen = len(data) - pos
		}
		for j := 0; j < runLen; j++ {
			data[pos+j] = gen[0]
		}
	}
	compressed := compressAll(t, data, pbzip2.Level(9), pbzip2.Workers(4))
	got := decodeWithStdlib(t, compressed)
	if !bytes.Equal(got, data) {
		t.Fatal("round-trip with injected run-streaks failed")
	}
}

// TestWriterPushMode exercises NewWriter directly, writing in small,
// irregularly sized chunks that don't line up with block boundaries.
func TestWriterPushMode(t *testing.T) {
	// Three blocks' worth of input at level 1, pushed in chunks that never
	// line up with the 80,000-byte block boundary.
	data := internal.GenPredictableRandomData(200 * 1024)
	var buf bytes.Buffer
	w, err := pbzip2.NewWriter(context.Background(), &buf, pbzip2.Level(1), pbzip2.Workers(3))
	if err != nil {
		t.Fatal(err)
	}
	chunk := 777
	for i := 0; i < len(data); i += chunk {
		end := i + chunk
		if end > len(data) {
			end = len(data)
		}
		if _, err := w.Write(data[i:end]); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close must be idempotent.
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	got := decodeWithStdlib(t, buf.Bytes())
	if !bytes.Equal(got, data) {
		t.Fatal("push-mode round-trip mismatch")
	}
}

// TestWriterUnsupportedOperations is part of §7 misuse error handling.
func TestWriterUnsupportedOperations(t *testing.T) {
	var buf bytes.Buffer
	w, err := pbzip2.NewWriter(context.Background(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if _, err := w.Read(make([]byte, 1)); err == nil {
		t.Error("Read: want error, got nil")
	}
	if _, err := w.Seek(0, io.SeekStart); err == nil {
		t.Error("Seek: want error, got nil")
	}
	if err := w.Flush(); err == nil {
		t.Error("Flush: want error, got nil")
	}
}

// TestWriteAfterClose checks the write-after-close contract.
func TestWriteAfterClose(t *testing.T) {
	var buf bytes.Buffer
	w, err := pbzip2.NewWriter(context.Background(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("too late")); err == nil {
		t.Error("Write after Close: want error, got nil")
	}
}

type closeRecordingBuffer struct {
	bytes.Buffer
	closed bool
}

func (c *closeRecordingBuffer) Close() error {
	c.closed = true
	return nil
}

// TestWriterOwnsOutput verifies that Close closes the underlying writer
// only when OwnsOutput is set.
func TestWriterOwnsOutput(t *testing.T) {
	for _, owns := range []bool{false, true} {
		out := &closeRecordingBuffer{}
		w, err := pbzip2.NewWriter(context.Background(), out, pbzip2.OwnsOutput(owns))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte("payload")); err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
		if out.closed != owns {
			t.Errorf("OwnsOutput(%v): underlying Close called = %v", owns, out.closed)
		}
		got := decodeWithStdlib(t, out.Bytes())
		if !bytes.Equal(got, []byte("payload")) {
			t.Errorf("OwnsOutput(%v): round-trip mismatch", owns)
		}
	}
}

// TestMultiStreamProducedByRepeatedCalls exercises the additive
// multi-stream mode: concatenating the output of two independent
// CompressStream calls is itself a valid, decodable bzip2 byte stream made
// of two back-to-back streams.
func TestMultiStreamProducedByRepeatedCalls(t *testing.T) {
	first := internal.GenPredictableRandomData(10 * 1024)
	second := []byte("a different, smaller payload")

	var out bytes.Buffer
	if _, err := pbzip2.CompressStream(context.Background(), bytes.NewReader(first), &out, pbzip2.Workers(0)); err != nil {
		t.Fatal(err)
	}
	if _, err := pbzip2.CompressStream(context.Background(), bytes.NewReader(second), &out, pbzip2.Workers(0)); err != nil {
		t.Fatal(err)
	}

	got := decodeWithStdlib(t, out.Bytes())
	want := append(append([]byte{}, first...), second...)
	if !bytes.Equal(got, want) {
		t.Error("concatenated multi-stream output did not decode to the concatenation of its inputs")
	}
}

// TestExactBlockMultiple covers inputs whose length is an exact multiple of
// the read block size: the final read returns a full block and the one after
// it returns nothing, which must terminate cleanly rather than leaving the
// coordinator waiting on a block that was never enqueued.
func TestExactBlockMultiple(t *testing.T) {
	data := internal.GenPredictableRandomData(2 * 80_000) // two full level-1 blocks
	for _, workers := range []int{0, 2} {
		compressed := compressAll(t, data, pbzip2.Level(1), pbzip2.Workers(workers))
		got := decodeWithStdlib(t, compressed)
		if !bytes.Equal(got, data) {
			t.Errorf("workers=%d: exact-multiple round-trip mismatch", workers)
		}
	}
}

func TestLevelAndWorkersClamping(t *testing.T) {
	data := []byte("clamp me")
	// Level/Workers out of range must be clamped rather than rejected.
	compressed := compressAll(t, data, pbzip2.Level(99), pbzip2.Workers(-5))
	got := decodeWithStdlib(t, compressed)
	if !bytes.Equal(got, data) {
		t.Error("out-of-range Level/Workers were not clamped into a working configuration")
	}
}
