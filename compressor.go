// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pbzip2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	cloudengerrors "cloudeng.io/errors"
	"github.com/cosnicolaou/pbzip2w/internal/bitstream"
	"github.com/cosnicolaou/pbzip2w/internal/bzip2"
)

// updateStreamCRC folds one block's CRC into the running stream CRC:
// rotate the accumulator left by one bit, then XOR in the block CRC. This
// is applied in block-id order regardless of the order blocks finish
// encoding in.
func updateStreamCRC(streamCRC, blockCRC uint32) uint32 {
	return (streamCRC<<1 | streamCRC>>31) ^ blockCRC
}

// Progress reports one block's contribution to the output stream, sent in
// block order as each block is drained into the real sink. Compressed is
// filled in only by the parallel path; the sequential driver leaves it 0.
type Progress struct {
	Duration         time.Duration
	Block            uint64
	CRC              uint32
	Compressed, Size int
}

// Sentinel errors wrapped (via fmt.Errorf("%w: ...")) around the
// compressor's failure modes, so callers can distinguish them with
// errors.Is.
var (
	// ErrIO wraps a failure from the underlying reader or writer.
	ErrIO = errors.New("pbzip2: io error")
	// ErrWorkerFault wraps an unexpected failure while encoding a block.
	ErrWorkerFault = errors.New("pbzip2: worker fault")
	// ErrInvariant wraps a shutdown sanity-check failure: workers exited
	// without draining every block, or left state behind.
	ErrInvariant = errors.New("pbzip2: invariant violation")
	// ErrUnsupportedOperation is returned by Writer methods this package
	// does not implement: Read, Seek and mid-stream Flush.
	ErrUnsupportedOperation = errors.New("pbzip2: unsupported operation")
	// ErrWriterClosed is returned by Write/WriteByte once Close has run.
	ErrWriterClosed = errors.New("pbzip2: writer closed")
)

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func readBlockSizeForLevel(level int) int { return 80_000 * level }

type compressorOpts struct {
	level      int
	workers    int
	verbose    bool
	ownsOutput bool
	progressCh chan<- Progress
}

// CompressorOption configures CompressStream and NewWriter.
type CompressorOption func(*compressorOpts)

// Level sets the bzip2 block-size level, clamped to [1,9].
func Level(l int) CompressorOption {
	return func(o *compressorOpts) { o.level = clampInt(l, 1, 9) }
}

// Workers sets the number of concurrent block-encoding workers, clamped to
// [0,128]. 0 selects the sequential driver when used with CompressStream;
// NewWriter always runs at least one worker since it has no sequential
// fallback.
func Workers(n int) CompressorOption {
	return func(o *compressorOpts) { o.workers = clampInt(n, 0, 128) }
}

// CompressVerbose controls verbose trace logging during compression,
// mirroring BZVerbose on the decompression side.
func CompressVerbose(v bool) CompressorOption {
	return func(o *compressorOpts) { o.verbose = v }
}

// CompressProgress sets the channel blocks are reported on as they are
// written to the output stream, in block order. Mirrors BZSendUpdates.
func CompressProgress(ch chan<- Progress) CompressorOption {
	return func(o *compressorOpts) { o.progressCh = ch }
}

// OwnsOutput controls whether Writer.Close also closes the underlying
// output writer, when it implements io.Closer. It has no effect on
// CompressStream, which never closes the writer it is handed.
func OwnsOutput(v bool) CompressorOption {
	return func(o *compressorOpts) { o.ownsOutput = v }
}

func defaultCompressorOpts() compressorOpts {
	return compressorOpts{
		level:   9,
		workers: runtime.GOMAXPROCS(-1),
	}
}

// Result summarizes a completed CompressStream call.
type Result struct {
	BytesRead int64
	Blocks    uint64
	StreamCRC uint32
}

// rawBlock is a fixed-capacity, append-only buffer of raw input bytes
// awaiting compression. It becomes immutable once handed to the pending
// queue, so workers may read it without holding the coordinator's mutex.
type rawBlock struct {
	id  uint64
	buf []byte
}

func newRawBlock(id uint64, capacity int) *rawBlock {
	return &rawBlock{id: id, buf: make([]byte, 0, capacity)}
}

// append copies as much of p as fits in the remaining capacity and reports
// how many bytes were absorbed, mirroring RLE1's own "report bytes
// absorbed" contract one level up: the raw block, not RLE1 itself, is what
// bounds a block's size in this implementation, since the read block size
// is chosen so that RLE1 can never expand past the block compressor's
// symbol limit.
func (b *rawBlock) append(p []byte) int {
	room := cap(b.buf) - len(b.buf)
	n := len(p)
	if n > room {
		n = room
	}
	b.buf = append(b.buf, p[:n]...)
	return n
}

func (b *rawBlock) full() bool { return len(b.buf) == cap(b.buf) }

// fillBlock reads from r until buf is full or r reports EOF, folding EOF
// into a nil error (the caller distinguishes "nothing read" from "short
// final read" by the returned count). This loops because read_block_size
// is usually much larger than a single Read's natural chunk size.
func fillBlock(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			if err == io.EOF {
				return n, nil
			}
			return n, err
		}
		if m == 0 {
			return n, nil
		}
	}
	return n, nil
}

// Writer is a push-mode io.WriteCloser: callers push bytes in, the writer
// seals and enqueues fixed-size raw blocks as they fill, and a pool of
// workers compresses them in parallel while the calling goroutine acts as
// the coordinator, draining completed blocks in order into the real
// output stream.
type Writer struct {
	ctx   context.Context
	out   io.Writer
	real  *bitstream.RealSink
	level int

	nworkers   int
	verbose    bool
	ownsOutput bool
	progressCh chan<- Progress

	readBlockSize int

	mu                sync.Mutex
	cond              *sync.Cond
	pending           []*rawBlock
	encoded           map[uint64]*bitstream.DeferredSink
	nextInputBlockID  uint64
	nextOutputBlockID uint64
	pendingWriting    int
	doneReading       bool
	activeWorkers     int
	workersStarted    bool

	fatal    atomic.Bool
	fatalErr atomic.Pointer[error]

	streamCRC uint32

	cur    *rawBlock
	closed bool
}

func (w *Writer) trace(format string, args ...interface{}) {
	if w.verbose {
		log.Printf(format, args...)
	}
}

func (w *Writer) setFatal(err error) {
	w.fatal.Store(true)
	w.fatalErr.Store(&err)
	w.mu.Lock()
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *Writer) fatalError() error {
	if p := w.fatalErr.Load(); p != nil {
		return *p
	}
	return nil
}

// newWriter constructs the shared coordinator state used by both NewWriter
// (push mode) and CompressStream's parallel path (pull mode); it writes
// the stream header immediately since the real sink belongs exclusively
// to the coordinator from this point on.
func newWriter(ctx context.Context, out io.Writer, o compressorOpts, minWorkers int) (*Writer, error) {
	w := &Writer{
		ctx:           ctx,
		out:           out,
		real:          bitstream.NewRealSink(out),
		level:         o.level,
		nworkers:      clampInt(o.workers, minWorkers, 128),
		verbose:       o.verbose,
		ownsOutput:    o.ownsOutput,
		progressCh:    o.progressCh,
		readBlockSize: readBlockSizeForLevel(o.level),
		encoded:       make(map[uint64]*bitstream.DeferredSink),
	}
	w.cond = sync.NewCond(&w.mu)
	if err := writeStreamHeader(w.real, w.level); err != nil {
		return nil, fmt.Errorf("%w: writing stream header: %v", ErrIO, err)
	}
	return w, nil
}

// NewWriter returns a push-mode compressing io.WriteCloser: each Write call
// appends to the current raw block, sealing and enqueueing it once full.
// Close flushes any partial final block and must be called exactly once;
// it is idempotent on subsequent calls.
func NewWriter(ctx context.Context, out io.Writer, opts ...CompressorOption) (*Writer, error) {
	o := defaultCompressorOpts()
	for _, fn := range opts {
		fn(&o)
	}
	return newWriter(ctx, out, o, 1)
}

func (w *Writer) nextBlockID() uint64 {
	w.mu.Lock()
	id := w.nextInputBlockID
	w.nextInputBlockID++
	w.mu.Unlock()
	return id
}

// ensureWorkers spawns additional workers, up to target, beyond however
// many are already running.
func (w *Writer) ensureWorkers(target int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.workersStarted = true
	for w.activeWorkers < target {
		w.activeWorkers++
		go w.runWorker()
	}
}

// runWorker implements the worker loop: dequeue a raw block, encode it
// into a private deferred sink, publish the result, and repeat until the
// input is exhausted or a fatal error has been raised by any worker.
func (w *Writer) runWorker() {
	defer func() {
		w.mu.Lock()
		w.activeWorkers--
		w.cond.Broadcast()
		w.mu.Unlock()
	}()
	for {
		if w.fatal.Load() {
			return
		}
		if err := w.ctx.Err(); err != nil {
			w.setFatal(fmt.Errorf("%w: %v", ErrIO, err))
			return
		}
		w.mu.Lock()
		for len(w.pending) == 0 && !w.doneReading && !w.fatal.Load() {
			w.cond.Wait()
		}
		if w.fatal.Load() {
			w.mu.Unlock()
			return
		}
		if len(w.pending) == 0 {
			// doneReading and nothing left: this worker is no longer
			// needed.
			w.mu.Unlock()
			return
		}
		block := w.pending[0]
		w.pending = w.pending[1:]
		// Counted as resident from the moment it leaves the pending queue,
		// not from when encoding finishes: a block being actively
		// compressed is in neither the pending queue nor the encoded map,
		// so resident() would otherwise undercount it for the whole
		// encoding duration.
		w.pendingWriting++
		w.mu.Unlock()

		sink := bitstream.NewDeferredSink(len(block.buf) / 4)
		start := time.Now()
		stats, err := (bzip2.BlockCompressor{}).Compress(sink, block.buf)
		if err != nil {
			w.trace("worker: block %d failed: %v", block.id, err)
			w.mu.Lock()
			w.pendingWriting--
			w.mu.Unlock()
			w.setFatal(fmt.Errorf("%w: encoding block %d: %v", ErrWorkerFault, block.id, err))
			return
		}
		sink.SetBlockCRC(stats.CRC)
		sink.SetRawSize(stats.RawSize)
		w.trace("worker: encoded block %d in %v (%d symbols, %d tables)",
			block.id, time.Since(start), stats.SymbolCount, stats.TableCount)

		w.mu.Lock()
		w.encoded[block.id] = sink
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

// resident reports how many raw blocks are sitting in the pending queue,
// being actively encoded, or waiting in the encoded-but-undrained map; the
// caller must hold w.mu. This is the quantity backpressure bounds to
// 10*nworkers.
func (w *Writer) resident() int { return len(w.pending) + w.pendingWriting }

// drainLocked replays every encoded block, in order, starting from
// nextOutputBlockID, for as long as consecutive blocks are available. It
// must be called with w.mu held and returns with w.mu still held.
func (w *Writer) drainLocked() error {
	for {
		sink, ok := w.encoded[w.nextOutputBlockID]
		if !ok {
			return nil
		}
		delete(w.encoded, w.nextOutputBlockID)
		w.pendingWriting--
		if err := sink.Replay(w.real); err != nil {
			return fmt.Errorf("%w: replaying block %d: %v", ErrIO, w.nextOutputBlockID, err)
		}
		blockCRC := sink.BlockCRC()
		w.streamCRC = updateStreamCRC(w.streamCRC, blockCRC)
		if w.progressCh != nil {
			ch := w.progressCh
			p := Progress{
				// Reported 1-based: the CLI's progressBar treats Block==0 as
				// the drained-channel sentinel, and block ids here are
				// 0-based internally, so the wire value must be shifted by
				// one to avoid colliding with that sentinel on block 0.
				Block:      w.nextOutputBlockID + 1,
				CRC:        blockCRC,
				Compressed: (sink.BitLen() + 7) / 8,
				Size:       sink.RawSize(),
			}
			w.mu.Unlock()
			ch <- p
			w.mu.Lock()
		}
		w.nextOutputBlockID++
		w.cond.Broadcast()
	}
}

// enqueue seals block into the pending queue, waiting out backpressure
// first, lazily spawning workers, and opportunistically draining whatever
// is already ready. It is the coordinator-side counterpart of runWorker
// and is shared by push mode (Write/Close) and the parallel branch of
// CompressStream.
func (w *Writer) enqueue(block *rawBlock) error {
	w.mu.Lock()
	for w.resident() >= 10*w.nworkers {
		if w.fatal.Load() {
			w.mu.Unlock()
			return w.fatalError()
		}
		if err := w.drainLocked(); err != nil {
			w.mu.Unlock()
			return err
		}
		if w.resident() < 10*w.nworkers {
			break
		}
		w.cond.Wait()
	}
	if w.fatal.Load() {
		w.mu.Unlock()
		return w.fatalError()
	}
	w.pending = append(w.pending, block)
	w.cond.Broadcast()
	if err := w.drainLocked(); err != nil {
		w.mu.Unlock()
		return err
	}
	w.mu.Unlock()
	w.ensureWorkers(w.nworkers)
	return nil
}

// Write implements io.Writer: it is push-mode's entry point, appending p
// to the current raw block and sealing/enqueueing it each time it fills.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	if w.fatal.Load() {
		return 0, w.fatalError()
	}
	total := 0
	for len(p) > 0 {
		if w.cur == nil {
			w.cur = newRawBlock(w.nextBlockID(), w.readBlockSize)
		}
		n := w.cur.append(p)
		p = p[n:]
		total += n
		if w.cur.full() {
			block := w.cur
			w.cur = nil
			if err := w.enqueue(block); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// WriteByte implements io.ByteWriter.
func (w *Writer) WriteByte(b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

// Read is unsupported: Writer is a write-only stream.
func (w *Writer) Read([]byte) (int, error) {
	return 0, fmt.Errorf("%w: Read", ErrUnsupportedOperation)
}

// Seek is unsupported.
func (w *Writer) Seek(int64, int) (int64, error) {
	return 0, fmt.Errorf("%w: Seek", ErrUnsupportedOperation)
}

// Flush is unsupported in parallel mode: a mid-stream flush would force a
// block boundary at an arbitrary byte, which is incompatible with how
// blocks are sized and reassembled. Callers must Close the writer instead.
func (w *Writer) Flush() error {
	return fmt.Errorf("%w: Flush", ErrUnsupportedOperation)
}

// finish drains the coordinator to completion: it marks input exhausted,
// tops up the worker pool if there is a backlog, waits for every block to
// be encoded and drained in order, then writes the stream footer and runs
// the shutdown sanity checks.
func (w *Writer) finish() error {
	w.mu.Lock()
	w.doneReading = true
	w.cond.Broadcast()
	for {
		if err := w.drainLocked(); err != nil {
			w.mu.Unlock()
			return err
		}
		if w.nextInputBlockID == w.nextOutputBlockID {
			break
		}
		if w.fatal.Load() {
			w.mu.Unlock()
			return w.fatalError()
		}
		if w.activeWorkers < w.nworkers && len(w.pending) > w.activeWorkers {
			w.mu.Unlock()
			w.ensureWorkers(w.nworkers)
			w.mu.Lock()
			continue
		}
		if w.activeWorkers == 0 {
			w.mu.Unlock()
			return fmt.Errorf("%w: workers exited with %d blocks still outstanding",
				ErrInvariant, w.nextInputBlockID-w.nextOutputBlockID)
		}
		w.cond.Wait()
	}
	// Every block has been drained, but workers that just published their
	// final block may still be between that publish and their deferred
	// activeWorkers decrement; wait them out so the sanity check below sees
	// quiescent state rather than a transient.
	for w.activeWorkers > 0 {
		w.cond.Wait()
	}
	if w.fatal.Load() {
		w.mu.Unlock()
		return w.fatalError()
	}
	qEmpty, mEmpty, workers := len(w.pending) == 0, len(w.encoded) == 0, w.activeWorkers
	w.mu.Unlock()
	if !qEmpty || !mEmpty || workers != 0 {
		return fmt.Errorf("%w: shutdown sanity check failed: queue empty=%v map empty=%v active workers=%d",
			ErrInvariant, qEmpty, mEmpty, workers)
	}
	if err := writeStreamFooter(w.real, w.streamCRC); err != nil {
		return fmt.Errorf("%w: writing stream footer: %v", ErrIO, err)
	}
	return nil
}

// Close flushes any partial final block, drains all outstanding blocks in
// order, writes the stream footer and, with OwnsOutput set, closes the
// underlying writer, reporting every failure encountered along the way
// rather than just the first. It is idempotent: a second call returns nil
// without writing anything further.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	errs := &cloudengerrors.M{}
	if w.cur != nil && len(w.cur.buf) > 0 {
		block := w.cur
		w.cur = nil
		errs.Append(w.enqueue(block))
	}
	w.cur = nil
	if errs.Err() == nil {
		// An empty stream (nothing ever written) still satisfies the
		// finish() sanity checks; workers are only ever started on demand
		// by enqueue, so none exist here and none are needed.
		errs.Append(w.finish())
	}
	if w.ownsOutput {
		if c, ok := w.out.(io.Closer); ok {
			errs.Append(c.Close())
		}
	}
	return errs.Err()
}

// CompressStream reads all of r, compresses it at the configured level and
// worker count, and writes a complete bzip2 stream to w. With Workers(0)
// it uses the sequential driver; otherwise it drives the
// same parallel orchestrator as Writer, but owns the read loop itself
// (pull mode) rather than being pushed into via Write.
func CompressStream(ctx context.Context, r io.Reader, w io.Writer, opts ...CompressorOption) (Result, error) {
	o := defaultCompressorOpts()
	for _, fn := range opts {
		fn(&o)
	}
	if o.workers == 0 {
		return compressSequential(r, w, o)
	}
	return compressParallel(ctx, r, w, o)
}

// compressSequential is the single-threaded driver: one block
// compressor at a time, writing directly to the real sink, with no
// concurrency at all. Given identical input and level this produces
// byte-identical output to compressParallel run with any worker count,
// since every block is a pure function of its own raw bytes.
func compressSequential(r io.Reader, w io.Writer, o compressorOpts) (Result, error) {
	real := bitstream.NewRealSink(w)
	if err := writeStreamHeader(real, o.level); err != nil {
		return Result{}, fmt.Errorf("%w: writing stream header: %v", ErrIO, err)
	}
	readSize := readBlockSizeForLevel(o.level)
	var (
		streamCRC uint32
		blockID   uint64
		bytesRead int64
		bc        bzip2.BlockCompressor
	)
	buf := make([]byte, readSize)
	for {
		n, err := fillBlock(r, buf)
		if err != nil {
			return Result{}, fmt.Errorf("%w: reading input: %v", ErrIO, err)
		}
		if n == 0 {
			break
		}
		bytesRead += int64(n)
		stats, err := bc.Compress(real, buf[:n])
		if err != nil {
			return Result{}, fmt.Errorf("%w: encoding block %d: %v", ErrWorkerFault, blockID, err)
		}
		streamCRC = updateStreamCRC(streamCRC, stats.CRC)
		if o.progressCh != nil {
			// +1: see the parallel path's identical adjustment in drainLocked.
			o.progressCh <- Progress{Block: blockID + 1, CRC: stats.CRC, Size: stats.RawSize}
		}
		blockID++
		if n < readSize {
			break
		}
	}
	if err := writeStreamFooter(real, streamCRC); err != nil {
		return Result{}, fmt.Errorf("%w: writing stream footer: %v", ErrIO, err)
	}
	return Result{BytesRead: bytesRead, Blocks: blockID, StreamCRC: streamCRC}, nil
}

// compressParallel is pull mode: the calling goroutine
// is the coordinator, reading fixed-size raw blocks from r and enqueuing
// them (which itself drains whatever is ready and enforces backpressure),
// all workers are spawned up front rather than lazily.
func compressParallel(ctx context.Context, r io.Reader, w io.Writer, o compressorOpts) (Result, error) {
	cw, err := newWriter(ctx, w, o, 1)
	if err != nil {
		return Result{}, err
	}
	cw.ensureWorkers(cw.nworkers)
	var bytesRead int64
	for {
		buf := make([]byte, cw.readBlockSize)
		n, err := fillBlock(r, buf)
		if err != nil {
			cw.setFatal(fmt.Errorf("%w: reading input: %v", ErrIO, err))
			return Result{}, cw.fatalError()
		}
		if n == 0 {
			break
		}
		// The block id is assigned only once the read has produced bytes:
		// finish() treats nextInputBlockID as "number of blocks enqueued"
		// when deciding the stream is fully drained, so an id consumed by a
		// block that was never enqueued would stall shutdown forever.
		block := &rawBlock{id: cw.nextBlockID(), buf: buf[:n]}
		bytesRead += int64(n)
		if err := cw.enqueue(block); err != nil {
			return Result{}, err
		}
		if n < cw.readBlockSize {
			break
		}
	}
	if err := cw.finish(); err != nil {
		return Result{}, err
	}
	return Result{BytesRead: bytesRead, Blocks: cw.nextOutputBlockID, StreamCRC: cw.streamCRC}, nil
}
