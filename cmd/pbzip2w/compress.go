// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"cloudeng.io/cmdutil"
	"cloudeng.io/errors"
	"github.com/cenkalti/backoff/v3"
	"github.com/cosnicolaou/pbzip2w"
	"github.com/klauspost/cpuid"
	"golang.org/x/crypto/ssh/terminal"
)

// Concurrency defaults to -1, meaning "unset": 0 is a legitimate, explicit
// request for the sequential driver and must not be confused with "the
// user didn't pass this flag."
type compressFlags struct {
	Level       int    `subcmd:"level,9,'bzip2 block-size level, 100,000 bytes per digit, from 1 to 9'"`
	Concurrency int    `subcmd:"concurrency,-1,'number of parallel compression workers, 0 for the sequential driver, -1 to pick a default from the detected core count'"`
	ProgressBar bool   `subcmd:"progress,true,display a progress bar"`
	OutputFile  string `subcmd:"output,,'output file or s3 path, omit for stdout'"`
	Verbose     bool   `subcmd:"verbose,false,verbose debug/trace information"`
}

type encodeStatsFlags struct {
	Concurrency int  `subcmd:"concurrency,-1,'number of parallel compression workers, 0 for the sequential driver, -1 to pick a default from the detected core count'"`
	Level       int  `subcmd:"level,9,'bzip2 block-size level, 100,000 bytes per digit, from 1 to 9'"`
	Verbose     bool `subcmd:"verbose,false,verbose debug/trace information"`
}

// defaultCompressionWorkers picks a worker count from the detected logical
// core count rather than runtime.GOMAXPROCS, so that it reflects the
// machine's actual topology even when GOMAXPROCS has been pinned lower for
// other reasons.
func defaultCompressionWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return 4
}

// openFileOrURLWithRetry wraps openFileOrURL with a bounded exponential
// backoff: S3 opens can fail transiently (throttling, DNS hiccups) in a way
// a local file open never does, and retrying the whole open is cheap and
// safe since it has no side effects until the first byte is read.
func openFileOrURLWithRetry(ctx context.Context, name string) (io.Reader, int64, func(context.Context) error, error) {
	var (
		rd      io.Reader
		size    int64
		cleanup func(context.Context) error
	)
	open := func() error {
		var err error
		rd, size, cleanup, err = openFileOrURL(ctx, name)
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(open, b); err != nil {
		return nil, 0, nil, err
	}
	return rd, size, cleanup, nil
}

func compressOptsFromFlags(cl *compressFlags) []pbzip2.CompressorOption {
	workers := cl.Concurrency
	if workers < 0 {
		workers = defaultCompressionWorkers()
	}
	return []pbzip2.CompressorOption{
		pbzip2.Level(cl.Level),
		pbzip2.Workers(workers),
		pbzip2.CompressVerbose(cl.Verbose),
	}
}

func compress(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cl := values.(*compressFlags)
	cmdutil.HandleSignals(cancel, os.Interrupt)

	opts := compressOptsFromFlags(cl)

	var (
		rd            io.Reader
		size          int64
		readerCleanup = func(context.Context) error { return nil }
		err           error
	)
	if len(args) == 0 {
		rd = os.Stdin
	} else {
		rd, size, readerCleanup, err = openFileOrURLWithRetry(ctx, args[0])
		if err != nil {
			return err
		}
	}
	defer readerCleanup(ctx)

	wr, writerCleanup, err := createFile(ctx, cl.OutputFile)
	if err != nil {
		return err
	}

	var (
		progressBarWg sync.WaitGroup
		progressBarWr = os.Stdout
		progressCh    chan pbzip2.Progress
	)
	isTTY := terminal.IsTerminal(int(os.Stdout.Fd()))
	if cl.ProgressBar && size > 0 && (len(cl.OutputFile) > 0 || !isTTY) {
		progressCh = make(chan pbzip2.Progress, defaultCompressionWorkers()+1)
		opts = append(opts, pbzip2.CompressProgress(progressCh))
		if !isTTY {
			progressBarWr = os.Stderr
		}
		progressBarWg.Add(1)
		go func() {
			progressBar(ctx, progressBarWr, progressCh, size)
			progressBarWg.Done()
		}()
	}

	errs := &errors.M{}
	_, err = pbzip2.CompressStream(ctx, rd, wr, opts...)
	errs.Append(err)
	errs.Append(writerCleanup(ctx))

	if progressCh != nil {
		close(progressCh)
		progressBarWg.Wait()
	}
	return errs.Err()
}

// encodeStats compresses its input, discarding the output, and prints a
// per-block summary of the raw and compressed sizes. It exists purely for
// inspecting how the encoder is dividing and sizing blocks. With
// --concurrency=0 the sequential driver does not measure compressed sizes,
// and that column reads 0.
func encodeStats(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cl := values.(*encodeStatsFlags)
	cmdutil.HandleSignals(cancel, os.Interrupt)

	errs := &errors.M{}
	for _, arg := range args {
		errs.Append(encodeStatsFile(ctx, arg, cl))
	}
	return errs.Err()
}

func encodeStatsFile(ctx context.Context, name string, cl *encodeStatsFlags) error {
	rd, _, readerCleanup, err := openFileOrURLWithRetry(ctx, name)
	if err != nil {
		return err
	}
	defer readerCleanup(ctx)

	workers := cl.Concurrency
	if workers < 0 {
		workers = defaultCompressionWorkers()
	}
	ch := make(chan pbzip2.Progress, 16)
	opts := []pbzip2.CompressorOption{
		pbzip2.Level(cl.Level),
		pbzip2.Workers(workers),
		pbzip2.CompressVerbose(cl.Verbose),
		pbzip2.CompressProgress(ch),
	}

	fmt.Printf("=== %v ===\n", name)
	fmt.Printf("Block, CRC, RawSize, CompressedSize\n")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for p := range ch {
			fmt.Printf("% 12d   : %#08x - % 12d -> % 12d\n", p.Block, p.CRC, p.Size, p.Compressed)
		}
	}()

	start := time.Now()
	result, err := pbzip2.CompressStream(ctx, rd, io.Discard, opts...)
	close(ch)
	wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to compress: %v: %v", name, err)
	}
	fmt.Printf("Blocks               : %v\n", result.Blocks)
	fmt.Printf("Bytes read           : %v\n", result.BytesRead)
	fmt.Printf("Stream CRC           : %#08x\n", result.StreamCRC)
	fmt.Printf("Elapsed              : %v\n", time.Since(start))
	return nil
}
