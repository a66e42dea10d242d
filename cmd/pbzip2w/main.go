// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"cloudeng.io/cmdutil/subcmd"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/cosnicolaou/pbzip2w"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/schollz/progressbar/v2"
)

var cmdSet *subcmd.CommandSet

func init() {
	compressCmd := subcmd.NewCommand("compress",
		subcmd.MustRegisterFlagStruct(&compressFlags{}, nil, nil),
		compress, subcmd.AtLeastNArguments(0))
	compressCmd.Document(`compress a file or stdin to bzip2. Files may be local, on S3 or a URL; output may be local, on S3 or stdout.`)

	encodeStatsCmd := subcmd.NewCommand("encode-stats",
		subcmd.MustRegisterFlagStruct(&encodeStatsFlags{}, nil, nil),
		encodeStats, subcmd.AtLeastNArguments(1))
	encodeStatsCmd.Document(`compress a file, discarding the output, and report per-block sizing, intended purely for debugging purposes.`)

	cmdSet = subcmd.NewCommandSet(compressCmd, encodeStatsCmd)
	cmdSet.Document(`compress files to bzip2 in parallel. Files may be local, on S3 or a URL.`)

	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func progressBar(ctx context.Context, progressBarWr io.Writer, ch chan pbzip2.Progress, size int64) {
	next := uint64(1)
	bar := progressbar.NewOptions64(size,
		progressbar.OptionSetBytes64(size),
		progressbar.OptionSetWriter(progressBarWr),
		progressbar.OptionSetPredictTime(true))
	bar.RenderBlank()
	for {
		select {
		case p := <-ch:
			if p.Block == 0 {
				fmt.Fprintf(progressBarWr, "\n")
				return
			}
			bar.Add(p.Compressed)
			if p.Block != next {
				log.Fatalf("out of sequence block %#v\n", p)
			}
			next++
		case <-ctx.Done():
			return
		}
	}
}

func openFileOrURL(ctx context.Context, name string) (io.Reader, int64, func(context.Context) error, error) {
	if strings.HasPrefix(name, "http") {
		resp, err := http.Get(name)
		if err != nil {
			return nil, 0, nil, err
		}
		return resp.Body,
			resp.ContentLength,
			func(context.Context) error {
				resp.Body.Close()
				return nil
			},

			err
	}
	info, err := file.Stat(ctx, name)
	if err != nil {
		return nil, 0, nil, err
	}
	file, err := file.Open(ctx, name)
	if err != nil {
		return nil, 0, nil, err
	}
	return file.Reader(ctx), info.Size(), file.Close, nil
}

func createFile(ctx context.Context, name string) (io.Writer, func(context.Context) error, error) {
	if len(name) == 0 {
		return os.Stdout,
			func(context.Context) error {
				return nil
			},
			nil
	}
	file, err := file.Create(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return file.Writer(ctx), file.Close, nil
}

func main() {
	cmdSet.MustDispatch(context.Background())
}
