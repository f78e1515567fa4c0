// Flatsort sorts a delimited-text file that is too large for memory, using
// an external merge sort with bounded RAM.
//
// Usage:
//
//	flatsort -key 2n,0 -chunk 64MiB -header data.csv
//
// Flags:
//
//	-key       Sort key: comma-separated field indexes, each with an optional
//	           'n' (numeric collation) and/or 'r' (reverse) suffix (default: 0)
//	-o         Output path (default: input with "_sorted" before the extension)
//	-chunk     Per-chunk byte budget, e.g. 64MiB (default: 256MiB)
//	-workers   Number of parallel chunk-sort workers (default: GOMAXPROCS)
//	-header    Treat the first row as a header (default: false)
//	-delim     Field delimiter, "\t" for tab (default: ",")
//	-scratch   Base directory for scratch space (default: OS temp dir)
//	-quota     Scratch disk quota, e.g. 2GiB; 0 means unlimited (default: 0)
//	-compress  Chunk compression: none, s2, or zstd (default: none)
//	-retries   Retries per failed chunk sort (default: 0)
//	-backoff   Initial retry backoff, doubled per attempt (default: 250ms)
//	-timeout   Per-attempt chunk-sort deadline; 0 means none (default: 0)
//	-q         Suppress the summary line (default: false)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/flatsort/flatsort"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: flatsort [flags] <input file>\n\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	keyFlag := flag.String("key", "0", "sort key fields, e.g. 2n,0,1r")
	outFlag := flag.String("o", "", "output path (default: input with \"_sorted\" before the extension)")
	chunkFlag := flag.String("chunk", "256MiB", "per-chunk byte budget")
	workersFlag := flag.Int("workers", runtime.GOMAXPROCS(0), "parallel chunk-sort workers")
	headerFlag := flag.Bool("header", false, "treat the first row as a header")
	delimFlag := flag.String("delim", ",", "field delimiter, \"\\t\" for tab")
	scratchFlag := flag.String("scratch", "", "scratch base directory (default: OS temp dir)")
	quotaFlag := flag.String("quota", "0", "scratch disk quota, 0 means unlimited")
	compressFlag := flag.String("compress", "none", "chunk compression: none, s2, zstd")
	retriesFlag := flag.Int("retries", 0, "retries per failed chunk sort")
	backoffFlag := flag.Duration("backoff", 250*time.Millisecond, "initial retry backoff")
	timeoutFlag := flag.Duration("timeout", 0, "per-attempt chunk-sort deadline, 0 means none")
	quietFlag := flag.Bool("q", false, "suppress the summary line")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	input := flag.Arg(0)

	key, err := parseKey(*keyFlag)
	if err != nil {
		return fmt.Errorf("-key: %v", err)
	}
	comma, err := parseDelim(*delimFlag)
	if err != nil {
		return fmt.Errorf("-delim: %v", err)
	}
	chunkBytes, err := humanize.ParseBytes(*chunkFlag)
	if err != nil {
		return fmt.Errorf("-chunk: %v", err)
	}
	quotaBytes, err := humanize.ParseBytes(*quotaFlag)
	if err != nil {
		return fmt.Errorf("-quota: %v", err)
	}
	codec, err := flatsort.ParseCompression(*compressFlag)
	if err != nil {
		return fmt.Errorf("-compress: %q is not one of none, s2, zstd", *compressFlag)
	}

	opts := []flatsort.Option{
		flatsort.WithMaxChunkBytes(int64(chunkBytes)),
		flatsort.WithWorkers(*workersFlag),
		flatsort.WithDelimiter(comma),
		flatsort.WithCompression(codec),
	}
	if *headerFlag {
		opts = append(opts, flatsort.WithHeader())
	}
	if *scratchFlag != "" {
		opts = append(opts, flatsort.WithScratchDir(*scratchFlag))
	}
	if quotaBytes > 0 {
		opts = append(opts, flatsort.WithDiskQuota(int64(quotaBytes)))
	}
	if *retriesFlag > 0 {
		opts = append(opts, flatsort.WithRetry(*retriesFlag, *backoffFlag))
	}
	if *timeoutFlag > 0 {
		opts = append(opts, flatsort.WithChunkTimeout(*timeoutFlag))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	output := *outFlag
	if output == "" {
		output = flatsort.DefaultOutputPath(input)
	}

	start := time.Now()
	stats, err := flatsort.SortFile(ctx, input, output, key, opts...)
	if err != nil {
		return err
	}

	if !*quietFlag {
		fmt.Printf("%s: %s records (%s) in %d chunks, %s, scratch peak %s\n",
			output,
			humanize.Comma(stats.Records),
			humanize.IBytes(uint64(stats.Bytes)),
			stats.Chunks,
			time.Since(start).Round(10*time.Millisecond),
			humanize.IBytes(uint64(stats.ScratchPeak)),
		)
	}
	return nil
}

// parseKey turns a spec like "2n,0,1r" into a sort key: a comma-separated
// list of zero-based field indexes, each with an optional 'n' suffix for
// numeric collation and 'r' for reverse (descending) order.
func parseKey(s string) (flatsort.Key, error) {
	var key flatsort.Key
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		field := flatsort.KeyField{Direction: flatsort.Ascending}
	suffixes:
		for len(part) > 0 {
			switch part[len(part)-1] {
			case 'n':
				field.Collation = flatsort.Numeric
			case 'r':
				field.Direction = flatsort.Descending
			default:
				break suffixes
			}
			part = part[:len(part)-1]
		}
		idx, err := strconv.Atoi(part)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("bad field %q: want <index>[n][r]", part)
		}
		field.Index = idx
		key = append(key, field)
	}
	return key, nil
}

// parseDelim maps the -delim flag to a single delimiter rune, accepting the
// two-character escape "\t" for tab.
func parseDelim(s string) (rune, error) {
	if s == "\\t" {
		return '\t', nil
	}
	runes := []rune(s)
	if len(runes) != 1 {
		return 0, fmt.Errorf("want a single character, got %q", s)
	}
	return runes[0], nil
}
