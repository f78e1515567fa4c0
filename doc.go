// Package flatsort sorts delimited-text (CSV-style) record streams that are
// too large for memory, using an external merge sort with bounded RAM.
//
// The input is split into chunks no larger than a configured byte budget,
// the chunks are sorted in parallel by a fixed pool of workers, and a single
// k-way merge streams the result to the output. Equal-key records keep their
// input order end to end.
//
// # Basic Usage
//
// Sorting a file by its first column:
//
//	stats, err := flatsort.SortFile(ctx, "data.csv", "data_sorted.csv",
//	    flatsort.Key{{Index: 0}},
//	    flatsort.WithHeader(),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("sorted %d records in %d chunks\n", stats.Records, stats.Chunks)
//
// Sorting arbitrary record streams:
//
//	sorter, err := flatsort.New(
//	    flatsort.Key{{Index: 2, Collation: flatsort.Numeric, Direction: flatsort.Descending}},
//	    flatsort.WithMaxChunkBytes(64<<20),
//	    flatsort.WithWorkers(4),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	stats, err := sorter.Sort(ctx, src, dst)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Package Structure
//
// The implementation is organized as follows:
//
//   - Public API: sorter.go (New, Sort, SortFile, Stats), key.go (Key, Compare)
//   - Configuration: options.go (Option, With* functions)
//   - Pipeline phases: splitter.go (byte-budgeted split), workers.go (parallel
//     chunk sorts), merge.go (k-way merge)
//   - Chunk files: chunk.go (writer/reader, checksums, compression),
//     scratch.go (private scratch dir, quota accounting)
//   - Record model: record.go (Record, RecordSource, RecordSink),
//     internal/delim/ (canonical delimited-text codec)
//   - Errors: errors/ (sentinels, PipelineError)
//   - Platform: fadvise_*.go, fallocate_*.go (OS-specific optimizations)
package flatsort
