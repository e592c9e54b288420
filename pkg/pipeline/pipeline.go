// Package pipeline implements the ExtractLoadPipeline described in
// spec.md §4.3: open a temp file, extract a query's rows into it, split it
// into row-bounded chunks, load each chunk into the target, and guarantee
// cleanup of every on-disk file on every exit path. The five-step shape is
// grounded on spirit's chunked-copy loop (pkg/migration/runner.go's row
// copier), adapted from an in-process cursor to the file/subprocess
// contract spec.md §6/§7 requires.
package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/syncwarehouse/syncwarehouse/pkg/dbadapter"
	"github.com/syncwarehouse/syncwarehouse/pkg/metrics"
	"github.com/syncwarehouse/syncwarehouse/pkg/synclog"
	"github.com/syncwarehouse/syncwarehouse/pkg/syncerr"
	"github.com/syncwarehouse/syncwarehouse/pkg/tmpfile"

	"github.com/siddontang/loggers"
)

// DefaultChunkRows bounds how many rows go into a single LOAD/COPY
// statement, so one giant extract doesn't become one giant, slow,
// lock-holding load transaction.
const DefaultChunkRows = 50_000

// Pipeline runs one extract-then-load cycle for a single table.
type Pipeline struct {
	Source    dbadapter.DatabaseAdapter
	Target    dbadapter.DatabaseAdapter
	Metrics   metrics.Sink
	Logger    loggers.Advanced
	ChunkRows int // defaults to DefaultChunkRows when zero
}

// Result reports what a pipeline run accomplished, for the calling Action
// to fold into its own state transition and SyncMetadata update.
type Result struct {
	RowsExtracted int64
	ChunksLoaded  int
}

// Run executes the five-step contract: extract to a temp file, split into
// chunks, load each chunk, delete every temp file on every exit path
// (success, partial failure, or early return).
func (p *Pipeline) Run(ctx context.Context, action, sourceID string, q dbadapter.ExtractQuery, targetTable string, columns []string) (Result, error) {
	logger := p.logger()
	chunkRows := p.ChunkRows
	if chunkRows <= 0 {
		chunkRows = DefaultChunkRows
	}

	extractFile, err := tmpfile.New(targetTable)
	if err != nil {
		p.sink().IncFailure(action, sourceID, targetTable)
		return Result{}, syncerr.New(syncerr.KindExtract, sourceID, targetTable, err)
	}
	defer tmpfile.Remove(extractFile) //nolint:errcheck

	logger.Infof("%s: extracting rows", synclog.Event(action, "extract", targetTable))
	if err := p.Source.ExtractToFile(ctx, q, extractFile); err != nil {
		p.sink().IncFailure(action, sourceID, targetTable)
		return Result{}, err // already a *syncerr.Error (KindExtract) from the adapter
	}

	chunkPaths, rowCount, err := splitFile(extractFile, chunkRows)
	if err != nil {
		p.sink().IncFailure(action, sourceID, targetTable)
		return Result{}, syncerr.New(syncerr.KindSplit, sourceID, targetTable, err)
	}
	defer func() {
		for _, c := range chunkPaths {
			tmpfile.Remove(c) //nolint:errcheck
		}
	}()

	logger.Infof("%s: loading %d row(s) in %d chunk(s)", synclog.Event(action, "load", targetTable), rowCount, len(chunkPaths))
	for _, chunkPath := range chunkPaths {
		if err := p.Target.LoadFromFile(ctx, targetTable, columns, chunkPath); err != nil {
			p.sink().IncFailure(action, sourceID, targetTable)
			return Result{}, err // already a *syncerr.Error (KindLoad) from the adapter
		}
	}

	p.sink().IncSuccess(action, sourceID, targetTable)
	p.sink().ObserveRows(action, sourceID, targetTable, rowCount)
	return Result{RowsExtracted: rowCount, ChunksLoaded: len(chunkPaths)}, nil
}

func (p *Pipeline) sink() metrics.Sink {
	if p.Metrics == nil {
		return metrics.NoopSink{}
	}
	return p.Metrics
}

func (p *Pipeline) logger() loggers.Advanced {
	if p.Logger == nil {
		return synclog.Default()
	}
	return p.Logger
}

// splitFile divides extractFile into one or more chunk files of at most
// chunkRows lines each, returning the chunk paths in order and the total
// row count. A single-chunk extract still goes through this path so the
// load step always deals with a uniform list of chunk files.
func splitFile(extractFile string, chunkRows int) ([]string, int64, error) {
	in, err := os.Open(extractFile)
	if err != nil {
		return nil, 0, fmt.Errorf("opening extract file for split: %w", err)
	}
	defer in.Close()

	var (
		chunkPaths []string
		totalRows  int64
		curRows    int
		curWriter  *bufio.Writer
		curFile    *os.File
	)
	closeCur := func() error {
		if curWriter == nil {
			return nil
		}
		if err := curWriter.Flush(); err != nil {
			return err
		}
		return curFile.Close()
	}
	openNext := func(n int) error {
		path := tmpfile.ChunkName(extractFile, n)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		curFile = f
		curWriter = bufio.NewWriter(f)
		curRows = 0
		chunkPaths = append(chunkPaths, path)
		return nil
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if curWriter == nil || curRows >= chunkRows {
			if err := closeCur(); err != nil {
				return nil, 0, err
			}
			if err := openNext(len(chunkPaths)); err != nil {
				return nil, 0, err
			}
		}
		if _, err := curWriter.Write(scanner.Bytes()); err != nil {
			return nil, 0, err
		}
		if err := curWriter.WriteByte('\n'); err != nil {
			return nil, 0, err
		}
		curRows++
		totalRows++
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scanning extract file: %w", err)
	}
	if err := closeCur(); err != nil {
		return nil, 0, err
	}
	if len(chunkPaths) == 0 {
		// An empty extract still produces one empty chunk, so the load
		// step has a consistent file to point LoadFromFile at (and the
		// target adapter's LOAD/COPY of an empty file is a harmless no-op).
		if err := openNext(0); err != nil {
			return nil, 0, err
		}
		if err := closeCur(); err != nil {
			return nil, 0, err
		}
	}
	return chunkPaths, totalRows, nil
}
