package grid

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/openrec/openrec/csvutil"
	"github.com/openrec/openrec/folders"
	"github.com/openrec/openrec/job"
	"github.com/openrec/openrec/schema"
)

// Grid is a virtual grid of data from one or more CSV files.
//
// As data is sourced from additional files, its columns and rows are
// appended to the grid. For example with invoices I and payments P: -
//
//	I.Ref I.Amount P.Number P.Amount
//	ABC   10.99    -------- --------    << Invoice
//	DEF   11.00    -------- --------    << Invoice
//	----- -------- 123456   100.00      << Payment
//	----- -------- 323232   250.50      << Payment
//
// No memory is allocated for the empty cells - the grid holds only schema,
// file metadata and counts; record data is read from disk on demand.
type Grid struct {
	count    int
	dataSize int
	schema   *schema.GridSchema
}

// SchemaMismatchError - two files under one pattern disagree on schema.
type SchemaMismatchError struct {
	Pattern string
	First   string
	Second  string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schemas for %s must be the same, found these two schemas: [%s] [%s]", e.Pattern, e.First, e.Second)
}

// CannotParseCsvRowError names the path of the row that failed to parse.
type CannotParseCsvRowError struct {
	Path string
	Err  error
}

func (e *CannotParseCsvRowError) Error() string {
	return fmt.Sprintf("unable to read row from %s: %v", e.Path, e.Err)
}

func (g *Grid) Len() int                   { return g.count }
func (g *Grid) IsEmpty() bool              { return g.count == 0 }
func (g *Grid) DataSize() int              { return g.dataSize }
func (g *Grid) Schema() *schema.GridSchema { return g.schema }

// Load sources all pending data files into a new grid. Files named in
// ignoreFiles (from IgnoreFile changesets) are excluded for this run.
func Load(ctx *job.Context, ignoreFiles map[string]bool) (*Grid, error) {
	gridSchema := schema.NewGridSchema()
	totalCount := 0
	dataSize := 0

	for _, sourceFile := range ctx.Charter().Matching.SourceFiles {
		ctx.Log().Infof("Sourcing data with pattern [%s]", sourceFile.Pattern)

		prefix := ""
		if ctx.Charter().UseFieldPrefixes() {
			prefix = sourceFile.FieldPrefix
		}

		// Track schemas added under this pattern - all its files must agree.
		lastSchemaIdx := -1

		files, err := ctx.Folders().FilesInMatching(sourceFile.Pattern)
		if err != nil {
			return nil, err
		}

		for _, filename := range files {
			if folders.IsChangesetFile(filename) {
				continue
			}
			if ignoreFiles[filename] {
				ctx.Log().Infof("Ignoring file %s for this run", filename)
				continue
			}

			count, fileSize, schemaIdx, err := loadFile(ctx, filename, prefix, sourceFile.Pattern, gridSchema, lastSchemaIdx)
			if err != nil {
				return nil, err
			}
			lastSchemaIdx = schemaIdx
			totalCount += count
			dataSize += fileSize
		}
	}

	ctx.Log().Infof("Scanned %d records - ready to match", totalCount)

	return &Grid{count: totalCount, dataSize: dataSize, schema: gridSchema}, nil
}

// loadFile validates every row parses, registers the file's schema, and adds
// the file to the grid. Empty files are archived immediately and excluded.
func loadFile(ctx *job.Context, filename, prefix, pattern string, gridSchema *schema.GridSchema, lastSchemaIdx int) (int, int, int, error) {
	started := time.Now()
	path := filepath.Join(ctx.Folders().Matching(), filename)
	ctx.Log().Debugf("Reading file %s", path)

	reader, err := csvutil.NewReader(path, 0)
	if err != nil {
		return 0, 0, lastSchemaIdx, err
	}
	defer reader.Close()

	headers, _, err := reader.Read()
	if err != nil {
		return 0, 0, lastSchemaIdx, errors.Wrapf(err, "cannot read headers of %s", path)
	}
	typeTags, _, err := reader.Read()
	if err != nil {
		return 0, 0, lastSchemaIdx, errors.Wrapf(err, "CSV file %s had no schema row", path)
	}

	fileSchema, err := schema.NewFileSchema(prefix, headers, typeTags)
	if err != nil {
		return 0, 0, lastSchemaIdx, errors.Wrapf(err, "unable to read sourced data file %s", path)
	}

	// Validate each remaining record parses - the data itself stays on disk.
	count := 0
	fileSize := 0
	for {
		record, _, err := reader.Read()
		if err != nil {
			if isEOF(err) {
				break
			}
			return 0, 0, lastSchemaIdx, &CannotParseCsvRowError{Path: path, Err: err}
		}
		for _, field := range record {
			fileSize += len(field)
		}
		count++
	}

	if count == 0 {
		// Nothing in it - progress the file to the archive immediately.
		if err := ctx.Folders().ArchiveNow(path); err != nil {
			return 0, 0, lastSchemaIdx, err
		}
	} else {
		schemaIdx, err := gridSchema.AddFileSchema(fileSchema)
		if err != nil {
			return 0, 0, lastSchemaIdx, err
		}

		if lastSchemaIdx >= 0 && lastSchemaIdx != schemaIdx {
			existing := gridSchema.FileSchemas()[lastSchemaIdx]
			return 0, 0, lastSchemaIdx, &SchemaMismatchError{Pattern: pattern, First: existing.ShortString(), Second: fileSchema.ShortString()}
		}
		lastSchemaIdx = schemaIdx

		dataFile, err := schema.NewDataFile(path, schemaIdx)
		if err != nil {
			return 0, 0, lastSchemaIdx, err
		}
		gridSchema.AddFile(dataFile)
	}

	duration, _ := job.FormattedDuration(count, time.Since(started))
	ctx.Log().Infof("  %d records read from file %s in %s", count, filename, duration)

	return count, fileSize, lastSchemaIdx, nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
