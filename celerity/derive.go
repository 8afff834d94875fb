package celerity

// The projection and merge engine. Derived column values are computed for
// every record and persisted to a .derived.csv side-car per source file, so
// the match phase can seek them by position just like original data.
//
// Files are derived in parallel - one worker per file, bounded by the
// logical CPU count. Workers share nothing: each owns its reader, its
// derived writer and its own scripting engine.

import (
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/pkg/errors"

	"github.com/openrec/openrec/config"
	"github.com/openrec/openrec/csvutil"
	"github.com/openrec/openrec/datatype"
	"github.com/openrec/openrec/grid"
	"github.com/openrec/openrec/job"
	"github.com/openrec/openrec/schema"
	"github.com/openrec/openrec/script"
)

// DeriveDataError annotates a projection/merge failure with its context.
type DeriveDataError struct {
	Instruction string
	Row         int
	File        string
	Err         error
}

func (e *DeriveDataError) Error() string {
	return fmt.Sprintf("an error occurred processing instruction %s on record %d from file %s: %v", e.Instruction, e.Row, e.File, e.Err)
}

// MissingSourceColumnError - no merge source column exists in the grid.
type MissingSourceColumnError struct {
	Header string
}

func (e *MissingSourceColumnError) Error() string {
	return fmt.Sprintf("column %s doesn't exist in the source data and cannot be used to merge", e.Header)
}

// createDerivedSchema adds a derived column to the grid for each projection
// and merge instruction, then opens a derived writer per sourced file with
// the derived header and type rows written. It also pre-computes which
// columns each projection's scripts reference.
func createDerivedSchema(ctx *job.Context, g *grid.Grid) (map[int][]schema.Column, []*csvutil.Writer, error) {
	debugGrid(ctx, g, 1)

	projectionCols := map[int][]schema.Column{}

	for idx, inst := range ctx.Charter().Matching.Instructions {
		switch {
		case inst.Project != nil:
			projectionCols[idx] = referencedCols(inst.Project.From, inst.Project.When, g.Schema())
			if _, err := g.Schema().AddProjectedColumn(schema.NewColumn(inst.Project.Column, "", inst.Project.AsA)); err != nil {
				return nil, nil, err
			}
		case inst.Merge != nil:
			dataType, err := validateMerge(inst.Merge, g)
			if err != nil {
				return nil, nil, err
			}
			if _, err := g.Schema().AddMergedColumn(schema.NewColumn(inst.Merge.Into, "", dataType)); err != nil {
				return nil, nil, err
			}
		}
	}

	writers, err := derivedWriters(g)
	if err != nil {
		return nil, nil, err
	}
	if err := writeDerivedHeaders(g.Schema(), writers); err != nil {
		closeDerivedWriters(writers)
		return nil, nil, err
	}

	debugGrid(ctx, g, 2)
	return projectionCols, writers, nil
}

// referencedCols returns the columns either script of a projection reads.
func referencedCols(from, when string, gs *schema.GridSchema) []schema.Column {
	cols := script.ReferencedColumns(from, gs)
	if when != "" {
		seen := map[string]bool{}
		for _, col := range cols {
			seen[col.Header()] = true
		}
		for _, col := range script.ReferencedColumns(when, gs) {
			if !seen[col.Header()] {
				cols = append(cols, col)
			}
		}
	}
	return cols
}

// validateMerge checks all present source columns share one data type and
// returns it. Source columns whose files aren't sourced this run are
// tolerated.
func validateMerge(merge *config.MergeInstruction, g *grid.Grid) (datatype.DataType, error) {
	found := datatype.Unknown

	for _, header := range merge.Columns {
		colType, ok := g.Schema().DataType(header)
		if !ok {
			continue
		}
		if found == datatype.Unknown {
			found = colType
			continue
		}
		if colType != found {
			return datatype.Unknown, &grid.InvalidSourceDataTypeError{Header: header, ThisType: colType, OtherType: found}
		}
	}

	if found == datatype.Unknown {
		header := ""
		if len(merge.Columns) > 0 {
			header = merge.Columns[0]
		}
		return datatype.Unknown, &MissingSourceColumnError{Header: header}
	}

	return found, nil
}

// derivedWriters opens a writer per sourced file pointing at its derived
// side-car.
func derivedWriters(g *grid.Grid) ([]*csvutil.Writer, error) {
	writers := make([]*csvutil.Writer, 0, len(g.Schema().Files()))
	for _, file := range g.Schema().Files() {
		writer, err := csvutil.NewWriter(file.DerivedPath())
		if err != nil {
			closeDerivedWriters(writers)
			return nil, err
		}
		writers = append(writers, writer)
	}
	return writers, nil
}

// writeDerivedHeaders writes the column header and type rows to each
// derived file. A single empty field pads files with no derived columns so
// every row remains seekable.
func writeDerivedHeaders(gs *schema.GridSchema, writers []*csvutil.Writer) error {
	headers := []string{}
	tags := []string{}
	for _, col := range gs.DerivedColumns() {
		headers = append(headers, col.HeaderNoPrefix())
		tags = append(tags, col.DataType().Tag())
	}

	for _, writer := range writers {
		if err := writer.Write(padRow(headers)); err != nil {
			return err
		}
		if err := writer.Write(padRow(tags)); err != nil {
			return err
		}
		if err := writer.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// padRow keeps empty rows one-field wide so the csv reader never skips them
// as blank lines.
func padRow(row []string) []string {
	if len(row) == 0 {
		return []string{""}
	}
	return row
}

// deriveData computes every projected and merged column and writes them to
// the derived file for each sourced file, in parallel across files.
func deriveData(ctx *job.Context, g *grid.Grid, projectionCols map[int][]schema.Column, writers []*csvutil.Writer) error {
	defer closeDerivedWriters(writers)

	files := g.Schema().Files()
	if len(files) == 0 {
		return nil
	}

	ctx.Log().Info("Deriving projected and merged data")

	workers := len(files)
	if cpus := runtime.NumCPU(); cpus < workers {
		workers = cpus
	}
	pool := pond.New(workers, 0, pond.MinWorkers(workers))

	var mu sync.Mutex
	totalMetrics := map[int]time.Duration{}
	errs := make([]error, len(files))

	for idx := range files {
		fileIdx := idx
		pool.Submit(func() {
			metrics, err := deriveFile(ctx, g, fileIdx, writers[fileIdx], projectionCols)
			mu.Lock()
			defer mu.Unlock()
			errs[fileIdx] = err
			for inst, elapsed := range metrics {
				totalMetrics[inst] += elapsed
			}
		})
	}

	pool.StopAndWait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	// Report the duration spent in each projection and merge instruction.
	for idx, inst := range ctx.Charter().Matching.Instructions {
		elapsed, ok := totalMetrics[idx]
		if !ok {
			continue
		}
		duration, rate := job.FormattedDuration(g.Len(), elapsed)
		switch {
		case inst.Project != nil:
			ctx.Log().Infof("Projecting column %s took %s (%s)", inst.Project.Column, duration, rate)
		case inst.Merge != nil:
			ctx.Log().Infof("Merging column %s took %s (%s)", inst.Merge.Into, duration, rate)
		}
	}

	return nil
}

// deriveFile derives all the data in a single file. Each worker owns its
// scripting engine - the Lua state is single-threaded.
func deriveFile(ctx *job.Context, g *grid.Grid, fileIdx int, writer *csvutil.Writer, projectionCols map[int][]schema.Column) (map[int]time.Duration, error) {
	file := g.Schema().Files()[fileIdx]
	metrics := map[int]time.Duration{}

	engine, err := script.NewEngine(ctx.Charter().GlobalLua, ctx.Folders().Lookups(), ctx.Log())
	if err != nil {
		return metrics, err
	}
	defer engine.Close()

	reader, err := csvutil.NewReader(file.Path(), 2)
	if err != nil {
		return metrics, err
	}
	defer reader.Close()

	for {
		data, dataPos, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return metrics, errors.Wrapf(err, "failed to read %s", file.Path())
		}

		record := grid.NewRecord(fileIdx, g.Schema(), data, dataPos, nil, csvutil.Position{})

		for iIdx, inst := range ctx.Charter().Matching.Instructions {
			started := time.Now()

			switch {
			case inst.Project != nil:
				if err := projectColumn(engine, inst.Project, record, projectionCols[iIdx]); err != nil {
					return metrics, &DeriveDataError{
						Instruction: fmt.Sprintf("project %s", inst.Project.Column),
						Row:         record.Row(),
						File:        file.Filename(),
						Err:         err,
					}
				}
				metrics[iIdx] += time.Since(started)

			case inst.Merge != nil:
				if err := record.MergeFrom(inst.Merge.Columns); err != nil {
					return metrics, &DeriveDataError{
						Instruction: fmt.Sprintf("merge %s", inst.Merge.Into),
						Row:         record.Row(),
						File:        file.Filename(),
						Err:         err,
					}
				}
				metrics[iIdx] += time.Since(started)
			}
		}

		// Flush the record's buffer to its derived file.
		if err := writer.Write(padRow(record.Flush())); err != nil {
			return metrics, err
		}
	}

	return metrics, writer.Flush()
}

func closeDerivedWriters(writers []*csvutil.Writer) {
	for _, writer := range writers {
		writer.Close()
	}
}
