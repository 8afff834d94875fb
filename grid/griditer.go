package grid

import (
	"io"

	"github.com/pkg/errors"

	"github.com/openrec/openrec/csvutil"
	"github.com/openrec/openrec/job"
)

const unmatchedStatus = "0"

// Iterator walks every live (unmatched) record in the grid, file by file,
// in stable file-index order. From the match phase onward each data row is
// zipped with its row in the derived side-car file.
type Iterator struct {
	pos            int
	grid           *Grid
	dataReaders    []*csvutil.Reader
	derivedReaders []*csvutil.Reader
}

// NewIterator opens readers over every sourced file. Close must be called
// when iteration ends.
func NewIterator(ctx *job.Context, g *Grid) (*Iterator, error) {
	it := &Iterator{grid: g}

	for _, file := range g.Schema().Files() {
		reader, err := csvutil.NewReader(file.Path(), 2)
		if err != nil {
			it.Close()
			return nil, err
		}
		it.dataReaders = append(it.dataReaders, reader)
	}

	// Derived data only exists from the match phase onwards.
	if ctx.Phase() == job.MatchAndGroup || ctx.Phase() == job.CompleteAndArchive {
		for _, file := range g.Schema().Files() {
			reader, err := csvutil.NewReader(file.DerivedPath(), 2)
			if err != nil {
				it.Close()
				return nil, err
			}
			it.derivedReaders = append(it.derivedReaders, reader)
		}
	}

	return it, nil
}

// Next returns the next live record, or nil at the end of the last file.
//
// Matched records (status byte '1') are skipped in the data files, but their
// derived rows are consumed in step to keep the two readers aligned.
func (it *Iterator) Next() (*Record, error) {
	for {
		if it.pos == len(it.dataReaders) {
			return nil, nil
		}

		data, dataPos, err := it.dataReaders[it.pos].Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				it.pos++
				continue
			}
			return nil, errors.Wrapf(err, "failed to read next record from %s", it.grid.Schema().Files()[it.pos].Filename())
		}

		var derived []string
		var derivedPos csvutil.Position
		if it.derivedReaders != nil {
			derived, derivedPos, err = it.derivedReaders[it.pos].Read()
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, errors.Wrapf(err, "failed to read next derived record from %s", it.grid.Schema().Files()[it.pos].DerivedFilename())
			}
		}

		if len(data) > 0 && data[0] != unmatchedStatus {
			continue // Already matched in a previous group instruction.
		}

		return NewRecord(it.pos, it.grid.Schema(), data, dataPos, derived, derivedPos), nil
	}
}

func (it *Iterator) Close() {
	for _, reader := range it.dataReaders {
		reader.Close()
	}
	for _, reader := range it.derivedReaders {
		reader.Close()
	}
}
