package matching

import (
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"

	"github.com/openrec/openrec/csvutil"
	"github.com/openrec/openrec/grid"
	"github.com/openrec/openrec/job"
	"github.com/openrec/openrec/schema"
)

// GroupIterator streams index.sorted.csv and uses the match key to read
// entire groups of records. A group is a maximal contiguous run of index
// rows sharing one match key.
type GroupIterator struct {
	gs             *schema.GridSchema
	indexReader    *csvutil.Reader
	dataReaders    []*csvutil.Reader
	derivedReaders []*csvutil.Reader
	current        []string // Held-over index row starting the next group.
	limit          int
}

// GroupSizeExceededError bounds the memory a single group may consume.
type GroupSizeExceededError struct {
	Limit int
}

func (e *GroupSizeExceededError) Error() string {
	return fmt.Sprintf("the current configuration and data would result in a group exceeding the maximum number of records (%d). This will have memory resource implications if allowed. If you still want to proceed, specify the group_size_limit property on the charter to be the maximum number of allowed records in a single group", e.Limit)
}

func NewGroupIterator(ctx *job.Context, gs *schema.GridSchema) (*GroupIterator, error) {
	it := &GroupIterator{gs: gs, limit: ctx.Charter().GroupSizeLimit}

	indexReader, err := csvutil.NewReader(ctx.Folders().SortedIndex(), 0)
	if err != nil {
		return nil, err
	}
	it.indexReader = indexReader

	for _, file := range gs.Files() {
		dataReader, err := csvutil.NewReader(file.Path(), 0)
		if err != nil {
			it.Close()
			return nil, err
		}
		it.dataReaders = append(it.dataReaders, dataReader)

		derivedReader, err := csvutil.NewReader(file.DerivedPath(), 0)
		if err != nil {
			it.Close()
			return nil, err
		}
		it.derivedReaders = append(it.derivedReaders, derivedReader)
	}

	return it, nil
}

// Next returns the next group of records, or nil at the end of the index.
func (it *GroupIterator) Next() ([]*grid.Record, error) {
	group := []*grid.Record{}

	// A held-over row from the previous call seeds this group.
	if it.current != nil {
		record, err := it.loadRecord(it.current)
		if err != nil {
			return nil, err
		}
		group = append(group, record)
	}

	for {
		row, _, err := it.indexReader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				it.current = nil
				return groupResult(group), nil
			}
			return nil, err
		}

		// A different match key starts a new group - hold the row over.
		if it.current != nil && it.current[colMatchKey] != row[colMatchKey] {
			it.current = row
			return groupResult(group), nil
		}

		record, err := it.loadRecord(row)
		if err != nil {
			return nil, err
		}
		group = append(group, record)

		if it.limit > 0 && len(group) > it.limit {
			return nil, &GroupSizeExceededError{Limit: it.limit}
		}

		it.current = row
	}
}

// loadRecord dereferences the original and derived rows an index row points
// at and constructs the full record.
func (it *GroupIterator) loadRecord(row []string) (*grid.Record, error) {
	fileIdx, err := strconv.Atoi(row[colFileIdx])
	if err != nil {
		return nil, errors.Wrapf(err, "index file field %q is not numeric", row[colFileIdx])
	}

	dataPos, err := indexPosition(row, colDataByte, colDataLine)
	if err != nil {
		return nil, err
	}
	derivedPos, err := indexPosition(row, colDerivedByte, colDerivedLine)
	if err != nil {
		return nil, err
	}

	data, err := it.dataReaders[fileIdx].Seek(dataPos)
	if err != nil {
		return nil, err
	}
	derived, err := it.derivedReaders[fileIdx].Seek(derivedPos)
	if err != nil {
		return nil, err
	}

	return grid.NewRecord(fileIdx, it.gs, data, dataPos, derived, derivedPos), nil
}

func indexPosition(row []string, byteCol, lineCol int) (csvutil.Position, error) {
	byteOffset, err := strconv.ParseInt(row[byteCol], 10, 64)
	if err != nil {
		return csvutil.Position{}, errors.Wrapf(err, "index byte field %q is not numeric", row[byteCol])
	}
	line, err := strconv.Atoi(row[lineCol])
	if err != nil {
		return csvutil.Position{}, errors.Wrapf(err, "index line field %q is not numeric", row[lineCol])
	}
	return csvutil.Position{Byte: byteOffset, Line: line}, nil
}

func groupResult(group []*grid.Record) []*grid.Record {
	if len(group) == 0 {
		return nil
	}
	return group
}

func (it *GroupIterator) Close() {
	if it.indexReader != nil {
		it.indexReader.Close()
	}
	for _, reader := range it.dataReaders {
		reader.Close()
	}
	for _, reader := range it.derivedReaders {
		reader.Close()
	}
}
