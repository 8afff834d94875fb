package matching

// Matching brings together sets of records and, if they pass the constraint
// rules defined, they are considered a matched group. Records left over are
// unmatched data.
//
// The strategy resolves around grouping records by one or more columns. To
// avoid resource starvation on large datasets this is achieved with an
// external merge sort: an index row per record is written to disk, sorted in
// memory-bounded batches, and the sorted batches are k-way merged into a
// single index file. Contiguous runs of equal match keys then form the
// candidate groups.
//
// An index row points at the real csv and derived csv rows for a record: -
//
//	"<file_idx>","<data_byte>","<data_line>","<derived_byte>","<derived_line>","<match_key>"
//
// Both byte and line positions are kept so a row can be seeked directly.

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/openrec/openrec/config"
	"github.com/openrec/openrec/csvutil"
	"github.com/openrec/openrec/grid"
	"github.com/openrec/openrec/job"
	"github.com/openrec/openrec/script"
)

// Column positions in the index rows.
const (
	colFileIdx     = 0
	colDataByte    = 1
	colDataLine    = 2
	colDerivedByte = 3
	colDerivedLine = 4
	colMatchKey    = 5
)

// GroupByColumnMissingError - a group-by column had no value for a record.
type GroupByColumnMissingError struct {
	Column string
}

func (e *GroupByColumnMissingError) Error() string {
	return fmt.Sprintf("the column %s was referenced in a group-by instruction but doesn't exist", e.Column)
}

// MatchGroupError wraps a constraint evaluation failure.
type MatchGroupError struct {
	Err error
}

func (e *MatchGroupError) Error() string {
	return fmt.Sprintf("a problem occurred during the match: %v", e.Err)
}

// matchKey derives the value used to group a record with others - the byte
// concatenation of its group-by column values.
func matchKey(record *grid.Record, headers []string) (string, error) {
	var key strings.Builder
	for _, header := range headers {
		value, ok := record.GetRaw(header)
		if !ok {
			return "", &GroupByColumnMissingError{Column: header}
		}
		key.WriteString(value)
	}
	return key.String(), nil
}

// MatchGroups runs one Group instruction: index, sort, iterate and evaluate.
// Matching groups are appended to the matched handler (which flips status
// bytes as a side effect).
func MatchGroups(ctx *job.Context, groupBy []string, constraints []config.Constraint, g *grid.Grid, matched *MatchedHandler, engine *script.Engine) error {
	if g.IsEmpty() {
		return nil
	}

	ctx.Log().Infof("Grouping by %s", strings.Join(groupBy, ", "))

	// Build index.unsorted.csv for every live record.
	if err := createUnsorted(ctx, groupBy, g); err != nil {
		return err
	}

	// Sort bounded batches into their own split files.
	splitCount, err := splitAndSort(ctx, g)
	if err != nil {
		return err
	}

	// Merge-sort the splits into a single index.sorted.csv.
	if err := mergeSort(ctx, splitCount); err != nil {
		return err
	}

	// Evaluate the constraint rules against each group.
	groupCount, matchCount, err := evalConstraints(ctx, g, constraints, matched, engine)
	if err != nil {
		return err
	}

	if err := cleanUpIndexes(ctx, splitCount); err != nil {
		return err
	}

	ctx.Log().Infof("Matched %d out of %d groups", matchCount, groupCount)
	return nil
}

// createUnsorted writes a file index row for every record in the grid along
// with the match key used to sort them.
func createUnsorted(ctx *job.Context, groupBy []string, g *grid.Grid) error {
	started := time.Now()

	writer, err := csvutil.NewWriter(ctx.Folders().UnsortedIndex())
	if err != nil {
		return err
	}
	defer writer.Close()

	iter, err := grid.NewIterator(ctx, g)
	if err != nil {
		return err
	}
	defer iter.Close()

	for {
		record, err := iter.Next()
		if err != nil {
			return err
		}
		if record == nil {
			break
		}

		key, err := matchKey(record, groupBy)
		if err != nil {
			return err
		}

		row := []string{
			strconv.Itoa(record.FileIdx()),
			strconv.FormatInt(record.DataPos().Byte, 10),
			strconv.Itoa(record.DataPos().Line),
			strconv.FormatInt(record.DerivedPos().Byte, 10),
			strconv.Itoa(record.DerivedPos().Line),
			key,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	if err := writer.Flush(); err != nil {
		return err
	}

	duration, _ := job.FormattedDuration(g.Len(), time.Since(started))
	ctx.Log().Debugf("Created %s in %s", ctx.Folders().UnsortedIndex(), duration)
	return nil
}

// estimatedIndexSize is the average encoded length of an index row plus a
// per-row bookkeeping allowance.
func estimatedIndexSize(unsortedPath string, g *grid.Grid) (int, error) {
	info, err := os.Stat(unsortedPath)
	if err != nil {
		return 0, errors.Wrapf(err, "unable to open %s", unsortedPath)
	}

	avgLen := int(info.Size()) / maxInt(g.Len(), 1)
	avgLen += 6 * 16 // Six header slices per buffered row.
	avgLen += 48     // Slice-of-slices bookkeeping.
	return avgLen, nil
}

// batchSize is how many index rows fit in the charter's memory budget.
func batchSize(avgLen int, ctx *job.Context) int {
	size := ctx.Charter().MemoryLimit / maxInt(avgLen, 1)
	return maxInt(size, 1)
}

// splitAndSort reads the unsorted index in batches, sorts each batch by
// match key and writes each to its own split file. Returns the split count.
func splitAndSort(ctx *job.Context, g *grid.Grid) (int, error) {
	unsortedPath := ctx.Folders().UnsortedIndex()
	avgLen, err := estimatedIndexSize(unsortedPath, g)
	if err != nil {
		return 0, err
	}

	ctx.Log().Debugf("Split-sorting with average index length %dB", avgLen)

	size := batchSize(avgLen, ctx)
	reader, err := csvutil.NewReader(unsortedPath, 0)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	splitCount := 0
	buffer := make([][]string, 0, size)

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		// Unstable sort by match key - tie order is not part of the contract.
		sort.Slice(buffer, func(i, j int) bool {
			return buffer[i][colMatchKey] < buffer[j][colMatchKey]
		})

		splitCount++
		writer, err := csvutil.NewWriter(ctx.Folders().SortedSplit(splitCount))
		if err != nil {
			return err
		}
		for _, row := range buffer {
			if err := writer.Write(row); err != nil {
				writer.Close()
				return err
			}
		}
		buffer = buffer[:0]
		return writer.Close()
	}

	for {
		row, _, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, errors.Wrapf(err, "unable to read record from %s", unsortedPath)
		}
		buffer = append(buffer, row)

		if len(buffer) == size {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}

	// Sort and write the last batch.
	if err := flush(); err != nil {
		return 0, err
	}

	return splitCount, nil
}

// mergeSort k-way merges the sorted split files into index.sorted.csv.
// A register holds the head row of each split; the smallest match key is
// repeatedly written out and its register advanced. A linear scan over the
// registers is fine as the split count is small.
func mergeSort(ctx *job.Context, splitCount int) error {
	output, err := csvutil.NewWriter(ctx.Folders().SortedIndex())
	if err != nil {
		return err
	}
	defer output.Close()

	inputs := make([]*csvutil.Reader, splitCount)
	registers := make([][]string, splitCount)
	for idx := 0; idx < splitCount; idx++ {
		reader, err := csvutil.NewReader(ctx.Folders().SortedSplit(idx+1), 0)
		if err != nil {
			return err
		}
		inputs[idx] = reader
		defer reader.Close()

		registers[idx] = readOrNil(reader)
	}

	for {
		idx := smallestRegister(registers)
		if idx == -1 {
			break
		}
		if err := output.Write(registers[idx]); err != nil {
			return err
		}
		registers[idx] = readOrNil(inputs[idx])
	}

	return output.Flush()
}

// smallestRegister returns the index of the head row with the smallest
// match key, or -1 when all registers are empty.
func smallestRegister(registers [][]string) int {
	result := -1
	for idx, row := range registers {
		if row == nil {
			continue
		}
		if result == -1 || row[colMatchKey] < registers[result][colMatchKey] {
			result = idx
		}
	}
	return result
}

func readOrNil(reader *csvutil.Reader) []string {
	row, _, err := reader.Read()
	if err != nil {
		return nil
	}
	return row
}

// evalConstraints iterates the sorted index as groups and evaluates the
// constraint rules against each, passing matches to the matched handler.
func evalConstraints(ctx *job.Context, g *grid.Grid, constraints []config.Constraint, matched *MatchedHandler, engine *script.Engine) (int, int, error) {
	groupCount := 0
	matchCount := 0

	ctx.Log().Info("Evaluating constraints on groups")

	iter, err := NewGroupIterator(ctx, g.Schema())
	if err != nil {
		return 0, 0, err
	}
	defer iter.Close()

	for {
		group, err := iter.Next()
		if err != nil {
			return groupCount, matchCount, err
		}
		if group == nil {
			break
		}
		groupCount++

		pass := true
		for _, constraint := range constraints {
			ok, err := Passes(&constraint, group, g.Schema(), engine)
			if err != nil {
				return groupCount, matchCount, &MatchGroupError{Err: err}
			}
			if !ok {
				pass = false
				break
			}
		}

		if pass {
			if err := matched.AppendGroup(group); err != nil {
				return groupCount, matchCount, err
			}
			matchCount++
		}
	}

	return groupCount, matchCount, nil
}

// cleanUpIndexes removes the unsorted and sorted index files.
func cleanUpIndexes(ctx *job.Context, splitCount int) error {
	if err := ctx.Folders().RemoveFile(ctx.Folders().UnsortedIndex()); err != nil {
		return err
	}
	if err := ctx.Folders().RemoveFile(ctx.Folders().SortedIndex()); err != nil {
		return err
	}
	for idx := 1; idx <= splitCount; idx++ {
		if err := ctx.Folders().RemoveFile(ctx.Folders().SortedSplit(idx)); err != nil {
			return err
		}
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
