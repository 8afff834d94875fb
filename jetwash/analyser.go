package jetwash

// Type analysis uses an ordered hierarchy of data-types, ranging from the
// most specific to the most general (broadly speaking):
//
//	BOOLEAN
//	DATETIME
//	INTEGER
//	DECIMAL
//	UUID
//	STRING
//
// i.e. if every value in a column is a '1' or '0' we can presume the column
// is a boolean. If we then find a '2', maybe the column is an integer? The
// list above is the order of types we try to coerce a column into - if a
// value fails, we try the next type in the list, and so on, until we simply
// fall back on a string type.

import (
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/h2non/filetype"

	"github.com/openrec/openrec/config"
	"github.com/openrec/openrec/datatype"
	"github.com/openrec/openrec/job"
)

var typeSequence = []datatype.DataType{
	datatype.Boolean,
	datatype.Datetime,
	datatype.Integer,
	datatype.Decimal,
	datatype.Uuid,
	datatype.String,
}

var booleanTrues = []string{"yes", "true", "1", "y"}
var booleanFalses = []string{"no", "false", "0", "n"}

var (
	integerRegex = regexp.MustCompile(`^[-+]?[0-9]{1,19}$`)
	decimalRegex = regexp.MustCompile(`^[-+]?[0-9]*\.?[0-9]+([eE][-+]?[0-9]+)?$`)
	uuidRegex    = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

// AnalysisResult is the outcome of analysing one inbox file.
type AnalysisResult struct {
	sourceFile     *config.JetwashSourceFile
	analysedSchema []datatype.DataType
}

// AnalysisErrorsError - one or more inbox files failed analysis. The
// offending files have been renamed .failed.
type AnalysisErrorsError struct{}

func (e *AnalysisErrorsError) Error() string {
	return "analysis errors - one or more inbox files were renamed .failed"
}

// analyseAndValidate reads every cell of every matched inbox file to deduce
// each column's data type. Files with invalid UTF-8, unreadable rows or
// binary content are renamed .failed and the whole job aborts.
func analyseAndValidate(ctx *job.Context, jetwash *config.Jetwash) (map[string]*AnalysisResult, []string, error) {
	anyErrors := false
	results := map[string]*AnalysisResult{}
	order := []string{}

	for idx := range jetwash.SourceFiles {
		sourceFile := &jetwash.SourceFiles[idx]

		files, err := filesInInbox(ctx, sourceFile.Pattern)
		if err != nil {
			return nil, nil, err
		}

		for _, filename := range files {
			started := time.Now()
			path := filepath.Join(ctx.Folders().Inbox(), filename)
			ctx.Log().Debugf("Scanning file %s", path)

			errCount := 0

			if isBinary(path) {
				ctx.Log().Errorf("%s: content sniffed as a binary file type", path)
				errCount++
			}

			rowCount := 0
			colCount := 0
			var dataTypes []datatype.DataType

			if errCount == 0 {
				dataTypes, rowCount, colCount, errCount = scanFile(ctx, path, sourceFile)
			}

			if errCount > 0 {
				// Rename the file so subsequent runs refuse to start until
				// the operator intervenes.
				if err := failFile(ctx, path); err != nil {
					return nil, nil, err
				}
				anyErrors = true
			} else {
				results[path] = &AnalysisResult{sourceFile: sourceFile, analysedSchema: dataTypes}
				order = append(order, path)
			}

			duration, _ := job.FormattedDuration(rowCount, time.Since(started))
			ctx.Log().Infof("%d records with %d columns scanned from file %s in %s", rowCount, colCount, filename, duration)
		}
	}

	if anyErrors {
		return nil, nil, &AnalysisErrorsError{}
	}
	return results, order, nil
}

// scanFile analyses the rows of one file, returning the deduced column
// types plus row, column and error counts.
func scanFile(ctx *job.Context, path string, sourceFile *config.JetwashSourceFile) ([]datatype.DataType, int, int, int) {
	reader, err := newDelimReader(path, sourceFile)
	if err != nil {
		ctx.Log().Errorf("%s: %v", path, err)
		return nil, 0, 0, 1
	}
	defer reader.Close()

	// The row number reported in errors is offset by any header row.
	rowOffset := 0
	if sourceFile.Headers == nil {
		rowOffset = 1
		if _, err := reader.Read(); err != nil && err != io.EOF {
			ctx.Log().Errorf("%s: cannot read header row: %v", path, err)
			return nil, 0, 0, 1
		}
	}

	rowCount := 0
	colCount := 0
	errCount := 0
	var dataTypes []datatype.DataType

	for {
		record, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			ctx.Log().Errorf("%s:%d %v", path, rowCount+rowOffset+1, err)
			errCount++
			break
		}
		rowCount++

		if colCount == 0 {
			dataTypes = make([]datatype.DataType, len(record))
		}

		if err := analyseTypes(dataTypes, record); err != nil {
			ctx.Log().Errorf("%s:%d %v", path, rowCount+rowOffset, err)
			errCount++
		}
		colCount = len(record)
	}

	// Columns with no non-empty cells settle to string.
	for idx := range dataTypes {
		if dataTypes[idx] == datatype.Unknown {
			dataTypes[idx] = datatype.String
		}
	}

	return dataTypes, rowCount, colCount, errCount
}

// analyseTypes refines the current best-guess type of each column using the
// record's actual data.
func analyseTypes(dataTypes []datatype.DataType, record []string) error {
	for colIdx, value := range record {
		if colIdx >= len(dataTypes) {
			break
		}
		if !utf8.ValidString(value) {
			return fmt.Errorf("invalid UTF-8 in column %d", colIdx)
		}
		if value == "" {
			continue
		}

		for idx := typePosition(dataTypes[colIdx]); idx < len(typeSequence); idx++ {
			dataType := typeSequence[idx]
			if isType(value, dataType) {
				if isMoreGeneral(dataType, dataTypes[colIdx]) {
					dataTypes[colIdx] = dataType
				}
				break
			}
		}
	}
	return nil
}

func typePosition(dataType datatype.DataType) int {
	for idx, dt := range typeSequence {
		if dt == dataType {
			return idx
		}
	}
	return 0
}

// isMoreGeneral - STRING for example is more 'general' than DATETIME.
func isMoreGeneral(type1, type2 datatype.DataType) bool {
	if type1 == type2 {
		return false
	}
	if type2 == datatype.Unknown {
		return true // type1 will always be a known type.
	}
	return typePosition(type1) > typePosition(type2)
}

func isType(value string, dataType datatype.DataType) bool {
	switch dataType {
	case datatype.Boolean:
		return isBoolean(value)
	case datatype.Datetime:
		return isDatetime(value)
	case datatype.Decimal:
		return decimalRegex.MatchString(value)
	case datatype.Integer:
		return integerRegex.MatchString(value)
	case datatype.String:
		return true // Everything can be a string.
	case datatype.Uuid:
		return uuidRegex.MatchString(value)
	}
	return false
}

// Permissive boolean parsing - analysis input only.
func isBoolean(value string) bool {
	for _, t := range booleanTrues {
		if value == t {
			return true
		}
	}
	for _, f := range booleanFalses {
		if value == f {
			return true
		}
	}
	return false
}

// isDatetime - RFC 3339 ISO 8601 only.
func isDatetime(value string) bool {
	_, err := time.Parse(time.RFC3339, value)
	return err == nil
}

// isBinary sniffs the leading bytes of a file for a known binary signature.
func isBinary(path string) bool {
	kind, err := filetype.MatchFile(path)
	return err == nil && kind != filetype.Unknown
}
