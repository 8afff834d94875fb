package schema

import (
	"fmt"

	"github.com/openrec/openrec/datatype"
)

// GridSchema is the schema of the entire grid of data, built from the
// sourced file schemas plus any projected and merged columns.
//
// Column positions can be positive or negative. Positive positions map
// one-to-one with the real CSV columns of a file (starting at 0). Negative
// positions address derived columns stored in the file's derived side-car
// (starting at -1).
//
// Eg. | AA | BB | CC | DD | EE | FF |
//
//	| -1 | -2 | -3 |  0 |  1 |  2 |
//
// Here AA, BB and CC are derived columns; DD, EE and FF are CSV columns.
type GridSchema struct {
	headers     []string
	colMap      map[string]Column
	positionMap map[int]map[string]int // file-schema idx -> header -> signed position

	files       []*DataFile
	fileSchemas []*FileSchema
	derivedCols []Column
}

// TwoSchemaWithDuplicateHeaderError - a header would be ambiguous in the grid.
type TwoSchemaWithDuplicateHeaderError struct {
	Header string
}

func (e *TwoSchemaWithDuplicateHeaderError) Error() string {
	return fmt.Sprintf("two files are being loaded with different schemas but with a common header name %q. You should use field_prefix arguments to ensure headers are unique", e.Header)
}

// ProjectedColumnExistsError - a projected column name clashes.
type ProjectedColumnExistsError struct {
	Header string
}

func (e *ProjectedColumnExistsError) Error() string {
	return fmt.Sprintf("projected column name %s already exists", e.Header)
}

// MergedColumnExistsError - a merged column name clashes.
type MergedColumnExistsError struct {
	Header string
}

func (e *MergedColumnExistsError) Error() string {
	return fmt.Sprintf("merged column name %s already exists", e.Header)
}

func NewGridSchema() *GridSchema {
	return &GridSchema{
		colMap:      map[string]Column{},
		positionMap: map[int]map[string]int{},
	}
}

// AddFile registers a sourced data file and returns its index in the grid.
func (gs *GridSchema) AddFile(file *DataFile) int {
	gs.files = append(gs.files, file)
	return len(gs.files) - 1
}

// AddFileSchema returns the index of an existing equal schema, otherwise
// registers the new schema - rejecting it if any of its presented headers
// already exist elsewhere in the grid.
func (gs *GridSchema) AddFileSchema(schema *FileSchema) (int, error) {
	for idx, existing := range gs.fileSchemas {
		if existing.Equal(schema) {
			return idx, nil
		}
	}

	for _, col := range schema.Columns() {
		if gs.hasHeader(col.Header()) {
			return 0, &TwoSchemaWithDuplicateHeaderError{Header: col.Header()}
		}
	}

	gs.fileSchemas = append(gs.fileSchemas, schema)
	gs.rebuildCache()
	return len(gs.fileSchemas) - 1, nil
}

// AddProjectedColumn registers a derived column or errors if it exists.
func (gs *GridSchema) AddProjectedColumn(column Column) (int, error) {
	if gs.hasHeader(column.Header()) {
		return 0, &ProjectedColumnExistsError{Header: column.Header()}
	}
	gs.derivedCols = append(gs.derivedCols, column)
	gs.rebuildCache()
	return len(gs.derivedCols) - 1, nil
}

// AddMergedColumn registers a derived column or errors if it exists.
func (gs *GridSchema) AddMergedColumn(column Column) (int, error) {
	if gs.hasHeader(column.Header()) {
		return 0, &MergedColumnExistsError{Header: column.Header()}
	}
	gs.derivedCols = append(gs.derivedCols, column)
	gs.rebuildCache()
	return len(gs.derivedCols) - 1, nil
}

func (gs *GridSchema) Files() []*DataFile         { return gs.files }
func (gs *GridSchema) FileSchemas() []*FileSchema { return gs.fileSchemas }
func (gs *GridSchema) Headers() []string          { return gs.headers }
func (gs *GridSchema) DerivedColumns() []Column   { return gs.derivedCols }

func (gs *GridSchema) Column(header string) (Column, bool) {
	col, ok := gs.colMap[header]
	return col, ok
}

func (gs *GridSchema) DataType(header string) (datatype.DataType, bool) {
	col, ok := gs.colMap[header]
	if !ok {
		return datatype.Unknown, false
	}
	return col.DataType(), true
}

// Position resolves the signed column position of a header for records
// belonging to the given file.
func (gs *GridSchema) Position(header string, fileIdx int) (int, bool) {
	if fileIdx < 0 || fileIdx >= len(gs.files) {
		return 0, false
	}
	positions, ok := gs.positionMap[gs.files[fileIdx].SchemaIdx()]
	if !ok {
		return 0, false
	}
	pos, ok := positions[header]
	return pos, ok
}

func (gs *GridSchema) hasHeader(header string) bool {
	_, ok := gs.colMap[header]
	return ok
}

func (gs *GridSchema) rebuildCache() {
	headers := []string{}
	colMap := map[string]Column{}
	positionMap := map[int]map[string]int{}

	for idx := range gs.fileSchemas {
		positionMap[idx] = map[string]int{}
	}

	// Derived columns first - they use negative positions starting at -1.
	for cIdx, col := range gs.derivedCols {
		headers = append(headers, col.Header())
		colMap[col.Header()] = col
		for fsIdx := range gs.fileSchemas {
			positionMap[fsIdx][col.Header()] = -(cIdx + 1)
		}
	}

	// Then the real file columns, positioned by their CSV index.
	for fsIdx, fsc := range gs.fileSchemas {
		for cIdx, col := range fsc.Columns() {
			headers = append(headers, col.Header())
			colMap[col.Header()] = col
			positionMap[fsIdx][col.Header()] = cIdx
		}
	}

	gs.headers = headers
	gs.colMap = colMap
	gs.positionMap = positionMap
}
