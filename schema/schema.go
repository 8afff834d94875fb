package schema

import (
	"fmt"
	"strings"

	"github.com/openrec/openrec/datatype"
)

// StatusHeader must be the first column of every file sourced by the matcher.
const StatusHeader = "OpenRecStatus"

// IdHeader is the second synthetic column, a stable per-record uuid.
const IdHeader = "OpenRecId"

// Column pairs a presented header (e.g. INV.Amount) with its type. The
// prefix-free header (e.g. Amount) is kept for writing file headers back out.
type Column struct {
	header         string
	headerNoPrefix string
	dataType       datatype.DataType
}

func NewColumn(header, prefix string, dataType datatype.DataType) Column {
	presented := header
	if prefix != "" {
		presented = prefix + "." + header
	}
	return Column{header: presented, headerNoPrefix: header, dataType: dataType}
}

func (c Column) Header() string              { return c.header }
func (c Column) HeaderNoPrefix() string      { return c.headerNoPrefix }
func (c Column) DataType() datatype.DataType { return c.dataType }

// FileSchema is the column structure of one CSV data file. Two file schemas
// are equal iff their prefixes and their (header, type) vectors are equal, so
// the same columns sourced under different prefixes are distinct schemas.
type FileSchema struct {
	prefix  string
	columns []Column
}

// StatusColumnMissingError - data files must lead with OpenRecStatus.
type StatusColumnMissingError struct{}

func (e *StatusColumnMissingError) Error() string {
	return "CSV files used in matching MUST have OpenRecStatus as the first column"
}

// NoSchemaTypeForColumnError - the schema row was shorter than the headers.
type NoSchemaTypeForColumnError struct {
	Column int
}

func (e *NoSchemaTypeForColumnError) Error() string {
	return fmt.Sprintf("no data type specified for column %d", e.Column)
}

// NewFileSchema builds a file schema from the header and type-tag rows.
func NewFileSchema(prefix string, headers, typeTags []string) (*FileSchema, error) {
	if len(headers) == 0 || headers[0] != StatusHeader {
		return nil, &StatusColumnMissingError{}
	}

	columns := make([]Column, 0, len(headers))
	for idx, header := range headers {
		if idx >= len(typeTags) {
			return nil, &NoSchemaTypeForColumnError{Column: idx}
		}
		columns = append(columns, NewColumn(header, prefix, datatype.FromTag(typeTags[idx])))
	}
	return &FileSchema{prefix: prefix, columns: columns}, nil
}

func (fs *FileSchema) Prefix() string    { return fs.prefix }
func (fs *FileSchema) Columns() []Column { return fs.columns }

// Equal compares the prefixes and the (prefixed header, type) vectors of the
// two schemas.
func (fs *FileSchema) Equal(other *FileSchema) bool {
	if fs.prefix != other.prefix || len(fs.columns) != len(other.columns) {
		return false
	}
	for idx, col := range fs.columns {
		if col.header != other.columns[idx].header || col.dataType != other.columns[idx].dataType {
			return false
		}
	}
	return true
}

// ShortString renders the type vector for error messages, e.g. "IN,ID,DE".
func (fs *FileSchema) ShortString() string {
	tags := make([]string, len(fs.columns))
	for idx, col := range fs.columns {
		tags[idx] = col.dataType.Tag()
	}
	return strings.Join(tags, ",")
}
