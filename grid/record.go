package grid

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openrec/openrec/convert"
	"github.com/openrec/openrec/csvutil"
	"github.com/openrec/openrec/datatype"
	"github.com/openrec/openrec/schema"
)

// Record is a logical row in the grid. It holds the original CSV fields, any
// derived fields, and the positions of both rows in their backing files. A
// write buffer accumulates modified or appended fields until Flush.
type Record struct {
	fileIdx    int
	schema     *schema.GridSchema
	data       []string
	derived    []string
	dataPos    csvutil.Position
	derivedPos csvutil.Position
	buffer     []string
}

// MissingColumnError - an update referenced a column not in the file.
type MissingColumnError struct {
	Column string
	File   string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("the column %s is not in the file %s", e.Column, e.File)
}

// UnknownDataTypeForHeaderError - a column settled to an unusable type.
type UnknownDataTypeForHeaderError struct {
	Header string
}

func (e *UnknownDataTypeForHeaderError) Error() string {
	return fmt.Sprintf("unknown data type specified for header %s", e.Header)
}

func NewRecord(fileIdx int, gs *schema.GridSchema, data []string, dataPos csvutil.Position, derived []string, derivedPos csvutil.Position) *Record {
	return &Record{
		fileIdx:    fileIdx,
		schema:     gs,
		data:       data,
		derived:    derived,
		dataPos:    dataPos,
		derivedPos: derivedPos,
	}
}

func (r *Record) FileIdx() int                 { return r.fileIdx }
func (r *Record) Schema() *schema.GridSchema   { return r.schema }
func (r *Record) Data() []string               { return r.data }
func (r *Record) DataPos() csvutil.Position    { return r.dataPos }
func (r *Record) DerivedPos() csvutil.Position { return r.derivedPos }

// Row is the line number of the record in its source file (1-based,
// including the two header rows).
func (r *Record) Row() int {
	return r.dataPos.Line
}

// get returns the raw cell for a signed column position. Empty cells are
// reported as absent.
func (r *Record) get(pos int) (string, bool) {
	var raw string
	if pos < 0 {
		// Derived columns use negative positions: -1 -> 0, -2 -> 1, etc.
		idx := -pos - 1
		if idx >= len(r.derived) {
			return "", false
		}
		raw = r.derived[idx]
	} else {
		if pos >= len(r.data) {
			return "", false
		}
		raw = r.data[pos]
	}
	return raw, raw != ""
}

// GetRaw returns the raw cell text for a header, absent if empty or unmapped.
func (r *Record) GetRaw(header string) (string, bool) {
	pos, ok := r.schema.Position(header, r.fileIdx)
	if !ok {
		return "", false
	}
	return r.get(pos)
}

func (r *Record) GetBool(header string) (bool, bool, error) {
	raw, ok := r.GetRaw(header)
	if !ok {
		return false, false, nil
	}
	value, err := convert.StringToBool(raw)
	return value, err == nil, err
}

// GetDatetime returns the value as epoch millis.
func (r *Record) GetDatetime(header string) (int64, bool, error) {
	raw, ok := r.GetRaw(header)
	if !ok {
		return 0, false, nil
	}
	value, err := convert.StringToDatetime(raw)
	return value, err == nil, err
}

func (r *Record) GetDecimal(header string) (decimal.Decimal, bool, error) {
	raw, ok := r.GetRaw(header)
	if !ok {
		return decimal.Zero, false, nil
	}
	value, err := convert.StringToDecimal(raw)
	return value, err == nil, err
}

func (r *Record) GetInt(header string) (int64, bool, error) {
	raw, ok := r.GetRaw(header)
	if !ok {
		return 0, false, nil
	}
	value, err := convert.StringToInt(raw)
	return value, err == nil, err
}

func (r *Record) GetString(header string) (string, bool, error) {
	raw, ok := r.GetRaw(header)
	return raw, ok, nil
}

func (r *Record) GetUuid(header string) (uuid.UUID, bool, error) {
	raw, ok := r.GetRaw(header)
	if !ok {
		return uuid.Nil, false, nil
	}
	value, err := convert.StringToUuid(raw)
	return value, err == nil, err
}

// GetAsString returns a displayable value - empty string when absent. The
// value is decoded and re-encoded so output is always canonical.
func (r *Record) GetAsString(header string) (string, error) {
	dataType, ok := r.schema.DataType(header)
	if !ok {
		return "", nil
	}

	switch dataType {
	case datatype.Boolean:
		value, ok, err := r.GetBool(header)
		if err != nil || !ok {
			return "", err
		}
		return convert.BoolToString(value), nil
	case datatype.Datetime:
		value, ok, err := r.GetDatetime(header)
		if err != nil || !ok {
			return "", err
		}
		return convert.DatetimeToString(value), nil
	case datatype.Decimal:
		value, ok, err := r.GetDecimal(header)
		if err != nil || !ok {
			return "", err
		}
		return convert.DecimalToString(value), nil
	case datatype.Integer:
		value, ok, err := r.GetInt(header)
		if err != nil || !ok {
			return "", err
		}
		return convert.IntToString(value), nil
	case datatype.String:
		value, _, _ := r.GetString(header)
		return value, nil
	case datatype.Uuid:
		value, ok, err := r.GetUuid(header)
		if err != nil || !ok {
			return "", err
		}
		return convert.UuidToString(value), nil
	}
	return "", &UnknownDataTypeForHeaderError{Header: header}
}

// AsStrings returns every grid column for the record, padding absent cells.
func (r *Record) AsStrings() []string {
	values := make([]string, 0, len(r.schema.Headers()))
	for _, header := range r.schema.Headers() {
		value, err := r.GetAsString(header)
		if err != nil {
			value = ""
		}
		values = append(values, value)
	}
	return values
}

// LoadBuffer populates the write buffer with the record's data fields,
// ready for changeset updates.
func (r *Record) LoadBuffer() {
	r.buffer = append(r.buffer[:0], r.data...)
}

// Update replaces a field value in the write buffer (real data only, not
// derived) as part of a changeset modification.
func (r *Record) Update(header, value string) error {
	pos, ok := r.schema.Position(header, r.fileIdx)
	if !ok || pos < 0 || pos >= len(r.buffer) {
		return &MissingColumnError{Column: header, File: r.schema.Files()[r.fileIdx].Filename()}
	}
	r.buffer[pos] = value
	return nil
}

// Append adds a derived value to both the in-memory derived row and the
// write buffer. Use Flush to retrieve the buffer for writing.
func (r *Record) Append(value string) {
	r.derived = append(r.derived, value)
	r.buffer = append(r.buffer, value)
}

func (r *Record) AppendBool(value bool)               { r.Append(convert.BoolToString(value)) }
func (r *Record) AppendDatetime(millis int64)         { r.Append(convert.DatetimeToString(millis)) }
func (r *Record) AppendDecimal(value decimal.Decimal) { r.Append(convert.DecimalToString(value)) }
func (r *Record) AppendInt(value int64)               { r.Append(convert.IntToString(value)) }
func (r *Record) AppendString(value string)           { r.Append(value) }
func (r *Record) AppendUuid(value uuid.UUID)          { r.Append(convert.UuidToString(value)) }

// Flush returns the write buffer and clears it.
func (r *Record) Flush() []string {
	flushed := r.buffer
	r.buffer = nil
	return flushed
}

// InvalidSourceDataTypeError - merge source columns must share one type.
type InvalidSourceDataTypeError struct {
	Header    string
	ThisType  datatype.DataType
	OtherType datatype.DataType
}

func (e *InvalidSourceDataTypeError) Error() string {
	return fmt.Sprintf("the source column %s has type %s which wont merge with %s", e.Header, e.ThisType, e.OtherType)
}

// MergeFrom appends the first present value from the source columns as a new
// derived field - or an empty pad if none has data.
func (r *Record) MergeFrom(source []string) error {
	for _, header := range source {
		if _, ok := r.schema.DataType(header); !ok {
			continue // Source columns whose files aren't present this run.
		}
		value, err := r.GetAsString(header)
		if err != nil {
			return err
		}
		if value != "" {
			r.Append(value)
			return nil
		}
	}

	r.Append("")
	return nil
}
