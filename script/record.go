package script

import (
	"regexp"

	lua "github.com/yuin/gopher-lua"

	"github.com/openrec/openrec/datatype"
	"github.com/openrec/openrec/folders"
	"github.com/openrec/openrec/grid"
	"github.com/openrec/openrec/schema"
)

var headerRegex = regexp.MustCompile(`record\["(.*?)"\]`)

// ReferencedColumns returns the grid columns a script reads via
// record["Header"] accesses. Restricting record tables to these keeps the
// per-row marshalling cost down.
func ReferencedColumns(script string, gs *schema.GridSchema) []schema.Column {
	columns := []schema.Column{}
	seen := map[string]bool{}

	for _, capture := range headerRegex.FindAllStringSubmatch(script, -1) {
		if seen[capture[1]] {
			continue
		}
		if col, ok := gs.Column(capture[1]); ok {
			columns = append(columns, col)
			seen[capture[1]] = true
		}
	}
	return columns
}

// RecordTable converts the specified columns of a record into a Lua table,
// with META entries describing the sourcing file.
func (e *Engine) RecordTable(record *grid.Record, availCols []schema.Column) (*lua.LTable, error) {
	table := e.state.NewTable()

	for _, col := range availCols {
		header := col.Header()
		switch col.DataType() {
		case datatype.Boolean:
			value, ok, err := record.GetBool(header)
			if err != nil {
				return nil, err
			}
			if ok {
				table.RawSetString(header, lua.LBool(value))
			}
		case datatype.Datetime:
			value, ok, err := record.GetDatetime(header)
			if err != nil {
				return nil, err
			}
			if ok {
				table.RawSetString(header, lua.LNumber(value))
			}
		case datatype.Decimal:
			value, ok, err := record.GetDecimal(header)
			if err != nil {
				return nil, err
			}
			if ok {
				table.RawSetString(header, newLuaDecimal(e.state, value))
			}
		case datatype.Integer:
			value, ok, err := record.GetInt(header)
			if err != nil {
				return nil, err
			}
			if ok {
				table.RawSetString(header, lua.LNumber(value))
			}
		case datatype.String:
			value, ok, err := record.GetString(header)
			if err != nil {
				return nil, err
			}
			if ok {
				table.RawSetString(header, lua.LString(value))
			}
		case datatype.Uuid:
			value, ok, err := record.GetUuid(header)
			if err != nil {
				return nil, err
			}
			if ok {
				table.RawSetString(header, lua.LString(value.String()))
			}
		}
	}

	e.appendMeta(record, table)
	return table, nil
}

// appendMeta adds contextual information about the file that sourced the
// record.
func (e *Engine) appendMeta(record *grid.Record, table *lua.LTable) {
	gs := record.Schema()
	file := gs.Files()[record.FileIdx()]

	table.RawSetString("META.filename", lua.LString(file.Filename()))

	fileSchema := gs.FileSchemas()[file.SchemaIdx()]
	if fileSchema.Prefix() != "" {
		table.RawSetString("META.prefix", lua.LString(fileSchema.Prefix()))
	}

	if millis, ok := folders.UnixTimestamp(file.Timestamp()); ok {
		table.RawSetString("META.timestamp", lua.LNumber(millis))
	}
}

// SetRecord binds the record as the global 'record' for a script evaluation.
func (e *Engine) SetRecord(record *grid.Record, availCols []schema.Column) error {
	table, err := e.RecordTable(record, availCols)
	if err != nil {
		return err
	}
	e.state.SetGlobal("record", table)
	return nil
}

// SetRecords binds the group as the global 'records' (1-indexed) for a
// custom constraint evaluation.
func (e *Engine) SetRecords(records []*grid.Record, availCols []schema.Column) error {
	list := e.state.NewTable()
	for idx, record := range records {
		table, err := e.RecordTable(record, availCols)
		if err != nil {
			return err
		}
		list.RawSetInt(idx+1, table)
	}
	e.state.SetGlobal("records", list)
	return nil
}

// FilterRecords returns the records for which the filter script is true.
func (e *Engine) FilterRecords(records []*grid.Record, filter string, gs *schema.GridSchema) ([]*grid.Record, error) {
	availCols := ReferencedColumns(filter, gs)
	results := []*grid.Record{}

	for _, record := range records {
		if err := e.SetRecord(record, availCols); err != nil {
			return nil, err
		}
		matched, err := e.EvalBool(filter)
		if err != nil {
			return nil, err
		}
		if matched {
			results = append(results, record)
		}
	}
	return results, nil
}
