package jetwash

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/openrec/openrec/config"
	"github.com/openrec/openrec/convert"
	"github.com/openrec/openrec/datatype"
	"github.com/openrec/openrec/script"
)

// Date patterns tried in order: -, /, \ and space separators.
var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(\d{1,4})-(\d{1,4})-(\d{1,4})$`),
	regexp.MustCompile(`^(\d{1,4})/(\d{1,4})/(\d{1,4})$`),
	regexp.MustCompile(`^(\d{1,4})\\(\d{1,4})\\(\d{1,4})$`),
	regexp.MustCompile(`^(\d{1,4}) (\d{1,4}) (\d{1,4})$`),
}

// SchemaViolationError - a value failed a type-assertion mapping.
type SchemaViolationError struct {
	Column   string
	Value    string
	DataType datatype.DataType
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("value %q in column %s is not a valid %s", e.Value, e.Column, e.DataType)
}

// evalTypedLua evaluates a script and renders the result in the canonical
// text form of the declared type.
func evalTypedLua(engine *script.Engine, luaScript string, asA datatype.DataType) (string, error) {
	switch asA {
	case datatype.Boolean:
		value, err := engine.EvalBool(luaScript)
		if err != nil {
			return "", err
		}
		return convert.BoolToString(value), nil
	case datatype.Datetime:
		value, err := engine.EvalDatetime(luaScript)
		if err != nil {
			return "", err
		}
		return convert.DatetimeToString(value), nil
	case datatype.Decimal:
		value, err := engine.EvalDecimal(luaScript)
		if err != nil {
			return "", err
		}
		return convert.DecimalToString(value), nil
	case datatype.Integer:
		value, err := engine.EvalInt(luaScript)
		if err != nil {
			return "", err
		}
		return convert.IntToString(value), nil
	case datatype.String, datatype.Uuid:
		return engine.EvalString(luaScript)
	}
	return "", fmt.Errorf("can't eval if data-type is %s", asA)
}

// mapField performs a column mapping on the value specified. Mappings can be
// raw Lua script or one of the preset helpers - trim, dmy, type assertions.
func mapField(engine *script.Engine, mapping *config.ColumnMapping, value string) (string, error) {
	switch {
	case mapping.Map != nil:
		// The original value is provided to the script as 'value'.
		engine.SetGlobalString("value", value)
		return evalTypedLua(engine, mapping.Map.From, mapping.Map.AsA)

	case mapping.Dmy != "":
		if d, m, y, ok := dateCaptures(value); ok {
			return midnightUtc(y, m, d), nil
		}
		return value, nil

	case mapping.Mdy != "":
		if m, d, y, ok := dateCaptures(value); ok {
			return midnightUtc(y, m, d), nil
		}
		return value, nil

	case mapping.Ymd != "":
		if y, m, d, ok := dateCaptures(value); ok {
			return midnightUtc(y, m, d), nil
		}
		return value, nil

	case mapping.Trim != "":
		return strings.TrimSpace(value), nil

	case mapping.AsBoolean != "":
		return checkType(value, mapping.AsBoolean, datatype.Boolean)
	case mapping.AsDatetime != "":
		return checkType(value, mapping.AsDatetime, datatype.Datetime)
	case mapping.AsDecimal != "":
		return checkType(value, mapping.AsDecimal, datatype.Decimal)
	case mapping.AsInteger != "":
		return checkType(value, mapping.AsInteger, datatype.Integer)
	}

	return value, nil
}

// checkType asserts a non-empty value can be coerced into the type.
func checkType(value, column string, dataType datatype.DataType) (string, error) {
	if value != "" && !isType(value, dataType) {
		return "", &SchemaViolationError{Column: column, Value: value, DataType: dataType}
	}
	return value, nil
}

// dateCaptures tries the date pattern combinations and returns the three
// numeric components of the first match.
func dateCaptures(value string) (int, int, int, bool) {
	for _, pattern := range datePatterns {
		captures := pattern.FindStringSubmatch(value)
		if captures == nil {
			continue
		}
		n1, err1 := strconv.Atoi(captures[1])
		n2, err2 := strconv.Atoi(captures[2])
		n3, err3 := strconv.Atoi(captures[3])
		if err1 == nil && err2 == nil && err3 == nil {
			return n1, n2, n3, true
		}
	}
	return 0, 0, 0, false
}

// midnightUtc renders a date as RFC 3339 midnight UTC.
func midnightUtc(year, month, day int) string {
	dt := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return convert.DatetimeToString(dt.UnixMilli())
}

// recordTable populates a Lua table of raw strings for new-column scripts.
func recordTable(engine *script.Engine, record, headers []string) *lua.LTable {
	table := engine.NewTable()
	for idx, header := range headers {
		if idx < len(record) {
			table.RawSetString(header, lua.LString(record[idx]))
		}
	}
	return table
}
