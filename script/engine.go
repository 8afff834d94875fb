package script

// The embedded scripting runtime. Each Engine owns a single Lua state - the
// state is not safe for concurrent use, so callers create one engine per
// worker or per job.

import (
	"fmt"
	"path/filepath"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/openrec/openrec/csvutil"
)

type Engine struct {
	state   *lua.LState
	lookups string
	log     *logrus.Logger
}

// NewEngine creates a Lua state with the decimal type, the helper functions
// and the group aggregate functions registered, then runs any global script
// from the charter.
func NewEngine(globalLua, lookupsDir string, log *logrus.Logger) (*Engine, error) {
	state := lua.NewState()
	engine := &Engine{state: state, lookups: lookupsDir, log: log}

	registerDecimalType(state)
	engine.registerHelpers()
	engine.registerAggregates()

	if globalLua != "" {
		if err := state.DoString(globalLua); err != nil {
			state.Close()
			return nil, fmt.Errorf("error in global lua script: %v", err)
		}
	}
	return engine, nil
}

func (e *Engine) Close() {
	e.state.Close()
}

// NewTable allocates a table bound to this engine's state.
func (e *Engine) NewTable() *lua.LTable {
	return e.state.NewTable()
}

// SetGlobalString binds a plain string global for the next evaluation.
func (e *Engine) SetGlobalString(name, value string) {
	e.state.SetGlobal(name, lua.LString(value))
}

// SetGlobalTable binds a table global for the next evaluation.
func (e *Engine) SetGlobalTable(name string, table *lua.LTable) {
	e.state.SetGlobal(name, table)
}

// eval runs a script and returns its single result. Bare expressions are
// wrapped in a return statement; multi-statement scripts must return a value
// themselves.
func (e *Engine) eval(script string) (lua.LValue, error) {
	e.log.Tracef("Running: %q", script)

	fn, err := e.state.LoadString("return (" + script + "\n)")
	if err != nil {
		fn, err = e.state.LoadString(script)
		if err != nil {
			e.log.Errorf("Error in Lua script:\n%s\n\n%v", script, err)
			return nil, err
		}
	}

	e.state.Push(fn)
	if err := e.state.PCall(0, 1, nil); err != nil {
		e.log.Errorf("Error in Lua script:\n%s\n\n%v", script, err)
		return nil, err
	}
	result := e.state.Get(-1)
	e.state.Pop(1)
	return result, nil
}

// EvalBool evaluates the script and requires a boolean result.
func (e *Engine) EvalBool(script string) (bool, error) {
	result, err := e.eval(script)
	if err != nil {
		return false, err
	}
	b, ok := result.(lua.LBool)
	if !ok {
		return false, fmt.Errorf("script %q returned %s, expected a boolean", script, result.Type())
	}
	return bool(b), nil
}

// EvalInt evaluates the script and requires an integer result.
func (e *Engine) EvalInt(script string) (int64, error) {
	result, err := e.eval(script)
	if err != nil {
		return 0, err
	}
	n, ok := result.(lua.LNumber)
	if !ok {
		return 0, fmt.Errorf("script %q returned %s, expected an integer", script, result.Type())
	}
	return int64(n), nil
}

// EvalDatetime evaluates the script and requires an epoch-millis result.
func (e *Engine) EvalDatetime(script string) (int64, error) {
	return e.EvalInt(script)
}

// EvalString evaluates the script and requires a string result.
func (e *Engine) EvalString(script string) (string, error) {
	result, err := e.eval(script)
	if err != nil {
		return "", err
	}
	switch v := result.(type) {
	case lua.LString:
		return string(v), nil
	case lua.LNumber:
		return v.String(), nil
	}
	return "", fmt.Errorf("script %q returned %s, expected a string", script, result.Type())
}

// EvalDecimal evaluates the script and requires a decimal (or plain number)
// result.
func (e *Engine) EvalDecimal(script string) (decimal.Decimal, error) {
	result, err := e.eval(script)
	if err != nil {
		return decimal.Zero, err
	}
	if dec, ok := unwrapDecimal(result); ok {
		return dec, nil
	}
	if n, ok := result.(lua.LNumber); ok {
		return decimal.NewFromFloat(float64(n)), nil
	}
	return decimal.Zero, fmt.Errorf("script %q returned %s, expected a decimal", script, result.Type())
}

// registerHelpers installs decimal(), abs(), midnight() and lookup().
func (e *Engine) registerHelpers() {
	state := e.state

	// decimal(number) lifts a Lua number to the arbitrary-precision type.
	state.SetGlobal("decimal", state.NewFunction(func(L *lua.LState) int {
		switch value := L.CheckAny(1).(type) {
		case lua.LNumber:
			L.Push(newLuaDecimal(L, decimal.NewFromFloat(float64(value))))
		case lua.LString:
			dec, err := decimal.NewFromString(string(value))
			if err != nil {
				L.RaiseError("decimal called with a non-numeric: %s", value)
			}
			L.Push(newLuaDecimal(L, dec))
		default:
			L.RaiseError("decimal called with a %s", value.Type())
		}
		return 1
	}))

	// abs(decimal).
	state.SetGlobal("abs", state.NewFunction(func(L *lua.LState) int {
		dec := checkDecimal(L, 1)
		L.Push(newLuaDecimal(L, dec.Abs()))
		return 1
	}))

	// midnight(datetime_ms) removes the time portion of a datetime value.
	state.SetGlobal("midnight", state.NewFunction(func(L *lua.LState) int {
		var millis int64
		switch value := L.CheckAny(1).(type) {
		case lua.LNumber:
			millis = int64(value)
		case lua.LString:
			n, ok := parseInt(string(value))
			if !ok {
				L.RaiseError("midnight called with a non-numeric: %s", value)
			}
			millis = n
		default:
			L.RaiseError("midnight called with a %s", value.Type())
		}
		L.Push(lua.LNumber(midnightMillis(millis)))
		return 1
	}))

	// lookup(field, file, where_field, where_value) finds a value in a csv
	// under the lookups folder - or an empty string if no row matches.
	state.SetGlobal("lookup", state.NewFunction(func(L *lua.LState) int {
		whatField := L.CheckString(1)
		fileName := L.CheckString(2)
		whereField := L.CheckString(3)
		whereValue := L.CheckString(4)

		value, err := e.lookup(whatField, fileName, whereField, whereValue)
		if err != nil {
			L.RaiseError("lookup failed: %v", err)
		}
		L.Push(lua.LString(value))
		return 1
	}))
}

func (e *Engine) lookup(whatField, fileName, whereField, whereValue string) (string, error) {
	path := filepath.Join(e.lookups, fileName)

	reader, err := csvutil.NewReader(path, 0)
	if err != nil {
		return "", fmt.Errorf("lookup file %s does not exist: %v", path, err)
	}
	defer reader.Close()

	headers, _, err := reader.Read()
	if err != nil {
		return "", err
	}

	whereCol, whatCol := -1, -1
	for idx, header := range headers {
		if header == whereField {
			whereCol = idx
		}
		if header == whatField {
			whatCol = idx
		}
	}
	if whereCol == -1 {
		return "", fmt.Errorf("lookup 'where' field %s was not in the file %s", whereField, fileName)
	}
	if whatCol == -1 {
		return "", fmt.Errorf("lookup 'what' field %s was not in the file %s", whatField, fileName)
	}

	for {
		record, _, err := reader.Read()
		if err != nil {
			break
		}
		if whereCol < len(record) && record[whereCol] == whereValue {
			if whatCol < len(record) {
				return record[whatCol], nil
			}
			return "", nil
		}
	}
	return "", nil
}
