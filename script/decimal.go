package script

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	lua "github.com/yuin/gopher-lua"
)

// The decimal userdata type gives Lua scripts full arithmetic and comparison
// on arbitrary-precision values without passing through float64.

const luaDecimalType = "decimal"

func registerDecimalType(state *lua.LState) {
	mt := state.NewTypeMetatable(luaDecimalType)

	arith := func(op func(a, b decimal.Decimal) decimal.Decimal) *lua.LFunction {
		return state.NewFunction(func(L *lua.LState) int {
			a := checkDecimal(L, 1)
			b := checkDecimal(L, 2)
			L.Push(newLuaDecimal(L, op(a, b)))
			return 1
		})
	}
	compare := func(op func(a, b decimal.Decimal) bool) *lua.LFunction {
		return state.NewFunction(func(L *lua.LState) int {
			a := checkDecimal(L, 1)
			b := checkDecimal(L, 2)
			L.Push(lua.LBool(op(a, b)))
			return 1
		})
	}

	state.SetField(mt, "__add", arith(func(a, b decimal.Decimal) decimal.Decimal { return a.Add(b) }))
	state.SetField(mt, "__sub", arith(func(a, b decimal.Decimal) decimal.Decimal { return a.Sub(b) }))
	state.SetField(mt, "__mul", arith(func(a, b decimal.Decimal) decimal.Decimal { return a.Mul(b) }))
	state.SetField(mt, "__div", state.NewFunction(func(L *lua.LState) int {
		a := checkDecimal(L, 1)
		b := checkDecimal(L, 2)
		if b.IsZero() {
			L.RaiseError("attempt to divide a decimal by zero")
		}
		L.Push(newLuaDecimal(L, a.Div(b)))
		return 1
	}))
	state.SetField(mt, "__unm", state.NewFunction(func(L *lua.LState) int {
		L.Push(newLuaDecimal(L, checkDecimal(L, 1).Neg()))
		return 1
	}))
	state.SetField(mt, "__lt", compare(func(a, b decimal.Decimal) bool { return a.LessThan(b) }))
	state.SetField(mt, "__le", compare(func(a, b decimal.Decimal) bool { return a.LessThanOrEqual(b) }))
	state.SetField(mt, "__eq", compare(func(a, b decimal.Decimal) bool { return a.Equal(b) }))
	state.SetField(mt, "__tostring", state.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(checkDecimal(L, 1).String()))
		return 1
	}))
	state.SetField(mt, "__concat", state.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(lvalueString(L.Get(1)) + lvalueString(L.Get(2))))
		return 1
	}))
}

func newLuaDecimal(L *lua.LState, value decimal.Decimal) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = value
	L.SetMetatable(ud, L.GetTypeMetatable(luaDecimalType))
	return ud
}

// unwrapDecimal extracts a decimal from a userdata value.
func unwrapDecimal(value lua.LValue) (decimal.Decimal, bool) {
	ud, ok := value.(*lua.LUserData)
	if !ok {
		return decimal.Zero, false
	}
	dec, ok := ud.Value.(decimal.Decimal)
	return dec, ok
}

// checkDecimal coerces the argument at idx to a decimal - accepting the
// userdata type, a Lua number or a numeric string.
func checkDecimal(L *lua.LState, idx int) decimal.Decimal {
	value := L.CheckAny(idx)
	if dec, ok := unwrapDecimal(value); ok {
		return dec
	}
	switch v := value.(type) {
	case lua.LNumber:
		return decimal.NewFromFloat(float64(v))
	case lua.LString:
		dec, err := decimal.NewFromString(string(v))
		if err == nil {
			return dec
		}
	}
	L.RaiseError("expected a decimal, got %s", value.Type())
	return decimal.Zero
}

func lvalueString(value lua.LValue) string {
	if dec, ok := unwrapDecimal(value); ok {
		return dec.String()
	}
	return value.String()
}

func parseInt(raw string) (int64, bool) {
	n, err := strconv.ParseInt(raw, 10, 64)
	return n, err == nil
}

// midnightMillis floors an epoch-millis timestamp to its UTC day.
func midnightMillis(millis int64) int64 {
	t := time.UnixMilli(millis).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).UnixMilli()
}
