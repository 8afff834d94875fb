package script

// Aggregate functions available to custom group constraints. Each takes a
// filter function and the 1-indexed 'records' table, e.g.
//
//	sum("INV.Amount", function (r) return r["Type"] == "INV" end, records)

import (
	"github.com/shopspring/decimal"
	lua "github.com/yuin/gopher-lua"
)

func (e *Engine) registerAggregates() {
	state := e.state

	// count(filter, records).
	state.SetGlobal("count", state.NewFunction(func(L *lua.LState) int {
		filter := L.CheckFunction(1)
		data := L.CheckTable(2)

		count := 0
		forEachMatch(L, filter, data, func(record *lua.LTable) {
			count++
		})
		L.Push(lua.LNumber(count))
		return 1
	}))

	// sum(field, filter, records) - decimal fields.
	state.SetGlobal("sum", state.NewFunction(func(L *lua.LState) int {
		field := L.CheckString(1)
		filter := L.CheckFunction(2)
		data := L.CheckTable(3)

		sum := decimal.Zero
		forEachMatch(L, filter, data, func(record *lua.LTable) {
			sum = sum.Add(decimalField(L, record, field))
		})
		L.Push(newLuaDecimal(L, sum))
		return 1
	}))

	// sum_int(field, filter, records) - integer fields.
	state.SetGlobal("sum_int", state.NewFunction(func(L *lua.LState) int {
		field := L.CheckString(1)
		filter := L.CheckFunction(2)
		data := L.CheckTable(3)

		var sum int64
		forEachMatch(L, filter, data, func(record *lua.LTable) {
			sum += intField(L, record, field)
		})
		L.Push(lua.LNumber(sum))
		return 1
	}))

	// max(field, filter, records) - decimal fields.
	state.SetGlobal("max", state.NewFunction(func(L *lua.LState) int {
		field := L.CheckString(1)
		filter := L.CheckFunction(2)
		data := L.CheckTable(3)

		first := true
		max := decimal.Zero
		forEachMatch(L, filter, data, func(record *lua.LTable) {
			value := decimalField(L, record, field)
			if first || value.GreaterThan(max) {
				max = value
				first = false
			}
		})
		L.Push(newLuaDecimal(L, max))
		return 1
	}))

	// max_int(field, filter, records) - integer fields.
	state.SetGlobal("max_int", state.NewFunction(func(L *lua.LState) int {
		field := L.CheckString(1)
		filter := L.CheckFunction(2)
		data := L.CheckTable(3)

		first := true
		var max int64
		forEachMatch(L, filter, data, func(record *lua.LTable) {
			value := intField(L, record, field)
			if first || value > max {
				max = value
				first = false
			}
		})
		L.Push(lua.LNumber(max))
		return 1
	}))

	// min(field, filter, records) - decimal fields.
	state.SetGlobal("min", state.NewFunction(func(L *lua.LState) int {
		field := L.CheckString(1)
		filter := L.CheckFunction(2)
		data := L.CheckTable(3)

		first := true
		min := decimal.Zero
		forEachMatch(L, filter, data, func(record *lua.LTable) {
			value := decimalField(L, record, field)
			if first || value.LessThan(min) {
				min = value
				first = false
			}
		})
		L.Push(newLuaDecimal(L, min))
		return 1
	}))

	// min_int(field, filter, records) - integer fields.
	state.SetGlobal("min_int", state.NewFunction(func(L *lua.LState) int {
		field := L.CheckString(1)
		filter := L.CheckFunction(2)
		data := L.CheckTable(3)

		first := true
		var min int64
		forEachMatch(L, filter, data, func(record *lua.LTable) {
			value := intField(L, record, field)
			if first || value < min {
				min = value
				first = false
			}
		})
		L.Push(lua.LNumber(min))
		return 1
	}))
}

// forEachMatch calls fn for every record in data passing the filter.
func forEachMatch(L *lua.LState, filter *lua.LFunction, data *lua.LTable, fn func(record *lua.LTable)) {
	for idx := 1; idx <= data.Len(); idx++ {
		record, ok := data.RawGetInt(idx).(*lua.LTable)
		if !ok {
			L.RaiseError("records entry %d is not a table", idx)
		}

		L.Push(filter)
		L.Push(record)
		if err := L.PCall(1, 1, nil); err != nil {
			L.RaiseError("filter failed on record %d: %v", idx, err)
		}
		matched := lua.LVAsBool(L.Get(-1))
		L.Pop(1)

		if matched {
			fn(record)
		}
	}
}

func decimalField(L *lua.LState, record *lua.LTable, field string) decimal.Decimal {
	value := record.RawGetString(field)
	if dec, ok := unwrapDecimal(value); ok {
		return dec
	}
	if n, ok := value.(lua.LNumber); ok {
		return decimal.NewFromFloat(float64(n))
	}
	L.RaiseError("field %s not found in record or not a DECIMAL. If you are trying to sum an INTEGER use the _int variant instead", field)
	return decimal.Zero
}

func intField(L *lua.LState, record *lua.LTable, field string) int64 {
	value := record.RawGetString(field)
	if n, ok := value.(lua.LNumber); ok {
		return int64(n)
	}
	L.RaiseError("field %s not found in record or not an INTEGER", field)
	return 0
}
