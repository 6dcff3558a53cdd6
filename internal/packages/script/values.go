package script

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/VizierDB/web-api-async-sub004/internal/datastore"
)

// toGoValue converts a scalar Lua value to its Go counterpart. Tables and
// functions have no cell representation and become nil.
func toGoValue(lv lua.LValue) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	default:
		return nil
	}
}

// toLuaValue converts a dataset cell to a Lua value.
func toLuaValue(v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	default:
		return lua.LNil
	}
}

func datasetTable(L *lua.LState, ds *datastore.Dataset) *lua.LTable {
	columns := L.NewTable()
	for _, name := range ds.ColumnNames() {
		columns.Append(lua.LString(name))
	}
	rows := L.NewTable()
	for _, row := range ds.Rows {
		r := L.NewTable()
		for i, cell := range row {
			r.RawSetInt(i+1, toLuaValue(cell))
		}
		rows.Append(r)
	}

	t := L.NewTable()
	t.RawSetString("id", lua.LString(ds.ID))
	t.RawSetString("columns", columns)
	t.RawSetString("rows", rows)
	return t
}
