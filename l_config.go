package netsync

import lua "github.com/yuin/gopher-lua"

func (p *Plugins) luaGetConfKey(L *lua.LState) int {
	key := L.ToString(1)

	var v interface{}
	if p.cfg != nil {
		v = p.cfg.Key(key)
	}

	switch v := v.(type) {
	case bool:
		L.Push(lua.LBool(v))
	case int:
		L.Push(lua.LNumber(v))
	case float64:
		L.Push(lua.LNumber(v))
	case string:
		L.Push(lua.LString(v))
	default:
		L.Push(lua.LNil)
	}

	return 1
}
