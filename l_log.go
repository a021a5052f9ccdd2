package netsync

import lua "github.com/yuin/gopher-lua"

func (p *Plugins) luaLog(L *lua.LState) int {
	str := L.ToString(1)
	p.log.Infow(str, "source", "lua")

	return 0
}
