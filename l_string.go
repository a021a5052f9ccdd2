package netsync

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

func luaStringSplit(L *lua.LState) int {
	s := L.ToString(1)
	d := L.ToString(2)

	r := L.NewTable()
	for _, part := range strings.Split(s, d) {
		r.Append(lua.LString(part))
	}

	L.Push(r)

	return 1
}
