package netsync

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// luaAfter schedules a function to run after a number of seconds.
// It runs from RunTimers, never from another goroutine.
func (p *Plugins) luaAfter(L *lua.LState) int {
	secs := float64(L.CheckNumber(1))
	f := L.CheckFunction(2)
	arg := L.Get(3)

	p.timers = append(p.timers, luaTimer{
		at:  time.Now().Add(time.Duration(secs * float64(time.Second))),
		fn:  f,
		arg: arg,
	})

	return 0
}
