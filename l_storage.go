package netsync

import lua "github.com/yuin/gopher-lua"

func (p *Plugins) setStorageKey(L *lua.LState) int {
	k := L.ToString(1)
	v := L.ToString(2)

	if p.storage == nil {
		L.Push(lua.LFalse)
		return 1
	}

	if err := p.storage.SetKey(k, v); err != nil {
		p.log.Warnw("set storage key", "key", k, "err", err)
		L.Push(lua.LFalse)
		return 1
	}

	L.Push(lua.LTrue)

	return 1
}

func (p *Plugins) getStorageKey(L *lua.LState) int {
	k := L.ToString(1)

	if p.storage == nil {
		L.Push(lua.LString(""))
		return 1
	}

	v, err := p.storage.GetKey(k)
	if err != nil {
		p.log.Warnw("get storage key", "key", k, "err", err)
		L.Push(lua.LString(""))
		return 1
	}

	L.Push(lua.LString(v))

	return 1
}
