package netsync

import lua "github.com/yuin/gopher-lua"

func (p *Plugins) luaClientCount(L *lua.LState) int {
	L.Push(lua.LNumber(p.srv.ClientCount()))

	return 1
}

func (p *Plugins) clientTable(L *lua.LState, cs ClientState) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("id", lua.LNumber(cs.ID))
	t.RawSetString("object_id", lua.LNumber(cs.ObjectID))
	t.RawSetString("welcomed", lua.LBool(cs.Welcomed))
	t.RawSetString("addr", lua.LString(cs.Addr))
	t.RawSetString("session", lua.LString(cs.Session.String()))

	if cs.HasTransform {
		pos := L.NewTable()
		pos.RawSetString("x", lua.LNumber(cs.LastTransform.PosX))
		pos.RawSetString("y", lua.LNumber(cs.LastTransform.PosY))
		pos.RawSetString("z", lua.LNumber(cs.LastTransform.PosZ))
		t.RawSetString("pos", pos)
	}

	return t
}

func (p *Plugins) luaGetClients(L *lua.LState) int {
	r := L.NewTable()
	for _, cs := range p.srv.Clients() {
		r.Append(lua.LNumber(cs.ID))
	}

	L.Push(r)

	return 1
}

func (p *Plugins) luaGetClient(L *lua.LState) int {
	id := ClientID(L.CheckInt(1))

	cs, ok := p.srv.Client(id)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}

	L.Push(p.clientTable(L, cs))

	return 1
}

func (p *Plugins) luaKickClient(L *lua.LState) int {
	id := ClientID(L.CheckInt(1))

	L.Push(lua.LBool(p.srv.Kick(id)))

	return 1
}

func (p *Plugins) registerOnJoin(L *lua.LState) int {
	f := L.CheckFunction(1)
	p.onJoin = append(p.onJoin, f)

	return 0
}

func (p *Plugins) registerOnLeave(L *lua.LState) int {
	f := L.CheckFunction(1)
	p.onLeave = append(p.onLeave, f)

	return 0
}

func (p *Plugins) processJoin(cs ClientState) {
	for _, f := range p.onJoin {
		p.call(f, lua.LNumber(cs.ID))
	}
}

func (p *Plugins) processLeave(cs ClientState, reason string) {
	for _, f := range p.onLeave {
		p.call(f, lua.LNumber(cs.ID), lua.LString(reason))
	}
}
