package netsync

import (
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Plugins runs Lua plugins against a Server.
// The Lua state is only touched from the goroutine calling Server.Tick:
// hooks run inside the tick and timers run from RunTimers.
type Plugins struct {
	l   *lua.LState
	api *lua.LTable

	srv     *Server
	cfg     *Config
	log     *zap.SugaredLogger
	storage *History

	loaded []plugin

	onJoin  []*lua.LFunction
	onLeave []*lua.LFunction
	timers  []luaTimer
}

// NewPlugins creates a Lua state with the netsync API table
// and registers the plugin hooks on srv.
// cfg and storage may be nil.
func NewPlugins(srv *Server, cfg *Config, storage *History, log *zap.SugaredLogger) *Plugins {
	p := &Plugins{
		l:       lua.NewState(),
		srv:     srv,
		cfg:     cfg,
		storage: storage,
		log:     nopIfNil(log),
	}

	p.api = p.l.NewTable()
	p.l.SetGlobal("netsync", p.api)

	p.addLuaFunc(p.luaLog, "log")
	p.addLuaFunc(p.luaGetConfKey, "get_conf_key")
	p.addLuaFunc(p.luaClientCount, "client_count")
	p.addLuaFunc(p.luaGetClients, "get_clients")
	p.addLuaFunc(p.luaGetClient, "get_client")
	p.addLuaFunc(p.luaKickClient, "kick_client")
	p.addLuaFunc(p.registerOnJoin, "register_on_join")
	p.addLuaFunc(p.registerOnLeave, "register_on_leave")
	p.addLuaFunc(p.luaAfter, "after")
	p.addLuaFunc(p.setStorageKey, "set_storage_key")
	p.addLuaFunc(p.getStorageKey, "get_storage_key")
	p.addLuaFunc(luaStringSplit, "split")

	srv.RegisterOnJoin(p.processJoin)
	srv.RegisterOnLeave(p.processLeave)

	return p
}

func (p *Plugins) Close() {
	p.l.Close()
}

func (p *Plugins) addLuaFunc(f lua.LGFunction, name string) {
	p.api.RawSetString(name, p.l.NewFunction(f))
}

// DoString runs a chunk of Lua in the plugin state
func (p *Plugins) DoString(src string) error {
	return p.l.DoString(src)
}

// call runs fn and logs errors instead of letting
// a broken plugin take the server down
func (p *Plugins) call(fn *lua.LFunction, args ...lua.LValue) {
	if err := p.l.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...); err != nil {
		p.log.Errorw("plugin error", "err", err)
	}
}

type luaTimer struct {
	at  time.Time
	fn  *lua.LFunction
	arg lua.LValue
}

// RunTimers calls every function passed to netsync.after
// whose time has come
func (p *Plugins) RunTimers(now time.Time) {
	var due []luaTimer

	pending := p.timers[:0]
	for _, t := range p.timers {
		if now.Before(t.at) {
			pending = append(pending, t)
		} else {
			due = append(due, t)
		}
	}
	p.timers = pending

	for _, t := range due {
		p.call(t.fn, t.arg)
	}
}
