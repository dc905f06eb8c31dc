package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// RegisterModules installs the hw table into L:
//
//	hw.log(msg)   writes msg to the server log at info level
//
// Precondition: L must be from NewSandboxedState.
func (h *Hooks) RegisterModules(L *lua.LState) {
	hw := L.NewTable()
	L.SetField(hw, "log", L.NewFunction(func(L *lua.LState) int {
		h.logger.Info("lua", zap.String("msg", L.CheckString(1)))
		return 0
	}))
	L.SetGlobal("hw", hw)
}
