package scripting

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Hooks owns one sandboxed LState and dispatches named global functions in it.
// Calls are serialized; an LState is single-threaded.
type Hooks struct {
	mu        sync.Mutex
	state     *lua.LState
	instLimit int
	logger    *zap.Logger
}

// NewHooks creates an empty Hooks. Every load and call is limited to
// instLimit opcodes; 0 selects DefaultInstructionLimit.
//
// Precondition: logger must be non-nil.
func NewHooks(logger *zap.Logger, instLimit int) *Hooks {
	return &Hooks{logger: logger, instLimit: instLimit}
}

// LoadFile replaces the loaded script with the file at path.
//
// Postcondition: On error the previously loaded script stays in effect.
func (h *Hooks) LoadFile(path string) error {
	return h.load(path, func(L *lua.LState) error { return L.DoFile(path) })
}

// LoadString replaces the loaded script with src. name is used in errors.
func (h *Hooks) LoadString(name, src string) error {
	return h.load(name, func(L *lua.LState) error { return L.DoString(src) })
}

func (h *Hooks) load(name string, run func(L *lua.LState) error) error {
	L := NewSandboxedState()
	h.RegisterModules(L)

	release := limitInstructions(L, h.instLimit)
	err := run(L)
	release()
	if err != nil {
		L.Close()
		return fmt.Errorf("scripting: loading %q: %w", name, err)
	}

	h.mu.Lock()
	old := h.state
	h.state = L
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Loaded reports whether a script is loaded.
func (h *Hooks) Loaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state != nil
}

// Defines reports whether the loaded script defines a global function named hook.
func (h *Hooks) Defines(hook string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == nil {
		return false
	}
	_, ok := h.state.GetGlobal(hook).(*lua.LFunction)
	return ok
}

// Call invokes the named global function with args.
//
// Postcondition: Returns (LNil, nil) when nothing is loaded or the hook is
// undefined. Lua runtime errors, including an exhausted instruction budget,
// are logged at Warn and returned.
func (h *Hooks) Call(hook string, args ...lua.LValue) (lua.LValue, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == nil {
		return lua.LNil, nil
	}
	L := h.state
	fn, ok := L.GetGlobal(hook).(*lua.LFunction)
	if !ok {
		return lua.LNil, nil
	}

	release := limitInstructions(L, h.instLimit)
	err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...)
	release()
	if err != nil {
		h.logger.Warn("scripting: Lua runtime error", zap.String("hook", hook), zap.Error(err))
		return lua.LNil, fmt.Errorf("scripting: calling %q: %w", hook, err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

// Close releases the loaded LState.
func (h *Hooks) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != nil {
		h.state.Close()
		h.state = nil
	}
}
