package lua

import (
	"bufio"
	"io"
	"os"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// luaFile is the userdata payload for sandboxed file handles.
type luaFile struct {
	f *os.File
	r *bufio.Reader
}

// installFileReadAPI injects a read-only io module.
func (s *Sandbox) installFileReadAPI() {
	ioMod := s.ioTable()

	s.L.SetField(ioMod, "open", s.L.NewFunction(func(L *lua.LState) int {
		filename := L.CheckString(1)
		mode := L.OptString(2, "r")
		return s.pushOpenFile(L, filename, mode)
	}))

	s.L.SetField(ioMod, "lines", s.L.NewFunction(func(L *lua.LState) int {
		filename := L.CheckString(1)
		f, err := os.Open(filename)
		if err != nil {
			L.RaiseError("cannot open file: %s", err.Error())
			return 0
		}
		L.Push(s.lineIterator(L, f, true))
		return 1
	}))

	s.L.SetGlobal("io", ioMod)
}

// installFileWriteAPI extends io.open with write modes. Grant order does
// not matter; open consults the capability set on every call.
func (s *Sandbox) installFileWriteAPI() {
	if !s.capabilities[CapabilityFileRead] {
		// Write grants imply the ability to open; install the io table
		// with open/lines if read was not granted first.
		s.installFileReadAPI()
	}
}

func (s *Sandbox) ioTable() *lua.LTable {
	if t, ok := s.L.GetGlobal("io").(*lua.LTable); ok {
		return t
	}
	return s.L.NewTable()
}

func (s *Sandbox) pushOpenFile(L *lua.LState, filename, mode string) int {
	var flag int
	switch mode {
	case "r", "rb":
		flag = os.O_RDONLY
	case "w", "wb":
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case "a", "ab":
		flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	default:
		L.ArgError(2, "invalid mode")
		return 0
	}
	if flag != os.O_RDONLY && !s.capabilities[CapabilityFileWrite] {
		L.ArgError(2, "write modes require the filesystem.write capability")
		return 0
	}

	f, err := os.OpenFile(filename, flag, 0o644)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	ud := L.NewUserData()
	ud.Value = &luaFile{f: f, r: bufio.NewReader(f)}
	L.SetMetatable(ud, s.fileMetatable())
	L.Push(ud)
	return 1
}

// fileMetatable builds (once) the metatable shared by all file handles.
func (s *Sandbox) fileMetatable() *lua.LTable {
	if mt, ok := s.L.GetField(s.L.Get(lua.RegistryIndex), "modelhost.file").(*lua.LTable); ok {
		return mt
	}

	mt := s.L.NewTable()
	index := s.L.NewTable()

	s.L.SetField(index, "read", s.L.NewFunction(func(L *lua.LState) int {
		lf := checkFile(L)
		format := L.OptString(2, "*l")
		switch format {
		case "*a", "*all":
			data, err := io.ReadAll(lf.r)
			if err != nil {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(lua.LString(data))
			return 1
		case "*l", "*line":
			line, err := lf.r.ReadString('\n')
			if len(line) == 0 && err != nil {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(lua.LString(strings.TrimRight(line, "\r\n")))
			return 1
		default:
			L.Push(lua.LNil)
			return 1
		}
	}))

	s.L.SetField(index, "write", s.L.NewFunction(func(L *lua.LState) int {
		if !s.capabilities[CapabilityFileWrite] {
			L.RaiseError("file:write requires the filesystem.write capability")
			return 0
		}
		lf := checkFile(L)
		for i := 2; i <= L.GetTop(); i++ {
			if _, err := lf.f.WriteString(L.CheckString(i)); err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
		}
		L.Push(L.Get(1))
		return 1
	}))

	s.L.SetField(index, "lines", s.L.NewFunction(func(L *lua.LState) int {
		lf := checkFile(L)
		L.Push(s.lineIterator(L, lf.f, false))
		return 1
	}))

	s.L.SetField(index, "close", s.L.NewFunction(func(L *lua.LState) int {
		lf := checkFile(L)
		if err := lf.f.Close(); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))

	s.L.SetField(mt, "__index", index)
	s.L.SetField(s.L.Get(lua.RegistryIndex), "modelhost.file", mt)
	return mt
}

// lineIterator returns a Lua iterator over the lines of f. When owned is
// true the iterator closes f at EOF.
func (s *Sandbox) lineIterator(L *lua.LState, f *os.File, owned bool) *lua.LFunction {
	r := bufio.NewReader(f)
	done := false
	return L.NewFunction(func(L *lua.LState) int {
		if done {
			return 0
		}
		line, err := r.ReadString('\n')
		if len(line) == 0 && err != nil {
			done = true
			if owned {
				_ = f.Close()
			}
			return 0
		}
		L.Push(lua.LString(strings.TrimRight(line, "\r\n")))
		return 1
	})
}

func checkFile(L *lua.LState) *luaFile {
	ud := L.CheckUserData(1)
	lf, ok := ud.Value.(*luaFile)
	if !ok {
		L.ArgError(1, "expected file")
	}
	return lf
}

// installEnvAPI injects a minimal os module: environment reads and clock
// functions only, no exec and no filesystem mutation.
func (s *Sandbox) installEnvAPI() {
	osMod := s.L.NewTable()

	s.L.SetField(osMod, "getenv", s.L.NewFunction(func(L *lua.LState) int {
		value, ok := os.LookupEnv(L.CheckString(1))
		if !ok {
			L.Push(lua.LNil)
		} else {
			L.Push(lua.LString(value))
		}
		return 1
	}))

	s.L.SetField(osMod, "time", s.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))

	s.L.SetField(osMod, "clock", s.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(float64(time.Now().UnixNano()) / 1e9))
		return 1
	}))

	s.L.SetGlobal("os", osMod)
}
