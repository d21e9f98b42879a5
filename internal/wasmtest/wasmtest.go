// Package wasmtest assembles small wasm binaries for tests. Modules
// built here import env.print and env.syscall, export one linear
// memory named "memory", and export entry functions of type () -> i32.
package wasmtest

// Function indices fixed by the import order; locally defined
// functions start at 2.
const (
	FnPrint   uint32 = 0
	FnSyscall uint32 = 1
)

// Builder accumulates functions and data segments for one module.
type Builder struct {
	pages uint32
	funcs []namedFunc
	data  []segment
}

type namedFunc struct {
	name string
	code *Code
}

type segment struct {
	off   uint32
	bytes []byte
}

func New() *Builder { return &Builder{pages: 1} }

// Pages sets the minimum linear memory size in 64 KiB pages.
func (b *Builder) Pages(n uint32) *Builder {
	b.pages = n
	return b
}

// Data places bytes at a fixed offset in linear memory.
func (b *Builder) Data(off uint32, p []byte) *Builder {
	b.data = append(b.data, segment{off: off, bytes: p})
	return b
}

// Export adds an exported function. The body must leave exactly one
// i32 on the stack.
func (b *Builder) Export(name string, code *Code) *Builder {
	b.funcs = append(b.funcs, namedFunc{name: name, code: code})
	return b
}

// Build emits the module binary.
func (b *Builder) Build() []byte {
	mod := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

	// Types: 0 print (i32)->(), 1 syscall (i32 i32 i32 i32)->(i32),
	// 2 entry ()->(i32).
	types := []byte{0x03,
		0x60, 0x01, 0x7F, 0x00,
		0x60, 0x04, 0x7F, 0x7F, 0x7F, 0x7F, 0x01, 0x7F,
		0x60, 0x00, 0x01, 0x7F,
	}
	mod = append(mod, section(0x01, types)...)

	imp := []byte{0x02}
	imp = appendName(imp, "env")
	imp = appendName(imp, "print")
	imp = append(imp, 0x00, 0x00)
	imp = appendName(imp, "env")
	imp = appendName(imp, "syscall")
	imp = append(imp, 0x00, 0x01)
	mod = append(mod, section(0x02, imp)...)

	if len(b.funcs) > 0 {
		fsec := uleb(nil, uint32(len(b.funcs)))
		for range b.funcs {
			fsec = append(fsec, 0x02)
		}
		mod = append(mod, section(0x03, fsec)...)
	}

	msec := []byte{0x01, 0x00}
	msec = uleb(msec, b.pages)
	mod = append(mod, section(0x05, msec)...)

	esec := uleb(nil, uint32(1+len(b.funcs)))
	esec = appendName(esec, "memory")
	esec = append(esec, 0x02, 0x00)
	for i, f := range b.funcs {
		esec = appendName(esec, f.name)
		esec = append(esec, 0x00)
		esec = uleb(esec, uint32(2+i))
	}
	mod = append(mod, section(0x07, esec)...)

	if len(b.funcs) > 0 {
		csec := uleb(nil, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			body := f.code.finish()
			csec = uleb(csec, uint32(len(body)))
			csec = append(csec, body...)
		}
		mod = append(mod, section(0x0A, csec)...)
	}

	if len(b.data) > 0 {
		dsec := uleb(nil, uint32(len(b.data)))
		for _, s := range b.data {
			dsec = append(dsec, 0x00, 0x41)
			dsec = sleb(dsec, int32(s.off))
			dsec = append(dsec, 0x0B)
			dsec = uleb(dsec, uint32(len(s.bytes)))
			dsec = append(dsec, s.bytes...)
		}
		mod = append(mod, section(0x0B, dsec)...)
	}

	return mod
}

// Code builds one function body. Locals, when declared, are i32 and
// index from 0 since entries take no parameters.
type Code struct {
	locals uint32
	buf    []byte
}

func Body() *Code { return &Code{} }

func (c *Code) Locals(n uint32) *Code {
	c.locals = n
	return c
}

func (c *Code) I32Const(v int32) *Code {
	c.buf = append(c.buf, 0x41)
	c.buf = sleb(c.buf, v)
	return c
}

func (c *Code) Call(fn uint32) *Code {
	c.buf = append(c.buf, 0x10)
	c.buf = uleb(c.buf, fn)
	return c
}

func (c *Code) Drop() *Code {
	c.buf = append(c.buf, 0x1A)
	return c
}

func (c *Code) Unreachable() *Code {
	c.buf = append(c.buf, 0x00)
	return c
}

func (c *Code) LocalGet(i uint32) *Code {
	c.buf = append(c.buf, 0x20)
	c.buf = uleb(c.buf, i)
	return c
}

func (c *Code) LocalSet(i uint32) *Code {
	c.buf = append(c.buf, 0x21)
	c.buf = uleb(c.buf, i)
	return c
}

func (c *Code) LocalTee(i uint32) *Code {
	c.buf = append(c.buf, 0x22)
	c.buf = uleb(c.buf, i)
	return c
}

// I32Load reads a 32-bit value; the address operand comes off the
// stack, off is the static offset.
func (c *Code) I32Load(off uint32) *Code {
	c.buf = append(c.buf, 0x28, 0x02)
	c.buf = uleb(c.buf, off)
	return c
}

func (c *Code) I32Store(off uint32) *Code {
	c.buf = append(c.buf, 0x36, 0x02)
	c.buf = uleb(c.buf, off)
	return c
}

func (c *Code) I32Add() *Code {
	c.buf = append(c.buf, 0x6A)
	return c
}

// Print emits i32.const v; call env.print.
func (c *Code) Print(v int32) *Code {
	return c.I32Const(v).Call(FnPrint)
}

// Syscall emits four constants and the call; the i32 result stays on
// the stack.
func (c *Code) Syscall(num, a1, a2, a3 int32) *Code {
	return c.I32Const(num).I32Const(a1).I32Const(a2).I32Const(a3).Call(FnSyscall)
}

// LoopForever spins on a loop back-edge until the instance is closed.
func (c *Code) LoopForever() *Code {
	c.buf = append(c.buf, 0x03, 0x40, 0x0C, 0x00, 0x0B, 0x00)
	return c
}

func (c *Code) finish() []byte {
	var out []byte
	if c.locals == 0 {
		out = append(out, 0x00)
	} else {
		out = append(out, 0x01)
		out = uleb(out, c.locals)
		out = append(out, 0x7F)
	}
	out = append(out, c.buf...)
	return append(out, 0x0B)
}

func section(id byte, body []byte) []byte {
	out := []byte{id}
	out = uleb(out, uint32(len(body)))
	return append(out, body...)
}

func appendName(buf []byte, s string) []byte {
	buf = uleb(buf, uint32(len(s)))
	return append(buf, s...)
}

func uleb(buf []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			buf = append(buf, b|0x80)
			continue
		}
		return append(buf, b)
	}
}

func sleb(buf []byte, v int32) []byte {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}
