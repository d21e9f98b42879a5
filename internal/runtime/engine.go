// Package runtime wraps the wazero interpreter behind a small engine
// API: compile once per image, instantiate per task, abort in-flight
// calls through context cancellation.
package runtime

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/wardenos/warden/internal/logging"
)

var ErrNoExport = errors.New("module does not export the entry function")

// Digest is the content address of a module image, blake2b-256 hex.
func Digest(wasm []byte) string {
	sum := blake2b.Sum256(wasm)
	return hex.EncodeToString(sum[:])
}

// Config tunes the engine.
type Config struct {
	// MemoryLimitPages caps every instance's linear memory, in 64 KiB
	// wasm pages. 0 keeps wazero's default.
	MemoryLimitPages uint32
}

// Engine owns one wazero runtime and a digest-keyed compile cache.
// WithCloseOnContextDone makes task kills take effect mid-call.
type Engine struct {
	rt  wazero.Runtime
	log *logging.Logger

	mu    sync.Mutex
	cache map[string]*Module
}

func NewEngine(ctx context.Context, cfg Config, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.NewNop()
	}
	rcfg := wazero.NewRuntimeConfigInterpreter().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		rcfg = rcfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	return &Engine{
		rt:    wazero.NewRuntimeWithConfig(ctx, rcfg),
		log:   log.Named("engine"),
		cache: make(map[string]*Module),
	}
}

// Runtime exposes the wazero runtime so the host bridge can install
// its env module.
func (e *Engine) Runtime() wazero.Runtime { return e.rt }

// Compile validates and compiles an image, reusing the cached
// compilation when the digest was seen before.
func (e *Engine) Compile(ctx context.Context, name string, wasm []byte) (*Module, error) {
	digest := Digest(wasm)

	e.mu.Lock()
	if m, ok := e.cache[digest]; ok {
		e.mu.Unlock()
		return m, nil
	}
	e.mu.Unlock()

	compiled, err := e.rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	m := &Module{eng: e, name: name, digest: digest, compiled: compiled}

	e.mu.Lock()
	if prior, ok := e.cache[digest]; ok {
		e.mu.Unlock()
		_ = compiled.Close(ctx)
		return prior, nil
	}
	e.cache[digest] = m
	e.mu.Unlock()

	e.log.Debug("module compiled",
		zap.String("name", name),
		zap.String("digest", digest[:12]),
		zap.Int("bytes", len(wasm)))
	return m, nil
}

// Close drops the runtime and every compilation it owns.
func (e *Engine) Close(ctx context.Context) error {
	return e.rt.Close(ctx)
}

// Module is a compiled, instantiable image.
type Module struct {
	eng      *Engine
	name     string
	digest   string
	compiled wazero.CompiledModule
}

func (m *Module) Name() string   { return m.name }
func (m *Module) Digest() string { return m.digest }

// HasExport reports whether fn is an exported function. Entry points
// are validated with this before a task is spawned.
func (m *Module) HasExport(fn string) bool {
	_, ok := m.compiled.ExportedFunctions()[fn]
	return ok
}

// Instantiate builds a fresh instance. instName must be unique within
// the runtime. The wasm start section runs here; entry invocation is
// explicit through Call.
func (m *Module) Instantiate(ctx context.Context, instName string) (*Instance, error) {
	mcfg := wazero.NewModuleConfig().
		WithName(instName).
		WithStartFunctions()
	mod, err := m.eng.rt.InstantiateModule(ctx, m.compiled, mcfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", instName, err)
	}
	return &Instance{mod: mod}, nil
}

// Instance is one live module.
type Instance struct {
	mod api.Module
}

func (i *Instance) Name() string       { return i.mod.Name() }
func (i *Instance) Memory() api.Memory { return i.mod.Memory() }

// Call invokes a nullary exported function. A single result is
// truncated to the i32 exit value; no result means zero.
func (i *Instance) Call(ctx context.Context, entry string) (int32, error) {
	fn := i.mod.ExportedFunction(entry)
	if fn == nil {
		return 0, fmt.Errorf("%w: %s", ErrNoExport, entry)
	}
	res, err := fn.Call(ctx)
	if err != nil {
		return 0, err
	}
	if len(res) > 0 {
		return int32(uint32(res[0])), nil
	}
	return 0, nil
}

func (i *Instance) Close(ctx context.Context) error { return i.mod.Close(ctx) }

// CloseWithExitCode unwinds any in-flight call with an exit error.
func (i *Instance) CloseWithExitCode(ctx context.Context, code uint32) error {
	return i.mod.CloseWithExitCode(ctx, code)
}
