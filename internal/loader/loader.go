package loader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/wardenos/warden/internal/bridge"
	"github.com/wardenos/warden/internal/events"
	"github.com/wardenos/warden/internal/infrastructure/monitoring"
	"github.com/wardenos/warden/internal/kernel"
	"github.com/wardenos/warden/internal/kernel/task"
	"github.com/wardenos/warden/internal/logging"
	"github.com/wardenos/warden/internal/registry"
	"github.com/wardenos/warden/internal/runtime"
)

// Config tunes fetching and validation.
type Config struct {
	MaxModuleBytes int64         // reject larger images; 0 uncapped
	FetchTimeout   time.Duration // per remote fetch
	FetchRetries   int           // resty retry count for remote fetches
}

// Loader runs the manifest-to-task pipeline.
type Loader struct {
	cfg     Config
	kernel  *kernel.Kernel
	engine  *runtime.Engine
	reg     *registry.Registry
	hub     *events.Hub
	metrics *monitoring.Metrics
	log     *logging.Logger
	client  *resty.Client
}

// Options are the loader's optional collaborators.
type Options struct {
	Logger  *logging.Logger
	Metrics *monitoring.Metrics
	Events  *events.Hub
}

func New(cfg Config, k *kernel.Kernel, eng *runtime.Engine, reg *registry.Registry, opts Options) *Loader {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	client := resty.New().
		SetRetryCount(cfg.FetchRetries).
		SetTimeout(cfg.FetchTimeout)
	return &Loader{
		cfg:     cfg,
		kernel:  k,
		engine:  eng,
		reg:     reg,
		hub:     opts.Events,
		metrics: opts.Metrics,
		log:     opts.Logger.Named("loader"),
		client:  client,
	}
}

// Result reports one completed load.
type Result struct {
	Instance registry.Instance
	Task     *task.Task
}

// LoadFile reads, parses and loads a manifest from disk. Relative
// module paths resolve against the manifest's directory.
func (l *Loader) LoadFile(ctx context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loader: read manifest: %w", err)
	}
	m, err := ParseManifest(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	m.Dir = filepath.Dir(path)
	return l.Load(ctx, m)
}

// Load runs the pipeline for one parsed manifest: fetch, decompress,
// validate, compile, grant, spawn, record.
func (l *Loader) Load(ctx context.Context, m Manifest) (*Result, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	source := m.Module
	raw, err := l.fetch(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("loader %s: %w", m.Name, err)
	}
	wasm, err := l.decompress(source, raw)
	if err != nil {
		return nil, fmt.Errorf("loader %s: %w", m.Name, err)
	}
	if err := l.validate(wasm); err != nil {
		return nil, fmt.Errorf("loader %s: %w", m.Name, err)
	}

	mod, err := l.engine.Compile(ctx, m.Name, wasm)
	if err != nil {
		return nil, fmt.Errorf("loader %s: %w", m.Name, err)
	}
	entry := m.Entry
	if entry == "" {
		entry = bridge.DefaultEntry
	}
	if !mod.HasExport(entry) {
		return nil, fmt.Errorf("loader %s: %w: %s", m.Name, runtime.ErrNoExport, entry)
	}

	grants, err := m.bootCaps()
	if err != nil {
		return nil, fmt.Errorf("loader %s: %w", m.Name, err)
	}
	prio, err := task.ParsePriority(m.Priority)
	if err != nil {
		return nil, fmt.Errorf("loader %s: %w", m.Name, err)
	}

	instID := uuid.NewString()
	tk, err := l.kernel.Spawn(kernel.SpawnSpec{
		Name:     m.Name,
		Priority: prio,
		Grants:   grants,
		MemLimit: m.MemoryLimit,
		Runner: &bridge.Runner{
			Module:   mod,
			Instance: fmt.Sprintf("%s-%s", m.Name, instID[:8]),
			Entry:    entry,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("loader %s: %w", m.Name, err)
	}

	l.reg.PutImage(registry.Image{
		Digest: mod.Digest(),
		Name:   m.Name,
		Source: source,
		Size:   int64(len(wasm)),
	})
	inst := registry.Instance{
		ID:     instID,
		Task:   int32(tk.ID),
		Name:   m.Name,
		Digest: mod.Digest(),
		Entry:  entry,
	}
	l.reg.PutInstance(inst)

	l.metrics.IncModulesLoaded()
	l.hub.Publish(events.Event{
		Type: events.TypeModuleLoaded,
		Task: int32(tk.ID),
		Data: events.ModuleData{Name: m.Name, Digest: mod.Digest(), Instance: instID},
	})
	l.log.Info("module loaded",
		zap.String("name", m.Name),
		zap.String("source", source),
		zap.String("digest", mod.Digest()[:12]),
		zap.Int32("task", int32(tk.ID)),
		zap.String("entry", entry))

	inst2, _ := l.reg.Instance(instID)
	return &Result{Instance: inst2, Task: tk}, nil
}

// fetch resolves the manifest's module reference to raw bytes: a local
// file, or an http(s) URL fetched with timeout and retry.
func (l *Loader) fetch(ctx context.Context, m Manifest) ([]byte, error) {
	ref := m.Module
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		resp, err := l.client.R().SetContext(ctx).Get(ref)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", ref, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("fetch %s: status %s", ref, resp.Status())
		}
		return resp.Body(), nil
	}
	if !filepath.IsAbs(ref) && m.Dir != "" {
		ref = filepath.Join(m.Dir, ref)
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}
	return data, nil
}

var gzipMagic = []byte{0x1f, 0x8b}

// decompress gunzips images delivered compressed, detected by suffix
// or by the gzip magic.
func (l *Loader) decompress(source string, data []byte) ([]byte, error) {
	if !strings.HasSuffix(source, ".gz") && !bytes.HasPrefix(data, gzipMagic) {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	defer zr.Close()

	var r io.Reader = zr
	if l.cfg.MaxModuleBytes > 0 {
		r = io.LimitReader(zr, l.cfg.MaxModuleBytes+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	return out, nil
}

// validate checks the size cap and that the payload really is a wasm
// binary before it reaches the compiler.
func (l *Loader) validate(wasm []byte) error {
	if max := l.cfg.MaxModuleBytes; max > 0 && int64(len(wasm)) > max {
		return fmt.Errorf("module is %d bytes, limit %d", len(wasm), max)
	}
	if mt := mimetype.Detect(wasm); !mt.Is("application/wasm") {
		return fmt.Errorf("not a wasm binary (detected %s)", mt.String())
	}
	return nil
}

// LoadDir scans paths discovered by the registry scanner and loads
// each manifest, returning the results and the first error per file.
func (l *Loader) LoadDir(ctx context.Context, paths []string) ([]*Result, error) {
	var out []*Result
	for _, p := range paths {
		res, err := l.LoadFile(ctx, p)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}
