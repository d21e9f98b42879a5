package loader

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenos/warden/internal/bridge"
	"github.com/wardenos/warden/internal/kernel"
	"github.com/wardenos/warden/internal/registry"
	"github.com/wardenos/warden/internal/runtime"
	"github.com/wardenos/warden/internal/wasmtest"
)

type fixture struct {
	k   *kernel.Kernel
	eng *runtime.Engine
	reg *registry.Registry
	ld  *Loader
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	k := kernel.New(kernel.Config{TickInterval: time.Hour}, kernel.Options{Console: &bytes.Buffer{}})
	eng := runtime.NewEngine(ctx, runtime.Config{}, nil)
	require.NoError(t, bridge.Install(ctx, eng, k))
	reg := registry.New()

	t.Cleanup(func() {
		k.Shutdown()
		_ = eng.Close(ctx)
	})
	return &fixture{k: k, eng: eng, reg: reg, ld: New(cfg, k, eng, reg, Options{})}
}

func exitModule(code int32) []byte {
	return wasmtest.New().Export("run", wasmtest.Body().I32Const(code)).Build()
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadFileSpawnsTask(t *testing.T) {
	f := newFixture(t, Config{})
	dir := t.TempDir()
	writeFile(t, dir, "demo.wasm", exitModule(5))
	manifest := writeFile(t, dir, "demo.manifest.yaml", []byte(
		"name: demo\nmodule: demo.wasm\nentry: run\n"))

	res, err := f.ld.LoadFile(context.Background(), manifest)
	require.NoError(t, err)
	assert.Equal(t, "demo", res.Instance.Name)
	assert.Equal(t, int32(res.Task.ID), res.Instance.Task)
	assert.NotEmpty(t, res.Instance.Digest)
	assert.False(t, res.Instance.StartedAt.IsZero())

	f.k.Start()
	f.k.Wait()

	info, err := f.k.TaskInfo(res.Task.ID)
	require.NoError(t, err)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, int32(5), *info.ExitCode)

	imgs := f.reg.Images()
	require.Len(t, imgs, 1)
	assert.Equal(t, "demo", imgs[0].Name)
	assert.EqualValues(t, len(exitModule(5)), imgs[0].Size)
	require.Len(t, f.reg.Instances(), 1)
}

func TestLoadManifestFormats(t *testing.T) {
	f := newFixture(t, Config{})
	dir := t.TempDir()
	writeFile(t, dir, "m.wasm", exitModule(0))

	cases := []struct {
		name string
		body string
	}{
		{"a.manifest.yaml", "name: a\nmodule: m.wasm\nentry: run\n"},
		{"b.manifest.toml", "name = \"b\"\nmodule = \"m.wasm\"\nentry = \"run\"\n"},
		{"c.manifest.json", `{"name":"c","module":"m.wasm","entry":"run"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, dir, tc.name, []byte(tc.body))
			res, err := f.ld.LoadFile(context.Background(), path)
			require.NoError(t, err)
			assert.Equal(t, "run", res.Instance.Entry)
		})
	}
}

func TestLoadGzippedModule(t *testing.T) {
	f := newFixture(t, Config{})
	dir := t.TempDir()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(exitModule(1))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	writeFile(t, dir, "demo.wasm.gz", buf.Bytes())
	manifest := writeFile(t, dir, "demo.manifest.yaml", []byte(
		"name: demo\nmodule: demo.wasm.gz\nentry: run\n"))

	_, err = f.ld.LoadFile(context.Background(), manifest)
	require.NoError(t, err)
}

func TestLoadRemoteModule(t *testing.T) {
	bin := exitModule(2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(bin)
	}))
	defer srv.Close()

	f := newFixture(t, Config{FetchTimeout: 5 * time.Second})
	res, err := f.ld.Load(context.Background(), Manifest{
		Name:   "remote",
		Module: srv.URL + "/demo.wasm",
		Entry:  "run",
	})
	require.NoError(t, err)
	assert.Equal(t, "remote", res.Instance.Name)
}

func TestLoadRemoteFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newFixture(t, Config{FetchTimeout: 5 * time.Second})
	_, err := f.ld.Load(context.Background(), Manifest{
		Name:   "remote",
		Module: srv.URL + "/missing.wasm",
		Entry:  "run",
	})
	assert.Error(t, err)
}

func TestLoadRejectsNonWasm(t *testing.T) {
	f := newFixture(t, Config{})
	dir := t.TempDir()
	writeFile(t, dir, "not.wasm", []byte("definitely not wasm"))
	manifest := writeFile(t, dir, "bad.manifest.yaml", []byte(
		"name: bad\nmodule: not.wasm\n"))

	_, err := f.ld.LoadFile(context.Background(), manifest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a wasm binary")
}

func TestLoadRejectsOversizedModule(t *testing.T) {
	f := newFixture(t, Config{MaxModuleBytes: 8})
	dir := t.TempDir()
	writeFile(t, dir, "big.wasm", exitModule(0))
	manifest := writeFile(t, dir, "big.manifest.yaml", []byte(
		"name: big\nmodule: big.wasm\nentry: run\n"))

	_, err := f.ld.LoadFile(context.Background(), manifest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

func TestLoadRejectsMissingEntry(t *testing.T) {
	f := newFixture(t, Config{})
	dir := t.TempDir()
	writeFile(t, dir, "m.wasm", exitModule(0))
	manifest := writeFile(t, dir, "m.manifest.yaml", []byte(
		"name: m\nmodule: m.wasm\nentry: nope\n"))

	_, err := f.ld.LoadFile(context.Background(), manifest)
	assert.ErrorIs(t, err, runtime.ErrNoExport)
}

func TestLoadAppliesManifestGrants(t *testing.T) {
	f := newFixture(t, Config{})
	dir := t.TempDir()
	writeFile(t, dir, "m.wasm", exitModule(0))
	manifest := writeFile(t, dir, "m.manifest.yaml", []byte(
		"name: granted\nmodule: m.wasm\nentry: run\npriority: high\ngrants:\n"+
			"  - object: console\n    rights: [write]\n"+
			"  - endpoint: jobs\n    rights: [send, grant]\n"))

	res, err := f.ld.LoadFile(context.Background(), manifest)
	require.NoError(t, err)

	info, err := f.k.TaskInfo(res.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, "high", info.Priority)
	assert.Len(t, info.Caps, 2)

	eps := f.k.Endpoints()
	require.Len(t, eps, 1)
	assert.Equal(t, "jobs", eps[0].Name)
}

func TestLoadDirStopsOnFirstError(t *testing.T) {
	f := newFixture(t, Config{})
	dir := t.TempDir()
	writeFile(t, dir, "m.wasm", exitModule(0))
	good := writeFile(t, dir, "good.manifest.yaml", []byte(
		"name: good\nmodule: m.wasm\nentry: run\n"))
	bad := writeFile(t, dir, "bad.manifest.yaml", []byte(
		"name: bad\nmodule: missing.wasm\n"))

	res, err := f.ld.LoadDir(context.Background(), []string{good, bad})
	require.Error(t, err)
	assert.Len(t, res, 1)
}
