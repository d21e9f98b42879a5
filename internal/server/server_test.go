package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenos/warden/internal/bench"
	"github.com/wardenos/warden/internal/bridge"
	"github.com/wardenos/warden/internal/events"
	"github.com/wardenos/warden/internal/infrastructure/config"
	"github.com/wardenos/warden/internal/kernel"
	"github.com/wardenos/warden/internal/kernel/caps"
	"github.com/wardenos/warden/internal/kernel/task"
	"github.com/wardenos/warden/internal/loader"
	"github.com/wardenos/warden/internal/registry"
	"github.com/wardenos/warden/internal/runtime"
	"github.com/wardenos/warden/internal/wasmtest"
)

type fixture struct {
	k   *kernel.Kernel
	eng *runtime.Engine
	reg *registry.Registry
	hub *events.Hub
	srv *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	k := kernel.New(kernel.Config{TickInterval: time.Hour}, kernel.Options{Console: &bytes.Buffer{}})
	eng := runtime.NewEngine(ctx, runtime.Config{}, nil)
	require.NoError(t, bridge.Install(ctx, eng, k))
	reg := registry.New()
	hub := events.NewHub()
	ld := loader.New(loader.Config{}, k, eng, reg, loader.Options{Events: hub})

	srv := New(config.Default().Server, Deps{
		Kernel:   k,
		Loader:   ld,
		Registry: reg,
		Bench:    bench.New(0),
		Events:   hub,
		Version:  "test",
	})

	t.Cleanup(func() {
		k.Shutdown()
		_ = eng.Close(ctx)
	})
	return &fixture{k: k, eng: eng, reg: reg, hub: hub, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &decoded)
	}
	return w, decoded
}

// parked spawns a Go task that holds until killed.
func (f *fixture) parked(t *testing.T, name string) *task.Task {
	t.Helper()
	tk, err := f.k.Spawn(kernel.SpawnSpec{
		Name: name,
		Grants: []kernel.BootCap{
			{Target: kernel.TargetConsole, Rights: caps.RightWrite},
		},
		Runner: task.RunnerFunc(func(ctx context.Context) (int32, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		}),
	})
	require.NoError(t, err)
	return tk
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.parked(t, "worker")
	f.k.Start()

	w, body := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
	tasks := body["tasks"].(map[string]any)
	assert.EqualValues(t, 1, tasks["running"])
}

func TestListAndGetTask(t *testing.T) {
	f := newFixture(t)
	tk := f.parked(t, "worker")
	f.k.Start()

	w, body := f.do(t, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, body = f.do(t, http.MethodGet, fmt.Sprintf("/api/tasks/%d", tk.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := body["task"].(map[string]any)
	assert.Equal(t, "worker", info["name"])
	// The single boot grant shows up in the capability table view.
	assert.Len(t, info["caps"], 1)
}

func TestGetTaskErrors(t *testing.T) {
	f := newFixture(t)

	w, _ := f.do(t, http.MethodGet, "/api/tasks/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/tasks/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDestroyTask(t *testing.T) {
	f := newFixture(t)
	tk := f.parked(t, "victim")
	f.k.Start()

	w, body := f.do(t, http.MethodDelete, fmt.Sprintf("/api/tasks/%d", tk.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])

	f.k.Wait()
	info, err := f.k.TaskInfo(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "terminated", info.State)

	// A second delete reaps the exit record.
	w, _ = f.do(t, http.MethodDelete, fmt.Sprintf("/api/tasks/%d", tk.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, err = f.k.TaskInfo(tk.ID)
	assert.ErrorIs(t, err, kernel.ErrNoSuchTask)

	w, _ = f.do(t, http.MethodDelete, "/api/tasks/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLoadModuleByPath(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	bin := wasmtest.New().Export("run", wasmtest.Body().I32Const(0)).Build()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "m.wasm"), bin, 0o644))
	manifest := filepath.Join(dir, "m.manifest.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("name: m\nmodule: m.wasm\nentry: run\n"), 0o644))

	payload, _ := json.Marshal(map[string]string{"path": manifest})
	w, body := f.do(t, http.MethodPost, "/api/modules", payload)
	require.Equal(t, http.StatusCreated, w.Code)
	inst := body["instance"].(map[string]any)
	assert.Equal(t, "m", inst["name"])

	w, body = f.do(t, http.MethodGet, "/api/modules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["images"], 1)
	assert.Len(t, body["instances"], 1)
}

func TestModuleListingReflectsExit(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	bin := wasmtest.New().Export("run", wasmtest.Body().I32Const(0)).Build()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "m.wasm"), bin, 0o644))
	manifest := filepath.Join(dir, "m.manifest.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("name: m\nmodule: m.wasm\nentry: run\n"), 0o644))

	payload, _ := json.Marshal(map[string]string{"path": manifest})
	w, _ := f.do(t, http.MethodPost, "/api/modules", payload)
	require.Equal(t, http.StatusCreated, w.Code)

	f.k.Start()
	f.k.Wait()

	w, body := f.do(t, http.MethodGet, "/api/modules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	insts := body["instances"].([]any)
	require.Len(t, insts, 1)
	inst := insts[0].(map[string]any)
	assert.Equal(t, "terminated", inst["state"])
	assert.EqualValues(t, 0, inst["exit_code"])

	// Reaping the task record retires the instance from the listing.
	id := task.ID(inst["task"].(float64))
	require.NoError(t, f.k.Destroy(id, -1))

	w, body = f.do(t, http.MethodGet, "/api/modules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["instances"])
	assert.Equal(t, 0, f.reg.Stats().Instances)
}

func TestLoadModuleInlineManifest(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	bin := wasmtest.New().Export("run", wasmtest.Body().I32Const(0)).Build()
	modPath := filepath.Join(dir, "m.wasm")
	require.NoError(t, os.WriteFile(modPath, bin, 0o644))

	payload, _ := json.Marshal(map[string]any{
		"manifest": map[string]any{"name": "inline", "module": modPath, "entry": "run"},
	})
	w, body := f.do(t, http.MethodPost, "/api/modules", payload)
	require.Equal(t, http.StatusCreated, w.Code)
	inst := body["instance"].(map[string]any)
	assert.Equal(t, "inline", inst["name"])
}

func TestLoadModuleRejectsBadRequests(t *testing.T) {
	f := newFixture(t)

	w, _ := f.do(t, http.MethodPost, "/api/modules", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/modules", []byte(`not json`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/modules",
		[]byte(`{"path":"/nonexistent.yaml","manifest":{"name":"x","module":"y"}}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/modules", []byte(`{"path":"/nonexistent.yaml"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestSchedulerAndEndpoints(t *testing.T) {
	f := newFixture(t)
	_, err := f.k.Spawn(kernel.SpawnSpec{
		Name:   "peer",
		Grants: []kernel.BootCap{{Target: "jobs", Rights: caps.RightSend}},
		Runner: task.RunnerFunc(func(ctx context.Context) (int32, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		}),
	})
	require.NoError(t, err)

	w, body := f.do(t, http.MethodGet, "/api/scheduler", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := body["scheduler"].(map[string]any)
	assert.Equal(t, "fixed-priority round-robin", stats["policy"])

	w, body = f.do(t, http.MethodGet, "/api/endpoints", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
}

func TestBenchEndpoint(t *testing.T) {
	f := newFixture(t)
	w, body := f.do(t, http.MethodGet, "/api/bench", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["enabled"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	w, _ := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
