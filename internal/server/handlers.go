package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wardenos/warden/internal/bench"
	"github.com/wardenos/warden/internal/events"
	"github.com/wardenos/warden/internal/kernel"
	"github.com/wardenos/warden/internal/kernel/task"
	"github.com/wardenos/warden/internal/loader"
	"github.com/wardenos/warden/internal/registry"
)

type handlers struct {
	kernel   *kernel.Kernel
	loader   *loader.Loader
	registry *registry.Registry
	bench    *bench.Collector
	hub      *events.Hub
	version  string
}

func newHandlers(deps Deps) *handlers {
	return &handlers{
		kernel:   deps.Kernel,
		loader:   deps.Loader,
		registry: deps.Registry,
		bench:    deps.Bench,
		hub:      deps.Events,
		version:  deps.Version,
	}
}

// Health reports liveness and headline counts.
func (h *handlers) Health(c *gin.Context) {
	states := make(map[string]int)
	for _, t := range h.kernel.Tasks() {
		states[t.State]++
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"version":        h.version,
		"uptime_seconds": h.kernel.Uptime().Seconds(),
		"tasks":          states,
		"registry":       h.registry.Stats(),
		"event_stream": gin.H{
			"subscribers": h.hub.Subscribers(),
			"dropped":     h.hub.Dropped(),
		},
	})
}

// ListTasks returns the task snapshot without capability tables.
func (h *handlers) ListTasks(c *gin.Context) {
	tasks := h.kernel.Tasks()
	c.JSON(http.StatusOK, gin.H{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// GetTask returns one task including its capability table.
func (h *handlers) GetTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	info, err := h.kernel.TaskInfo(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": info})
}

// DestroyTask terminates a task; blocked rendezvous partners are woken
// per the endpoint liveness rules. Deleting an already-terminated task
// reaps its exit record.
func (h *handlers) DestroyTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	if err := h.kernel.Destroy(id, -1); err != nil {
		if errors.Is(err, kernel.ErrNoSuchTask) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": int32(id)})
}

// instanceView joins a registry instance with its task's current
// lifecycle state.
type instanceView struct {
	registry.Instance
	State    string `json:"state"`
	ExitCode *int32 `json:"exit_code,omitempty"`
	Trapped  bool   `json:"trapped,omitempty"`
}

// ListModules returns the registry view: images and instances, each
// annotated with its task state. Instances whose task record has been
// reaped are dropped from the registry here, so the listing converges
// on what the kernel still knows about.
func (h *handlers) ListModules(c *gin.Context) {
	views := make([]instanceView, 0)
	for _, inst := range h.registry.Instances() {
		info, err := h.kernel.TaskInfo(task.ID(inst.Task))
		if err != nil {
			h.registry.DropInstance(inst.ID)
			continue
		}
		views = append(views, instanceView{
			Instance: inst,
			State:    info.State,
			ExitCode: info.ExitCode,
			Trapped:  info.Trapped,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"images":    h.registry.Images(),
		"instances": views,
	})
}

// loadRequest is the POST /api/modules body: a manifest path on the
// daemon host, or an inline manifest.
type loadRequest struct {
	Path     string           `json:"path"`
	Manifest *loader.Manifest `json:"manifest"`
}

// LoadModule runs the loader pipeline for one manifest.
func (h *handlers) LoadModule(c *gin.Context) {
	var req loadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		res *loader.Result
		err error
	)
	switch {
	case req.Path != "" && req.Manifest != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": "set either path or manifest, not both"})
		return
	case req.Path != "":
		res, err = h.loader.LoadFile(c.Request.Context(), req.Path)
	case req.Manifest != nil:
		res, err = h.loader.Load(c.Request.Context(), *req.Manifest)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "path or manifest is required"})
		return
	}
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "instance": res.Instance})
}

// SchedulerStats returns scheduler counters and queue depths.
func (h *handlers) SchedulerStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"scheduler": h.kernel.SchedulerStats()})
}

// ListEndpoints returns the named endpoint states.
func (h *handlers) ListEndpoints(c *gin.Context) {
	eps := h.kernel.Endpoints()
	c.JSON(http.StatusOK, gin.H{
		"endpoints": eps,
		"count":     len(eps),
	})
}

// Bench returns the benchmark summaries; empty when disabled.
func (h *handlers) Bench(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"enabled":   h.bench != nil,
		"summaries": h.bench.Summaries(),
	})
}

func taskID(c *gin.Context) (task.ID, bool) {
	n, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task id must be an integer"})
		return 0, false
	}
	return task.ID(n), true
}
