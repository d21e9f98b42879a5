// Package registry tracks loaded module images and live instances and
// discovers manifests under the modules directory. Named endpoints are
// kernel state; the registry only records what was loaded from where.
package registry

import (
	"sort"
	"sync"
	"time"
)

// Image is one compiled module binary, keyed by content digest.
type Image struct {
	Digest   string    `json:"digest"`
	Name     string    `json:"name"`
	Source   string    `json:"source"`
	Size     int64     `json:"size"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Instance is one spawned task backed by an image. ID is the
// control-plane identity of the load, distinct from the kernel task id.
type Instance struct {
	ID        string    `json:"id"`
	Task      int32     `json:"task"`
	Name      string    `json:"name"`
	Digest    string    `json:"digest"`
	Entry     string    `json:"entry"`
	StartedAt time.Time `json:"started_at"`
}

// Stats summarizes the registry for the health endpoint.
type Stats struct {
	Images    int `json:"images"`
	Instances int `json:"instances"`
}

// Registry is safe for concurrent use.
type Registry struct {
	images    sync.Map // digest -> Image
	instances sync.Map // uuid -> Instance
}

func New() *Registry {
	return &Registry{}
}

// PutImage records an image. Reloading the same digest refreshes the
// entry, so repeated loads stay idempotent.
func (r *Registry) PutImage(img Image) {
	if img.LoadedAt.IsZero() {
		img.LoadedAt = time.Now()
	}
	r.images.Store(img.Digest, img)
}

func (r *Registry) Image(digest string) (Image, bool) {
	v, ok := r.images.Load(digest)
	if !ok {
		return Image{}, false
	}
	return v.(Image), true
}

// Images lists every image, ordered by name for stable API output.
func (r *Registry) Images() []Image {
	var out []Image
	r.images.Range(func(_, v any) bool {
		out = append(out, v.(Image))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Digest < out[j].Digest
	})
	return out
}

func (r *Registry) PutInstance(inst Instance) {
	if inst.StartedAt.IsZero() {
		inst.StartedAt = time.Now()
	}
	r.instances.Store(inst.ID, inst)
}

func (r *Registry) Instance(id string) (Instance, bool) {
	v, ok := r.instances.Load(id)
	if !ok {
		return Instance{}, false
	}
	return v.(Instance), true
}

// DropInstance forgets a retired instance. Images stay; the compile
// cache keeps serving later loads of the same digest.
func (r *Registry) DropInstance(id string) {
	r.instances.Delete(id)
}

// Instances lists every instance, newest first.
func (r *Registry) Instances() []Instance {
	var out []Instance
	r.instances.Range(func(_, v any) bool {
		out = append(out, v.(Instance))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Stats() Stats {
	var s Stats
	r.images.Range(func(_, _ any) bool { s.Images++; return true })
	r.instances.Range(func(_, _ any) bool { s.Instances++; return true })
	return s
}
