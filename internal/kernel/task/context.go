package task

import "context"

type ctxKey struct{}

// NewContext binds a task to a context. The host bridge derives the
// calling task's identity from this, never from module-supplied
// arguments.
func NewContext(parent context.Context, t *Task) context.Context {
	return context.WithValue(parent, ctxKey{}, t)
}

// FromContext recovers the task bound by NewContext.
func FromContext(ctx context.Context) (*Task, bool) {
	t, ok := ctx.Value(ctxKey{}).(*Task)
	return t, ok
}
