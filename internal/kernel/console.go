package kernel

import (
	"fmt"
	"io"
	"sync"

	"github.com/wardenos/warden/internal/kernel/caps"
)

// Console is the shared write-only output object. Writes land on the
// injected sink; the mutex keeps interleaved task output line-atomic
// even though syscalls already serialize under the kernel lock, since
// the host print path bypasses it.
type Console struct {
	id   caps.ObjectID
	mu   sync.Mutex
	sink io.Writer
}

func NewConsole(id caps.ObjectID, sink io.Writer) *Console {
	return &Console{id: id, sink: sink}
}

func (c *Console) ID() caps.ObjectID { return c.id }
func (c *Console) Kind() caps.Kind   { return caps.KindConsole }

func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink.Write(p)
}

func (c *Console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.sink, format, args...)
}
