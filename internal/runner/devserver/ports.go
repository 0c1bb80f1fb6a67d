package devserver

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// Allocator hands out local TCP ports from a fixed range. Reservations
// are process-wide so dev servers and injection proxies never collide,
// even before the owning process has bound the port.
type Allocator struct {
	mu       sync.Mutex
	reserved map[int]bool
	min, max int
}

// NewAllocator creates an allocator over [min, max].
func NewAllocator(min, max int) *Allocator {
	return &Allocator{
		reserved: make(map[int]bool),
		min:      min,
		max:      max,
	}
}

// Allocate reserves the first free port in the range. A port counts as
// free when it is unreserved and currently bindable.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.min; port <= a.max; port++ {
		if a.reserved[port] {
			continue
		}
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		ln.Close()
		a.reserved[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("no free port in %d-%d", a.min, a.max)
}

// Release returns a port to the pool. Releasing an unreserved port is a
// no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.reserved, port)
	a.mu.Unlock()
}

// Reserved reports whether a port is currently held.
func (a *Allocator) Reserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved[port]
}
