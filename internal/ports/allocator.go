// Package ports leases locally-unique TCP ports for tunnel endpoints from a
// bounded range. A lease is only handed out after a real bind test confirms
// the OS agrees the port is free; internal bookkeeping alone is not trusted
// because other processes compete for the same range.
package ports

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/deskmux/deskmux/internal/errclass"
)

// maxProbeAttempts bounds the random probing loop in Lease.
const maxProbeAttempts = 1000

// ErrNoAvailablePorts is returned when probing exhausts its attempt budget
// without finding a bindable port.
var ErrNoAvailablePorts = errclass.New(errclass.KindPortExhausted, "no available ports in range")

// Lease is an exclusive claim on one local port.
type Lease struct {
	Port      int       `json:"port"`
	ProfileID string    `json:"profile_id"`
	LeasedAt  time.Time `json:"leased_at"`
}

// Allocator leases unique ports from [start, end). All mutation happens
// under one mutex so concurrent callers observe a total order.
type Allocator struct {
	mu     sync.Mutex
	start  int
	end    int
	leased map[int]Lease
	rng    *rand.Rand

	// bindTest is swapped out in tests to avoid real sockets.
	bindTest func(port int) error
}

// NewAllocator creates an Allocator for the range [start, end).
// Random probing rather than a linear scan avoids pathological clustering
// when many ports are still busy from a prior run.
func NewAllocator(start, end int) (*Allocator, error) {
	if start <= 0 || end <= start || end > 65536 {
		return nil, fmt.Errorf("invalid port range [%d,%d)", start, end)
	}
	return &Allocator{
		start:    start,
		end:      end,
		leased:   make(map[int]Lease),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		bindTest: osBindTest,
	}, nil
}

// osBindTest binds and immediately releases the port to confirm real
// availability, closing the gap between "we think it's free" and "the OS
// agrees".
func osBindTest(port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}
	return l.Close()
}

// Lease probes random candidates within the range, skipping ports already
// leased, until a bind test succeeds or the attempt budget is exhausted.
func (a *Allocator) Lease(profileID string) (Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := a.end - a.start
	for attempt := 0; attempt < maxProbeAttempts; attempt++ {
		port := a.start + a.rng.Intn(span)
		if _, taken := a.leased[port]; taken {
			continue
		}
		if err := a.bindTest(port); err != nil {
			continue
		}
		lease := Lease{Port: port, ProfileID: profileID, LeasedAt: time.Now()}
		a.leased[port] = lease
		return lease, nil
	}
	return Lease{}, ErrNoAvailablePorts
}

// Release removes the lease record for the port. Releasing an unknown or
// already-released port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.leased, port)
}

// ResetAll clears every lease. Used only for full-system teardown.
func (a *Allocator) ResetAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leased = make(map[int]Lease)
}

// Leases returns a snapshot of all current leases.
func (a *Allocator) Leases() []Lease {
	a.mu.Lock()
	defer a.mu.Unlock()
	result := make([]Lease, 0, len(a.leased))
	for _, l := range a.leased {
		result = append(result, l)
	}
	return result
}

// Audit releases leases whose owner no longer exists according to
// ownerExists, returning the ports reclaimed. Run periodically as an
// invariant check; a non-empty result indicates a cleanup path was missed.
func (a *Allocator) Audit(ownerExists func(profileID string) bool) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var reclaimed []int
	for port, lease := range a.leased {
		if !ownerExists(lease.ProfileID) {
			delete(a.leased, port)
			reclaimed = append(reclaimed, port)
		}
	}
	return reclaimed
}
