package resourcepool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/npu-bridge/npu-bridge-go/pkg/models"
)

// ErrAllocationTimeout is returned when the requested units could not be
// acquired within the allotted wait
var ErrAllocationTimeout = errors.New("resource allocation timeout")

// DefaultAllocationTimeout bounds how long an allocate call may block when
// the caller passes no explicit timeout
const DefaultAllocationTimeout = 100 * time.Millisecond

// Capacities defines the total units available per bounded resource type
type Capacities map[models.ResourceType]int64

// DefaultCapacities returns pool sizes matching a Meteor Lake class device:
// 256MB device memory, 34 compute units, 22 host cores, 8GB host memory.
func DefaultCapacities() Capacities {
	return Capacities{
		models.ResourceDeviceMemory:  256,
		models.ResourceDeviceCompute: 34,
		models.ResourceHostCores:     22,
		models.ResourceHostMemory:    8192,
	}
}

// ResourcePool enforces hard caps on concurrent resource consumption.
// Grants are recorded per operation id so release can be driven purely from
// the id and is idempotent.
type ResourcePool struct {
	mu          sync.Mutex
	total       map[models.ResourceType]int64
	available   map[models.ResourceType]int64
	allocations map[string][]models.ResourceRequest
	notify      chan struct{}
}

// NewResourcePool creates a pool with the given per-type capacities.
// Unbounded types (network bandwidth) need no entry.
func NewResourcePool(caps Capacities) *ResourcePool {
	total := make(map[models.ResourceType]int64, len(caps))
	available := make(map[models.ResourceType]int64, len(caps))
	for rt, n := range caps {
		if !rt.Bounded() {
			continue
		}
		total[rt] = n
		available[rt] = n
	}
	return &ResourcePool{
		total:       total,
		available:   available,
		allocations: make(map[string][]models.ResourceRequest),
		notify:      make(chan struct{}),
	}
}

// Allocate acquires amount units of the given resource type for the
// operation, blocking up to timeout. The call is all-or-nothing: on timeout
// no units are held. Unbounded resource types succeed immediately without
// accounting.
func (p *ResourcePool) Allocate(ctx context.Context, opID string, rt models.ResourceType, amount int64, timeout time.Duration) error {
	if !rt.Bounded() || amount <= 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultAllocationTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if _, ok := p.total[rt]; !ok {
			p.mu.Unlock()
			return fmt.Errorf("unknown resource type %q", rt)
		}
		if p.available[rt] >= amount {
			p.available[rt] -= amount
			p.allocations[opID] = append(p.allocations[opID], models.ResourceRequest{Type: rt, Amount: amount})
			p.mu.Unlock()
			return nil
		}
		wait := p.notify
		p.mu.Unlock()

		select {
		case <-wait:
			// Units were released somewhere; re-check availability.
		case <-timer.C:
			return fmt.Errorf("%w: %d units of %s", ErrAllocationTimeout, amount, rt)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AllocateAll acquires every request for the operation, sharing one timeout
// budget across them. On any failure, units already granted to the operation
// by this call are released before returning.
func (p *ResourcePool) AllocateAll(ctx context.Context, opID string, reqs []models.ResourceRequest, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultAllocationTimeout
	}
	deadline := time.Now().Add(timeout)

	for _, req := range reqs {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.Release(opID)
			return fmt.Errorf("%w: %d units of %s", ErrAllocationTimeout, req.Amount, req.Type)
		}
		if err := p.Allocate(ctx, opID, req.Type, req.Amount, remaining); err != nil {
			p.Release(opID)
			return err
		}
	}
	return nil
}

// Release returns all grants recorded for the operation id across all
// resource types and removes the record. Releasing an id with no recorded
// grants is a no-op, so failure paths may call it defensively.
func (p *ResourcePool) Release(opID string) {
	p.mu.Lock()
	grants, ok := p.allocations[opID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.allocations, opID)

	for _, g := range grants {
		p.available[g.Type] += g.Amount
		if p.available[g.Type] > p.total[g.Type] {
			// Cannot happen while grants are recorded exactly once; clamp
			// rather than let accounting drift.
			p.available[g.Type] = p.total[g.Type]
		}
	}

	// Wake every waiter; each re-checks availability under the lock.
	close(p.notify)
	p.notify = make(chan struct{})
	p.mu.Unlock()
}

// Utilization returns (total − available) / total per bounded resource type
func (p *ResourcePool) Utilization() map[models.ResourceType]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[models.ResourceType]float64, len(p.total)+1)
	for rt, total := range p.total {
		if total <= 0 {
			out[rt] = 0
			continue
		}
		out[rt] = float64(total-p.available[rt]) / float64(total)
	}
	out[models.ResourceNetworkBandwidth] = 0 // not tracked
	return out
}

// Available returns the current available units for a resource type
func (p *ResourcePool) Available(rt models.ResourceType) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available[rt]
}

// Total returns the configured capacity for a resource type
func (p *ResourcePool) Total(rt models.ResourceType) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total[rt]
}
