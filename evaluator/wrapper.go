package evaluator

import (
	"context"
	"sync"
	"time"

	"github.com/arloliu/go-ipi/internal/pool"
	"github.com/arloliu/go-ipi/ipi"
)

// Serialized runs at most one evaluation of the wrapped evaluator at a time, so an engine
// that isn't safe for concurrent use can back a server with several sessions.
type Serialized struct {
	mu sync.Mutex
	ev ipi.Evaluator
}

var (
	_ ipi.Evaluator   = (*Serialized)(nil)
	_ ipi.Initializer = (*Serialized)(nil)
)

// NewSerialized wraps ev.
func NewSerialized(ev ipi.Evaluator) *Serialized {
	return &Serialized{ev: ev}
}

// Evaluate implements ipi.Evaluator.
func (s *Serialized) Evaluate(ctx context.Context, g ipi.Geometry) (ipi.ForceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return ipi.ForceResult{}, err
	}

	return s.ev.Evaluate(ctx, g)
}

// Init forwards to the wrapped evaluator when it implements ipi.Initializer.
func (s *Serialized) Init(ctx context.Context, bead uint32, aux string) error {
	initializer, ok := s.ev.(ipi.Initializer)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return initializer.Init(ctx, bead, aux)
}

// Delayed holds every evaluation of the wrapped evaluator back by Delay, making the
// engine look busy to a polling driver.
type Delayed struct {
	Evaluator ipi.Evaluator
	Delay     time.Duration
}

var (
	_ ipi.Evaluator   = (*Delayed)(nil)
	_ ipi.Initializer = (*Delayed)(nil)
)

// Evaluate implements ipi.Evaluator.
func (d *Delayed) Evaluate(ctx context.Context, g ipi.Geometry) (ipi.ForceResult, error) {
	if err := pool.Sleep(ctx, d.Delay); err != nil {
		return ipi.ForceResult{}, err
	}

	return d.Evaluator.Evaluate(ctx, g)
}

// Init forwards to the wrapped evaluator without delay.
func (d *Delayed) Init(ctx context.Context, bead uint32, aux string) error {
	if initializer, ok := d.Evaluator.(ipi.Initializer); ok {
		return initializer.Init(ctx, bead, aux)
	}

	return nil
}
