package ipi

import (
	"context"
	"fmt"
)

// Evaluator computes the energy, forces and virial of a geometry.
//
// A ServerRole session calls Evaluate once per POSDATA, from a goroutine of its own,
// and cancels ctx when the session ends. A DriverRole session is itself an Evaluator
// backed by the remote engine.
type Evaluator interface {
	Evaluate(ctx context.Context, g Geometry) (ForceResult, error)
}

// EvaluatorFunc adapts an ordinary function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, g Geometry) (ForceResult, error)

// Evaluate calls f(ctx, g).
func (f EvaluatorFunc) Evaluate(ctx context.Context, g Geometry) (ForceResult, error) {
	return f(ctx, g)
}

// Initializer is implemented by evaluators that want the INIT payload.
//
// A ServerRole session calls Init on every INIT it accepts. An error is reported to the driver
// as an ERROR reply, then Serve returns it and the session closes.
type Initializer interface {
	Init(ctx context.Context, bead uint32, aux string) error
}

// StructureProvider supplies the geometry a driver evaluates next.
type StructureProvider interface {
	CurrentGeometry() (Geometry, error)
}

// StaticStructure is a StructureProvider returning the same geometry every time.
type StaticStructure struct {
	Geometry Geometry
}

var _ StructureProvider = (*StaticStructure)(nil)

// CurrentGeometry returns a copy of the held geometry.
func (s *StaticStructure) CurrentGeometry() (Geometry, error) {
	return s.Geometry.Clone(), nil
}

// StepFunc is invoked by Drive after each evaluation. Returning an error stops the loop.
type StepFunc func(step int, g Geometry, r ForceResult) error

// Drive evaluates steps geometries taken from provider, passing each result to fn.
//
// It stops at the first error or when ctx is done.
func Drive(ctx context.Context, ev Evaluator, provider StructureProvider, steps int, fn StepFunc) error {
	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		g, err := provider.CurrentGeometry()
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}

		r, err := ev.Evaluate(ctx, g)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}

		if fn != nil {
			if err := fn(step, g, r); err != nil {
				return err
			}
		}
	}

	return nil
}
