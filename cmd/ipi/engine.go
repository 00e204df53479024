package main

import (
	"fmt"

	"github.com/arloliu/go-ipi/evaluator"
	"github.com/arloliu/go-ipi/ipi"
)

// newEvaluator builds the engine served by "ipi serve".
func newEvaluator(c evaluatorConfig) (ipi.Evaluator, error) {
	var ev ipi.Evaluator

	switch c.Kind {
	case "lj", "lennard-jones":
		if c.Epsilon <= 0 || c.Sigma <= 0 || c.Cutoff < 0 {
			return nil, fmt.Errorf("%w: epsilon=%g sigma=%g cutoff=%g",
				evaluator.ErrInvalidParameter, c.Epsilon, c.Sigma, c.Cutoff)
		}
		ev = &evaluator.LennardJones{Epsilon: c.Epsilon, Sigma: c.Sigma, Cutoff: c.Cutoff}

	case "constant":
		ev = &evaluator.Constant{Energy: c.Energy}

	default:
		return nil, fmt.Errorf("unknown evaluator kind %q, want lj or constant", c.Kind)
	}

	if c.Delay > 0 {
		ev = &evaluator.Delayed{Evaluator: ev, Delay: c.Delay}
	}

	if c.Serialized {
		ev = evaluator.NewSerialized(ev)
	}

	return ev, nil
}
