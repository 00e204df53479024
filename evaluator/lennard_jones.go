package evaluator

import (
	"context"
	"fmt"
	"math"

	"github.com/arloliu/go-ipi/ipi"
	"github.com/arloliu/go-ipi/wire"
)

// LennardJones evaluates the 12-6 Lennard-Jones pair potential
//
//	V(r) = 4 ε ((σ/r)^12 - (σ/r)^6)
//
// over all atom pairs. When the geometry carries an inverse cell, distances follow the
// minimum image convention of the periodic cell whose rows are the lattice vectors.
type LennardJones struct {
	// Epsilon is the depth of the potential well.
	Epsilon float64
	// Sigma is the distance at which the potential is zero.
	Sigma float64
	// Cutoff drops pairs farther apart than Cutoff. Zero keeps every pair.
	Cutoff float64
}

var _ ipi.Evaluator = (*LennardJones)(nil)

// Evaluate implements ipi.Evaluator.
func (lj *LennardJones) Evaluate(ctx context.Context, g ipi.Geometry) (ipi.ForceResult, error) {
	if lj.Sigma <= 0 || lj.Epsilon < 0 || lj.Cutoff < 0 {
		return ipi.ForceResult{}, fmt.Errorf("%w: epsilon=%g sigma=%g cutoff=%g", ErrInvalidParameter, lj.Epsilon, lj.Sigma, lj.Cutoff)
	}

	n := g.AtomCount()
	r := ipi.ForceResult{Forces: make([]float64, 3*n)}
	periodic := g.InvCell != [wire.MatrixLen]float64{}
	rc2 := lj.Cutoff * lj.Cutoff
	s2 := lj.Sigma * lj.Sigma

	for i := 0; i < n; i++ {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return ipi.ForceResult{}, err
			}
		}

		pi := g.Position(i)
		for j := i + 1; j < n; j++ {
			pj := g.Position(j)
			d := [3]float64{pi[0] - pj[0], pi[1] - pj[1], pi[2] - pj[2]}
			if periodic {
				d = minimumImage(&g, d)
			}

			r2 := d[0]*d[0] + d[1]*d[1] + d[2]*d[2]
			if r2 == 0 {
				return ipi.ForceResult{}, fmt.Errorf("%w: atoms %d and %d", ErrOverlappingAtoms, i, j)
			}

			if rc2 > 0 && r2 > rc2 {
				continue
			}

			sr6 := math.Pow(s2/r2, 3)
			sr12 := sr6 * sr6
			r.Energy += 4 * lj.Epsilon * (sr12 - sr6)

			// force on i is fscale * d, on j its opposite
			fscale := 24 * lj.Epsilon * (2*sr12 - sr6) / r2
			for a := 0; a < 3; a++ {
				f := fscale * d[a]
				r.Forces[3*i+a] += f
				r.Forces[3*j+a] -= f
				for b := 0; b < 3; b++ {
					r.Virial[3*a+b] += d[a] * fscale * d[b]
				}
			}
		}
	}

	return r, nil
}

// minimumImage folds the separation d into the nearest periodic image.
func minimumImage(g *ipi.Geometry, d [3]float64) [3]float64 {
	var frac [3]float64
	for k := 0; k < 3; k++ {
		frac[k] = d[0]*g.InvCell[k] + d[1]*g.InvCell[3+k] + d[2]*g.InvCell[6+k]
		frac[k] -= math.Round(frac[k])
	}

	var out [3]float64
	for a := 0; a < 3; a++ {
		out[a] = frac[0]*g.Cell[a] + frac[1]*g.Cell[3+a] + frac[2]*g.Cell[6+a]
	}

	return out
}
