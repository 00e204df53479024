package ipi

import (
	"fmt"
	"math"

	"github.com/arloliu/go-ipi/wire"
)

// Geometry is an atomic structure as sent by POSDATA.
//
// Cell holds the three lattice vectors as the rows of a row-major 3x3 matrix, InvCell holds its
// inverse. Positions is flattened as x0, y0, z0, x1, y1, z1, ... in atomic units.
type Geometry struct {
	Cell      [wire.MatrixLen]float64
	InvCell   [wire.MatrixLen]float64
	Positions []float64
}

// NewGeometry creates a geometry from a cell and a list of atom positions, computing the inverse cell.
func NewGeometry(cell [wire.MatrixLen]float64, positions ...[3]float64) (Geometry, error) {
	inv, err := InvertCell(cell)
	if err != nil {
		return Geometry{}, err
	}

	g := Geometry{Cell: cell, InvCell: inv, Positions: make([]float64, 0, 3*len(positions))}
	for _, p := range positions {
		g.Positions = append(g.Positions, p[0], p[1], p[2])
	}

	return g, nil
}

// AtomCount returns the number of atoms described by the geometry.
func (g *Geometry) AtomCount() int {
	return len(g.Positions) / 3
}

// Position returns the coordinates of the i-th atom.
func (g *Geometry) Position(i int) [3]float64 {
	return [3]float64{g.Positions[3*i], g.Positions[3*i+1], g.Positions[3*i+2]}
}

// Validate checks that the positions describe whole atoms and that the atom count fits maxAtoms.
func (g *Geometry) Validate(maxAtoms uint32) error {
	if len(g.Positions)%3 != 0 {
		return fmt.Errorf("%w: %d position values is not a multiple of 3", ErrInvalidGeometry, len(g.Positions))
	}

	if n := g.AtomCount(); uint64(n) > uint64(maxAtoms) {
		return fmt.Errorf("%w: %d atoms exceeds limit %d", ErrInvalidGeometry, n, maxAtoms)
	}

	return nil
}

// Clone returns a deep copy of the geometry.
func (g *Geometry) Clone() Geometry {
	c := *g
	c.Positions = append([]float64(nil), g.Positions...)

	return c
}

// appendWire encodes the POSDATA payload: cell, inverse cell, atom count and positions.
func (g *Geometry) appendWire(dst []byte) []byte {
	dst = wire.AppendFloat64s(dst, g.Cell[:])
	dst = wire.AppendFloat64s(dst, g.InvCell[:])
	dst = wire.AppendUint32(dst, uint32(g.AtomCount())) //nolint:gosec // bounded by Validate
	dst = wire.AppendFloat64s(dst, g.Positions)

	return dst
}

// wireSize returns the encoded size of the POSDATA payload.
func (g *Geometry) wireSize() int {
	return 2*wire.MatrixLen*wire.Float64Size + wire.Uint32Size + len(g.Positions)*wire.Float64Size
}

// ForceResult is the outcome of one evaluation.
//
// Forces is flattened like Geometry.Positions and holds the negative energy gradient.
// Virial is a row-major 3x3 matrix.
type ForceResult struct {
	Energy float64
	Forces []float64
	Virial [wire.MatrixLen]float64
}

// AtomCount returns the number of atoms the forces are given for.
func (r *ForceResult) AtomCount() int {
	return len(r.Forces) / 3
}

// Force returns the force acting on the i-th atom.
func (r *ForceResult) Force(i int) [3]float64 {
	return [3]float64{r.Forces[3*i], r.Forces[3*i+1], r.Forces[3*i+2]}
}

// checkFor verifies that the result matches a geometry of n atoms.
func (r *ForceResult) checkFor(n int) error {
	if len(r.Forces) != 3*n {
		return fmt.Errorf("%w: %d force values for %d atoms", ErrProtocolMismatch, len(r.Forces), n)
	}

	return nil
}

// appendWire encodes the FORCEREADY payload: energy, atom count, forces and virial.
func (r *ForceResult) appendWire(dst []byte) []byte {
	dst = wire.AppendFloat64(dst, r.Energy)
	dst = wire.AppendUint32(dst, uint32(r.AtomCount())) //nolint:gosec // bounded by the geometry
	dst = wire.AppendFloat64s(dst, r.Forces)
	dst = wire.AppendFloat64s(dst, r.Virial[:])

	return dst
}

// InvertCell returns the inverse of a row-major 3x3 cell matrix.
func InvertCell(m [wire.MatrixLen]float64) ([wire.MatrixLen]float64, error) {
	var inv [wire.MatrixLen]float64

	det := m[0]*(m[4]*m[8]-m[5]*m[7]) -
		m[1]*(m[3]*m[8]-m[5]*m[6]) +
		m[2]*(m[3]*m[7]-m[4]*m[6])
	if det == 0 || math.IsNaN(det) || math.IsInf(det, 0) {
		return inv, fmt.Errorf("%w: singular cell matrix", ErrInvalidGeometry)
	}

	inv[0] = (m[4]*m[8] - m[5]*m[7]) / det
	inv[1] = (m[2]*m[7] - m[1]*m[8]) / det
	inv[2] = (m[1]*m[5] - m[2]*m[4]) / det
	inv[3] = (m[5]*m[6] - m[3]*m[8]) / det
	inv[4] = (m[0]*m[8] - m[2]*m[6]) / det
	inv[5] = (m[2]*m[3] - m[0]*m[5]) / det
	inv[6] = (m[3]*m[7] - m[4]*m[6]) / det
	inv[7] = (m[1]*m[6] - m[0]*m[7]) / det
	inv[8] = (m[0]*m[4] - m[1]*m[3]) / det

	return inv, nil
}

// CubicCell returns the cell matrix of a cube with edge length a.
func CubicCell(a float64) [wire.MatrixLen]float64 {
	return [wire.MatrixLen]float64{a, 0, 0, 0, a, 0, 0, 0, a}
}
