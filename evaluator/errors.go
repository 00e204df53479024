package evaluator

import "errors"

var (
	// ErrInvalidParameter indicates an evaluator configured with unusable parameters.
	ErrInvalidParameter = errors.New("evaluator: invalid parameter")

	// ErrOverlappingAtoms indicates two atoms at the same position.
	ErrOverlappingAtoms = errors.New("evaluator: overlapping atoms")
)
