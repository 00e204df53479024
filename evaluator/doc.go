// Package evaluator provides reference implementations of ipi.Evaluator.
//
// They serve as stand-ins for a real electronic-structure engine: Constant for protocol
// testing, LennardJones as a cheap physical model with periodic boundary conditions, and
// the Delayed and Serialized wrappers to shape the timing and concurrency of another evaluator.
package evaluator
