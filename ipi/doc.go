// Package ipi implements the protocol layer of an i-PI style socket interface, in which a
// simulation driver holding an atomic structure asks a remote engine for energies, forces
// and the virial of that structure over a persistent connection.
//
// The package provides:
//   - Geometry and ForceResult, the payloads exchanged by the protocol.
//   - The Evaluator capability, implemented by whatever computes the physics.
//   - StateMachine, enforcing the legal command order for both roles.
//   - Session, one per connection, parameterized by Role. A DriverRole session exposes one
//     method per command (Status, Init, PosData, GetForce, GetStress, Echo, Abort); a
//     ServerRole session runs a sequential dispatch loop (Serve) that feeds decoded
//     geometries to an Evaluator and encodes its results back.
//
// Session States:
//
//	Disconnected --connect--> Connected
//	Connected    --INIT-->    Initialized
//	Initialized  --POSDATA--> HasPosition
//	HasPosition  --GETFORCE/GETSTRESS--> Initialized
//	any state    --ABORT-->   Aborted
//
// STATUS and ECHO are legal in every live state and never change it. A command issued in
// the wrong state fails with ErrOutOfOrder before anything is written to the transport.
//
// Error Handling:
//
// Failures propagate as errors wrapping the sentinels of this package and of package wire.
// Malformed data and transport failures are fatal: the session closes its transport, since
// the byte stream can no longer be trusted to be aligned on a frame boundary. Out-of-order
// commands, evaluation failures and atom-count mismatches leave the session usable, and so
// does a timeout unless it interrupts a frame or hits a transport without deadline support.
// A reply that arrives after its request timed out is consumed before the next request; a
// late FORCEREADY or STRESSREADY is returned by the next GetForce or GetStress call
// without another round trip.
//
// The transport itself is established elsewhere (see package ipisock); a Session only
// requires an io.ReadWriteCloser and takes exclusive ownership of it.
package ipi
