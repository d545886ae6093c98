// Package arbor provides a hermetic supervision tree for goroutine-backed
// workers, with instance-scoped discovery of sibling workers.
//
// A supervisor owns an ordered set of children, restarts them according to a
// configurable strategy when they fail, and escalates to its own owner when
// restarts become too frequent.
//
// Every identifier in the tree is local to one supervisor instance. Multiple
// instances of the same tree structure can therefore run concurrently within
// a single process without any shared, colliding names. Drivers that manage
// several instances (for example, one tree per listening port) keep their own
// mapping from an opaque instance key to the tree; that key never appears in
// any child ID or registry name.
package arbor
