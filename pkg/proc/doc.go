// Package proc ties the pieces of symsnap together around a target: a
// live process fed by a debug event source, or a snapshot file.
//
// A Process owns the symbol catalog of the target, its memory and its
// threads. It walks thread stacks, naming frames with the catalog, and
// captures the state of the target into a new snapshot.
package proc
