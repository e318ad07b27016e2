// Package native reads the memory of live Windows processes.
//
// It only reads: threads are neither suspended nor modified, the caller
// is expected to stop the target through its own debug event loop before
// walking stacks or taking a snapshot.
package native
