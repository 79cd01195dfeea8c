// Package transport defines the message-passing primitives the ADWS
// scheduler is built on: point-to-point send/receive, one-sided atomic
// access to remote memory windows, and collective barriers. Per the
// specification this subsystem is a deliberately external collaborator —
// this package only fixes the contract; a production deployment would
// back it with MPI, a gRPC mesh, or (as here, for tests and the demo
// CLI) an in-process implementation.
package transport

import "context"

// Window names a remotely-addressable memory region registered with the
// transport. Every rank registers its own windows; a Window value is
// meaningful only relative to the rank that owns it.
type Window string

// Transport is the set of primitives the scheduler, distribution tree,
// mailboxes, and remotable allocator are built on. Implementations must
// be safe for concurrent use by multiple goroutines within a rank.
type Transport interface {
	// MyRank and NRanks describe this transport's position in the cluster.
	MyRank() int
	NRanks() int

	// Send delivers a byte payload to rank's inbox for the given tag;
	// Recv blocks until a payload with that tag has been delivered to
	// this rank's inbox, or ctx is done.
	Send(ctx context.Context, rank int, tag string, payload []byte) error
	Recv(ctx context.Context, tag string) ([]byte, error)
	TryRecv(tag string) ([]byte, bool)

	// RegisterWindow creates a remotely-accessible memory window of size
	// bytes on the local rank, identified by name.
	RegisterWindow(name Window, size int) error

	// Get copies size bytes starting at offset in rank's window into
	// dst. Put copies size bytes from src into rank's window at offset.
	Get(ctx context.Context, rank int, win Window, offset int, dst []byte) error
	Put(ctx context.Context, rank int, win Window, offset int, src []byte) error

	// FetchAddInt64 atomically adds delta to the int64 at offset in
	// rank's window and returns the pre-update value.
	FetchAddInt64(ctx context.Context, rank int, win Window, offset int, delta int64) (int64, error)
	// CASInt64 atomically compares-and-swaps the int64 at offset in
	// rank's window, returning the pre-CAS value (as the remote flag
	// CAS in the distribution tree requires).
	CASInt64(ctx context.Context, rank int, win Window, offset int, old, new int64) (int64, error)
	// GetInt64 atomically reads the int64 at offset in rank's window.
	GetInt64(ctx context.Context, rank int, win Window, offset int) (int64, error)
	// PutInt64 atomically writes the int64 at offset in rank's window.
	PutInt64(ctx context.Context, rank int, win Window, offset int, value int64) error

	// Barrier blocks until every rank has called Barrier.
	Barrier(ctx context.Context) error
	// BarrierAsync starts a non-blocking barrier and returns a handle
	// that can be polled with Test.
	BarrierAsync(ctx context.Context) (BarrierHandle, error)
}

// BarrierHandle is a handle to an in-flight non-blocking barrier.
type BarrierHandle interface {
	// Test reports whether the barrier has completed on every rank.
	// It never blocks.
	Test() bool
}
