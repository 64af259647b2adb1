// Package defs holds types and constants shared across kernel packages,
// kept deliberately small and dependency-free so every other package can
// import it without creating a cycle.
package defs

/// Err_t is a kernel error code. Zero means success; a negative value
/// names a failure the caller must check for. No exceptions, only sum
/// results.
type Err_t int

/// Error codes returned by kernel operations. Values are negative so a
/// bare comparison against zero distinguishes success from failure.
const (
	EINVAL       Err_t = -1  /// invalid argument
	ENOMEM       Err_t = -2  /// no free frames/objects
	EFAULT       Err_t = -3  /// address not mapped
	EAGAIN       Err_t = -4  /// operation would block
	ENOSPC       Err_t = -5  /// ring/queue has no room
	EEXIST       Err_t = -6  /// resource already present
	ECONNREFUSED Err_t = -7  /// no listener for inbound segment
	ENAMETOOLONG Err_t = -8  /// process name exceeds limit
	ENOHEAP      Err_t = -9  /// slab/page allocator exhausted
	EBADSTATE    Err_t = -10 /// operation invalid for current state
)

/// Tid_t identifies a thread.
type Tid_t uint

/// Pid_t identifies a process.
type Pid_t uint
