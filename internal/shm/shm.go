// Package shm owns the SysV shared-memory segment that backs the coverage
// bitmap shared with the instrumented child (spec.md §3 "Bitmap lifecycle",
// §6 "Shared memory environment"). Modeled as a typed handle that owns
// both the kernel segment and the mapping and destroys both on Close
// (spec §9 "Shared-memory coupling with the child").
package shm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// EnvVar is the name of the environment variable used to pass the shared
// memory identifier to the child (spec §6 SHM_ENV_VAR).
const EnvVar = "__SSFUZZ_SHM_ID"

// Segment owns one SysV shared-memory segment mapped into this process.
type Segment struct {
	id   int
	size int
	data []byte
}

// Create allocates a new shared-memory segment of the given size and maps
// it into this process. The id is exported to the child via EnvVar.
func Create(size int) (*Segment, error) {
	id, _, errno := unix.Syscall(unix.SYS_SHMGET, uintptr(0 /* IPC_PRIVATE */), uintptr(size), uintptr(unix.IPC_CREAT|0o600))
	if errno != 0 {
		return nil, fmt.Errorf("shmget: %w", errno)
	}

	addr, _, errno := unix.Syscall(unix.SYS_SHMAT, id, 0, 0)
	if errno != 0 {
		// Best effort: remove the segment we just created before returning.
		unix.Syscall(unix.SYS_SHMCTL, id, uintptr(unix.IPC_RMID), 0)
		return nil, fmt.Errorf("shmat: %w", errno)
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return &Segment{id: int(id), size: size, data: data}, nil
}

// ID returns the SysV shared-memory identifier, suitable for EnvVar.
func (s *Segment) ID() int { return s.id }

// Bytes exposes the mapped region. The child's instrumentation writes hit
// counts directly into this memory; the parent only reads it after the
// fork-server reports exec completion (spec §5 "the parent never reads
// while a child is running").
func (s *Segment) Bytes() []byte { return s.data }

// Reset zeroes the segment before each execution.
func (s *Segment) Reset() {
	for i := range s.data {
		s.data[i] = 0
	}
}

// Close detaches the mapping and marks the kernel segment for removal.
// Safe to call once; idempotent beyond that only on a best-effort basis
// (matches the teacher's defer-heavy cleanup style rather than introducing
// a sync.Once, since Close always runs exactly once on every fuzzer exit
// path per spec §7).
func (s *Segment) Close() error {
	if s.data != nil {
		addr := uintptr(unsafe.Pointer(&s.data[0]))
		if _, _, errno := unix.Syscall(unix.SYS_SHMDT, addr, 0, 0); errno != 0 {
			return fmt.Errorf("shmdt: %w", errno)
		}
		s.data = nil
	}
	if _, _, errno := unix.Syscall(unix.SYS_SHMCTL, uintptr(s.id), uintptr(unix.IPC_RMID), 0); errno != 0 {
		return fmt.Errorf("shmctl(IPC_RMID): %w", errno)
	}
	return nil
}
