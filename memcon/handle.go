package memcon

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Handle is the opaque, transferable shared-memory reference spec.md §6.3
// leaves as an external collaborator interface ("the core never constructs
// these itself" in the original, except here the core IS the collaborator:
// this package is that interface's concrete instantiation for a Linux
// target). A Handle backed by memfd_create can be duplicated across a
// process boundary by sending its *os.File descriptor over a Unix domain
// socket's SCM_RIGHTS ancillary data (see transport/sidechan), which is the
// "transferable" half of the contract.
type Handle struct {
	file *os.File
	data []byte
	size int
}

// NewHandle creates a new anonymous, memfd-backed shared-memory region of
// size bytes, mapped read-write into the current process. name is used only
// for diagnostics (it shows up in /proc/self/fd listings).
func NewHandle(name string, size int) (*Handle, error) {
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return nil, fmt.Errorf("memcon: memfd_create: %w", err)
	}
	file := os.NewFile(uintptr(fd), name)

	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		return nil, fmt.Errorf("memcon: truncate backing file: %w", err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("memcon: mmap: %w", err)
	}

	return &Handle{file: file, data: data, size: size}, nil
}

// OpenHandle maps an existing memfd (received from a peer, typically via
// SCM_RIGHTS) read-only, per spec.md §4.6.1's "client-mapped read-only"
// requirement for slot and server-queue memory.
func OpenHandle(file *os.File, size int) (*Handle, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("memcon: mmap (read-only): %w", err)
	}
	return &Handle{file: file, data: data, size: size}, nil
}

// NewNamedHandle creates size bytes of shared memory backed by a regular
// file at path (conventionally under /dev/shm), mapped read-write. Unlike
// NewHandle's anonymous memfd, a named handle is transferable across
// processes as a plain path string rather than needing SCM_RIGHTS
// ancillary data, which is the transfer mechanism spec.md §6.3 expects
// when the side channel is loopback TCP rather than a Unix socket (see
// transport/sidechan/tcploop).
func NewNamedHandle(path string, size int) (*Handle, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("memcon: creating named shared memory %s: %w", path, err)
	}
	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		return nil, fmt.Errorf("memcon: truncate backing file: %w", err)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("memcon: mmap: %w", err)
	}
	return &Handle{file: file, data: data, size: size}, nil
}

// OpenNamedHandle maps an existing named shared-memory file read-only,
// the client-side counterpart to NewNamedHandle.
func OpenNamedHandle(path string, size int) (*Handle, error) {
	file, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("memcon: opening named shared memory %s: %w", path, err)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("memcon: mmap (read-only): %w", err)
	}
	return &Handle{file: file, data: data, size: size}, nil
}

// openNamedHandleRW maps an existing named shared-memory file
// read-write: used for the queue-memory region, which both peers must
// write their own cursor into (see Server.Connect's region-collapsing
// note).
func openNamedHandleRW(path string, size int) (*Handle, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("memcon: opening named shared memory %s: %w", path, err)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("memcon: mmap: %w", err)
	}
	return &Handle{file: file, data: data, size: size}, nil
}

// Bytes returns the mapped region.
func (h *Handle) Bytes() []byte { return h.data }

// Size returns the mapped region's length in bytes.
func (h *Handle) Size() int { return h.size }

// File returns the underlying descriptor, for transfer to a peer process
// over a Unix domain socket's ancillary data.
func (h *Handle) File() *os.File { return h.file }

// Close unmaps the region and closes the backing descriptor.
func (h *Handle) Close() error {
	if err := unix.Munmap(h.data); err != nil {
		return err
	}
	return h.file.Close()
}
