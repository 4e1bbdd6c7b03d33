// Package blockio is the raw file plumbing for the rescue tools: a
// read-only mapping of a whole file, and an unbuffered output file with
// write-everything semantics.
package blockio

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

// Mapping is a read-only shared mapping of an entire file. The byte
// span returned by Data stays valid until Close.
type Mapping struct {
	name string
	data []byte
}

// MapFile opens name read-only and maps its whole content.
func MapFile(name string) (*Mapping, error) {
	fd, err := unix.Open(name, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", name, err)
	}
	m, err := mapFd(name, fd)
	if cerr := unix.Close(fd); cerr != nil && err == nil {
		err = fmt.Errorf("%s: close: %w", name, cerr)
	}
	if err != nil {
		if m != nil {
			m.Close()
		}
		return nil, err
	}
	return m, nil
}

func mapFd(name string, fd int) (*Mapping, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("%s: fstat: %w", name, err)
	}
	if st.Size < 0 || uint64(st.Size) > uint64(math.MaxInt) {
		return nil, fmt.Errorf("%s: too big to mmap", name)
	}
	if st.Size == 0 {
		// mmap rejects zero-length mappings
		return &Mapping{name: name}, nil
	}
	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%s: mmap: %w", name, err)
	}
	return &Mapping{name: name, data: data}, nil
}

// Data returns the mapped file content.
func (m *Mapping) Data() []byte { return m.data }

// Close releases the mapping. The data span must not be used afterwards.
func (m *Mapping) Close() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("%s: munmap: %w", m.name, err)
	}
	return nil
}

// OutFile is an unbuffered output file. Write hands every byte to the
// kernel before returning, retrying interrupted syscalls, so a short
// result never goes unnoticed. It implements io.Writer and io.Closer.
type OutFile struct {
	name     string
	fd       int
	keepOpen bool
}

// Create opens name for writing, creating or truncating it.
func Create(name string) (*OutFile, error) {
	return OpenFile(name, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC)
}

// OpenFile opens name with the given flags for unbuffered writing.
// O_CLOEXEC and O_NOCTTY are added unconditionally.
func OpenFile(name string, flags int) (*OutFile, error) {
	fd, err := unix.Open(name, flags|unix.O_CLOEXEC|unix.O_NOCTTY, 0666)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", name, err)
	}
	return &OutFile{name: name, fd: fd}, nil
}

// Stdout wraps the process's standard output. Close leaves the
// descriptor open.
func Stdout() *OutFile {
	return &OutFile{name: "(stdout)", fd: 1, keepOpen: true}
}

// Name returns the path the file was opened with.
func (f *OutFile) Name() string { return f.name }

// Fd returns the underlying descriptor.
func (f *OutFile) Fd() int { return f.fd }

func (f *OutFile) Write(p []byte) (int, error) {
	for rest := p; len(rest) > 0; {
		n, err := unix.Write(f.fd, rest)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return len(p) - len(rest), fmt.Errorf("%s: write: %w", f.name, err)
		}
		rest = rest[n:]
	}
	return len(p), nil
}

// Close closes the descriptor and reports the close result; deferred
// writeback failures surface here.
func (f *OutFile) Close() error {
	if f.fd < 0 || f.keepOpen {
		return nil
	}
	fd := f.fd
	f.fd = -1
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("%s: close: %w", f.name, err)
	}
	return nil
}
