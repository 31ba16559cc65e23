package protocols

import (
	"context"
	"io"
	"os"
	"time"
)

type FileEntry struct {
	Name       string
	Size       int64
	Mode       os.FileMode
	ModTime    time.Time
	AccessTime time.Time
	IsDir      bool
	Path       string // 相对路径
}

// IsRegular reports whether the entry is a plain file.
func (e *FileEntry) IsRegular() bool { return !e.IsDir && e.Mode.Type() == 0 }

// FileSystem is one end of a transfer tree. Paths are slash-separated and
// relative to the filesystem's root.
type FileSystem interface {
	Init() error
	Close() error
	// List returns a list of files in the specified directory (non-recursive),
	// sorted by name.
	List(path string) ([]FileEntry, error)
	Open(path string) (io.ReadCloser, error)
	// Create opens path for writing, truncating it, with the given permissions.
	Create(path string, mode os.FileMode) (io.WriteCloser, error)
	MkdirAll(path string, mode os.FileMode) error
	Stat(path string) (*FileEntry, error)
	// Chmod and Chtimes return errors.ErrUnsupported when the backend cannot
	// carry modes or times.
	Chmod(path string, mode os.FileMode) error
	Chtimes(path string, atime, mtime time.Time) error
	// Rename replaces newpath if it exists.
	Rename(oldpath, newpath string) error
	Remove(path string) error
}

// Channel is a running remote command.
type Channel interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the remote command exits and returns its status.
	Wait() error
	Close() error
}

// Transport starts remote commands over an established connection.
type Transport interface {
	Exec(ctx context.Context, command string) (Channel, error)
}
