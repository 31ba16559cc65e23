package protocols

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

type LocalFileSystem struct {
	RootPath string
}

func (l *LocalFileSystem) Init() error {
	return os.MkdirAll(l.RootPath, 0755)
}

func (l *LocalFileSystem) Close() error {
	return nil
}

func (l *LocalFileSystem) full(path string) string {
	return filepath.Join(l.RootPath, filepath.FromSlash(path))
}

func (l *LocalFileSystem) List(path string) ([]FileEntry, error) {
	entries, err := os.ReadDir(l.full(path))
	if err != nil {
		return nil, err
	}

	files := make([]FileEntry, 0, len(entries))
	for _, entry := range entries {
		// Follow symlinks the way a plain stat does.
		info, err := os.Stat(filepath.Join(l.full(path), entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, localEntry(info, filepath.ToSlash(filepath.Join(path, entry.Name()))))
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (l *LocalFileSystem) Open(path string) (io.ReadCloser, error) {
	return os.Open(l.full(path))
}

func (l *LocalFileSystem) Create(path string, mode os.FileMode) (io.WriteCloser, error) {
	f, err := os.OpenFile(l.full(path), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return nil, err
	}
	// OpenFile keeps the mode of an existing file and applies the umask.
	if err := f.Chmod(mode); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func (l *LocalFileSystem) MkdirAll(path string, mode os.FileMode) error {
	return os.MkdirAll(l.full(path), mode)
}

func (l *LocalFileSystem) Stat(path string) (*FileEntry, error) {
	info, err := os.Stat(l.full(path))
	if err != nil {
		return nil, err
	}
	entry := localEntry(info, strings.TrimPrefix(filepath.ToSlash(path), "/"))
	return &entry, nil
}

func (l *LocalFileSystem) Chmod(path string, mode os.FileMode) error {
	return os.Chmod(l.full(path), mode)
}

func (l *LocalFileSystem) Chtimes(path string, atime, mtime time.Time) error {
	return os.Chtimes(l.full(path), atime, mtime)
}

func (l *LocalFileSystem) Rename(oldpath, newpath string) error {
	return os.Rename(l.full(oldpath), l.full(newpath))
}

func (l *LocalFileSystem) Remove(path string) error {
	return os.Remove(l.full(path))
}

func localEntry(info os.FileInfo, path string) FileEntry {
	return FileEntry{
		Name:       info.Name(),
		Size:       info.Size(),
		Mode:       info.Mode(),
		ModTime:    info.ModTime(),
		AccessTime: accessTime(info),
		IsDir:      info.IsDir(),
		Path:       path,
	}
}
