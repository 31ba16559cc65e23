package protocols

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"time"

	"github.com/jlaffaye/ftp"
)

type FTPFileSystem struct {
	Host     string
	Port     int
	User     string
	Password string
	RootPath string
	conn     *ftp.ServerConn
}

func (f *FTPFileSystem) Init() error {
	port := f.Port
	if port == 0 {
		port = 21
	}
	addr := fmt.Sprintf("%s:%d", f.Host, port)
	c, err := ftp.Dial(addr, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return err
	}

	if err := c.Login(f.User, f.Password); err != nil {
		c.Quit()
		return err
	}
	f.conn = c
	return nil
}

func (f *FTPFileSystem) Close() error {
	if f.conn != nil {
		return f.conn.Quit()
	}
	return nil
}

func (f *FTPFileSystem) full(relPath string) string {
	return path.Join(f.RootPath, relPath)
}

func (f *FTPFileSystem) List(relPath string) ([]FileEntry, error) {
	entries, err := f.conn.List(f.full(relPath))
	if err != nil {
		return nil, err
	}

	var files []FileEntry
	for _, entry := range entries {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		files = append(files, ftpEntry(entry, path.Join(relPath, entry.Name)))
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (f *FTPFileSystem) Open(relPath string) (io.ReadCloser, error) {
	return f.conn.Retr(f.full(relPath))
}

// Create streams into a STOR running in the background. Close reports the
// outcome of the upload.
func (f *FTPFileSystem) Create(relPath string, _ os.FileMode) (io.WriteCloser, error) {
	r, w := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := f.conn.Stor(f.full(relPath), r)
		r.CloseWithError(err)
		done <- err
	}()
	return &ftpUpload{w: w, done: done}, nil
}

type ftpUpload struct {
	w    *io.PipeWriter
	done chan error
}

func (u *ftpUpload) Write(p []byte) (int, error) { return u.w.Write(p) }

func (u *ftpUpload) Close() error {
	u.w.Close()
	return <-u.done
}

// MkdirAll creates each missing component; FTP has no recursive MKD.
func (f *FTPFileSystem) MkdirAll(relPath string, _ os.FileMode) error {
	fullPath := f.full(relPath)
	dirs := []string{}
	curr := fullPath
	for curr != "." && curr != "/" && curr != "" {
		dirs = append(dirs, curr)
		curr = path.Dir(curr)
	}

	// Iterate in reverse (root to leaf). Existing directories make MKD fail,
	// so only the final listing decides.
	var lastErr error
	for i := len(dirs) - 1; i >= 0; i-- {
		lastErr = f.conn.MakeDir(dirs[i])
	}
	if _, err := f.conn.List(fullPath); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

func (f *FTPFileSystem) Stat(relPath string) (*FileEntry, error) {
	fullPath := f.full(relPath)
	if path.Clean(relPath) == "." {
		if _, err := f.conn.List(fullPath); err != nil {
			return nil, fmt.Errorf("%s: %w", relPath, fs.ErrNotExist)
		}
		return &FileEntry{Name: path.Base(fullPath), Mode: fs.ModeDir | 0755, IsDir: true, Path: "."}, nil
	}
	// FTP LIST is often the only way to get stat
	parent := path.Dir(fullPath)
	name := path.Base(fullPath)

	entries, err := f.conn.List(parent)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if entry.Name == name {
			e := ftpEntry(entry, relPath)
			return &e, nil
		}
	}
	return nil, fmt.Errorf("file not found: %s: %w", relPath, fs.ErrNotExist)
}

func (f *FTPFileSystem) Chmod(string, os.FileMode) error {
	return errors.ErrUnsupported
}

func (f *FTPFileSystem) Chtimes(string, time.Time, time.Time) error {
	return errors.ErrUnsupported
}

func (f *FTPFileSystem) Rename(oldpath, newpath string) error {
	target := f.full(newpath)
	if _, err := f.Stat(newpath); err == nil {
		if err := f.conn.Delete(target); err != nil {
			return err
		}
	}
	return f.conn.Rename(f.full(oldpath), target)
}

func (f *FTPFileSystem) Remove(relPath string) error {
	return f.conn.Delete(f.full(relPath))
}

func ftpEntry(entry *ftp.Entry, relPath string) FileEntry {
	mode := os.FileMode(0644)
	isDir := entry.Type == ftp.EntryTypeFolder
	if isDir {
		mode = fs.ModeDir | 0755
	}
	return FileEntry{
		Name:    entry.Name,
		Size:    int64(entry.Size),
		Mode:    mode,
		ModTime: entry.Time,
		IsDir:   isDir,
		Path:    relPath,
	}
}
