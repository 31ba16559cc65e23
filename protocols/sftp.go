package protocols

import (
	"io"
	"os"
	"path"
	"sort"
	"time"

	"github.com/pkg/sftp"
)

type SFTPFileSystem struct {
	Host       string
	Port       int
	User       string
	Password   string
	KeyFile    string
	KnownHosts string
	RootPath   string
	client     *sftp.Client
	sshConn    *SSHClient
}

func (s *SFTPFileSystem) Init() error {
	conn := &SSHClient{
		Host:       s.Host,
		Port:       s.Port,
		User:       s.User,
		Password:   s.Password,
		KeyFile:    s.KeyFile,
		KnownHosts: s.KnownHosts,
	}
	if err := conn.Init(); err != nil {
		return err
	}
	s.sshConn = conn

	client, err := sftp.NewClient(conn.Client())
	if err != nil {
		conn.Close()
		return err
	}
	s.client = client
	return s.client.MkdirAll(s.full("."))
}

func (s *SFTPFileSystem) Close() error {
	var err error
	if s.client != nil {
		err = s.client.Close()
	}
	if s.sshConn != nil {
		if cerr := s.sshConn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *SFTPFileSystem) full(relPath string) string {
	return path.Join(s.RootPath, relPath)
}

func (s *SFTPFileSystem) List(relPath string) ([]FileEntry, error) {
	entries, err := s.client.ReadDir(s.full(relPath))
	if err != nil {
		return nil, err
	}

	files := make([]FileEntry, 0, len(entries))
	for _, entry := range entries {
		files = append(files, sftpEntry(entry, path.Join(relPath, entry.Name())))
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (s *SFTPFileSystem) Open(relPath string) (io.ReadCloser, error) {
	return s.client.Open(s.full(relPath))
}

func (s *SFTPFileSystem) Create(relPath string, mode os.FileMode) (io.WriteCloser, error) {
	f, err := s.client.OpenFile(s.full(relPath), os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, err
	}
	if err := f.Chmod(mode); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func (s *SFTPFileSystem) MkdirAll(relPath string, mode os.FileMode) error {
	fullPath := s.full(relPath)
	if err := s.client.MkdirAll(fullPath); err != nil {
		return err
	}
	return s.client.Chmod(fullPath, mode)
}

func (s *SFTPFileSystem) Stat(relPath string) (*FileEntry, error) {
	info, err := s.client.Stat(s.full(relPath))
	if err != nil {
		return nil, err
	}
	entry := sftpEntry(info, relPath)
	return &entry, nil
}

func (s *SFTPFileSystem) Chmod(relPath string, mode os.FileMode) error {
	return s.client.Chmod(s.full(relPath), mode)
}

func (s *SFTPFileSystem) Chtimes(relPath string, atime, mtime time.Time) error {
	return s.client.Chtimes(s.full(relPath), atime, mtime)
}

// Rename replaces newpath. Servers without posix-rename refuse an existing
// target, so it is removed first.
func (s *SFTPFileSystem) Rename(oldpath, newpath string) error {
	src, dst := s.full(oldpath), s.full(newpath)
	if err := s.client.PosixRename(src, dst); err == nil {
		return nil
	}
	if _, err := s.client.Lstat(dst); err == nil {
		if err := s.client.Remove(dst); err != nil {
			return err
		}
	}
	return s.client.Rename(src, dst)
}

func (s *SFTPFileSystem) Remove(relPath string) error {
	return s.client.Remove(s.full(relPath))
}

func sftpEntry(info os.FileInfo, relPath string) FileEntry {
	entry := FileEntry{
		Name:    info.Name(),
		Size:    info.Size(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
		Path:    relPath,
	}
	if st, ok := info.Sys().(*sftp.FileStat); ok && st.Atime != 0 {
		entry.AccessTime = time.Unix(int64(st.Atime), 0)
	}
	return entry
}
