package scp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"remotecopy/protocols"
)

// writeFile creates dir/name with content, mode and both times set to mtime.
func writeFile(t *testing.T, dir, name, content string, mode os.FileMode, mtime time.Time) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(p, mode); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func setDir(t *testing.T, dir, name string, mode os.FileMode, mtime time.Time) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.Chmod(p, mode); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

// noReads fails the test if the sender consumes acknowledgements.
type noReads struct{ t *testing.T }

func (n noReads) Read([]byte) (int, error) {
	n.t.Error("unexpected read")
	return 0, io.EOF
}

func TestSenderDirectoryStream(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sub/a.txt", "hello", 0644, time.Unix(1700000000, 0))
	setDir(t, dir, "sub", 0755, time.Unix(1690000000, 0))

	var out bytes.Buffer
	obs := &recorder{}
	acks := strings.Repeat("\x00", 7)
	s := NewSender(&protocols.LocalFileSystem{RootPath: dir}, strings.NewReader(acks), &out, Options{Recursive: true, Observer: obs})
	if err := s.Send(context.Background(), "sub"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := "T1690000000 0 1690000000 0\n" +
		"D0755 0 sub\n" +
		"T1700000000 0 1700000000 0\n" +
		"C0644 5 a.txt\n" +
		"hello\x00" +
		"E\n"
	if got := out.String(); got != want {
		t.Errorf("stream =\n%q\nwant\n%q", got, want)
	}
	wantEvents := []string{"dir sub", "start sub/a.txt 5", "done sub/a.txt", "done sub"}
	if got := obs.lifecycle(); strings.Join(got, ",") != strings.Join(wantEvents, ",") {
		t.Errorf("events = %q, want %q", got, wantEvents)
	}
}

func TestSenderNeedsEveryAck(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sub/a.txt", "hello", 0644, time.Unix(1700000000, 0))

	// One acknowledgement short: the final E is never confirmed.
	acks := strings.Repeat("\x00", 6)
	s := NewSender(&protocols.LocalFileSystem{RootPath: dir}, strings.NewReader(acks), io.Discard, Options{Recursive: true})
	err := s.Send(context.Background(), "sub")
	if !errors.Is(err, ErrTransport) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("Send = %v, want transport error on early close", err)
	}
}

func TestSenderSkipTimes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hi", 0600, time.Unix(1700000000, 0))

	var out bytes.Buffer
	s := NewSender(&protocols.LocalFileSystem{RootPath: dir}, strings.NewReader("\x00\x00\x00"), &out, Options{SkipTimes: true})
	if err := s.Send(context.Background(), "a.txt"); err != nil {
		t.Fatal(err)
	}
	if got, want := out.String(), "C0600 2 a.txt\nhi\x00"; got != want {
		t.Errorf("stream = %q, want %q", got, want)
	}
}

func TestSenderSeveralEntriesOneSession(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a", "1", 0644, time.Unix(1700000000, 0))
	writeFile(t, dir, "b", "2", 0644, time.Unix(1700000000, 0))

	var out bytes.Buffer
	// priming, then C and body for each file
	s := NewSender(&protocols.LocalFileSystem{RootPath: dir}, strings.NewReader("\x00\x00\x00\x00\x00"), &out, Options{SkipTimes: true})
	for _, name := range []string{"a", "b"} {
		if err := s.Send(context.Background(), name); err != nil {
			t.Fatalf("Send(%s): %v", name, err)
		}
	}
	if got, want := out.String(), "C0644 1 a\n1\x00C0644 1 b\n2\x00"; got != want {
		t.Errorf("stream = %q, want %q", got, want)
	}
}

func TestSenderPeerError(t *testing.T) {
	var out bytes.Buffer
	s := NewSender(nil, strings.NewReader("\x00\x02scp: disk full\n"), &out, Options{})
	err := s.SendBytes(context.Background(), "x", 0644, []byte("abc"))
	if !errors.Is(err, ErrPeerReported) {
		t.Fatalf("SendBytes = %v, want peer error", err)
	}
	var pe *PeerError
	if !errors.As(err, &pe) || pe.Code != 2 || pe.Message != "scp: disk full" {
		t.Errorf("PeerError = %+v", pe)
	}
	// Nothing follows the rejected header.
	if got := out.String(); got != "C0644 3 x\n" {
		t.Errorf("stream = %q", got)
	}
}

func TestSenderUnknownAckCode(t *testing.T) {
	s := NewSender(nil, strings.NewReader("ok\n"), io.Discard, Options{})
	err := s.SendBytes(context.Background(), "x", 0644, nil)
	var pe *PeerError
	if !errors.As(err, &pe) || pe.Code != 'o' || pe.Message != "ok" {
		t.Fatalf("SendBytes = %v, want peer error carrying the raw line", err)
	}
}

func TestSenderNoPrimingAck(t *testing.T) {
	var out bytes.Buffer
	s := NewSender(nil, strings.NewReader(""), &out, Options{})
	err := s.SendBytes(context.Background(), "x", 0644, []byte("abc"))
	if !errors.Is(err, ErrTransport) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("SendBytes = %v, want transport error", err)
	}
	if out.Len() != 0 {
		t.Errorf("stream = %q, want nothing written", out.String())
	}
}

func TestSenderDirectoryWithoutRecursive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sub/a.txt", "hello", 0644, time.Unix(1700000000, 0))

	var out bytes.Buffer
	s := NewSender(&protocols.LocalFileSystem{RootPath: dir}, noReads{t}, &out, Options{})
	err := s.Send(context.Background(), "sub")
	if !errors.Is(err, ErrLocalIO) {
		t.Fatalf("Send = %v, want local i/o error", err)
	}
	if out.Len() != 0 {
		t.Errorf("stream = %q, want nothing written", out.String())
	}
}

func TestSenderMissingSource(t *testing.T) {
	s := NewSender(&protocols.LocalFileSystem{RootPath: t.TempDir()}, noReads{t}, io.Discard, Options{})
	err := s.Send(context.Background(), "nope")
	if !errors.Is(err, ErrLocalIO) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Send = %v, want missing file error", err)
	}
}

func TestSenderRejectsBadName(t *testing.T) {
	s := NewSender(nil, noReads{t}, io.Discard, Options{})
	for _, name := range []string{"", "..", "a/b"} {
		if err := s.SendBytes(context.Background(), name, 0644, nil); !errors.Is(err, ErrPathViolation) {
			t.Errorf("SendBytes(%q) = %v, want path violation", name, err)
		}
	}
}

// shrinkingFS serves every file with its last byte missing.
type shrinkingFS struct {
	*protocols.LocalFileSystem
}

func (s shrinkingFS) Open(p string) (io.ReadCloser, error) {
	f, err := s.LocalFileSystem.Open(p)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data[:len(data)-1])), nil
}

func TestSenderFileShrank(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello", 0644, time.Unix(1700000000, 0))

	s := NewSender(shrinkingFS{&protocols.LocalFileSystem{RootPath: dir}}, strings.NewReader("\x00\x00\x00"), io.Discard, Options{})
	err := s.Send(context.Background(), "a.txt")
	if !errors.Is(err, ErrLocalIO) || !strings.Contains(err.Error(), "shrank") {
		t.Fatalf("Send = %v, want shrink error", err)
	}
}

func TestSenderCancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello", 0644, time.Unix(1700000000, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	s := NewSender(&protocols.LocalFileSystem{RootPath: dir}, strings.NewReader("\x00"), &out, Options{})
	err := s.Send(ctx, "a.txt")
	if !errors.Is(err, ErrTransport) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Send = %v, want cancellation", err)
	}
	if out.Len() != 0 {
		t.Errorf("stream = %q, want nothing written", out.String())
	}
}

func TestSenderLargeBody(t *testing.T) {
	dir := t.TempDir()
	body := strings.Repeat("0123456789abcdef", 5000) // spans several buffers
	writeFile(t, dir, "big", body, 0644, time.Unix(1700000000, 0))

	var out bytes.Buffer
	obs := &recorder{}
	s := NewSender(&protocols.LocalFileSystem{RootPath: dir}, strings.NewReader("\x00\x00\x00"), &out, Options{SkipTimes: true, Observer: obs})
	if err := s.Send(context.Background(), "big"); err != nil {
		t.Fatal(err)
	}
	want := "C0644 80000 big\n" + body + "\x00"
	if out.String() != want {
		t.Errorf("stream length = %d, want %d", out.Len(), len(want))
	}
	if got := obs.lastProgress(); got != "progress big 80000" {
		t.Errorf("last progress = %q", got)
	}
}
