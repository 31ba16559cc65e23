package scp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"remotecopy/protocols"
)

// recorder keeps a flat log of observer events.
type recorder struct {
	mu     sync.Mutex
	events []string
	errs   []error
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) TransferStart(i Item)        { r.add("start %s %d", i.Path, i.Size) }
func (r *recorder) Progress(i Item, done int64) { r.add("progress %s %d", i.Path, done) }
func (r *recorder) ItemComplete(i Item)         { r.add("done %s", i.Path) }
func (r *recorder) DirectoryEnter(i Item)       { r.add("dir %s", i.Path) }
func (r *recorder) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// lifecycle returns the events without progress updates.
func (r *recorder) lifecycle() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if !strings.HasPrefix(e, "progress ") {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) lastProgress() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if strings.HasPrefix(r.events[i], "progress ") {
			return r.events[i]
		}
	}
	return ""
}

type sinkFixture struct {
	dir  string
	acks bytes.Buffer
	obs  *recorder
	recv *Receiver
}

func newSink(t *testing.T, root string, opts Options) *sinkFixture {
	t.Helper()
	f := &sinkFixture{dir: t.TempDir(), obs: &recorder{}}
	opts.Observer = f.obs
	f.recv = NewReceiver(&protocols.LocalFileSystem{RootPath: f.dir}, root, &f.acks, opts)
	return f
}

// run starts the receiver and feeds input in chunks of the given size
// (0 means all at once), then signals end of input.
func (f *sinkFixture) run(t *testing.T, input string, chunk int) error {
	t.Helper()
	if err := f.recv.Start(); err != nil {
		return err
	}
	p := []byte(input)
	for len(p) > 0 {
		n := chunk
		if n <= 0 || n > len(p) {
			n = len(p)
		}
		if _, err := f.recv.Write(p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return f.recv.Close()
}

func (f *sinkFixture) path(elem ...string) string {
	return filepath.Join(append([]string{f.dir}, elem...)...)
}

func assertFile(t *testing.T, path, content string, perm os.FileMode) os.FileInfo {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if string(data) != content {
		t.Errorf("%s = %q, want %q", path, data, content)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if info.Mode().Perm() != perm {
		t.Errorf("%s mode = %v, want %v", path, info.Mode().Perm(), perm)
	}
	return info
}

func assertMissing(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Lstat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("%s exists (err=%v), want missing", path, err)
	}
}

func TestReceiverDirectoryScenario(t *testing.T) {
	const input = "D0755 0 sub\nT1700000000 0 1700000000 0\nC0644 5 a.txt\nhello\x00E\n"

	for _, chunk := range []int{0, 1, 2, 3, 5, 7, 13} {
		t.Run(fmt.Sprintf("chunk=%d", chunk), func(t *testing.T) {
			f := newSink(t, "dest", Options{Recursive: true})
			if err := f.run(t, input, chunk); err != nil {
				t.Fatalf("run: %v", err)
			}

			dir, err := os.Stat(f.path("dest", "sub"))
			if err != nil {
				t.Fatalf("stat sub: %v", err)
			}
			if !dir.IsDir() || dir.Mode().Perm() != 0755 {
				t.Errorf("sub mode = %v, want directory 0755", dir.Mode())
			}
			info := assertFile(t, f.path("dest", "sub", "a.txt"), "hello", 0644)
			if !info.ModTime().Equal(time.Unix(1700000000, 0)) {
				t.Errorf("a.txt mtime = %v, want %v", info.ModTime(), time.Unix(1700000000, 0))
			}
			assertMissing(t, f.path("dest", "sub", "a.txt"+partialSuffix))

			// priming, D, T, C header, C body, E
			if got := f.acks.String(); got != strings.Repeat("\x00", 6) {
				t.Errorf("acks = %q, want six zero bytes", got)
			}
			want := []string{"dir sub", "start sub/a.txt 5", "done sub/a.txt", "done sub"}
			if got := f.obs.lifecycle(); fmt.Sprint(got) != fmt.Sprint(want) {
				t.Errorf("events = %q, want %q", got, want)
			}
			if got := f.obs.lastProgress(); got != "progress sub/a.txt 5" {
				t.Errorf("last progress = %q", got)
			}
			if f.recv.state != stateTerminated {
				t.Errorf("state = %s, want terminated", f.recv.state)
			}
		})
	}
}

func TestReceiverRejectsTraversal(t *testing.T) {
	inputs := []string{
		"C0644 3 ../evil\nabc\x00",
		"C0644 3 ..\nabc\x00",
		"C0644 3 .\nabc\x00",
		"C0644 3 /evil\nabc\x00",
		"D0755 0 ..\nC0644 3 evil\nabc\x00E\n",
		"D0755 0 sub\nC0644 3 ../../evil\nabc\x00E\n",
	}
	for _, recursive := range []bool{true, false} {
		for _, input := range inputs {
			f := newSink(t, "dest", Options{Recursive: recursive})
			if err := os.MkdirAll(f.path("dest"), 0755); err != nil {
				t.Fatal(err)
			}
			err := f.run(t, input, 0)
			if recursive || !strings.HasPrefix(input, "D") {
				if !errors.Is(err, ErrPathViolation) {
					t.Errorf("recursive=%v %q: err = %v, want path violation", recursive, input, err)
				}
			} else if !errors.Is(err, ErrProtocol) {
				t.Errorf("recursive=%v %q: err = %v, want protocol error", recursive, input, err)
			}
			assertMissing(t, f.path("evil"))
			assertMissing(t, f.path("evil"+partialSuffix))
			assertMissing(t, filepath.Join(filepath.Dir(f.dir), "evil"))
			entries, _ := os.ReadDir(f.path("dest"))
			for _, e := range entries {
				if e.Name() != "sub" {
					t.Errorf("recursive=%v %q: unexpected entry %s", recursive, input, e.Name())
				}
			}
		}
	}
}

func TestReceiverTraversalNeverAcknowledged(t *testing.T) {
	f := newSink(t, ".", Options{Recursive: true})
	err := f.run(t, "C0644 3 ../evil\n", 0)
	if !errors.Is(err, ErrPathViolation) {
		t.Fatalf("err = %v, want path violation", err)
	}
	if got := f.acks.String(); got != "\x00" {
		t.Errorf("acks = %q, want only the priming ack", got)
	}
}

func TestReceiverRejectsDotAtRoot(t *testing.T) {
	for _, input := range []string{"D0000 0 .\nE\n", "C0644 3 .\nabc\x00"} {
		f := newSink(t, ".", Options{Recursive: true})
		before, err := os.Stat(f.dir)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.run(t, input, 0); !errors.Is(err, ErrPathViolation) {
			t.Errorf("%q: err = %v, want path violation", input, err)
		}
		if got := f.acks.String(); got != "\x00" {
			t.Errorf("%q: acks = %q, want only the priming ack", input, got)
		}
		entries, _ := os.ReadDir(f.dir)
		if len(entries) != 0 {
			t.Errorf("%q: root has entries %v", input, entries)
		}
		after, err := os.Stat(f.dir)
		if err != nil {
			t.Fatal(err)
		}
		if after.Mode() != before.Mode() {
			t.Errorf("%q: root mode changed to %v", input, after.Mode())
		}
	}
}

func TestReceiverProtocolErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		kind  error
	}{
		{"end with empty stack", "E\n", ErrProtocol},
		{"unbalanced end", "D0755 0 sub\nE\nE\n", ErrProtocol},
		{"bad status byte", "C0644 5 a.txt\nhello\x01", ErrProtocol},
		{"garbage line", "hello world\n", ErrProtocol},
		{"time out of range", "T1 1000000 1 0\n", ErrProtocol},
		{"eof in body", "C0644 5 a.txt\nhel", ErrTransport},
		{"eof before status", "C0644 5 a.txt\nhello", ErrTransport},
		{"eof in directory", "D0755 0 sub\n", ErrTransport},
		{"eof in line", "C0644 5 a", ErrTransport},
		{"peer warning", "\x01scp: /nope: No such file or directory\n", ErrPeerReported},
		{"peer fatal", "\x02fatal\n", ErrPeerReported},
		{"oversized line", strings.Repeat("x", maxLineLength+1), ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSink(t, ".", Options{Recursive: true})
			err := f.run(t, tt.input, 0)
			if !errors.Is(err, tt.kind) {
				t.Fatalf("err = %v, want kind %v", err, tt.kind)
			}
			if tt.kind == ErrTransport && !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Errorf("err = %v, want unexpected EOF", err)
			}
			// The receiver stays failed.
			if _, werr := f.recv.Write([]byte("E\n")); werr != err {
				t.Errorf("Write after failure = %v, want %v", werr, err)
			}
		})
	}
}

func TestReceiverPeerErrorMessage(t *testing.T) {
	f := newSink(t, ".", Options{})
	err := f.run(t, "\x01scp: /nope: No such file or directory\n", 0)
	var pe *PeerError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PeerError", err)
	}
	if pe.Code != 1 || pe.Message != "scp: /nope: No such file or directory" {
		t.Errorf("PeerError = %+v", pe)
	}
}

func TestReceiverBadStatusLeavesPartial(t *testing.T) {
	f := newSink(t, ".", Options{})
	err := f.run(t, "C0644 5 a.txt\nhello\x02", 0)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want protocol error", err)
	}
	assertMissing(t, f.path("a.txt"))
	data, rerr := os.ReadFile(f.path("a.txt" + partialSuffix))
	if rerr != nil || string(data) != "hello" {
		t.Errorf("partial file = %q, %v", data, rerr)
	}
}

func TestReceiverAbortClosesPartial(t *testing.T) {
	f := newSink(t, ".", Options{})
	if err := f.recv.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := f.recv.Write([]byte("C0644 10 big\n01234")); err != nil {
		t.Fatal(err)
	}
	cause := transportError("read", io.ErrClosedPipe)
	if err := f.recv.Abort(cause); err != cause {
		t.Fatalf("Abort = %v, want %v", err, cause)
	}
	if f.recv.file != nil {
		t.Error("pending file still open after abort")
	}
	assertMissing(t, f.path("big"))
	if err := f.recv.Close(); err != cause {
		t.Errorf("Close after abort = %v, want %v", err, cause)
	}
}

func TestReceiverNonRecursive(t *testing.T) {
	t.Run("file target", func(t *testing.T) {
		f := newSink(t, "out.bin", Options{})
		if err := f.run(t, "C0600 3 remote-name\nabc\x00", 0); err != nil {
			t.Fatal(err)
		}
		assertFile(t, f.path("out.bin"), "abc", 0600)
		assertMissing(t, f.path("remote-name"))
	})
	t.Run("directory target", func(t *testing.T) {
		f := newSink(t, ".", Options{})
		if err := f.run(t, "C0640 3 remote name\nabc\x00", 0); err != nil {
			t.Fatal(err)
		}
		assertFile(t, f.path("remote name"), "abc", 0640)
	})
	t.Run("directory record", func(t *testing.T) {
		f := newSink(t, ".", Options{})
		err := f.run(t, "D0755 0 sub\nE\n", 0)
		if !errors.Is(err, ErrProtocol) {
			t.Fatalf("err = %v, want protocol error", err)
		}
		assertMissing(t, f.path("sub"))
	})
}

func TestReceiverEmptyAndOverwrite(t *testing.T) {
	f := newSink(t, ".", Options{})
	if err := os.WriteFile(f.path("a.txt"), []byte("previous longer content"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := f.run(t, "C0644 0 empty\n\x00C0644 5 a.txt\nhello\x00", 0); err != nil {
		t.Fatal(err)
	}
	assertFile(t, f.path("empty"), "", 0644)
	assertFile(t, f.path("a.txt"), "hello", 0644)
}

func TestReceiverTimestampAppliesToNextRecordOnly(t *testing.T) {
	f := newSink(t, ".", Options{})
	before := time.Now().Add(-time.Minute)
	input := "T1600000000 123456 1600000001 0\nC0644 1 a\nx\x00C0644 1 b\ny\x00"
	if err := f.run(t, input, 0); err != nil {
		t.Fatal(err)
	}
	a := assertFile(t, f.path("a"), "x", 0644)
	if want := time.Unix(1600000000, 123456000); !a.ModTime().Equal(want) {
		t.Errorf("a mtime = %v, want %v", a.ModTime(), want)
	}
	b := assertFile(t, f.path("b"), "y", 0644)
	if b.ModTime().Before(before) {
		t.Errorf("b mtime = %v, want the time of writing", b.ModTime())
	}
}

func TestReceiverSkipTimes(t *testing.T) {
	f := newSink(t, ".", Options{SkipTimes: true})
	if err := f.run(t, "T1600000000 0 1600000000 0\nC0644 1 a\nx\x00", 0); err != nil {
		t.Fatal(err)
	}
	a := assertFile(t, f.path("a"), "x", 0644)
	if a.ModTime().Equal(time.Unix(1600000000, 0)) {
		t.Error("times applied despite SkipTimes")
	}
}

func TestReceiverWriteBeforeStart(t *testing.T) {
	f := newSink(t, ".", Options{})
	if _, err := f.recv.Write([]byte("E\n")); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want protocol error", err)
	}
	if f.acks.Len() != 0 {
		t.Errorf("acks = %q, want none", f.acks.String())
	}
}

func TestReceiverAckFailure(t *testing.T) {
	dir := t.TempDir()
	recv := NewReceiver(&protocols.LocalFileSystem{RootPath: dir}, ".", failingWriter{}, Options{})
	err := recv.Start()
	if !errors.Is(err, ErrTransport) || !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("Start = %v, want transport error", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }
