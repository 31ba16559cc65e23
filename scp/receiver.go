package scp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"go.uber.org/zap"

	"remotecopy/protocols"
)

const (
	maxLineLength = 64 * 1024
	partialSuffix = ".part"
)

type state int

const (
	stateAwaitingFirstAck state = iota
	stateControlLine
	stateFileBody
	stateTerminated
)

func (s state) String() string {
	switch s {
	case stateAwaitingFirstAck:
		return "awaiting-first-ack"
	case stateControlLine:
		return "control-line"
	case stateFileBody:
		return "file-body"
	case stateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type dirFrame struct {
	name  string
	item  Item
	mode  os.FileMode
	times *TimeRecord
}

type pendingFile struct {
	item      Item
	partial   string
	mode      os.FileMode
	times     *TimeRecord
	remaining int64
	written   int64
	w         io.WriteCloser
}

// Receiver is the sink side of a session. Feed it the peer's output through
// Write in chunks of any size; acknowledgements go to the writer given to
// NewReceiver.
type Receiver struct {
	fs   protocols.FileSystem
	root string
	out  io.Writer
	opts Options
	obs  Observer
	log  *zap.Logger

	state     state
	rootIsDir bool
	line      []byte
	stack     []dirFrame
	times     *TimeRecord
	file      *pendingFile
	err       error
}

// NewReceiver returns a receiver writing under root in fsys.
func NewReceiver(fsys protocols.FileSystem, root string, out io.Writer, opts Options) *Receiver {
	return &Receiver{
		fs:   fsys,
		root: path.Clean(root),
		out:  out,
		opts: opts,
		obs:  opts.observer(),
		log:  opts.logger().With(zap.String("role", "sink")),
	}
}

// Start prepares the destination and sends the priming acknowledgement.
//
// Precondition: stateAwaitingFirstAck. Postcondition: stateControlLine.
func (r *Receiver) Start() error {
	if r.state != stateAwaitingFirstAck {
		return protocolErrorf("start", "receiver is in state %s", r.state)
	}
	if err := r.prepareRoot(); err != nil {
		return r.fail(err)
	}
	if err := r.ack(); err != nil {
		return r.fail(err)
	}
	r.state = stateControlLine
	return nil
}

func (r *Receiver) prepareRoot() error {
	entry, err := r.fs.Stat(r.root)
	switch {
	case err == nil:
		r.rootIsDir = entry.IsDir
		if r.opts.Recursive && !entry.IsDir {
			return localIOError("stat", r.root, errors.New("destination is not a directory"))
		}
	case errors.Is(err, fs.ErrNotExist):
		if !r.opts.Recursive {
			// The destination names the file itself.
			return nil
		}
		if err := r.fs.MkdirAll(r.root, 0755); err != nil {
			return localIOError("mkdir", r.root, err)
		}
		r.rootIsDir = true
	default:
		return localIOError("stat", r.root, err)
	}
	return nil
}

// Write consumes peer output. It returns an error as soon as the session
// fails; all later calls return the same error.
func (r *Receiver) Write(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	switch r.state {
	case stateAwaitingFirstAck:
		return 0, r.fail(protocolErrorf("receive", "input before the priming acknowledgement"))
	case stateTerminated:
		return 0, protocolErrorf("receive", "input after end of session")
	}

	n := len(p)
	for len(p) > 0 {
		var err error
		switch r.state {
		case stateControlLine:
			p, err = r.consumeLine(p)
		case stateFileBody:
			p, err = r.consumeBody(p)
		}
		if err != nil {
			return n - len(p), r.fail(err)
		}
	}
	return n, nil
}

// Close signals the end of peer output. The session succeeded only if the
// input ended between control lines with every directory closed.
func (r *Receiver) Close() error {
	if r.err != nil {
		return r.err
	}
	if r.state == stateControlLine && len(r.stack) == 0 && len(r.line) == 0 {
		r.state = stateTerminated
		return nil
	}
	if r.state == stateAwaitingFirstAck {
		return r.fail(protocolErrorf("receive", "receiver was never started"))
	}
	return r.fail(transportError("receive", fmt.Errorf("peer closed early in state %s: %w", r.state, io.ErrUnexpectedEOF)))
}

// Abort terminates the session with err, closing any partially written
// file. It returns the error the session ended with.
func (r *Receiver) Abort(err error) error {
	if r.err != nil {
		return r.err
	}
	return r.fail(err)
}

func (r *Receiver) fail(err error) error {
	r.err = err
	r.state = stateTerminated
	if f := r.file; f != nil {
		r.file = nil
		if cerr := f.w.Close(); cerr != nil {
			r.log.Warn("close partial file", zap.String("path", f.partial), zap.Error(cerr))
		}
		r.log.Warn("transfer aborted, partial file left",
			zap.String("path", f.partial),
			zap.Int64("written", f.written),
			zap.Int64("size", f.item.Size),
		)
	}
	return err
}

func (r *Receiver) consumeLine(p []byte) ([]byte, error) {
	i := bytes.IndexByte(p, '\n')
	if i < 0 {
		if len(r.line)+len(p) > maxLineLength {
			return nil, protocolErrorf("receive", "control line longer than %d bytes", maxLineLength)
		}
		r.line = append(r.line, p...)
		return nil, nil
	}
	if len(r.line)+i > maxLineLength {
		return nil, protocolErrorf("receive", "control line longer than %d bytes", maxLineLength)
	}
	r.line = append(r.line, p[:i]...)
	line := string(r.line)
	r.line = r.line[:0]
	return p[i+1:], r.handleLine(line)
}

func (r *Receiver) handleLine(line string) error {
	r.log.Debug("control line", zap.String("line", line))
	if line != "" && (line[0] == 1 || line[0] == 2) {
		return &Error{Kind: ErrPeerReported, Op: "receive", Err: &PeerError{
			Code:    line[0],
			Message: strings.TrimSpace(line[1:]),
		}}
	}

	rec, err := ParseLine(line)
	if err != nil {
		return err
	}
	switch rec := rec.(type) {
	case TimeRecord:
		r.times = &rec
		return r.ack()
	case DirRecord:
		return r.enterDir(rec)
	case FileRecord:
		return r.beginFile(rec)
	case EndRecord:
		return r.exitDir()
	default:
		return protocolErrorf("receive", "unhandled record %T", rec)
	}
}

// enterDir handles a D record.
//
// Precondition: stateControlLine. Postcondition: stateControlLine, one more
// frame on the stack.
func (r *Receiver) enterDir(rec DirRecord) error {
	if !r.opts.Recursive {
		return protocolErrorf("receive", "directory %q in a non-recursive transfer", rec.Name)
	}
	local, err := Resolve(r.root, r.names(), rec.Name)
	if err != nil {
		return err
	}
	times := r.takeTimes()

	if err := r.fs.MkdirAll(local, rec.Mode.Perm()|0700); err != nil {
		return localIOError("mkdir", local, err)
	}
	if err := r.applyTimes(local, times); err != nil {
		return err
	}
	item := Item{Path: r.remoteName(rec.Name), Local: local, Dir: true}
	r.stack = append(r.stack, dirFrame{name: rec.Name, item: item, mode: rec.Mode, times: times})
	r.obs.DirectoryEnter(item)
	return r.ack()
}

// exitDir handles an E record.
//
// Precondition: stateControlLine with a non-empty stack. Postcondition:
// stateControlLine, one frame fewer.
func (r *Receiver) exitDir() error {
	if len(r.stack) == 0 {
		return protocolErrorf("receive", "end of directory with no directory open")
	}
	top := r.stack[len(r.stack)-1]
	r.stack = r.stack[:len(r.stack)-1]

	if err := r.applyMode(top.item.Local, top.mode); err != nil {
		return err
	}
	// Writing children moved the directory's mtime.
	if err := r.applyTimes(top.item.Local, top.times); err != nil {
		return err
	}
	r.obs.ItemComplete(top.item)
	return r.ack()
}

// beginFile handles a C record.
//
// Precondition: stateControlLine. Postcondition: stateFileBody with an open
// pending file.
func (r *Receiver) beginFile(rec FileRecord) error {
	local, err := r.fileTarget(rec.Name)
	if err != nil {
		return err
	}
	times := r.takeTimes()

	partial := local + partialSuffix
	w, err := r.fs.Create(partial, rec.Mode.Perm()|0600)
	if err != nil {
		return localIOError("create", partial, err)
	}
	item := Item{Path: r.remoteName(rec.Name), Local: local, Size: rec.Size}
	r.file = &pendingFile{
		item:      item,
		partial:   partial,
		mode:      rec.Mode,
		times:     times,
		remaining: rec.Size,
		w:         w,
	}
	r.state = stateFileBody
	r.obs.TransferStart(item)
	r.obs.Progress(item, 0)
	return r.ack()
}

func (r *Receiver) consumeBody(p []byte) ([]byte, error) {
	f := r.file
	if f.remaining > 0 {
		n := int64(len(p))
		if n > f.remaining {
			n = f.remaining
		}
		if _, err := f.w.Write(p[:n]); err != nil {
			return p, localIOError("write", f.partial, err)
		}
		f.remaining -= n
		f.written += n
		r.obs.Progress(f.item, f.written)
		return p[n:], nil
	}
	if p[0] != 0 {
		return p, protocolErrorf("receive", "status byte %#x after %s", p[0], f.item.Path)
	}
	return p[1:], r.finishFile()
}

// finishFile completes the pending file after its status byte.
//
// Precondition: stateFileBody with nothing remaining. Postcondition:
// stateControlLine, no pending file.
func (r *Receiver) finishFile() error {
	f := r.file
	r.file = nil
	if err := f.w.Close(); err != nil {
		return localIOError("close", f.partial, err)
	}
	if err := r.applyMode(f.partial, f.mode); err != nil {
		return err
	}
	if err := r.fs.Rename(f.partial, f.item.Local); err != nil {
		return localIOError("rename", f.item.Local, err)
	}
	if err := r.applyTimes(f.item.Local, f.times); err != nil {
		return err
	}
	r.state = stateControlLine
	r.log.Debug("file received", zap.String("path", f.item.Path), zap.Int64("size", f.written))
	r.obs.ItemComplete(f.item)
	return r.ack()
}

func (r *Receiver) fileTarget(name string) (string, error) {
	if r.opts.Recursive || r.rootIsDir {
		return Resolve(r.root, r.names(), name)
	}
	// The root is the file; the announced name is still checked.
	if _, err := Resolve(".", nil, name); err != nil {
		return "", err
	}
	return r.root, nil
}

func (r *Receiver) takeTimes() *TimeRecord {
	t := r.times
	r.times = nil
	return t
}

func (r *Receiver) applyTimes(local string, t *TimeRecord) error {
	if t == nil || r.opts.SkipTimes {
		return nil
	}
	err := r.fs.Chtimes(local, t.AccessTime(), t.ModTime())
	if errors.Is(err, errors.ErrUnsupported) {
		r.log.Debug("filesystem cannot set times", zap.String("path", local))
		return nil
	}
	if err != nil {
		return localIOError("chtimes", local, err)
	}
	return nil
}

func (r *Receiver) applyMode(local string, mode os.FileMode) error {
	err := r.fs.Chmod(local, mode)
	if errors.Is(err, errors.ErrUnsupported) {
		r.log.Debug("filesystem cannot set modes", zap.String("path", local))
		return nil
	}
	if err != nil {
		return localIOError("chmod", local, err)
	}
	return nil
}

func (r *Receiver) ack() error {
	if _, err := r.out.Write([]byte{0}); err != nil {
		return transportError("ack", err)
	}
	return nil
}

func (r *Receiver) names() []string {
	names := make([]string, len(r.stack))
	for i, f := range r.stack {
		names[i] = f.name
	}
	return names
}

func (r *Receiver) remoteName(name string) string {
	return path.Join(append(r.names(), name)...)
}
