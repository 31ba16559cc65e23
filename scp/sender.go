package scp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"go.uber.org/zap"

	"remotecopy/protocols"
)

const bufferSize = 32 * 1024

// Sender is the source side of a session. Every unit it writes waits for a
// one-byte acknowledgement read from the peer.
type Sender struct {
	fs      protocols.FileSystem
	in      *bufio.Reader
	out     io.Writer
	opts    Options
	obs     Observer
	log     *zap.Logger
	started bool
	buf     []byte

	// inBody is set while a file body is partly written. Serve reads it:
	// an error line is only safe to send between units.
	inBody bool
}

// NewSender returns a sender reading local entries from fsys, peer
// acknowledgements from in and writing the stream to out.
func NewSender(fsys protocols.FileSystem, in io.Reader, out io.Writer, opts Options) *Sender {
	return &Sender{
		fs:   fsys,
		in:   bufio.NewReader(in),
		out:  out,
		opts: opts,
		obs:  opts.observer(),
		log:  opts.logger().With(zap.String("role", "source")),
	}
}

// begin consumes the sink's priming acknowledgement once per session.
func (s *Sender) begin() error {
	if s.started {
		return nil
	}
	if err := s.readAck(); err != nil {
		return err
	}
	s.started = true
	return nil
}

// Send transfers localPath, a file or (with Recursive) a directory tree.
// It can be called repeatedly to send several top-level entries in one
// session.
func (s *Sender) Send(ctx context.Context, localPath string) error {
	localPath = path.Clean(localPath)
	entry, err := s.fs.Stat(localPath)
	if err != nil {
		return localIOError("stat", localPath, err)
	}
	if entry.IsDir && !s.opts.Recursive {
		return localIOError("send", localPath, errors.New("is a directory, recursive transfer required"))
	}
	if err := s.begin(); err != nil {
		return err
	}
	return s.sendEntry(ctx, localPath, entry, "")
}

// SendBytes transfers data as a single file called name.
func (s *Sender) SendBytes(ctx context.Context, name string, mode os.FileMode, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := s.begin(); err != nil {
		return err
	}
	item := Item{Path: name, Size: int64(len(data))}
	if err := s.sendRecord(FileRecord{Mode: mode, Size: item.Size, Name: name}); err != nil {
		return err
	}
	s.obs.TransferStart(item)
	if err := s.sendBody(ctx, item, bytes.NewReader(data)); err != nil {
		return err
	}
	s.obs.ItemComplete(item)
	return nil
}

func (s *Sender) sendEntry(ctx context.Context, local string, entry *protocols.FileEntry, parent string) error {
	if err := ctx.Err(); err != nil {
		return transportError("send", err)
	}
	if err := checkName(entry.Name); err != nil {
		return err
	}
	item := Item{
		Path:  path.Join(parent, entry.Name),
		Local: local,
		Size:  entry.Size,
		Dir:   entry.IsDir,
	}
	switch {
	case entry.IsDir:
		return s.sendDir(ctx, item, entry)
	case entry.IsRegular():
		return s.sendFile(ctx, item, entry)
	default:
		s.log.Warn("skipping entry that is not a regular file or directory",
			zap.String("path", local),
			zap.String("mode", entry.Mode.String()),
		)
		return nil
	}
}

func (s *Sender) sendDir(ctx context.Context, item Item, entry *protocols.FileEntry) error {
	if err := s.sendTimes(entry); err != nil {
		return err
	}
	if err := s.sendRecord(DirRecord{Mode: entry.Mode, Size: 0, Name: entry.Name}); err != nil {
		return err
	}
	s.obs.DirectoryEnter(item)

	children, err := s.fs.List(item.Local)
	if err != nil {
		return localIOError("list", item.Local, err)
	}
	for i := range children {
		child := &children[i]
		if err := s.sendEntry(ctx, path.Join(item.Local, child.Name), child, item.Path); err != nil {
			return err
		}
	}

	if err := s.sendRecord(EndRecord{}); err != nil {
		return err
	}
	s.obs.ItemComplete(item)
	return nil
}

func (s *Sender) sendFile(ctx context.Context, item Item, entry *protocols.FileEntry) error {
	f, err := s.fs.Open(item.Local)
	if err != nil {
		return localIOError("open", item.Local, err)
	}
	defer f.Close()

	if err := s.sendTimes(entry); err != nil {
		return err
	}
	if err := s.sendRecord(FileRecord{Mode: entry.Mode, Size: entry.Size, Name: entry.Name}); err != nil {
		return err
	}
	s.obs.TransferStart(item)
	if err := s.sendBody(ctx, item, f); err != nil {
		return err
	}
	s.obs.ItemComplete(item)
	return nil
}

// sendBody streams exactly item.Size bytes from r followed by the status
// byte, then waits for the acknowledgement.
func (s *Sender) sendBody(ctx context.Context, item Item, r io.Reader) error {
	if s.buf == nil {
		s.buf = make([]byte, bufferSize)
	}
	s.obs.Progress(item, 0)

	s.inBody = true
	var done int64
	for done < item.Size {
		if err := ctx.Err(); err != nil {
			return transportError("send", err)
		}
		chunk := s.buf
		if rest := item.Size - done; rest < int64(len(chunk)) {
			chunk = chunk[:rest]
		}
		n, err := io.ReadFull(r, chunk)
		if n > 0 {
			if _, werr := s.out.Write(chunk[:n]); werr != nil {
				return transportError("write", werr)
			}
			done += int64(n)
			s.obs.Progress(item, done)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return localIOError("read", item.Local, fmt.Errorf("file shrank to %d of %d bytes during transfer", done, item.Size))
		}
		if err != nil {
			return localIOError("read", item.Local, err)
		}
	}

	if _, err := s.out.Write([]byte{0}); err != nil {
		return transportError("write", err)
	}
	s.inBody = false
	return s.readAck()
}

func (s *Sender) sendTimes(entry *protocols.FileEntry) error {
	if s.opts.SkipTimes {
		return nil
	}
	atime := entry.AccessTime
	if atime.IsZero() {
		atime = entry.ModTime
	}
	return s.sendRecord(TimesOf(entry.ModTime, atime))
}

func (s *Sender) sendRecord(rec Record) error {
	line := FormatLine(rec)
	s.log.Debug("control line", zap.ByteString("line", line[:len(line)-1]))
	if _, err := s.out.Write(line); err != nil {
		return transportError("write", err)
	}
	return s.readAck()
}

// readAck reads one acknowledgement. Non-zero codes carry a message up to
// the next newline.
func (s *Sender) readAck() error {
	b, err := s.in.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("peer closed early: %w", io.ErrUnexpectedEOF)
		}
		return transportError("ack", err)
	}
	if b == 0 {
		return nil
	}
	msg, err := s.in.ReadString('\n')
	if err != nil && msg == "" {
		s.log.Debug("peer error without message", zap.Uint8("code", b), zap.Error(err))
	}
	pe := &PeerError{Code: b, Message: strings.TrimRight(msg, "\r\n")}
	if b != 1 && b != 2 {
		pe.Message = string(b) + pe.Message
	}
	return &Error{Kind: ErrPeerReported, Op: "ack", Err: pe}
}

func checkName(name string) error {
	if _, err := Resolve(".", nil, name); err != nil {
		return err
	}
	return nil
}
