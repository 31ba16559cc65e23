package scp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"go.uber.org/zap"

	"remotecopy/protocols"
)

// Command is a parsed remote scp invocation.
type Command struct {
	Source        bool // -f: the remote end sends
	Recursive     bool // -r
	PreserveTimes bool // -p
	Target        string
}

// ParseCommand parses the command lines produced by PullCommand and
// PushCommand, plus the unquoted single-target form.
func ParseCommand(command string) (Command, error) {
	var c Command
	prog, rest, _ := strings.Cut(strings.TrimSpace(command), " ")
	if path.Base(prog) != "scp" {
		return c, protocolErrorf("parse", "not an scp command: %q", command)
	}

	var sink bool
	for {
		rest = strings.TrimLeft(rest, " ")
		if !strings.HasPrefix(rest, "-") {
			break
		}
		var flags string
		flags, rest, _ = strings.Cut(rest, " ")
		for _, f := range flags[1:] {
			switch f {
			case 'f':
				c.Source = true
			case 't':
				sink = true
			case 'r':
				c.Recursive = true
			case 'p':
				c.PreserveTimes = true
			case 'd', 'v', 'q':
			default:
				return c, protocolErrorf("parse", "unknown flag -%c in %q", f, command)
			}
		}
	}
	if c.Source == sink {
		return c, protocolErrorf("parse", "need exactly one of -f and -t in %q", command)
	}

	target, err := unquote(rest)
	if err != nil {
		return c, protocolErrorf("parse", "%v in %q", err, command)
	}
	if target == "" {
		return c, protocolErrorf("parse", "missing target in %q", command)
	}
	c.Target = target
	return c, nil
}

// unquote undoes Quote and plain backslash escapes.
func unquote(s string) (string, error) {
	var b strings.Builder
	quoted := false
	for i := 0; i < len(s); i++ {
		switch ch := s[i]; {
		case ch == '\'':
			quoted = !quoted
		case ch == '\\' && !quoted && i+1 < len(s):
			i++
			b.WriteByte(s[i])
		case ch == ' ' && !quoted:
			return "", errors.New("more than one target")
		default:
			b.WriteByte(ch)
		}
	}
	if quoted {
		return "", errors.New("unterminated quote")
	}
	return b.String(), nil
}

// Serve runs the remote end of a session: the source for "scp -f" and the
// sink for "scp -t", against fsys. stdin and stdout are the command's
// streams. Failures the peer can still be told about are written to it as
// an error line before Serve returns.
func Serve(ctx context.Context, fsys protocols.FileSystem, command string, stdin io.Reader, stdout io.Writer, opts Options) error {
	cmd, err := ParseCommand(command)
	if err != nil {
		return err
	}
	opts.Recursive = cmd.Recursive
	opts.Logger = opts.logger().With(zap.String("command", command))
	stdin = ctxReader{ctx: ctx, r: stdin}

	if cmd.Source {
		opts.SkipTimes = !cmd.PreserveTimes
		s := NewSender(fsys, stdin, stdout, opts)
		if err := s.begin(); err != nil {
			return err
		}
		err := s.Send(ctx, cmd.Target)
		if errors.Is(err, ErrLocalIO) && !s.inBody {
			reportError(stdout, err)
		}
		return err
	}

	r := NewReceiver(fsys, cmd.Target, stdout, opts)
	if err := r.Start(); err != nil {
		reportError(stdout, err)
		return err
	}
	if _, err := io.Copy(r, stdin); err != nil {
		if !asEngineError(err) {
			err = transportError("read", err)
		}
		return r.Abort(err)
	}
	return r.Close()
}

// reportError sends err as a warning line. The peer may already be gone.
func reportError(w io.Writer, err error) {
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	_, _ = fmt.Fprintf(w, "\x01scp: %s\n", msg)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
