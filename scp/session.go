package scp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"remotecopy/protocols"
)

// Options configure one session.
type Options struct {
	// Recursive allows directories in either direction.
	Recursive bool
	// SkipTimes neither sends nor applies T records.
	SkipTimes bool
	Observer  Observer
	Logger    *zap.Logger
}

func (o Options) observer() Observer {
	if o.Observer == nil {
		return NopObserver{}
	}
	return o.Observer
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Pull copies remotePath from the peer into localPath on dst. The remote
// side runs as source; see PullCommand.
func Pull(ctx context.Context, t protocols.Transport, remotePath string, dst protocols.FileSystem, localPath string, opts Options) error {
	log := opts.logger().With(zap.String("op", "pull"), zap.String("remote", remotePath))
	start := time.Now()

	err := withChannel(ctx, t, PullCommand(remotePath, opts.Recursive), log, func(ch protocols.Channel) error {
		recv := NewReceiver(dst, localPath, ch.Stdin(), opts)
		if err := recv.Start(); err != nil {
			return err
		}
		if _, err := io.Copy(recv, ch.Stdout()); err != nil {
			if !asEngineError(err) {
				err = transportError("read", err)
			}
			return recv.Abort(err)
		}
		return recv.Close()
	})
	return finish(opts, log, start, err)
}

// Push copies localPath from src to remotePath on the peer. The remote
// side runs as sink; see PushCommand.
func Push(ctx context.Context, t protocols.Transport, src protocols.FileSystem, localPath, remotePath string, opts Options) error {
	log := opts.logger().With(zap.String("op", "push"), zap.String("remote", remotePath))
	start := time.Now()

	err := withChannel(ctx, t, PushCommand(remotePath, opts.Recursive), log, func(ch protocols.Channel) error {
		return NewSender(src, ch.Stdout(), ch.Stdin(), opts).Send(ctx, localPath)
	})
	return finish(opts, log, start, err)
}

// WriteFile stores data at remotePath on the peer as a single file.
func WriteFile(ctx context.Context, t protocols.Transport, data []byte, remotePath string, mode os.FileMode, opts Options) error {
	log := opts.logger().With(zap.String("op", "write"), zap.String("remote", remotePath))
	start := time.Now()

	opts.Recursive = false
	err := withChannel(ctx, t, PushCommand(remotePath, false), log, func(ch protocols.Channel) error {
		return NewSender(nil, ch.Stdout(), ch.Stdin(), opts).SendBytes(ctx, path.Base(remotePath), mode, data)
	})
	return finish(opts, log, start, err)
}

// withChannel runs fn against a freshly executed remote command, then
// closes its input and collects the exit status. Cancelling ctx closes the
// channel under fn.
func withChannel(ctx context.Context, t protocols.Transport, command string, log *zap.Logger, fn func(protocols.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return transportError("exec", err)
	}
	log.Debug("exec", zap.String("command", command))
	ch, err := t.Exec(ctx, command)
	if err != nil {
		return transportError("exec", err)
	}
	stop := context.AfterFunc(ctx, func() {
		if err := ch.Close(); err != nil {
			log.Debug("close channel on cancel", zap.Error(err))
		}
	})
	defer stop()

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		drainStderr(ch.Stderr(), log)
	}()

	runErr := fn(ch)
	if runErr != nil {
		// Unblock a peer still writing to us.
		if err := ch.Close(); err != nil {
			log.Debug("close channel after failure", zap.Error(err))
		}
		<-stderrDone
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(runErr, ErrTransport) {
			return transportError("cancel", ctxErr)
		}
		return runErr
	}

	var result *multierror.Error
	// A source that already exited has closed the channel; its stdin
	// reports io.EOF.
	if err := ch.Stdin().Close(); err != nil && !errors.Is(err, io.EOF) {
		result = multierror.Append(result, transportError("close", err))
	}
	waitErr := ch.Wait()
	<-stderrDone
	if waitErr != nil {
		result = multierror.Append(result, &Error{Kind: ErrPeerReported, Op: "exit", Err: waitErr})
	}
	if err := ch.Close(); err != nil && !errors.Is(err, io.EOF) {
		log.Debug("close channel", zap.Error(err))
	}
	if result == nil {
		return nil
	}
	// The first failure names the kind; the rest are context.
	if len(result.Errors) == 1 {
		return result.Errors[0]
	}
	return &Error{Kind: kindOf(result.Errors[0]), Op: "finish", Err: result.ErrorOrNil()}
}

func kindOf(err error) error {
	for _, k := range []error{ErrProtocol, ErrPathViolation, ErrTransport, ErrPeerReported, ErrLocalIO} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrTransport
}

func finish(opts Options, log *zap.Logger, start time.Time, err error) error {
	if err != nil {
		opts.observer().Error(err)
		log.Debug("session failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return err
	}
	log.Debug("session complete", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func drainStderr(r io.Reader, log *zap.Logger) {
	if r == nil {
		return
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		log.Debug("remote stderr", zap.String("line", sc.Text()))
	}
	if err := sc.Err(); err != nil {
		log.Debug("remote stderr", zap.Error(fmt.Errorf("read: %w", err)))
		// Keep the stream flowing so the remote never blocks on it.
		_, _ = io.Copy(io.Discard, r)
	}
}
