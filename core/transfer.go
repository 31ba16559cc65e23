package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"remotecopy/config"
	"remotecopy/metrics"
	"remotecopy/protocols"
	"remotecopy/scp"
)

// ErrTaskRunning is returned when a run of the same task is in progress.
var ErrTaskRunning = errors.New("task already running")

// RemoteConn is an established connection able to run scp on the remote.
type RemoteConn interface {
	protocols.Transport
	io.Closer
}

type TransferManager struct {
	HistoryManager *HistoryManager
	Logger         *zap.Logger
	// Dial connects to a task's remote end. Defaults to SSH.
	Dial func(ctx context.Context, task config.Task) (RemoteConn, error)

	mu      sync.Mutex
	running map[string]*sync.Mutex
}

func NewTransferManager(hm *HistoryManager, logger *zap.Logger) *TransferManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransferManager{
		HistoryManager: hm,
		Logger:         logger,
		Dial:           dialSSH,
		running:        make(map[string]*sync.Mutex),
	}
}

func dialSSH(_ context.Context, task config.Task) (RemoteConn, error) {
	c := &protocols.SSHClient{
		Host:       task.Remote.Host,
		Port:       task.Remote.Port,
		User:       task.Remote.User,
		Password:   task.Remote.Password,
		KeyFile:    task.Remote.KeyFile,
		KnownHosts: task.Remote.KnownHosts,
		Timeout:    task.Remote.ConnectTimeout(),
	}
	if err := c.Init(); err != nil {
		return nil, err
	}
	return c, nil
}

func (tm *TransferManager) taskLock(name string) *sync.Mutex {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	l, ok := tm.running[name]
	if !ok {
		l = &sync.Mutex{}
		tm.running[name] = l
	}
	return l
}

// RunTask runs one session per remote path of task over a single
// connection. A failed session does not stop the others; all failures are
// returned together.
func (tm *TransferManager) RunTask(ctx context.Context, task config.Task) error {
	log := tm.Logger.With(zap.String("task", task.Name), zap.String("direction", task.Direction))

	lock := tm.taskLock(task.Name)
	if !lock.TryLock() {
		log.Warn("skipping run, previous run still in progress")
		return ErrTaskRunning
	}
	defer lock.Unlock()

	start := time.Now()
	log.Info("starting task")

	// 1. Init local FileSystem
	localFS, err := tm.createFileSystem(task.LocalType, task.LocalRoot, task.LocalAuth)
	if err != nil {
		return fmt.Errorf("init local fs: %w", err)
	}
	defer closeLogged(log, "local fs", localFS)

	// 2. Connect
	conn, err := tm.Dial(ctx, task)
	if err != nil {
		return fmt.Errorf("connect %s: %w", task.Remote.Host, err)
	}
	defer closeLogged(log, "remote connection", conn)

	// 3. One session per remote path
	history := tm.HistoryManager.GetTaskHistory(task.Name)
	var result *multierror.Error
	for _, remote := range task.RemotePaths {
		if err := tm.runSession(ctx, conn, localFS, task, remote, history, log); err != nil {
			log.Error("session failed", zap.String("remote", remote), zap.Error(err))
			result = multierror.Append(result, fmt.Errorf("%s %s: %w", task.Direction, remote, err))
			if ctx.Err() != nil {
				break
			}
		}
	}

	// 4. Cleanup
	if task.RetentionDays > 0 && task.Direction == config.DirectionPull {
		tm.cleanup(localFS, task, history, log)
	}

	// 5. Save History
	if err := tm.HistoryManager.Save(); err != nil {
		result = multierror.Append(result, fmt.Errorf("save history: %w", err))
	}
	log.Info("finished task",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("failures", failures(result)),
	)
	return result.ErrorOrNil()
}

func failures(result *multierror.Error) int {
	if result == nil {
		return 0
	}
	return len(result.Errors)
}

func (tm *TransferManager) runSession(ctx context.Context, conn RemoteConn, localFS protocols.FileSystem, task config.Task, remote string, history *TaskHistory, log *zap.Logger) error {
	log = log.With(zap.String("remote", remote))
	obs := &taskObserver{
		task:      task.Name,
		direction: task.Direction,
		remote:    remote,
		history:   history,
		log:       log,
	}
	opts := scp.Options{
		Recursive: task.Recursive,
		SkipTimes: !task.KeepTimes(),
		Observer:  scp.Observers{&metricsObserver{task: task.Name, direction: task.Direction}, obs},
		Logger:    log,
	}

	done := metrics.SessionStarted(task.Name, task.Direction)
	var err error
	switch task.Direction {
	case config.DirectionPull:
		err = scp.Pull(ctx, conn, remote, localFS, task.LocalPath, opts)
	case config.DirectionPush:
		err = scp.Push(ctx, conn, localFS, task.LocalPath, remote, opts)
	default:
		err = fmt.Errorf("unknown direction %q", task.Direction)
	}
	done(errorKind(err))
	if err == nil {
		log.Info("session complete", zap.Int("files", obs.files), zap.Int64("bytes", obs.bytes))
	}
	return err
}

// errorKind labels err for metrics; empty means success.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, scp.ErrProtocol):
		return "protocol"
	case errors.Is(err, scp.ErrPathViolation):
		return "path_violation"
	case errors.Is(err, scp.ErrPeerReported):
		return "peer"
	case errors.Is(err, scp.ErrLocalIO):
		return "local_io"
	case errors.Is(err, scp.ErrTransport):
		return "transport"
	default:
		return "other"
	}
}

// metricsObserver counts transferred bytes and completed items.
type metricsObserver struct {
	scp.NopObserver
	task      string
	direction string
	done      int64 // progress of the current file
}

func (o *metricsObserver) TransferStart(scp.Item) { o.done = 0 }

func (o *metricsObserver) Progress(_ scp.Item, done int64) {
	metrics.RecordBytes(o.task, o.direction, done-o.done)
	o.done = done
}

func (o *metricsObserver) ItemComplete(item scp.Item) { metrics.RecordItem(o.task, item.Dir) }

// taskObserver feeds session events into logs and history.
type taskObserver struct {
	task      string
	direction string
	remote    string
	history   *TaskHistory
	log       *zap.Logger

	done  int64 // progress of the current file
	files int
	bytes int64
}

func (o *taskObserver) TransferStart(item scp.Item) {
	o.done = 0
	o.log.Debug("receiving file", zap.String("path", item.Path), zap.Int64("size", item.Size))
}

func (o *taskObserver) Progress(_ scp.Item, done int64) {
	o.bytes += done - o.done
	o.done = done
}

func (o *taskObserver) ItemComplete(item scp.Item) {
	if item.Dir {
		return
	}
	o.files++
	// Pulled items are named from the parent of the remote path, pushed
	// items land under it.
	key, remote := item.Local, path.Join(path.Dir(o.remote), item.Path)
	if o.direction == config.DirectionPush {
		key, remote = item.Path, path.Join(o.remote, item.Path)
	}
	o.history.Add(key, Record{Size: item.Size, Remote: remote})
	o.log.Info("transferred file", zap.String("path", item.Path), zap.Int64("size", item.Size))
}

func (o *taskObserver) DirectoryEnter(item scp.Item) {
	o.log.Debug("entering directory", zap.String("path", item.Path))
}

func (o *taskObserver) Error(err error) {
	o.log.Debug("session error", zap.String("kind", errorKind(err)), zap.Error(err))
}

func (tm *TransferManager) createFileSystem(fsType, rootPath string, auth *config.Auth) (protocols.FileSystem, error) {
	var fs protocols.FileSystem
	switch fsType {
	case "local":
		fs = &protocols.LocalFileSystem{RootPath: rootPath}
	case "sftp":
		if auth == nil {
			return nil, fmt.Errorf("auth required for sftp")
		}
		fs = &protocols.SFTPFileSystem{
			Host:       auth.Host,
			Port:       auth.Port,
			User:       auth.User,
			Password:   auth.Password,
			KeyFile:    auth.KeyFile,
			KnownHosts: auth.KnownHosts,
			RootPath:   rootPath,
		}
	case "ftp":
		if auth == nil {
			return nil, fmt.Errorf("auth required for ftp")
		}
		fs = &protocols.FTPFileSystem{
			Host:     auth.Host,
			Port:     auth.Port,
			User:     auth.User,
			Password: auth.Password,
			RootPath: rootPath,
		}
	default:
		return nil, fmt.Errorf("unknown fs type: %s", fsType)
	}
	if err := fs.Init(); err != nil {
		return nil, err
	}
	return fs, nil
}

// cleanup removes pulled files whose transfer is older than the task's
// retention.
func (tm *TransferManager) cleanup(localFS protocols.FileSystem, task config.Task, history *TaskHistory, log *zap.Logger) {
	cutoff := time.Now().AddDate(0, 0, -task.RetentionDays)
	removed := 0
	for _, relPath := range history.Before(cutoff) {
		entry, err := localFS.Stat(relPath)
		if err != nil || entry.IsDir {
			// Already gone or replaced by a directory.
			history.Remove(relPath)
			continue
		}

		rec, _ := history.Get(relPath)
		log.Info("cleaning up old file", zap.String("path", relPath), zap.Time("transferred", rec.Time))
		if err := localFS.Remove(relPath); err != nil {
			log.Warn("failed to remove old file", zap.String("path", relPath), zap.Error(err))
			continue
		}
		history.Remove(relPath)
		removed++
	}
	if removed > 0 {
		metrics.RecordRetentionRemoved(task.Name, removed)
	}
}

func closeLogged(log *zap.Logger, what string, c io.Closer) {
	if err := c.Close(); err != nil {
		log.Warn("close "+what, zap.Error(err))
	}
}
