package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"remotecopy/config"
	"remotecopy/logging"
)

type Runner struct {
	Config          *config.Config
	TransferManager *TransferManager
	Cron            *cron.Cron
	Logger          *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(cfg *config.Config, tm *TransferManager, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		Config:          cfg,
		TransferManager: tm,
		Cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		Logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start schedules every task that has a cron expression and runs all tasks
// once immediately in the background.
func (r *Runner) Start() error {
	var result *multierror.Error
	for _, task := range r.Config.Tasks {
		log := r.Logger.With(zap.String("task", task.Name))
		if task.Cron != "" {
			_, err := r.Cron.AddFunc(task.Cron, func() { r.run(task, "scheduled") })
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("schedule task %s: %w", task.Name, err))
				continue
			}
			log.Info("scheduled task", zap.String("cron", task.Cron))
		}

		// Run immediately in background
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.run(task, "immediate")
		}()
	}
	r.Cron.Start()
	return result.ErrorOrNil()
}

func (r *Runner) run(task config.Task, trigger string) {
	ctx := logging.WithTask(logging.NewContext(r.ctx, r.Logger), task.Name)
	log := logging.WithContext(ctx).With(zap.String("trigger", trigger))
	err := r.TransferManager.RunTask(ctx, task)
	switch {
	case err == nil:
	case errors.Is(err, ErrTaskRunning):
		log.Info("task still running, run skipped")
	default:
		log.Error("task failed", zap.Error(err))
	}
}

// RunOnce runs every task in order and returns their combined failures.
func (r *Runner) RunOnce(ctx context.Context) error {
	var result *multierror.Error
	for _, task := range r.Config.Tasks {
		if err := ctx.Err(); err != nil {
			return multierror.Append(result, err).ErrorOrNil()
		}
		if err := r.TransferManager.RunTask(ctx, task); err != nil {
			result = multierror.Append(result, fmt.Errorf("task %s: %w", task.Name, err))
		}
	}
	return result.ErrorOrNil()
}

// Stop cancels running sessions, stops the scheduler and waits for all
// runs to return.
func (r *Runner) Stop() {
	r.cancel()
	<-r.Cron.Stop().Done()
	r.wg.Wait()
}

// cronLogger routes cron's logs to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
