package run

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task is a blocking unit of work that returns when ctx is done.
type Task func(ctx context.Context) error

type Runner struct {
	Logger *zap.Logger
}

func New(log *zap.Logger) *Runner {
	return &Runner{Logger: log}
}

// WithSignals runs start until it returns; SIGINT and SIGTERM cancel its
// context. It returns the process exit code.
func (r *Runner) WithSignals(start Task) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := start(ctx)
	if ctx.Err() != nil {
		r.Logger.Info("shutdown signal received")
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
		return 0
	}
	r.Logger.Error("service exited with error", zap.Error(err))
	return 1
}

// Group runs tasks concurrently. The first failure cancels the others; the
// first error is returned once all tasks have stopped.
func Group(ctx context.Context, tasks ...Task) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		t := t
		g.Go(func() error { return t(gctx) })
	}
	return g.Wait()
}

// Serve adapts a blocking server into a Task. When ctx is done, shutdown is
// called with a fresh context bounded by timeout.
func Serve(start func() error, shutdown func(context.Context) error, timeout time.Duration) Task {
	return func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- start() }()

		select {
		case err := <-errCh:
			if err == nil {
				return errors.New("server stopped unexpectedly")
			}
			return err
		case <-ctx.Done():
		}

		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func Exit(code int) {
	os.Exit(code)
}
