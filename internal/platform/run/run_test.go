package run

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestGroup_FirstErrorCancelsOthers(t *testing.T) {
	boom := errors.New("boom")
	stopped := make(chan struct{})
	err := Group(context.Background(),
		func(ctx context.Context) error { return boom },
		func(ctx context.Context) error {
			<-ctx.Done()
			close(stopped)
			return nil
		},
	)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	select {
	case <-stopped:
	default:
		t.Fatal("sibling task was not cancelled")
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	release := make(chan struct{})
	shutdownCalled := false
	task := Serve(
		func() error { <-release; return nil },
		func(context.Context) error { shutdownCalled = true; close(release); return nil },
		time.Second,
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := task(ctx); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if !shutdownCalled {
		t.Fatal("shutdown was not called")
	}
}

func TestServe_StartFailure(t *testing.T) {
	bind := errors.New("address in use")
	task := Serve(func() error { return bind }, func(context.Context) error { return nil }, time.Second)
	if err := task(context.Background()); !errors.Is(err, bind) {
		t.Fatalf("expected bind error, got %v", err)
	}
}

func TestWithSignals_ExitCodes(t *testing.T) {
	r := New(zap.NewNop())
	if code := r.WithSignals(func(context.Context) error { return nil }); code != 0 {
		t.Fatalf("expected 0, got %d", code)
	}
	if code := r.WithSignals(func(context.Context) error { return errors.New("fail") }); code != 1 {
		t.Fatalf("expected 1, got %d", code)
	}
}
