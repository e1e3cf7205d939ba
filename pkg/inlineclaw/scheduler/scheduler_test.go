package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func quietScheduler() *Scheduler {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAddValidates(t *testing.T) {
	s := quietScheduler()
	noop := func(context.Context) error { return nil }

	if err := s.Add("sweep", "*/5 * * * *", noop); err != nil {
		t.Fatalf("valid cron: %v", err)
	}
	if err := s.Add("sweep", "@hourly", noop); err == nil {
		t.Error("duplicate name should fail")
	}
	if err := s.Add("bad", "every tuesday", noop); err == nil {
		t.Error("invalid schedule should fail")
	}
	if err := s.Add("", "@hourly", noop); err == nil {
		t.Error("empty name should fail")
	}

	s.Remove("sweep")
	if err := s.Add("sweep", "@every 1m", noop); err != nil {
		t.Errorf("re-add after remove: %v", err)
	}
}

func TestRunNow(t *testing.T) {
	s := quietScheduler()
	var runs atomic.Int32
	boom := errors.New("boom")
	s.Add("count", "@hourly", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("task context has no deadline")
		}
		runs.Add(1)
		return nil
	})
	s.Add("fail", "@hourly", func(context.Context) error { return boom })

	if err := s.RunNow("count"); err != nil || runs.Load() != 1 {
		t.Errorf("RunNow = %v, runs = %d", err, runs.Load())
	}
	if err := s.RunNow("fail"); !errors.Is(err, boom) {
		t.Errorf("RunNow(fail) = %v", err)
	}
	if err := s.RunNow("missing"); err == nil {
		t.Error("unknown task should fail")
	}
}

func TestOverlappingRunsSkipped(t *testing.T) {
	s := quietScheduler()
	var runs atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	s.Add("slow", "@hourly", func(context.Context) error {
		if runs.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil
	})

	done := make(chan struct{})
	go func() {
		s.RunNow("slow")
		close(done)
	}()
	<-entered
	s.RunNow("slow")
	close(release)
	<-done

	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}
}

func TestScheduledFire(t *testing.T) {
	s := quietScheduler()
	fired := make(chan struct{}, 1)
	s.Add("tick", "@every 1s", func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	})
	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("task did not fire")
	}
}
